package models

import "errors"

// Sentinel errors for deployment operations. Layers wrap these with
// fmt.Errorf("%w: ...") so callers can classify failures with errors.Is
// without parsing message text.
var (
	// ErrInvalidConfig marks a deployment config that failed validation.
	// Nothing is recorded in history when validation rejects a request.
	ErrInvalidConfig = errors.New("invalid deployment config")

	// ErrDeploymentConflict is returned when another deployment for the
	// same name is still in progress.
	ErrDeploymentConflict = errors.New("deployment already in progress")

	// ErrResourceUnavailable is returned when the provider reports the
	// cluster cannot fit the requested replicas.
	ErrResourceUnavailable = errors.New("insufficient resources")

	// ErrHealthCheckFailed marks a replica or endpoint that never turned
	// healthy within its retry budget.
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrTimeout marks a readiness or rollout wait that exceeded its bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrCanaryFailed is returned when the canary fleet exceeded the
	// error-rate threshold during observation.
	ErrCanaryFailed = errors.New("canary analysis failed")

	// ErrRollbackFailed is returned when reverting to a previous version
	// did not succeed. It never replaces the error that triggered the
	// rollback.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrNotFound is returned for lookups of unknown deployment IDs.
	ErrNotFound = errors.New("deployment not found")
)
