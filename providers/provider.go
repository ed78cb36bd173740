package providers

import (
	"context"

	"github.com/stagehand/stagehand/models"
)

// DeployResult is what a backend reports after materializing a fleet.
type DeployResult struct {
	// Endpoint is where the deployed workload answers HTTP.
	Endpoint string `json:"endpoint"`
	// Metadata carries backend-specific detail (image, namespace, ...).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TrafficWeights is a stable/canary split in percent. The two sides
// always sum to 100.
type TrafficWeights struct {
	Stable int `json:"stable"`
	Canary int `json:"canary"`
}

// Provider abstracts a deployment backend. Strategies drive rollouts
// exclusively through this interface; anything cluster-specific stays
// behind it.
//
// Deploy, UpdateReplicas and the traffic operations are expected to be
// idempotent: re-running them for the same config converges on the same
// backend state.
type Provider interface {
	// Deploy materializes a fleet for the config and returns where it is
	// reachable. Used directly for the blue-green green fleet and the
	// canary fleet; rolling updates go through UpdateReplicas instead.
	Deploy(ctx context.Context, config models.DeploymentConfig, artifact string) (*DeployResult, error)

	// DestroyDeployment removes the named workload and its exposure.
	DestroyDeployment(ctx context.Context, name string) error

	// GetDeploymentInfo returns a backend view of the workload for
	// operators: replica counts, image, endpoint and similar.
	GetDeploymentInfo(ctx context.Context, name string) (map[string]interface{}, error)

	// UpdateReplicas moves the replica index range [start, end) of the
	// named workload to the given artifact.
	UpdateReplicas(ctx context.Context, name, artifact string, start, end int) error

	// GetReadyReplicas reports how many replicas currently pass the
	// backend's own readiness gates.
	GetReadyReplicas(ctx context.Context, name string) (int, error)

	// GetReplicaEndpoints lists per-replica addresses for direct health
	// probing.
	GetReplicaEndpoints(ctx context.Context, name string) ([]string, error)

	// SwitchTraffic points all traffic for name at the given track
	// ("blue" or "green").
	SwitchTraffic(ctx context.Context, name, target string) error

	// ConfigureTrafficSplit divides traffic between the stable fleet and
	// the canary fleet.
	ConfigureTrafficSplit(ctx context.Context, name string, weights TrafficWeights) error

	// PromoteCanary folds the canary version into the stable fleet and
	// retires the canary.
	PromoteCanary(ctx context.Context, name string) error

	// RollbackCanary retires the canary fleet and restores all traffic
	// to stable.
	RollbackCanary(ctx context.Context, name string) error

	// Scale resizes the stable fleet without changing versions.
	Scale(ctx context.Context, name string, replicas int) error

	// Rollback reverts name to previousVersion, which is either an
	// earlier version string or a "<name>-blue" track reference.
	Rollback(ctx context.Context, name, previousVersion string) error

	// CheckResources reports whether the backend can fit the requested
	// fleet before anything is created.
	CheckResources(ctx context.Context, config models.DeploymentConfig) (bool, error)

	// ValidateConfig applies backend-specific config rules on top of the
	// engine's own validation.
	ValidateConfig(config models.DeploymentConfig) error
}
