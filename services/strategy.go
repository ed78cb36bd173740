package services

import (
	"context"
	"fmt"
	"time"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
)

// Per-batch bound on how long replicas may take to become ready.
const defaultBatchReadyTimeout = 300 * time.Second

// How often readiness is polled while waiting on a batch.
const defaultReadinessPollInterval = 5 * time.Second

// StrategyResult is what an executor reports back to the engine on
// success.
type StrategyResult struct {
	// Endpoint is where the rolled-out version answers traffic.
	Endpoint string
	// PreviousVersion, when set, overrides the engine's history-derived
	// rollback target. Blue-green uses it to point at the blue track.
	PreviousVersion string
	// Metadata carries provider detail for the status record.
	Metadata map[string]string
}

// StrategyExecutor runs one rollout shape against a provider. Executors
// mutate the live status as they progress so observers see batches and
// phases in real time.
type StrategyExecutor interface {
	Execute(ctx context.Context, provider providers.Provider, config models.DeploymentConfig, artifact string, status *models.DeploymentStatus) (*StrategyResult, error)
}

// newStrategyRegistry wires every supported strategy once at engine
// construction. Dispatch later is a map lookup, not a switch.
func newStrategyRegistry(checker *HealthChecker, monitor *CanaryMonitor) map[models.DeploymentStrategy]StrategyExecutor {
	return map[models.DeploymentStrategy]StrategyExecutor{
		models.StrategyRollingUpdate: NewRollingUpdateStrategy(checker),
		models.StrategyBlueGreen:     NewBlueGreenStrategy(checker),
		models.StrategyCanary:        NewCanaryStrategy(monitor),
		models.StrategyRecreate:      NewRecreateStrategy(checker),
	}
}

// waitForReadyReplicas polls the provider until at least target
// replicas pass readiness, the timeout expires, or ctx is cancelled.
// Transient provider errors are treated as "not ready yet" and retried
// until the deadline.
func waitForReadyReplicas(ctx context.Context, provider providers.Provider, name string, target int, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		ready, err := provider.GetReadyReplicas(ctx, name)
		if err == nil && ready >= target {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: waiting for %d ready replicas of %s: %v", models.ErrTimeout, target, name, ctx.Err())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s has %d of %d replicas ready after %s", models.ErrTimeout, name, ready, target, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %d ready replicas of %s: %v", models.ErrTimeout, target, name, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// waitForDrain polls until the workload reports zero ready replicas.
func waitForDrain(ctx context.Context, provider providers.Provider, name string, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		ready, err := provider.GetReadyReplicas(ctx, name)
		if err == nil && ready == 0 {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: draining %s: %v", models.ErrTimeout, name, ctx.Err())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s still has %d ready replicas after %s", models.ErrTimeout, name, ready, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: draining %s: %v", models.ErrTimeout, name, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
