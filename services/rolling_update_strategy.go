package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
	"github.com/stagehand/stagehand/utils"
)

// RollingUpdateStrategy replaces the fleet in consecutive batches of at
// most maxSurge replicas. A batch commits once its replicas are ready
// and healthy; later failures leave already-committed batches on the
// new version.
type RollingUpdateStrategy struct {
	checker      *HealthChecker
	readyTimeout time.Duration
	pollInterval time.Duration
}

func NewRollingUpdateStrategy(checker *HealthChecker) *RollingUpdateStrategy {
	return &RollingUpdateStrategy{
		checker:      checker,
		readyTimeout: defaultBatchReadyTimeout,
		pollInterval: defaultReadinessPollInterval,
	}
}

func (s *RollingUpdateStrategy) Execute(ctx context.Context, provider providers.Provider, config models.DeploymentConfig, artifact string, status *models.DeploymentStatus) (*StrategyResult, error) {
	batches := utils.PartitionReplicas(config.Replicas, config.MaxSurge)
	log.Printf("Rolling update for %s: %d replicas in %d batches", config.Name, config.Replicas, len(batches))

	for i, batch := range batches {
		if err := provider.UpdateReplicas(ctx, config.Name, artifact, batch.Start, batch.End); err != nil {
			return nil, fmt.Errorf("updating replicas [%d,%d) of %s: %w", batch.Start, batch.End, config.Name, err)
		}

		// The batch's replicas must pass the provider's readiness gate
		// before we probe them ourselves.
		if err := waitForReadyReplicas(ctx, provider, config.Name, batch.End, s.readyTimeout, s.pollInterval); err != nil {
			return nil, err
		}

		if config.HealthCheck != nil {
			if err := s.checkBatchHealth(ctx, provider, config, batch.End); err != nil {
				return nil, err
			}
		}

		// Only now does the batch count as done.
		status.SetReady(batch.End)
		status.AppendEvent(string(models.StateExecuting), models.EventInfo,
			fmt.Sprintf("batch %d/%d ready (%d of %d replicas on %s)", i+1, len(batches), batch.End, config.Replicas, config.Version))
	}

	return &StrategyResult{Endpoint: s.resolveEndpoint(ctx, provider, config.Name)}, nil
}

// checkBatchHealth probes every replica endpoint the provider reports.
// The fleet is checked as a whole each batch: a regression in an
// earlier batch fails the rollout at the same gate.
func (s *RollingUpdateStrategy) checkBatchHealth(ctx context.Context, provider providers.Provider, config models.DeploymentConfig, updated int) error {
	endpoints, err := provider.GetReplicaEndpoints(ctx, config.Name)
	if err != nil {
		return fmt.Errorf("listing replica endpoints for %s: %w", config.Name, err)
	}

	for _, endpoint := range endpoints {
		if !s.checker.Check(ctx, endpoint, *config.HealthCheck) {
			return fmt.Errorf("%w: replica %s unhealthy after updating %d replicas", models.ErrHealthCheckFailed, endpoint, updated)
		}
	}
	return nil
}

func (s *RollingUpdateStrategy) resolveEndpoint(ctx context.Context, provider providers.Provider, name string) string {
	info, err := provider.GetDeploymentInfo(ctx, name)
	if err != nil {
		log.Println("Could not resolve endpoint after rollout:", err)
		return ""
	}
	return utils.GetString(info, "endpoint")
}
