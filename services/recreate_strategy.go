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

// RecreateStrategy tears the old fleet down to zero and brings the new
// version up in one batch. The window between drain and readiness is a
// full outage; workloads that cannot run two versions side by side
// accept that trade.
type RecreateStrategy struct {
	checker      *HealthChecker
	readyTimeout time.Duration
	pollInterval time.Duration
}

func NewRecreateStrategy(checker *HealthChecker) *RecreateStrategy {
	return &RecreateStrategy{
		checker:      checker,
		readyTimeout: defaultBatchReadyTimeout,
		pollInterval: defaultReadinessPollInterval,
	}
}

func (s *RecreateStrategy) Execute(ctx context.Context, provider providers.Provider, config models.DeploymentConfig, artifact string, status *models.DeploymentStatus) (*StrategyResult, error) {
	log.Printf("Recreate for %s: draining before rollout", config.Name)

	if err := provider.Scale(ctx, config.Name, 0); err != nil {
		return nil, fmt.Errorf("scaling %s to zero: %w", config.Name, err)
	}
	if err := waitForDrain(ctx, provider, config.Name, s.readyTimeout, s.pollInterval); err != nil {
		return nil, err
	}
	status.SetReady(0)
	status.AppendEvent(string(models.StateExecuting), models.EventInfo, "old fleet drained to zero")

	if err := provider.UpdateReplicas(ctx, config.Name, artifact, 0, config.Replicas); err != nil {
		return nil, fmt.Errorf("starting %d replicas of %s: %w", config.Replicas, config.Name, err)
	}
	if err := waitForReadyReplicas(ctx, provider, config.Name, config.Replicas, s.readyTimeout, s.pollInterval); err != nil {
		return nil, err
	}

	if config.HealthCheck != nil {
		endpoints, err := provider.GetReplicaEndpoints(ctx, config.Name)
		if err != nil {
			return nil, fmt.Errorf("listing replica endpoints for %s: %w", config.Name, err)
		}
		for _, endpoint := range endpoints {
			if !s.checker.Check(ctx, endpoint, *config.HealthCheck) {
				return nil, fmt.Errorf("%w: replica %s unhealthy after recreate", models.ErrHealthCheckFailed, endpoint)
			}
		}
	}

	status.SetReady(config.Replicas)
	status.AppendEvent(string(models.StateExecuting), models.EventInfo,
		fmt.Sprintf("fleet recreated with %d replicas on %s", config.Replicas, config.Version))

	return &StrategyResult{Endpoint: s.resolveEndpoint(ctx, provider, config.Name)}, nil
}

func (s *RecreateStrategy) resolveEndpoint(ctx context.Context, provider providers.Provider, name string) string {
	info, err := provider.GetDeploymentInfo(ctx, name)
	if err != nil {
		log.Println("Could not resolve endpoint after recreate:", err)
		return ""
	}
	return utils.GetString(info, "endpoint")
}
