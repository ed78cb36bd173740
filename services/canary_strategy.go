package services

import (
	"context"
	"fmt"
	"log"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
)

// CanaryStrategy sends a slice of traffic to a small fleet on the new
// version, watches its error rate, and only then promotes it to the
// whole fleet. A failing canary is torn down and the stable fleet never
// changes.
type CanaryStrategy struct {
	monitor *CanaryMonitor
}

func NewCanaryStrategy(monitor *CanaryMonitor) *CanaryStrategy {
	return &CanaryStrategy{monitor: monitor}
}

// CanaryReplicas is how many replicas the canary fleet gets: the
// configured percentage of the full fleet, never less than one.
func CanaryReplicas(replicas, percentage int) int {
	n := replicas * percentage / 100
	if n < 1 {
		return 1
	}
	return n
}

func (s *CanaryStrategy) Execute(ctx context.Context, provider providers.Provider, config models.DeploymentConfig, artifact string, status *models.DeploymentStatus) (*StrategyResult, error) {
	canaryConfig := config
	canaryConfig.Name = config.Name + "-canary"
	canaryConfig.Replicas = CanaryReplicas(config.Replicas, config.CanaryPercentage)
	// The canary shares the stable entrypoint via the traffic split; its
	// own ingress would double-route the hostname.
	canaryConfig.Networking = nil
	canaryConfig.Autoscaling = nil

	log.Printf("Canary for %s: %d replicas at %d%% traffic for %s",
		config.Name, canaryConfig.Replicas, config.CanaryPercentage, config.CanaryDuration())

	result, err := provider.Deploy(ctx, canaryConfig, artifact)
	if err != nil {
		return nil, fmt.Errorf("deploying canary fleet %s: %w", canaryConfig.Name, err)
	}
	status.AppendEvent(string(models.StateExecuting), models.EventInfo,
		fmt.Sprintf("canary fleet %s deployed with %d replicas", canaryConfig.Name, canaryConfig.Replicas))

	weights := providers.TrafficWeights{
		Stable: 100 - config.CanaryPercentage,
		Canary: config.CanaryPercentage,
	}
	if err := provider.ConfigureTrafficSplit(ctx, config.Name, weights); err != nil {
		return nil, fmt.Errorf("splitting traffic for %s: %w", config.Name, err)
	}
	status.AppendEvent(string(models.StateExecuting), models.EventInfo,
		fmt.Sprintf("traffic split %d/%d between stable and canary", weights.Stable, weights.Canary))

	healthy, rate := s.monitor.Observe(ctx, result.Endpoint, config.CanaryDuration(), *config.HealthCheck)
	status.SetMetric("canary_error_rate", rate)

	if !healthy {
		status.AppendEvent(string(models.StateExecuting), models.EventError,
			fmt.Sprintf("canary error rate %.2f over threshold, rolling canary back", rate))
		if rbErr := provider.RollbackCanary(ctx, config.Name); rbErr != nil {
			// The canary verdict stands; a teardown problem is logged
			// on top of it, never instead of it.
			log.Println("Error rolling back canary fleet:", rbErr)
			status.AppendEvent(string(models.StateExecuting), models.EventError,
				"canary teardown failed: "+rbErr.Error())
		}
		return nil, fmt.Errorf("%w: error rate %.2f exceeded %.2f", models.ErrCanaryFailed, rate, canaryErrorRateThreshold)
	}

	if err := provider.PromoteCanary(ctx, config.Name); err != nil {
		return nil, fmt.Errorf("promoting canary for %s: %w", config.Name, err)
	}
	status.SetReady(config.Replicas)
	status.AppendEvent(string(models.StateExecuting), models.EventInfo,
		fmt.Sprintf("canary promoted after %d%% traffic held error rate at %.2f", config.CanaryPercentage, rate))

	return &StrategyResult{Endpoint: result.Endpoint, Metadata: result.Metadata}, nil
}
