package services

import (
	"context"
	"fmt"
	"log"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
)

// BlueGreenStrategy stands up a full green fleet next to the running
// blue one, verifies it, then cuts all traffic over at once. A failed
// green fleet is abandoned in place for inspection; traffic never moved
// off blue, so there is nothing to undo.
type BlueGreenStrategy struct {
	checker *HealthChecker
}

func NewBlueGreenStrategy(checker *HealthChecker) *BlueGreenStrategy {
	return &BlueGreenStrategy{checker: checker}
}

func (s *BlueGreenStrategy) Execute(ctx context.Context, provider providers.Provider, config models.DeploymentConfig, artifact string, status *models.DeploymentStatus) (*StrategyResult, error) {
	greenConfig := config
	greenConfig.Name = config.Name + "-green"
	// Public exposure stays on the base workload. Green goes live
	// through the traffic switch, never through its own ingress.
	greenConfig.Networking = nil

	log.Printf("Blue-green for %s: deploying green fleet %s", config.Name, greenConfig.Name)
	result, err := provider.Deploy(ctx, greenConfig, artifact)
	if err != nil {
		return nil, fmt.Errorf("deploying green fleet %s: %w", greenConfig.Name, err)
	}
	status.AppendEvent(string(models.StateExecuting), models.EventInfo,
		fmt.Sprintf("green fleet %s deployed at %s", greenConfig.Name, result.Endpoint))

	if config.HealthCheck != nil {
		if !s.checker.Check(ctx, result.Endpoint, *config.HealthCheck) {
			return nil, fmt.Errorf("%w: green fleet %s never turned healthy, leaving it for inspection", models.ErrHealthCheckFailed, greenConfig.Name)
		}
	}

	if err := provider.SwitchTraffic(ctx, config.Name, "green"); err != nil {
		return nil, fmt.Errorf("switching traffic to green for %s: %w", config.Name, err)
	}
	status.SetReady(config.Replicas)
	status.AppendEvent(string(models.StateExecuting), models.EventInfo, "traffic switched to green")

	return &StrategyResult{
		Endpoint: result.Endpoint,
		// The old fleet stays around as the blue track; rolling back is
		// a traffic switch, not a redeploy.
		PreviousVersion: config.Name + "-blue",
		Metadata:        result.Metadata,
	}, nil
}
