package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stagehand/stagehand/database"
	"github.com/stagehand/stagehand/lib/redis"
	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
	"github.com/stagehand/stagehand/repositories"
	"github.com/stagehand/stagehand/utils"
)

// DeploymentService is the orchestration engine. It owns the lifecycle
// of every attempt: validation, pre-flight checks, strategy dispatch,
// post-deployment verification, history bookkeeping and
// rollback-on-failure.
type DeploymentService struct {
	history    *repositories.HistoryStore
	registry   *providers.Registry
	strategies map[models.DeploymentStrategy]StrategyExecutor
	checker    *HealthChecker
	rollback   *RollbackManager
	archive    *repositories.DeploymentArchive
}

// NewDeploymentService wires the engine. archive may be nil when no
// database is configured; history then remains the only record.
func NewDeploymentService(history *repositories.HistoryStore, registry *providers.Registry, archive *repositories.DeploymentArchive) *DeploymentService {
	checker := NewHealthChecker()
	monitor := NewCanaryMonitor(checker)

	return &DeploymentService{
		history:    history,
		registry:   registry,
		strategies: newStrategyRegistry(checker, monitor),
		checker:    checker,
		rollback:   NewRollbackManager(history, registry),
		archive:    archive,
	}
}

// admission is a validated, pre-checked attempt that has been recorded
// in history and is ready to execute.
type admission struct {
	record   *models.DeploymentRecord
	provider providers.Provider
	executor StrategyExecutor
}

// Deploy runs one deployment attempt to its terminal state and returns
// the final status snapshot. Validation and pre-check failures return
// an error and leave no trace in history.
func (s *DeploymentService) Deploy(ctx context.Context, config models.DeploymentConfig, artifact string) (*models.DeploymentStatus, error) {
	adm, err := s.admit(ctx, config, artifact)
	if err != nil {
		return nil, err
	}
	execErr := s.run(ctx, adm, artifact)
	return adm.record.Status.Clone(), execErr
}

// DeployAsync admits an attempt, then executes it in the background.
// The returned snapshot carries the ID callers poll or stream against.
func (s *DeploymentService) DeployAsync(ctx context.Context, config models.DeploymentConfig, artifact string) (*models.DeploymentStatus, error) {
	adm, err := s.admit(ctx, config, artifact)
	if err != nil {
		return nil, err
	}

	go func() {
		// Detached from the request context: an HTTP client hanging up
		// must not abort a rollout in flight.
		if err := s.run(context.Background(), adm, artifact); err != nil {
			log.Printf("Deployment %s failed: %v", adm.record.Status.ID, err)
		}
	}()

	return adm.record.Status.Clone(), nil
}

// admit validates the config, runs provider pre-checks and records the
// attempt in history. From the moment the record is appended the
// attempt is visible to conflict scans.
func (s *DeploymentService) admit(ctx context.Context, config models.DeploymentConfig, artifact string) (*admission, error) {
	config.ApplyDefaults()

	startedAt := time.Now().UTC()
	status := models.NewDeploymentStatus(utils.GenerateDeploymentID(config.Name, config.Version, startedAt), config)
	status.StartTime = startedAt
	status.AppendEvent(string(models.StateInitializing), models.EventInfo,
		fmt.Sprintf("deployment of %s %s accepted", config.Name, config.Version))

	status.SetState(models.StateValidating)
	if artifact == "" {
		return nil, fmt.Errorf("%w: artifact is required", models.ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	provider, err := s.registry.Get(config.Provider)
	if err != nil {
		return nil, err
	}
	executor, ok := s.strategies[config.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for strategy %q", models.ErrInvalidConfig, config.Strategy)
	}
	if err := provider.ValidateConfig(config); err != nil {
		if errors.Is(err, models.ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	status.SetState(models.StatePreChecking)
	// The scan and the append below are separate critical sections: two
	// concurrent attempts for the same name can both pass the scan and
	// run at once. Known limitation; single-operator use lives with it.
	if active := s.history.ActiveForName(config.Name); active != nil {
		return nil, fmt.Errorf("%w: %s attempt %s is still %s",
			models.ErrDeploymentConflict, config.Name, active.Status.ID, active.Status.CurrentState())
	}
	fit, err := provider.CheckResources(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResourceUnavailable, err)
	}
	if !fit {
		return nil, fmt.Errorf("%w: provider cannot fit %d replicas of %s",
			models.ErrResourceUnavailable, config.Replicas, config.Name)
	}

	// The rollback target is whatever completed last for this name
	// before this attempt. Blue-green overrides it with its blue track.
	if previous, ok := s.history.LatestCompletedVersion(config.Name); ok {
		status.SetPreviousVersion(previous)
	}

	rec := &models.DeploymentRecord{Config: config, Status: status, CreatedAt: startedAt}
	s.history.Append(rec)
	s.archiveStatus(rec.Config, status)
	redis.PublishDeploymentState(ctx, status.Clone())

	log.Printf("🚀 Admitted deployment %s: %s %s via %s", status.ID, config.Name, config.Version, config.Strategy)
	return &admission{record: rec, provider: provider, executor: executor}, nil
}

// run drives an admitted attempt to a terminal state.
func (s *DeploymentService) run(ctx context.Context, adm *admission, artifact string) error {
	config := adm.record.Config
	status := adm.record.Status

	execErr := s.execute(ctx, adm, artifact)

	if execErr != nil {
		status.SetState(models.StateFailed)
		status.AppendEvent(string(models.StateFailed), models.EventError, execErr.Error())
		log.Printf("❌ Deployment %s failed: %v", status.ID, execErr)

		if config.RollbackOnFailure && status.Clone().RollbackAvailable {
			status.AppendEvent(string(models.StateFailed), models.EventInfo, "rollback-on-failure engaged")
			// Best effort. Whatever happens here, the strategy's error
			// is the one the caller sees.
			s.rollback.Rollback(ctx, status.ID)
		}

		s.archiveStatus(config, status)
		redis.PublishDeploymentState(ctx, status.Clone())
		return execErr
	}

	status.SetState(models.StateCompleted)
	snap := status.Clone()
	status.AppendEvent(string(models.StateCompleted), models.EventInfo,
		fmt.Sprintf("%s %s serving at %s with %d replicas", config.Name, config.Version, snap.Endpoint, snap.ReplicasReady))
	log.Printf("✅ Deployment %s completed: %s %s", status.ID, config.Name, config.Version)

	s.archiveStatus(config, status)
	redis.PublishDeploymentState(ctx, status.Clone())
	return nil
}

// execute dispatches to the strategy and verifies the result. The
// config's overall timeout bounds both.
func (s *DeploymentService) execute(ctx context.Context, adm *admission, artifact string) error {
	config := adm.record.Config
	status := adm.record.Status

	if t := config.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	status.SetState(models.StateExecuting)
	result, err := adm.executor.Execute(ctx, adm.provider, config, artifact, status)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
			return fmt.Errorf("%w: deployment exceeded %s: %v", models.ErrTimeout, config.Timeout(), err)
		}
		return err
	}

	if result.PreviousVersion != "" {
		status.SetPreviousVersion(result.PreviousVersion)
	}
	if result.Endpoint != "" {
		status.SetEndpoint(result.Endpoint)
	}
	status.MergeMetadata(result.Metadata)

	status.SetState(models.StateVerifying)
	if config.HealthCheck != nil && result.Endpoint != "" {
		if !s.checker.Check(ctx, result.Endpoint, *config.HealthCheck) {
			return fmt.Errorf("%w: %s failed post-deployment verification at %s",
				models.ErrHealthCheckFailed, config.Name, result.Endpoint)
		}
	}
	return nil
}

// Rollback reverts a recorded attempt to its previous version. Returns
// false when the attempt is unknown or has no rollback target.
func (s *DeploymentService) Rollback(ctx context.Context, deploymentID string) bool {
	ok := s.rollback.Rollback(ctx, deploymentID)
	if ok {
		if rec, err := s.history.FindByID(deploymentID); err == nil {
			s.archiveStatus(rec.Config, rec.Status)
			redis.PublishDeploymentState(ctx, rec.Status.Clone())
		}
	}
	return ok
}

// Scale resizes the fleet behind a recorded attempt without touching
// versions or history state.
func (s *DeploymentService) Scale(ctx context.Context, deploymentID string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("%w: replicas cannot be negative", models.ErrInvalidConfig)
	}
	rec, err := s.history.FindByID(deploymentID)
	if err != nil {
		return err
	}
	provider, err := s.registry.Get(rec.Config.Provider)
	if err != nil {
		return err
	}
	if err := provider.Scale(ctx, rec.Config.Name, replicas); err != nil {
		return fmt.Errorf("scaling %s to %d replicas: %w", rec.Config.Name, replicas, err)
	}
	log.Printf("Scaled %s to %d replicas", rec.Config.Name, replicas)
	return nil
}

// GetStatus returns a point-in-time snapshot of one attempt. Repeated
// calls on a finished attempt return identical results.
func (s *DeploymentService) GetStatus(deploymentID string) (*models.DeploymentStatus, error) {
	rec, err := s.history.Snapshot(deploymentID)
	if err != nil {
		return nil, err
	}
	return rec.Status, nil
}

// ListDeployments returns history snapshots, newest first, optionally
// filtered by provider.
func (s *DeploymentService) ListDeployments(provider string) []*models.DeploymentRecord {
	return s.history.List(provider)
}

// GetDeploymentInfo returns the provider's live view of the workload
// behind a recorded attempt.
func (s *DeploymentService) GetDeploymentInfo(ctx context.Context, deploymentID string) (map[string]interface{}, error) {
	rec, err := s.history.FindByID(deploymentID)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.Get(rec.Config.Provider)
	if err != nil {
		return nil, err
	}
	return provider.GetDeploymentInfo(ctx, rec.Config.Name)
}

func (s *DeploymentService) archiveStatus(config models.DeploymentConfig, status *models.DeploymentStatus) {
	if s.archive == nil || !database.Available() {
		return
	}
	if err := s.archive.Save(models.NewArchivedDeployment(config, status.Clone())); err != nil {
		log.Println("Error archiving deployment:", err)
	}
}
