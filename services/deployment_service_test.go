package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
	"github.com/stagehand/stagehand/repositories"
)

func newTestEngine(provider *recordingProvider) (*DeploymentService, *repositories.HistoryStore) {
	registry := providers.NewRegistry()
	registry.Register("test", provider)
	history := repositories.NewHistoryStore(repositories.DefaultHistoryCapacity)
	return NewDeploymentService(history, registry, nil), history
}

func engineConfig(strategy models.DeploymentStrategy) models.DeploymentConfig {
	return models.DeploymentConfig{
		Name:     "checkout",
		Version:  "2.0.0",
		Strategy: strategy,
		Provider: "test",
		Replicas: 4,
		MaxSurge: 2,
	}
}

// assertPhaseOrder checks that the given phases appear in the event
// trail in order, other events in between allowed.
func assertPhaseOrder(t *testing.T, events []models.DeploymentEvent, phases ...models.DeploymentState) {
	t.Helper()
	i := 0
	for _, event := range events {
		if i < len(phases) && event.Phase == string(phases[i]) {
			i++
		}
	}
	if i != len(phases) {
		got := make([]string, 0, len(events))
		for _, event := range events {
			got = append(got, event.Phase)
		}
		t.Errorf("expected phases %v in order, trail was %v", phases, got)
	}
}

func waitForState(t *testing.T, engine *DeploymentService, id string, want models.DeploymentState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := engine.GetStatus(id)
		if err != nil {
			t.Fatalf("polling %s: %v", id, err)
		}
		if status.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment %s stuck in %s, wanted %s", id, status.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeployLifecycleCompletes(t *testing.T) {
	provider := newRecordingProvider()
	engine, history := newTestEngine(provider)

	status, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "registry.test/checkout:2.0.0")
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	if status.State != models.StateCompleted {
		t.Errorf("expected completed, got %s", status.State)
	}
	if status.ReplicasReady != 4 || status.ReplicasTotal != 4 {
		t.Errorf("expected 4/4 replicas, got %d/%d", status.ReplicasReady, status.ReplicasTotal)
	}
	if status.EndTime == nil {
		t.Error("expected a terminal state to stamp EndTime")
	}
	if status.Endpoint == "" {
		t.Error("expected an endpoint on the completed status")
	}

	want := []replicaRange{{0, 2}, {2, 4}}
	if !reflect.DeepEqual(provider.updates, want) {
		t.Errorf("expected batches %v, got %v", want, provider.updates)
	}
	if history.Len() != 1 {
		t.Errorf("expected one history record, got %d", history.Len())
	}

	assertPhaseOrder(t, status.Events,
		models.StateInitializing,
		models.StateValidating,
		models.StatePreChecking,
		models.StateExecuting,
		models.StateVerifying,
		models.StateCompleted,
	)
}

func TestDeployValidationFailureLeavesNoTrace(t *testing.T) {
	provider := newRecordingProvider()
	engine, history := newTestEngine(provider)

	config := engineConfig(models.StrategyRollingUpdate)
	config.Version = ""

	status, err := engine.Deploy(context.Background(), config, "a")
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if status != nil {
		t.Error("rejected attempts must not return a status")
	}
	if history.Len() != 0 {
		t.Errorf("rejected attempts must not enter history, got %d records", history.Len())
	}
	if ops := provider.opLog(); len(ops) != 0 {
		t.Errorf("rejected attempts must not touch the provider, got %v", ops)
	}
}

func TestDeployUnknownProviderRejected(t *testing.T) {
	provider := newRecordingProvider()
	engine, history := newTestEngine(provider)

	config := engineConfig(models.StrategyRollingUpdate)
	config.Provider = "nomad"

	_, err := engine.Deploy(context.Background(), config, "a")
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown provider, got %v", err)
	}
	if history.Len() != 0 {
		t.Errorf("expected empty history, got %d records", history.Len())
	}
}

func TestDeployResourceRejection(t *testing.T) {
	provider := newRecordingProvider()
	provider.fit = false
	engine, history := newTestEngine(provider)

	_, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a")
	if !errors.Is(err, models.ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable, got %v", err)
	}
	if history.Len() != 0 {
		t.Errorf("expected empty history, got %d records", history.Len())
	}
}

func TestDeployConflictOnActiveAttempt(t *testing.T) {
	provider := newRecordingProvider()
	block := make(chan struct{})
	provider.updateHook = func(ctx context.Context, start, end int) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	engine, history := newTestEngine(provider)

	first, err := engine.DeployAsync(context.Background(), engineConfig(models.StrategyRollingUpdate), "a")
	if err != nil {
		t.Fatalf("first deploy not admitted: %v", err)
	}

	// The first attempt is parked inside its first batch; a second
	// attempt for the same name must bounce off the conflict scan.
	_, err = engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a")
	if !errors.Is(err, models.ErrDeploymentConflict) {
		t.Fatalf("expected ErrDeploymentConflict, got %v", err)
	}
	if history.Len() != 1 {
		t.Errorf("the rejected attempt must not enter history, got %d records", history.Len())
	}

	close(block)
	waitForState(t, engine, first.ID, models.StateCompleted)

	// With the name terminal again, a fresh attempt is admitted.
	if _, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a"); err != nil {
		t.Fatalf("expected re-deploy after completion to pass, got %v", err)
	}
}

func TestRollbackWithoutTargetReturnsFalse(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	status, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a")
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if status.RollbackAvailable {
		t.Fatal("first deployment of a name cannot have a rollback target")
	}

	if engine.Rollback(context.Background(), status.ID) {
		t.Error("expected rollback without target to report false")
	}
	if len(provider.rollbackCalls) != 0 {
		t.Errorf("provider must not be touched without a target, got %v", provider.rollbackCalls)
	}

	after, _ := engine.GetStatus(status.ID)
	if after.State != models.StateCompleted {
		t.Errorf("state must stay completed, got %s", after.State)
	}
}

func TestRollbackToPreviousVersion(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	if _, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a"); err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}

	config := engineConfig(models.StrategyRollingUpdate)
	config.Version = "2.1.0"
	second, err := engine.Deploy(context.Background(), config, "b")
	if err != nil {
		t.Fatalf("second deploy failed: %v", err)
	}
	if !second.RollbackAvailable || second.PreviousVersion != "2.0.0" {
		t.Fatalf("expected rollback target 2.0.0, got %+v", second)
	}

	if !engine.Rollback(context.Background(), second.ID) {
		t.Fatal("expected rollback to succeed")
	}
	want := []rollbackCall{{Name: "checkout", Previous: "2.0.0"}}
	if !reflect.DeepEqual(provider.rollbackCalls, want) {
		t.Errorf("expected %v, got %v", want, provider.rollbackCalls)
	}

	// Rolling back a completed attempt reverts the provider, not the
	// record: the attempt itself still completed.
	after, _ := engine.GetStatus(second.ID)
	if after.State != models.StateCompleted {
		t.Errorf("expected state completed after manual rollback, got %s", after.State)
	}

	var sawRollback bool
	for _, event := range after.Events {
		if strings.Contains(event.Message, "rolled back checkout to 2.0.0") {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Error("expected the rollback on the event trail")
	}
}

func TestFailedDeploymentAutoRollsBack(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	if _, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a"); err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}

	// Second batch of the next rollout blows up.
	provider.updateHook = func(_ context.Context, start, _ int) error {
		if start == 2 {
			return errors.New("image pull back-off")
		}
		return nil
	}

	config := engineConfig(models.StrategyRollingUpdate)
	config.Version = "2.1.0"
	config.RollbackOnFailure = true

	status, err := engine.Deploy(context.Background(), config, "b")
	if err == nil || !strings.Contains(err.Error(), "image pull back-off") {
		t.Fatalf("expected the strategy error to surface, got %v", err)
	}
	if status.State != models.StateRolledBack {
		t.Errorf("expected rolledback after automatic revert, got %s", status.State)
	}
	if status.ReplicasReady != 2 {
		t.Errorf("expected the committed first batch to remain, got %d", status.ReplicasReady)
	}

	want := []rollbackCall{{Name: "checkout", Previous: "2.0.0"}}
	if !reflect.DeepEqual(provider.rollbackCalls, want) {
		t.Errorf("expected automatic rollback to 2.0.0, got %v", provider.rollbackCalls)
	}
}

func TestFailedDeploymentWithoutTargetStaysFailed(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := newRecordingProvider()
	provider.endpoints["checkout"] = []string{server.URL}
	engine, _ := newTestEngine(provider)

	config := engineConfig(models.StrategyRollingUpdate)
	config.RollbackOnFailure = true
	config.HealthCheck = &models.HealthCheckSpec{Path: "/", TimeoutSeconds: 1, Retries: 1}

	status, err := engine.Deploy(context.Background(), config, "a")
	if !errors.Is(err, models.ErrHealthCheckFailed) {
		t.Fatalf("expected ErrHealthCheckFailed, got %v", err)
	}
	if status.State != models.StateFailed {
		t.Errorf("no target means no rollback: expected failed, got %s", status.State)
	}
	if status.ReplicasReady != 2 {
		t.Errorf("expected the healthy first batch recorded, got %d", status.ReplicasReady)
	}
	if len(provider.rollbackCalls) != 0 {
		t.Errorf("provider must not be rolled back without a target, got %v", provider.rollbackCalls)
	}
}

func TestDeployOverallTimeout(t *testing.T) {
	provider := newRecordingProvider()
	provider.updateHook = func(ctx context.Context, _, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	engine, _ := newTestEngine(provider)

	config := engineConfig(models.StrategyRollingUpdate)
	config.TimeoutSeconds = 1

	status, err := engine.Deploy(context.Background(), config, "a")
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if status.State != models.StateFailed {
		t.Errorf("expected failed after timeout, got %s", status.State)
	}
}

func TestGetStatusReturnsIsolatedSnapshot(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	status, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a")
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	snap, err := engine.GetStatus(status.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	before := len(snap.Events)
	snap.AppendEvent("tamper", models.EventInfo, "this must not stick")

	again, _ := engine.GetStatus(status.ID)
	if len(again.Events) != before {
		t.Errorf("mutating a snapshot leaked into history: %d vs %d events", len(again.Events), before)
	}
}

func TestListDeploymentsNewestFirst(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	if _, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	billing := engineConfig(models.StrategyRollingUpdate)
	billing.Name = "billing"
	if _, err := engine.Deploy(context.Background(), billing, "b"); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	records := engine.ListDeployments("")
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Config.Name != "billing" {
		t.Errorf("expected newest first, got %s", records[0].Config.Name)
	}
	if got := len(engine.ListDeployments("nomad")); got != 0 {
		t.Errorf("expected no records for unknown provider, got %d", got)
	}
}

func TestScaleValidatesInput(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	status, err := engine.Deploy(context.Background(), engineConfig(models.StrategyRollingUpdate), "a")
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	if err := engine.Scale(context.Background(), status.ID, -1); !errors.Is(err, models.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for negative replicas, got %v", err)
	}
	if err := engine.Scale(context.Background(), "no-such-id", 3); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}

	if err := engine.Scale(context.Background(), status.ID, 6); err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if len(provider.scales) != 1 || provider.scales[0] != 6 {
		t.Errorf("expected one scale to 6, got %v", provider.scales)
	}
}

func TestGetDeploymentInfoUnknownID(t *testing.T) {
	provider := newRecordingProvider()
	engine, _ := newTestEngine(provider)

	if _, err := engine.GetDeploymentInfo(context.Background(), "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
