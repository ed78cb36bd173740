package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
)

// replicaRange records one UpdateReplicas call.
type replicaRange struct {
	Start, End int
}

type rollbackCall struct {
	Name, Previous string
}

// recordingProvider is an instantly-ready in-memory backend that logs
// every mutating call in order. Failures are injected through the
// optional error and hook fields; the zero behavior always succeeds.
type recordingProvider struct {
	mu  sync.Mutex
	ops []string

	deploys         []models.DeploymentConfig
	updates         []replicaRange
	scales          []int
	switches        []string
	splits          []providers.TrafficWeights
	promotions      int
	canaryRollbacks int
	rollbackCalls   []rollbackCall
	destroys        []string

	ready     map[string]int
	endpoints map[string][]string
	// endpoint is what Deploy reports; tests point it at an httptest
	// server when the strategy probes it.
	endpoint string

	// frozenReady keeps replicas from ever turning ready, for timeout
	// paths.
	frozenReady bool

	fit              bool
	deployErr        error
	updateHook       func(ctx context.Context, start, end int) error
	switchErr        error
	promoteErr       error
	canaryRollbackErr error
	rollbackErr      error
	validateErr      error
	resourcesErr     error
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{
		ready:     make(map[string]int),
		endpoints: make(map[string][]string),
		fit:       true,
	}
}

func (p *recordingProvider) logf(format string, args ...interface{}) {
	p.ops = append(p.ops, fmt.Sprintf(format, args...))
}

func (p *recordingProvider) opLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *recordingProvider) endpointFor(name string) string {
	if p.endpoint != "" {
		return p.endpoint
	}
	return "http://" + name + ".internal:8080"
}

func (p *recordingProvider) Deploy(_ context.Context, config models.DeploymentConfig, _ string) (*providers.DeployResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deployErr != nil {
		return nil, p.deployErr
	}
	p.logf("deploy:%s", config.Name)
	p.deploys = append(p.deploys, config)
	p.ready[config.Name] = config.Replicas
	return &providers.DeployResult{Endpoint: p.endpointFor(config.Name)}, nil
}

func (p *recordingProvider) DestroyDeployment(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logf("destroy:%s", name)
	p.destroys = append(p.destroys, name)
	delete(p.ready, name)
	return nil
}

func (p *recordingProvider) GetDeploymentInfo(_ context.Context, name string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"name":          name,
		"replicas":      p.ready[name],
		"readyReplicas": p.ready[name],
		"endpoint":      p.endpointFor(name),
	}, nil
}

func (p *recordingProvider) UpdateReplicas(ctx context.Context, name, _ string, start, end int) error {
	// The hook runs unlocked so it may block without wedging readers.
	if p.updateHook != nil {
		if err := p.updateHook(ctx, start, end); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logf("update:%s:%d:%d", name, start, end)
	p.updates = append(p.updates, replicaRange{Start: start, End: end})
	if !p.frozenReady && end > p.ready[name] {
		p.ready[name] = end
	}
	return nil
}

func (p *recordingProvider) GetReadyReplicas(_ context.Context, name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[name], nil
}

func (p *recordingProvider) GetReplicaEndpoints(_ context.Context, name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.endpoints[name]...), nil
}

func (p *recordingProvider) SwitchTraffic(_ context.Context, name, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.switchErr != nil {
		return p.switchErr
	}
	p.logf("switch:%s:%s", name, target)
	p.switches = append(p.switches, target)
	return nil
}

func (p *recordingProvider) ConfigureTrafficSplit(_ context.Context, name string, weights providers.TrafficWeights) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logf("split:%s:%d:%d", name, weights.Stable, weights.Canary)
	p.splits = append(p.splits, weights)
	return nil
}

func (p *recordingProvider) PromoteCanary(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.promoteErr != nil {
		return p.promoteErr
	}
	p.logf("promote:%s", name)
	p.promotions++
	return nil
}

func (p *recordingProvider) RollbackCanary(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.canaryRollbackErr != nil {
		return p.canaryRollbackErr
	}
	p.logf("canary-rollback:%s", name)
	p.canaryRollbacks++
	return nil
}

func (p *recordingProvider) Scale(_ context.Context, name string, replicas int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logf("scale:%s:%d", name, replicas)
	p.scales = append(p.scales, replicas)
	p.ready[name] = replicas
	return nil
}

func (p *recordingProvider) Rollback(_ context.Context, name, previousVersion string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rollbackErr != nil {
		return p.rollbackErr
	}
	p.logf("rollback:%s:%s", name, previousVersion)
	p.rollbackCalls = append(p.rollbackCalls, rollbackCall{Name: name, Previous: previousVersion})
	return nil
}

func (p *recordingProvider) CheckResources(context.Context, models.DeploymentConfig) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fit, p.resourcesErr
}

func (p *recordingProvider) ValidateConfig(models.DeploymentConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateErr
}

func strategyConfig(strategy models.DeploymentStrategy, replicas, maxSurge int) models.DeploymentConfig {
	config := models.DeploymentConfig{
		Name:     "checkout",
		Version:  "2.0.0",
		Strategy: strategy,
		Provider: "test",
		Replicas: replicas,
		MaxSurge: maxSurge,
	}
	config.ApplyDefaults()
	return config
}

func TestRollingUpdateBatchesExactRanges(t *testing.T) {
	provider := newRecordingProvider()
	strategy := NewRollingUpdateStrategy(NewHealthChecker())

	config := strategyConfig(models.StrategyRollingUpdate, 4, 2)
	status := models.NewDeploymentStatus("dep-1", config)

	result, err := strategy.Execute(context.Background(), provider, config, "registry.test/checkout:2.0.0", status)
	if err != nil {
		t.Fatalf("rolling update failed: %v", err)
	}

	want := []replicaRange{{0, 2}, {2, 4}}
	if !reflect.DeepEqual(provider.updates, want) {
		t.Errorf("expected batches %v, got %v", want, provider.updates)
	}
	if ready := status.Clone().ReplicasReady; ready != 4 {
		t.Errorf("expected 4 ready replicas, got %d", ready)
	}
	if result.Endpoint == "" {
		t.Error("expected the strategy to resolve an endpoint")
	}
}

func TestRollingUpdateOddFinalBatch(t *testing.T) {
	provider := newRecordingProvider()
	strategy := NewRollingUpdateStrategy(NewHealthChecker())

	config := strategyConfig(models.StrategyRollingUpdate, 5, 2)
	status := models.NewDeploymentStatus("dep-1", config)

	if _, err := strategy.Execute(context.Background(), provider, config, "a", status); err != nil {
		t.Fatalf("rolling update failed: %v", err)
	}
	want := []replicaRange{{0, 2}, {2, 4}, {4, 5}}
	if !reflect.DeepEqual(provider.updates, want) {
		t.Errorf("expected batches %v, got %v", want, provider.updates)
	}
}

func TestRollingUpdateStopsAtUnhealthyBatch(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Healthy for the first batch's check, failing from then on.
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := newRecordingProvider()
	provider.endpoints["checkout"] = []string{server.URL}

	strategy := NewRollingUpdateStrategy(NewHealthChecker())
	config := strategyConfig(models.StrategyRollingUpdate, 4, 2)
	config.HealthCheck = &models.HealthCheckSpec{Path: "/", TimeoutSeconds: 1, Retries: 1}
	status := models.NewDeploymentStatus("dep-1", config)

	_, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if !errors.Is(err, models.ErrHealthCheckFailed) {
		t.Fatalf("expected ErrHealthCheckFailed, got %v", err)
	}

	// The second batch was pushed and then failed its gate: the first
	// batch stays committed, nothing past it does.
	want := []replicaRange{{0, 2}, {2, 4}}
	if !reflect.DeepEqual(provider.updates, want) {
		t.Errorf("expected batches %v, got %v", want, provider.updates)
	}
	if ready := status.Clone().ReplicasReady; ready != 2 {
		t.Errorf("expected 2 committed replicas, got %d", ready)
	}
}

func TestRollingUpdateTimesOutWhenNeverReady(t *testing.T) {
	provider := newRecordingProvider()
	provider.frozenReady = true

	strategy := NewRollingUpdateStrategy(NewHealthChecker())
	strategy.readyTimeout = 50 * time.Millisecond
	strategy.pollInterval = 5 * time.Millisecond

	config := strategyConfig(models.StrategyRollingUpdate, 2, 2)
	status := models.NewDeploymentStatus("dep-1", config)

	_, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBlueGreenDeploysGreenAndSwitches(t *testing.T) {
	provider := newRecordingProvider()
	strategy := NewBlueGreenStrategy(NewHealthChecker())

	config := strategyConfig(models.StrategyBlueGreen, 4, 1)
	config.Networking = &models.NetworkingSpec{Domain: "checkout.example.com", TLS: true}
	status := models.NewDeploymentStatus("dep-1", config)

	result, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if err != nil {
		t.Fatalf("blue-green failed: %v", err)
	}

	if len(provider.deploys) != 1 || provider.deploys[0].Name != "checkout-green" {
		t.Fatalf("expected a green fleet deploy, got %+v", provider.deploys)
	}
	if provider.deploys[0].Networking != nil {
		t.Error("green fleet must not carry its own public exposure")
	}
	if len(provider.switches) != 1 || provider.switches[0] != "green" {
		t.Errorf("expected one switch to green, got %v", provider.switches)
	}
	if result.PreviousVersion != "checkout-blue" {
		t.Errorf("expected blue track as rollback target, got %q", result.PreviousVersion)
	}
	if ready := status.Clone().ReplicasReady; ready != 4 {
		t.Errorf("expected full fleet ready after switch, got %d", ready)
	}
}

func TestBlueGreenKeepsTrafficOnBlueWhenGreenUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := newRecordingProvider()
	provider.endpoint = server.URL

	strategy := NewBlueGreenStrategy(NewHealthChecker())
	config := strategyConfig(models.StrategyBlueGreen, 4, 1)
	config.HealthCheck = &models.HealthCheckSpec{Path: "/", TimeoutSeconds: 1, Retries: 2}
	status := models.NewDeploymentStatus("dep-1", config)

	_, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if !errors.Is(err, models.ErrHealthCheckFailed) {
		t.Fatalf("expected ErrHealthCheckFailed, got %v", err)
	}
	if len(provider.switches) != 0 {
		t.Errorf("traffic must stay on blue, got switches %v", provider.switches)
	}
	if len(provider.destroys) != 0 {
		t.Errorf("failed green fleet stays up for inspection, got destroys %v", provider.destroys)
	}
}

func TestCanaryPromotesHealthyFleet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := newRecordingProvider()
	provider.endpoint = server.URL

	strategy := NewCanaryStrategy(testMonitor(200 * time.Millisecond))
	config := strategyConfig(models.StrategyCanary, 5, 1)
	config.CanaryPercentage = 20
	config.CanaryDurationSeconds = 1
	config.HealthCheck = &models.HealthCheckSpec{Path: "/", TimeoutSeconds: 1, Retries: 1}
	status := models.NewDeploymentStatus("dep-1", config)

	result, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if err != nil {
		t.Fatalf("canary failed: %v", err)
	}

	if len(provider.deploys) != 1 {
		t.Fatalf("expected one canary deploy, got %d", len(provider.deploys))
	}
	canary := provider.deploys[0]
	if canary.Name != "checkout-canary" || canary.Replicas != 1 {
		t.Errorf("expected checkout-canary with 1 replica (20%% of 5), got %s with %d", canary.Name, canary.Replicas)
	}
	if canary.Networking != nil || canary.Autoscaling != nil {
		t.Error("canary fleet must not carry exposure or autoscaling of its own")
	}
	if len(provider.splits) != 1 || provider.splits[0] != (providers.TrafficWeights{Stable: 80, Canary: 20}) {
		t.Errorf("expected an 80/20 split, got %v", provider.splits)
	}
	if provider.promotions != 1 || provider.canaryRollbacks != 0 {
		t.Errorf("expected promotion without rollback, got %d/%d", provider.promotions, provider.canaryRollbacks)
	}

	snap := status.Clone()
	if snap.ReplicasReady != 5 {
		t.Errorf("expected full fleet ready after promotion, got %d", snap.ReplicasReady)
	}
	if rate, ok := snap.Metrics["canary_error_rate"]; !ok || rate != 0 {
		t.Errorf("expected recorded error rate 0, got %v", snap.Metrics)
	}
	if result.Endpoint != server.URL {
		t.Errorf("expected canary endpoint in result, got %q", result.Endpoint)
	}
}

func TestCanaryRollsBackOnErrorRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := newRecordingProvider()
	provider.endpoint = server.URL

	strategy := NewCanaryStrategy(testMonitor(time.Millisecond))
	config := strategyConfig(models.StrategyCanary, 5, 1)
	config.CanaryPercentage = 20
	// A long observation window that must NOT be waited out: the first
	// failing sample already puts the rate over the threshold.
	config.CanaryDurationSeconds = 60
	config.HealthCheck = &models.HealthCheckSpec{Path: "/", TimeoutSeconds: 1, Retries: 1}
	status := models.NewDeploymentStatus("dep-1", config)

	start := time.Now()
	_, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if !errors.Is(err, models.ErrCanaryFailed) {
		t.Fatalf("expected ErrCanaryFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected early termination, observation took %s", elapsed)
	}

	if provider.canaryRollbacks != 1 || provider.promotions != 0 {
		t.Errorf("expected rollback without promotion, got %d/%d", provider.canaryRollbacks, provider.promotions)
	}
	snap := status.Clone()
	if rate := snap.Metrics["canary_error_rate"]; rate != 1.0 {
		t.Errorf("expected recorded error rate 1.0, got %.2f", rate)
	}
}

func TestCanaryTeardownFailureKeepsVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := newRecordingProvider()
	provider.endpoint = server.URL
	provider.canaryRollbackErr = errors.New("orphaned fleet")

	strategy := NewCanaryStrategy(testMonitor(time.Millisecond))
	config := strategyConfig(models.StrategyCanary, 5, 1)
	config.HealthCheck = &models.HealthCheckSpec{Path: "/", TimeoutSeconds: 1, Retries: 1}
	status := models.NewDeploymentStatus("dep-1", config)

	_, err := strategy.Execute(context.Background(), provider, config, "a", status)
	if !errors.Is(err, models.ErrCanaryFailed) {
		t.Fatalf("a teardown problem must not replace the canary verdict, got %v", err)
	}

	var sawTeardown bool
	for _, event := range status.Clone().Events {
		if strings.Contains(event.Message, "canary teardown failed") {
			sawTeardown = true
		}
	}
	if !sawTeardown {
		t.Error("expected the teardown failure on the event trail")
	}
}

func TestRecreateDrainsBeforeRollout(t *testing.T) {
	provider := newRecordingProvider()
	strategy := NewRecreateStrategy(NewHealthChecker())

	config := strategyConfig(models.StrategyRecreate, 3, 1)
	status := models.NewDeploymentStatus("dep-1", config)

	if _, err := strategy.Execute(context.Background(), provider, config, "a", status); err != nil {
		t.Fatalf("recreate failed: %v", err)
	}

	want := []string{"scale:checkout:0", "update:checkout:0:3"}
	if got := provider.opLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected drain before rollout, got ops %v", got)
	}
	if ready := status.Clone().ReplicasReady; ready != 3 {
		t.Errorf("expected 3 ready replicas, got %d", ready)
	}
}
