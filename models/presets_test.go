package models

import (
	"os"
	"path/filepath"
	"testing"
)

const presetYAML = `presets:
  web-service:
    strategy: rolling-update
    provider: kubernetes
    replicas: 4
    maxSurge: 2
    port: 3000
    rollbackOnFailure: true
    healthCheck:
      path: /healthz
      timeoutSeconds: 5
      intervalSeconds: 10
      retries: 3
    envVars:
      LOG_LEVEL: info
  canary-service:
    strategy: canary
    provider: kubernetes
    replicas: 10
    canaryPercentage: 20
    canaryDurationSeconds: 120
`

func writePresets(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte(presetYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPresets(t *testing.T) {
	presets, err := LoadPresets(writePresets(t))
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(presets) != 2 {
		t.Fatalf("got %d presets, want 2", len(presets))
	}

	web, ok := presets["web-service"]
	if !ok {
		t.Fatal("web-service preset missing")
	}
	if web.Strategy != StrategyRollingUpdate || web.Replicas != 4 || web.MaxSurge != 2 {
		t.Errorf("web-service = %+v", web)
	}
	if web.HealthCheck == nil || web.HealthCheck.Path != "/healthz" {
		t.Errorf("health check not parsed: %+v", web.HealthCheck)
	}
	if web.EnvVars["LOG_LEVEL"] != "info" {
		t.Errorf("env vars not parsed: %v", web.EnvVars)
	}

	canary := presets["canary-service"]
	if canary.CanaryPercentage != 20 || canary.CanaryDurationSeconds != 120 {
		t.Errorf("canary-service = %+v", canary)
	}
}

func TestLoadPresetsMissingFile(t *testing.T) {
	if _, err := LoadPresets(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadPresetsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("presets: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPresets(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestMergePreset(t *testing.T) {
	base := DeploymentConfig{
		Strategy:          StrategyRollingUpdate,
		Provider:          "kubernetes",
		Replicas:          4,
		MaxSurge:          2,
		Port:              3000,
		RollbackOnFailure: true,
		EnvVars:           EnvVars{"LOG_LEVEL": "info", "REGION": "eu-west-1"},
	}
	override := DeploymentConfig{
		Name:     "checkout-api",
		Version:  "2.4.1",
		Replicas: 6,
		EnvVars:  EnvVars{"LOG_LEVEL": "debug"},
	}

	merged := MergePreset(base, override)

	if merged.Name != "checkout-api" || merged.Version != "2.4.1" {
		t.Errorf("identity not overridden: %+v", merged)
	}
	if merged.Replicas != 6 {
		t.Errorf("Replicas = %d, want override 6", merged.Replicas)
	}
	if merged.MaxSurge != 2 || merged.Port != 3000 {
		t.Error("unset override fields should keep preset values")
	}
	if !merged.RollbackOnFailure {
		t.Error("preset flag should survive merge")
	}
	if merged.EnvVars["LOG_LEVEL"] != "debug" || merged.EnvVars["REGION"] != "eu-west-1" {
		t.Errorf("env merge wrong: %v", merged.EnvVars)
	}
	if base.EnvVars["LOG_LEVEL"] != "info" {
		t.Error("merge must not mutate the preset")
	}
}
