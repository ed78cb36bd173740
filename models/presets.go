package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type presetFile struct {
	Presets map[string]DeploymentConfig `yaml:"presets"`
}

// LoadPresets reads named base configs from a YAML document. Deploy
// requests can reference a preset by name and only override what
// differs per release.
func LoadPresets(path string) (map[string]DeploymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing presets file: %w", err)
	}
	if file.Presets == nil {
		file.Presets = make(map[string]DeploymentConfig)
	}
	return file.Presets, nil
}

// MergePreset overlays the request config on a preset base. Scalar
// fields from the request win when set; maps merge key-wise with the
// request winning; boolean flags can only be switched on by the
// request, not off.
func MergePreset(base, override DeploymentConfig) DeploymentConfig {
	out := base

	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Version != "" {
		out.Version = override.Version
	}
	if override.Strategy != "" {
		out.Strategy = override.Strategy
	}
	if override.Provider != "" {
		out.Provider = override.Provider
	}
	if override.Namespace != "" {
		out.Namespace = override.Namespace
	}
	if override.Replicas != 0 {
		out.Replicas = override.Replicas
	}
	if override.MaxSurge != 0 {
		out.MaxSurge = override.MaxSurge
	}
	if override.MaxUnavailable != 0 {
		out.MaxUnavailable = override.MaxUnavailable
	}
	if override.CanaryPercentage != 0 {
		out.CanaryPercentage = override.CanaryPercentage
	}
	if override.CanaryDurationSeconds != 0 {
		out.CanaryDurationSeconds = override.CanaryDurationSeconds
	}
	if override.TimeoutSeconds != 0 {
		out.TimeoutSeconds = override.TimeoutSeconds
	}
	if override.RollbackOnFailure {
		out.RollbackOnFailure = true
	}
	if override.Port != 0 {
		out.Port = override.Port
	}
	if override.HealthCheck != nil {
		out.HealthCheck = override.HealthCheck
	}
	if override.CPURequest != "" {
		out.CPURequest = override.CPURequest
	}
	if override.CPULimit != "" {
		out.CPULimit = override.CPULimit
	}
	if override.MemoryRequest != "" {
		out.MemoryRequest = override.MemoryRequest
	}
	if override.MemoryLimit != "" {
		out.MemoryLimit = override.MemoryLimit
	}
	if override.Networking != nil {
		out.Networking = override.Networking
	}
	if override.Autoscaling != nil {
		out.Autoscaling = override.Autoscaling
	}
	if len(override.Volumes) > 0 {
		out.Volumes = override.Volumes
	}
	if len(override.EnvVars) > 0 {
		merged := make(EnvVars, len(base.EnvVars)+len(override.EnvVars))
		for k, v := range base.EnvVars {
			merged[k] = v
		}
		for k, v := range override.EnvVars {
			merged[k] = v
		}
		out.EnvVars = merged
	}
	if len(override.Labels) > 0 {
		merged := make(map[string]string, len(base.Labels)+len(override.Labels))
		for k, v := range base.Labels {
			merged[k] = v
		}
		for k, v := range override.Labels {
			merged[k] = v
		}
		out.Labels = merged
	}
	return out
}
