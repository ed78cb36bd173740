package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvVars custom type for JSON storage
type EnvVars map[string]string

func (e EnvVars) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *EnvVars) Scan(value interface{}) error {
	if value == nil {
		*e = make(map[string]string)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, e)
}

// HealthCheckSpec describes the HTTP probe used to gate batches and
// verify finished deployments. A nil spec disables health gating for
// strategies that can run without it.
type HealthCheckSpec struct {
	Path            string `json:"path" yaml:"path"`
	Port            int    `json:"port,omitempty" yaml:"port,omitempty"` // 0 means the service port
	TimeoutSeconds  int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds"`
	Retries         int    `json:"retries" yaml:"retries"`
}

// Timeout is the per-attempt HTTP timeout.
func (h HealthCheckSpec) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Interval is the pause between failed attempts.
func (h HealthCheckSpec) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// AutoscalingSpec mirrors a horizontal autoscaler. When enabled the
// provider installs one next to the workload; replicas then acts as the
// initial size only.
type AutoscalingSpec struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	MinReplicas      int  `json:"minReplicas" yaml:"minReplicas"`
	MaxReplicas      int  `json:"maxReplicas" yaml:"maxReplicas"`
	TargetCPUPercent int  `json:"targetCPUPercent" yaml:"targetCPUPercent"`
}

// NetworkingSpec controls how the workload is exposed.
type NetworkingSpec struct {
	Domain       string `json:"domain,omitempty" yaml:"domain,omitempty"`
	CustomDomain string `json:"customDomain,omitempty" yaml:"customDomain,omitempty"`
	TLS          bool   `json:"tls" yaml:"tls"`
}

// VolumeMount attaches storage to every replica. Size empty means
// ephemeral scratch space; a quantity like "1Gi" requests a persistent
// claim of that size.
type VolumeMount struct {
	Name      string `json:"name" yaml:"name"`
	MountPath string `json:"mountPath" yaml:"mountPath"`
	Size      string `json:"size,omitempty" yaml:"size,omitempty"`
}

// DeploymentConfig is the full declarative input for one deployment
// attempt. Callers fill what they care about; ApplyDefaults settles the
// rest before validation.
type DeploymentConfig struct {
	// Identity
	Name     string             `json:"name" yaml:"name"`
	Version  string             `json:"version" yaml:"version"`
	Strategy DeploymentStrategy `json:"strategy" yaml:"strategy"`
	Provider string             `json:"provider" yaml:"provider"`

	// Placement
	Namespace string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Fleet sizing
	Replicas       int `json:"replicas" yaml:"replicas"`
	MaxSurge       int `json:"maxSurge" yaml:"maxSurge"`
	MaxUnavailable int `json:"maxUnavailable" yaml:"maxUnavailable"`

	// Canary tuning (only read by the canary strategy)
	CanaryPercentage      int `json:"canaryPercentage" yaml:"canaryPercentage"`
	CanaryDurationSeconds int `json:"canaryDurationSeconds" yaml:"canaryDurationSeconds"`

	// Failure handling
	TimeoutSeconds    int  `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RollbackOnFailure bool `json:"rollbackOnFailure" yaml:"rollbackOnFailure"`

	// Verification
	HealthCheck *HealthCheckSpec `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`

	// Runtime
	Port    int     `json:"port" yaml:"port"`
	EnvVars EnvVars `json:"envVars,omitempty" yaml:"envVars,omitempty"`

	// Resources
	CPURequest    string `json:"cpuRequest,omitempty" yaml:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty" yaml:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty" yaml:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty" yaml:"memoryLimit,omitempty"`

	// Exposure & scaling extras
	Networking  *NetworkingSpec  `json:"networking,omitempty" yaml:"networking,omitempty"`
	Autoscaling *AutoscalingSpec `json:"autoscaling,omitempty" yaml:"autoscaling,omitempty"`
	Volumes     []VolumeMount    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// Overall deployment timeout. Zero disables the outer bound.
func (c DeploymentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CanaryDuration is how long the canary fleet is observed before promotion.
func (c DeploymentConfig) CanaryDuration() time.Duration {
	return time.Duration(c.CanaryDurationSeconds) * time.Second
}

// ApplyDefaults fills unset fields in place. It is idempotent and runs
// before Validate, so validation only ever sees settled values.
func (c *DeploymentConfig) ApplyDefaults() {
	if c.Replicas == 0 {
		c.Replicas = 1
	}
	if c.MaxSurge == 0 {
		c.MaxSurge = 1
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 600
	}
	if c.Strategy == StrategyCanary {
		if c.CanaryPercentage == 0 {
			c.CanaryPercentage = 10
		}
		if c.CanaryDurationSeconds == 0 {
			c.CanaryDurationSeconds = 60
		}
		// The canary monitor cannot sample without a probe.
		if c.HealthCheck == nil {
			c.HealthCheck = &HealthCheckSpec{}
		}
	}
	if c.HealthCheck != nil {
		if c.HealthCheck.Path == "" {
			c.HealthCheck.Path = "/"
		}
		if c.HealthCheck.TimeoutSeconds == 0 {
			c.HealthCheck.TimeoutSeconds = 5
		}
		if c.HealthCheck.IntervalSeconds == 0 {
			c.HealthCheck.IntervalSeconds = 10
		}
		if c.HealthCheck.Retries == 0 {
			c.HealthCheck.Retries = 3
		}
	}
	if c.Autoscaling != nil && c.Autoscaling.Enabled {
		if c.Autoscaling.MinReplicas == 0 {
			c.Autoscaling.MinReplicas = 1
		}
		if c.Autoscaling.MaxReplicas == 0 {
			c.Autoscaling.MaxReplicas = c.Autoscaling.MinReplicas * 3
		}
		if c.Autoscaling.TargetCPUPercent == 0 {
			c.Autoscaling.TargetCPUPercent = 80
		}
	}
}

// Validate checks the settled config. Every rejection wraps
// ErrInvalidConfig so the API layer can map it to a client error.
func (c DeploymentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if !IsValidName(c.Name) {
		return fmt.Errorf("%w: name %q must be lowercase alphanumeric with hyphens", ErrInvalidConfig, c.Name)
	}
	if c.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidConfig)
	}
	if c.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.Replicas < 1 {
		return fmt.Errorf("%w: replicas must be at least 1", ErrInvalidConfig)
	}
	if c.MaxSurge < 1 {
		return fmt.Errorf("%w: maxSurge must be at least 1", ErrInvalidConfig)
	}
	if c.MaxUnavailable < 0 {
		return fmt.Errorf("%w: maxUnavailable cannot be negative", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeoutSeconds cannot be negative", ErrInvalidConfig)
	}
	if c.Strategy == StrategyCanary {
		if c.CanaryPercentage < 1 || c.CanaryPercentage > 100 {
			return fmt.Errorf("%w: canaryPercentage must be between 1 and 100", ErrInvalidConfig)
		}
		if c.CanaryDurationSeconds < 1 {
			return fmt.Errorf("%w: canaryDurationSeconds must be positive", ErrInvalidConfig)
		}
	}
	if h := c.HealthCheck; h != nil {
		if h.TimeoutSeconds < 1 {
			return fmt.Errorf("%w: healthCheck.timeoutSeconds must be positive", ErrInvalidConfig)
		}
		if h.IntervalSeconds < 0 {
			return fmt.Errorf("%w: healthCheck.intervalSeconds cannot be negative", ErrInvalidConfig)
		}
		if h.Retries < 1 {
			return fmt.Errorf("%w: healthCheck.retries must be positive", ErrInvalidConfig)
		}
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("%w: healthCheck.port %d out of range", ErrInvalidConfig, h.Port)
		}
	}
	if a := c.Autoscaling; a != nil && a.Enabled {
		if a.MinReplicas < 1 {
			return fmt.Errorf("%w: autoscaling.minReplicas must be at least 1", ErrInvalidConfig)
		}
		if a.MaxReplicas < a.MinReplicas {
			return fmt.Errorf("%w: autoscaling.maxReplicas cannot be below minReplicas", ErrInvalidConfig)
		}
		if a.TargetCPUPercent < 1 || a.TargetCPUPercent > 100 {
			return fmt.Errorf("%w: autoscaling.targetCPUPercent must be between 1 and 100", ErrInvalidConfig)
		}
	}
	for _, v := range c.Volumes {
		if v.Name == "" || v.MountPath == "" {
			return fmt.Errorf("%w: volume entries need both name and mountPath", ErrInvalidConfig)
		}
	}
	for k := range c.EnvVars {
		if k == "" {
			return fmt.Errorf("%w: env var names cannot be empty", ErrInvalidConfig)
		}
	}
	return nil
}

// IsValidName checks if a string is a valid workload name: lowercase
// alphanumeric or '-', starting and ending with an alphanumeric, at most
// 63 characters. Matches what the container backends accept.
func IsValidName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	if !isAlphanumeric(rune(name[0])) || !isAlphanumeric(rune(name[len(name)-1])) {
		return false
	}
	for _, r := range name {
		if !isAlphanumeric(r) && r != '-' {
			return false
		}
	}
	return true
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
