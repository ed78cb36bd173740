package models

// DeploymentStrategy selects how a new version is rolled out.
type DeploymentStrategy string

const (
	StrategyRollingUpdate DeploymentStrategy = "rolling-update"
	StrategyBlueGreen     DeploymentStrategy = "blue-green"
	StrategyCanary        DeploymentStrategy = "canary"
	StrategyRecreate      DeploymentStrategy = "recreate"
)

// Valid reports whether s is one of the supported strategies.
func (s DeploymentStrategy) Valid() bool {
	switch s {
	case StrategyRollingUpdate, StrategyBlueGreen, StrategyCanary, StrategyRecreate:
		return true
	}
	return false
}

func (s DeploymentStrategy) String() string {
	return string(s)
}
