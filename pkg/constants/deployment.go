package constants

// DeploymentStatus lifecycle of a fleet model deployment
type DeploymentStatus string

const (
	DeploymentStatusCreated     DeploymentStatus = "created"
	DeploymentStatusRunning     DeploymentStatus = "running"
	DeploymentStatusRollingBack DeploymentStatus = "rolling_back"
	DeploymentStatusPromoted    DeploymentStatus = "promoted"
	DeploymentStatusCompleted   DeploymentStatus = "completed"
	DeploymentStatusFailed      DeploymentStatus = "failed"
	DeploymentStatusCancelled   DeploymentStatus = "cancelled"
)

func (s DeploymentStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusCompleted, DeploymentStatusFailed, DeploymentStatusCancelled:
		return true
	}
	return false
}

// DeploymentStrategy rollout strategy
type DeploymentStrategy string

const (
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyImmediate DeploymentStrategy = "immediate"
)
