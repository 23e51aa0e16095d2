package mysql

import "robofleet/pkg/store/mysql/model"

// Re-export types from model package
type (
	DeploymentRecord = model.DeploymentRecord
	RobotIDList      = model.RobotIDList
	VersionMap       = model.VersionMap
)
