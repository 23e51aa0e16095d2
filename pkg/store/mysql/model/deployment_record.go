package model

import "time"

// DeploymentRecord MySQL model for deployment_records table.
// One row per deployment that reached a terminal status.
type DeploymentRecord struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	DeploymentID     string          `gorm:"column:deployment_id;type:varchar(64);not null;uniqueIndex:idx_deployment_id_unique" json:"deployment_id"`
	ModelVersionID   string          `gorm:"column:model_version_id;type:varchar(255);not null;index:idx_model_version" json:"model_version_id"`
	Strategy         string          `gorm:"column:strategy;type:varchar(32);not null" json:"strategy"`
	Status           string          `gorm:"column:status;type:varchar(32);not null;index:idx_status" json:"status"`
	FinalStage       int             `gorm:"column:final_stage;type:int;not null;default:0" json:"final_stage"`
	StageCount       int             `gorm:"column:stage_count;type:int;not null;default:0" json:"stage_count"`
	RobotCount       int             `gorm:"column:robot_count;type:int;not null;default:0" json:"robot_count"`
	FailedSwitches   int             `gorm:"column:failed_switches;type:int;not null;default:0" json:"failed_switches"`
	RollbackReason   string          `gorm:"column:rollback_reason;type:text" json:"rollback_reason"`
	AssignedRobotIDs RobotIDList     `gorm:"column:assigned_robot_ids;type:json" json:"assigned_robot_ids"`
	PreviousVersions VersionMap      `gorm:"column:previous_versions;type:json" json:"previous_versions"`
	Document         string          `gorm:"column:document;type:json;not null" json:"document"` // full deployment snapshot
	CreatedBy        string          `gorm:"column:created_by;type:varchar(255)" json:"created_by"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:datetime(3);not null" json:"created_at"`
	CompletedAt      *time.Time      `gorm:"column:completed_at;type:datetime(3);index:idx_completed_at" json:"completed_at"`
	ArchivedAt       time.Time       `gorm:"column:archived_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"archived_at"`
}

// TableName specifies the table name for DeploymentRecord
func (DeploymentRecord) TableName() string {
	return "deployment_records"
}
