package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"robofleet/pkg/deployment"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeploymentArchiveRepository keeps terminal deployments for audit and history queries
type DeploymentArchiveRepository struct {
	ds *Datastore
}

// NewDeploymentArchiveRepository creates a new archive repository
func NewDeploymentArchiveRepository(ds *Datastore) *DeploymentArchiveRepository {
	return &DeploymentArchiveRepository{ds: ds}
}

// Archive upserts the record of a terminal deployment
func (r *DeploymentArchiveRepository) Archive(ctx context.Context, d *deployment.Deployment) error {
	rec, err := toRecord(d)
	if err != nil {
		return err
	}
	err = r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "deployment_id"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to archive deployment %s: %w", d.ID, err)
	}
	return nil
}

// Get loads an archived deployment
func (r *DeploymentArchiveRepository) Get(ctx context.Context, deploymentID string) (*deployment.Deployment, error) {
	var rec DeploymentRecord
	err := r.ds.DB(ctx).Where("deployment_id = ?", deploymentID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, deployment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived deployment: %w", err)
	}
	return fromRecord(&rec)
}

// ListRecent returns the latest archived records, optionally filtered by status
func (r *DeploymentArchiveRepository) ListRecent(ctx context.Context, status string, limit int) ([]*DeploymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.ds.DB(ctx).Model(&DeploymentRecord{}).Order("completed_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []*DeploymentRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list archived deployments: %w", err)
	}
	return records, nil
}

func toRecord(d *deployment.Deployment) (*DeploymentRecord, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deployment: %w", err)
	}
	failed := 0
	for _, res := range d.Results {
		if !res.Success {
			failed++
		}
	}
	return &DeploymentRecord{
		DeploymentID:     d.ID,
		ModelVersionID:   d.ModelVersionID,
		Strategy:         string(d.Strategy),
		Status:           string(d.Status),
		FinalStage:       d.CurrentStage,
		StageCount:       len(d.Stages),
		RobotCount:       len(d.Context.AssignedRobotIDs),
		FailedSwitches:   failed,
		RollbackReason:   d.RollbackReason,
		AssignedRobotIDs: RobotIDList(d.Context.AssignedRobotIDs),
		PreviousVersions: VersionMap(d.Context.PreviousVersions),
		Document:         string(doc),
		CreatedBy:        d.CreatedBy,
		CreatedAt:        d.CreatedAt,
		CompletedAt:      d.CompletedAt,
		ArchivedAt:       time.Now(),
	}, nil
}

func fromRecord(rec *DeploymentRecord) (*deployment.Deployment, error) {
	var d deployment.Deployment
	if err := json.Unmarshal([]byte(rec.Document), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived deployment: %w", err)
	}
	return &d, nil
}
