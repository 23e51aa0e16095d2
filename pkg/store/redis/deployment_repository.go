package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"robofleet/pkg/deployment"

	"github.com/go-redis/redis/v8"
)

const (
	deploymentKeyPrefix = "deployment:"        // deployment:{id} JSON document
	deploymentSetKey    = "deployments:active" // ids of non-terminal deployments
)

// DeploymentRepository persists in-flight deployments so fleetd can resume them
type DeploymentRepository struct {
	redis *redis.Client
}

// NewDeploymentRepository creates deployment repository
func NewDeploymentRepository(redisClient *RedisClient) *DeploymentRepository {
	return &DeploymentRepository{
		redis: redisClient.GetClient(),
	}
}

// Save stores the deployment and indexes it
func (r *DeploymentRepository) Save(ctx context.Context, d *deployment.Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, deploymentKeyPrefix+d.ID, data, 0)
	pipe.SAdd(ctx, deploymentSetKey, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}
	return nil
}

// Get retrieves one deployment
func (r *DeploymentRepository) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	data, err := r.redis.Get(ctx, deploymentKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, deployment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	var d deployment.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment: %w", err)
	}
	return &d, nil
}

// List returns every indexed deployment. Dangling index entries are removed.
func (r *DeploymentRepository) List(ctx context.Context) ([]*deployment.Deployment, error) {
	ids, err := r.redis.SMembers(ctx, deploymentSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	if len(ids) == 0 {
		return []*deployment.Deployment{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(ctx, deploymentKeyPrefix+id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load deployments: %w", err)
	}

	out := make([]*deployment.Deployment, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			_ = r.redis.SRem(ctx, deploymentSetKey, ids[i]).Err()
			continue
		}
		if err != nil {
			continue
		}
		var d deployment.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// Delete removes the deployment and its index entry
func (r *DeploymentRepository) Delete(ctx context.Context, id string) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, deploymentKeyPrefix+id)
	pipe.SRem(ctx, deploymentSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return nil
}
