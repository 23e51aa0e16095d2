package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"robofleet/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	robotKeyPrefix      = "robot:"          // robot:{id} last reported profile, no TTL
	robotPresencePrefix = "robot:presence:" // robot:presence:{id} liveness marker with TTL
	robotSetKey         = "robots:all"      // every robot ever registered
	robotZoneSetPrefix  = "robots:zone:"    // robots:zone:{zone}
	defaultPresenceTTL  = 30 * time.Second
)

// RobotRegistry fleet membership. A robot whose presence marker expired is
// reported OFFLINE with its last known profile.
type RobotRegistry struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRobotRegistry creates the registry, ttl <= 0 uses the default presence TTL
func NewRobotRegistry(redisClient *RedisClient, ttl time.Duration) *RobotRegistry {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RobotRegistry{redis: redisClient.GetClient(), ttl: ttl}
}

// Report stores the robot profile and refreshes its presence
func (r *RobotRegistry) Report(ctx context.Context, robot *model.Robot) error {
	if robot.ID == "" {
		return errors.New("robot id is required")
	}
	if robot.LastSeen.IsZero() {
		robot.LastSeen = time.Now()
	}
	if robot.Status == "" {
		robot.Status = model.RobotStatusOnline
	}
	data, err := json.Marshal(robot)
	if err != nil {
		return fmt.Errorf("failed to marshal robot: %w", err)
	}

	prev, err := r.Get(ctx, robot.ID)
	if err != nil && !errors.Is(err, errRobotNotFound) {
		return err
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, robotKeyPrefix+robot.ID, data, 0)
	pipe.Set(ctx, robotPresencePrefix+robot.ID, robot.LastSeen.Unix(), r.ttl)
	pipe.SAdd(ctx, robotSetKey, robot.ID)
	if prev != nil && prev.Zone != robot.Zone && prev.Zone != "" {
		pipe.SRem(ctx, robotZoneSetPrefix+prev.Zone, robot.ID)
	}
	if robot.Zone != "" {
		pipe.SAdd(ctx, robotZoneSetPrefix+robot.Zone, robot.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save robot: %w", err)
	}
	return nil
}

var errRobotNotFound = errors.New("robot not found")

// Get retrieves one robot with its liveness applied
func (r *RobotRegistry) Get(ctx context.Context, id string) (*model.Robot, error) {
	pipe := r.redis.Pipeline()
	dataCmd := pipe.Get(ctx, robotKeyPrefix+id)
	aliveCmd := pipe.Exists(ctx, robotPresencePrefix+id)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	data, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", errRobotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	var robot model.Robot
	if err := json.Unmarshal(data, &robot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal robot: %w", err)
	}
	if aliveCmd.Val() == 0 {
		robot.Status = model.RobotStatusOffline
	}
	return &robot, nil
}

// ListRobots returns every registered robot sorted by id
func (r *RobotRegistry) ListRobots(ctx context.Context) ([]model.Robot, error) {
	ids, err := r.redis.SMembers(ctx, robotSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list robots: %w", err)
	}
	return r.load(ctx, ids)
}

// ListByZone returns robots registered in zone
func (r *RobotRegistry) ListByZone(ctx context.Context, zone string) ([]model.Robot, error) {
	ids, err := r.redis.SMembers(ctx, robotZoneSetPrefix+zone).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list zone robots: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *RobotRegistry) load(ctx context.Context, ids []string) ([]model.Robot, error) {
	if len(ids) == 0 {
		return []model.Robot{}, nil
	}
	pipe := r.redis.Pipeline()
	dataCmds := make([]*redis.StringCmd, len(ids))
	aliveCmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		dataCmds[i] = pipe.Get(ctx, robotKeyPrefix+id)
		aliveCmds[i] = pipe.Exists(ctx, robotPresencePrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load robots: %w", err)
	}

	out := make([]model.Robot, 0, len(ids))
	for i := range ids {
		data, err := dataCmds[i].Bytes()
		if err != nil {
			continue
		}
		var robot model.Robot
		if err := json.Unmarshal(data, &robot); err != nil {
			continue
		}
		if aliveCmds[i].Val() == 0 {
			robot.Status = model.RobotStatusOffline
		}
		out = append(out, robot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the robot from the registry
func (r *RobotRegistry) Delete(ctx context.Context, id string) error {
	robot, err := r.Get(ctx, id)
	if err != nil && !errors.Is(err, errRobotNotFound) {
		return err
	}
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, robotKeyPrefix+id, robotPresencePrefix+id)
	pipe.SRem(ctx, robotSetKey, id)
	if robot != nil && robot.Zone != "" {
		pipe.SRem(ctx, robotZoneSetPrefix+robot.Zone, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete robot: %w", err)
	}
	return nil
}
