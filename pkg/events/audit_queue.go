package events

import (
	"context"
	"fmt"
	"time"

	"robofleet/pkg/config"
	"robofleet/pkg/deployment"
	"robofleet/pkg/logger"
	"robofleet/pkg/safety"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeAuditEvent = "audit:event"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AuditQueue durable audit trail of deployment and safety events backed by asynq
type AuditQueue struct {
	client   enqueuer
	server   *asynq.Server
	mux      *asynq.ServeMux
	queue    string
	maxRetry int
}

// NewAuditQueue creates the audit queue client and worker server
func NewAuditQueue(cfg *config.Config, handler *AuditHandler) (*AuditQueue, error) {
	if cfg.Queue.Queue == "" {
		return nil, fmt.Errorf("audit queue name is required")
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				cfg.Queue.Queue: 1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	mux := asynq.NewServeMux()
	if handler != nil {
		mux.Handle(TypeAuditEvent, handler)
	}

	q := newAuditQueueWithClient(asynq.NewClient(redisOpt), cfg.Queue.Queue, cfg.Queue.MaxRetry)
	q.server = server
	q.mux = mux
	return q, nil
}

func newAuditQueueWithClient(client enqueuer, queue string, maxRetry int) *AuditQueue {
	return &AuditQueue{client: client, queue: queue, maxRetry: maxRetry}
}

// Publish implements deployment.EventSink
func (q *AuditQueue) Publish(ctx context.Context, e deployment.Event) error {
	return q.enqueue(ctx, FromDeployment(e))
}

// PublishSafety enqueues a safety event of robotID
func (q *AuditQueue) PublishSafety(ctx context.Context, robotID string, e safety.Event) error {
	return q.enqueue(ctx, FromSafety(robotID, e))
}

func (q *AuditQueue) enqueue(ctx context.Context, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeAuditEvent, payload)
	opts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(30 * time.Second),
	}

	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue audit event: %w", err)
	}

	logger.DebugCtx(ctx, "audit event enqueued, type: %s, key: %s, queue: %s", env.Type(), env.Key, info.Queue)
	return nil
}

// Start starts the audit worker
func (q *AuditQueue) Start() error {
	if q.server == nil {
		return nil
	}
	logger.InfoCtx(context.Background(), "starting audit queue server, queue: %s", q.queue)
	return q.server.Start(q.mux)
}

// Stop stops the audit worker and closes the client
func (q *AuditQueue) Stop() {
	if q.server != nil {
		logger.InfoCtx(context.Background(), "stopping audit queue server")
		q.server.Stop()
		q.server.Shutdown()
	}
	if err := q.client.Close(); err != nil {
		logger.Warnf("failed to close audit queue client: %v", err)
	}
}

// AuditRecorder persists one audit envelope
type AuditRecorder func(ctx context.Context, env Envelope) error

// AuditHandler consumes audit tasks. Every event is written to the log and
// handed to the optional recorder; a recorder error makes asynq retry.
type AuditHandler struct {
	record AuditRecorder
}

// NewAuditHandler creates a handler, record may be nil
func NewAuditHandler(record AuditRecorder) *AuditHandler {
	return &AuditHandler{record: record}
}

// ProcessTask implements asynq.Handler
func (h *AuditHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := Decode(t.Payload())
	if err != nil {
		// malformed payloads never succeed on retry
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	fields := []zap.Field{
		zap.String("source", string(env.Source)),
		zap.String("type", env.Type()),
		zap.String("key", env.Key),
		zap.Time("timestamp", env.Timestamp),
	}
	if env.RobotID != "" {
		fields = append(fields, zap.String("robot_id", env.RobotID))
	}
	if env.Deployment != nil {
		fields = append(fields, zap.String("status", string(env.Deployment.Status)), zap.Int("stage", env.Deployment.Stage))
		if env.Deployment.Reason != "" {
			fields = append(fields, zap.String("reason", env.Deployment.Reason))
		}
	}
	if env.Safety != nil {
		fields = append(fields, zap.String("actor", string(env.Safety.Actor)))
		if env.Safety.Reason != "" {
			fields = append(fields, zap.String("reason", env.Safety.Reason))
		}
	}
	logger.Info("audit", fields...)

	if h.record == nil {
		return nil
	}
	return h.record(ctx, env)
}
