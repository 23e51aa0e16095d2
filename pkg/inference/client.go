package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"robofleet/internal/jobs"
	"robofleet/internal/model"
	"robofleet/pkg/logger"
	"robofleet/pkg/metrics"

	"go.uber.org/zap"
)

// State connection lifecycle of the client
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// EventType client lifecycle notification
type EventType string

const (
	EventConnected    EventType = "connected"
	EventError        EventType = "error"
	EventReconnecting EventType = "reconnecting"
	EventFallback     EventType = "fallback"
	EventClosed       EventType = "closed"
)

// Event observable client event. Err is set for error and fallback events,
// Delay and Attempt for reconnecting.
type Event struct {
	Type      EventType
	Err       error
	Delay     time.Duration
	Attempt   int
	Timestamp time.Time
}

// Options client configuration
type Options struct {
	Transport             Transport
	Fallback              Fallback // optional
	PoolSize              int
	RequestTimeout        time.Duration
	HealthCheckInterval   time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ModelVersion          string
	Collector             *metrics.Inference // optional
}

func (o *Options) applyDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 5 * time.Second
	}
	if o.ReconnectInitialDelay <= 0 {
		o.ReconnectInitialDelay = 100 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
}

// Client pooled, reconnecting client for the remote inference service
type Client struct {
	opts    Options
	pool    *Pool
	backoff *Backoff
	metrics *clientMetrics

	mu           sync.RWMutex
	state        State
	info         *model.ModelInfo
	health       *model.HealthStatus
	modelVersion string
	healthJobs   *jobs.Manager

	reconnectMu      sync.Mutex
	reconnectPending bool
	reconnectTimer   *time.Timer

	listenersMu sync.RWMutex
	listeners   []func(Event)

	streamMu sync.Mutex
	stream   *activeStream
}

// NewClient creates a disconnected client
func NewClient(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("inference transport is required")
	}
	opts.applyDefaults()
	return &Client{
		opts:         opts,
		pool:         NewPool(opts.Transport, opts.PoolSize),
		backoff:      NewBackoff(opts.ReconnectInitialDelay, opts.ReconnectMaxDelay),
		metrics:      newClientMetrics(),
		state:        StateDisconnected,
		modelVersion: opts.ModelVersion,
	}, nil
}

// Subscribe registers fn for every client event
func (c *Client) Subscribe(fn func(Event)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Client) emit(e Event) {
	e.Timestamp = time.Now()
	c.listenersMu.RLock()
	listeners := make([]func(Event), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

// State current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = s
	return true
}

// ModelVersion model version sent with every request
func (c *Client) ModelVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelVersion
}

// SetModelVersion swaps the active model for subsequent requests
func (c *Client) SetModelVersion(version string) {
	c.mu.Lock()
	c.modelVersion = version
	c.mu.Unlock()
}

// CachedModelInfo model info fetched on connect or the last health check
func (c *Client) CachedModelInfo() *model.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Connect validates the service interface, fills the pool, fetches model info
// and starts health polling. On failure a reconnect is scheduled and the error returned.
func (c *Client) Connect(ctx context.Context) error {
	if !c.setState(StateConnecting) {
		return ErrClosed
	}

	if err := c.connect(ctx); err != nil {
		if c.setState(StateError) {
			logger.WarnCtx(ctx, "inference connect failed: %v", err)
			c.emit(Event{Type: EventError, Err: err})
			c.scheduleReconnect()
		}
		return err
	}

	if !c.setState(StateReady) {
		return ErrClosed
	}
	c.backoff.Reset()
	c.startHealthChecks()
	logger.InfoCtx(ctx, "inference client ready, pool size %d", c.opts.PoolSize)
	c.emit(Event{Type: EventConnected})
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if err := c.pool.Fill(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(callCtx)
	if err != nil {
		return err
	}
	conn := lease.Conn()
	desc, err := conn.Describe(callCtx)
	if err == nil {
		err = desc.Validate()
	}
	if err != nil {
		lease.Release(err)
		return fmt.Errorf("failed to load service definition: %w", err)
	}
	info, err := conn.GetModelInfo(callCtx)
	lease.Release(err)
	if err != nil {
		return fmt.Errorf("failed to fetch model info: %w", err)
	}

	c.mu.Lock()
	c.info = info
	if c.modelVersion == "" {
		c.modelVersion = info.ModelVersion
	}
	c.mu.Unlock()
	return nil
}

// scheduleReconnect arms the single reconnect timer unless one is pending
func (c *Client) scheduleReconnect() {
	c.reconnectMu.Lock()
	if c.reconnectPending || c.State() == StateClosed {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnectPending = true
	delay := c.backoff.Next()
	attempt := c.backoff.Failures()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.reconnectMu.Unlock()

	c.metrics.recordReconnect()
	c.opts.Collector.IncReconnect()
	logger.Info("inference reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.emit(Event{Type: EventReconnecting, Delay: delay, Attempt: attempt})
}

func (c *Client) reconnect() {
	c.reconnectMu.Lock()
	c.reconnectPending = false
	c.reconnectTimer = nil
	c.reconnectMu.Unlock()

	if c.State() == StateClosed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	_ = c.Connect(ctx)
}

// ReconnectPending reports whether a reconnect timer is armed
func (c *Client) ReconnectPending() bool {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	return c.reconnectPending
}

func (c *Client) startHealthChecks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthJobs != nil {
		return
	}
	c.healthJobs = jobs.NewManager(context.Background())
	c.healthJobs.Register(jobs.NewDeferredFuncJob("inference-health-check", c.opts.HealthCheckInterval, c.runHealthCheck))
	c.healthJobs.Start()
}

// runHealthCheck only acts while ready; failures move the client to error
// and start the reconnect sequence without surfacing to callers.
func (c *Client) runHealthCheck(ctx context.Context) error {
	if c.State() != StateReady {
		return nil
	}
	if _, err := c.HealthCheck(ctx); err != nil {
		if c.State() == StateReady && c.setState(StateError) {
			logger.WarnCtx(ctx, "inference health check failed: %v", err)
			c.emit(Event{Type: EventError, Err: err})
			c.scheduleReconnect()
		}
	}
	return nil
}

// HealthCheck queries the service and refreshes the cached model info
func (c *Client) HealthCheck(ctx context.Context) (*model.HealthStatus, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(callCtx)
	if err != nil {
		return nil, err
	}
	conn := lease.Conn()
	status, err := conn.HealthCheck(callCtx)
	if err == nil && !status.Healthy {
		err = fmt.Errorf("inference service unhealthy: %s", status.Message)
	}
	if err != nil {
		lease.Release(err)
		return status, err
	}
	info, infoErr := conn.GetModelInfo(callCtx)
	lease.Release(infoErr)

	c.mu.Lock()
	c.health = status
	if infoErr == nil {
		c.info = info
	}
	c.mu.Unlock()
	return status, nil
}

// GetModelInfo fetches model info from the service
func (c *Client) GetModelInfo(ctx context.Context) (*model.ModelInfo, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(callCtx)
	if err != nil {
		return nil, err
	}
	info, err := lease.Conn().GetModelInfo(callCtx)
	lease.Release(err)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return info, nil
}

// Predict runs one inference on the primary path, falling back to the
// REST endpoint when configured. Fallback failure returns the primary error.
func (c *Client) Predict(ctx context.Context, obs *model.Observation) (*model.ActionChunk, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	if info := c.CachedModelInfo(); info != nil && !info.SupportsEmbodiment(obs.EmbodimentTag) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEmbodiment, obs.EmbodimentTag)
	}
	version := c.ModelVersion()

	start := time.Now()
	chunk, err := c.predictPrimary(ctx, obs, version)
	if err == nil {
		latency := time.Since(start)
		c.metrics.record(OutcomeSuccess, latency)
		c.opts.Collector.ObserveRequest("primary", string(OutcomeSuccess), latency)
		return chunk, nil
	}

	if c.opts.Fallback != nil {
		fbStart := time.Now()
		fbCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		fbChunk, fbErr := c.opts.Fallback.Predict(fbCtx, obs, version)
		cancel()
		if fbErr == nil {
			c.metrics.record(OutcomeFallback, time.Since(start))
			c.opts.Collector.ObserveRequest("fallback", string(OutcomeFallback), time.Since(fbStart))
			logger.DebugCtx(ctx, "primary inference failed, served by fallback: %v", err)
			c.emit(Event{Type: EventFallback, Err: err})
			return fbChunk, nil
		}
		logger.WarnCtx(ctx, "inference fallback failed: %v", fbErr)
	}

	c.metrics.record(OutcomeError, time.Since(start))
	c.opts.Collector.ObserveRequest("primary", string(OutcomeError), time.Since(start))
	return nil, err
}

func (c *Client) predictPrimary(ctx context.Context, obs *model.Observation, version string) (*model.ActionChunk, error) {
	if s := c.State(); s != StateReady {
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, s)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(callCtx)
	if err != nil {
		return nil, err
	}
	chunk, err := lease.Conn().Predict(callCtx, obs, version)
	lease.Release(err)
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// GetMetrics client-side inference metrics
func (c *Client) GetMetrics() MetricsSnapshot {
	snap := c.metrics.snapshot()
	snap.Pool = c.pool.Stats()
	c.mu.RLock()
	snap.LastHealth = c.health
	c.mu.RUnlock()
	return snap
}

// Close ends any stream, stops health checks and the reconnect timer and
// closes pooled connections. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	healthJobs := c.healthJobs
	c.healthJobs = nil
	c.mu.Unlock()

	c.reconnectMu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
	c.reconnectMu.Unlock()

	c.EndStream()
	if healthJobs != nil {
		healthJobs.StopAndWait()
	}
	c.pool.Close()
	c.emit(Event{Type: EventClosed})
	return nil
}
