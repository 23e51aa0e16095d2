package inference

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"robofleet/internal/model"
)

var errTransport = errors.New("connection reset by peer")

// fakeTransport deterministic in-memory inference service
type fakeTransport struct {
	mu          sync.Mutex
	dials       int
	dialErr     error
	failDialAt  int // when set, that dial (1-based) fails with errTransport
	methods     []string
	info        model.ModelInfo
	predictErr  error
	healthErr   error
	unhealthy   bool
	lastVersion string
	conns       []*fakeConn
	streams     []*fakeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		methods: append([]string{MethodDescribe}, RequiredMethods...),
		info: model.ModelInfo{
			ModelName:            "gr00t-n1",
			ModelVersion:         "v1.0.0",
			ActionDim:            7,
			ChunkSize:            16,
			SupportedEmbodiments: []string{"so101_arm", "franka_panda"},
		},
	}
}

func (t *fakeTransport) set(fn func(t *fakeTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	if t.failDialAt > 0 && t.dials == t.failDialAt {
		return nil, errTransport
	}
	c := &fakeConn{t: t}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) closedConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.conns {
		if c.isClosed() {
			n++
		}
	}
	return n
}

func (t *fakeTransport) latestStream() *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

type fakeConn struct {
	t      *fakeTransport
	closed int32
}

func (c *fakeConn) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

func (c *fakeConn) Describe(ctx context.Context) (*ServiceDescriptor, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return &ServiceDescriptor{Service: "vla.InferenceService", Version: "1", Methods: append([]string(nil), c.t.methods...)}, nil
}

func (c *fakeConn) Predict(ctx context.Context, obs *model.Observation, modelVersion string) (*model.ActionChunk, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.lastVersion = modelVersion
	if c.t.predictErr != nil {
		return nil, c.t.predictErr
	}
	return testChunk(modelVersion, 4), nil
}

func (c *fakeConn) GetModelInfo(ctx context.Context) (*model.ModelInfo, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	info := c.t.info
	return &info, nil
}

func (c *fakeConn) HealthCheck(ctx context.Context) (*model.HealthStatus, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.healthErr != nil {
		return nil, c.t.healthErr
	}
	return &model.HealthStatus{Healthy: !c.t.unhealthy, ModelLoaded: true, Message: "ok"}, nil
}

func (c *fakeConn) OpenStream(ctx context.Context, modelVersion string) (Stream, error) {
	s := &fakeStream{
		version: modelVersion,
		chunks:  make(chan *model.ActionChunk, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	c.t.mu.Lock()
	c.t.streams = append(c.t.streams, s)
	c.t.mu.Unlock()
	return s, nil
}

func (c *fakeConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

// fakeStream echoes one chunk per observation
type fakeStream struct {
	version string
	sent    int32
	chunks  chan *model.ActionChunk
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (s *fakeStream) Send(obs *model.Observation) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	n := atomic.AddInt32(&s.sent, 1)
	chunk := testChunk(s.version, 2)
	chunk.SequenceNumber = int64(n)
	s.chunks <- chunk
	return nil
}

func (s *fakeStream) Recv() (*model.ActionChunk, error) {
	select {
	case c := <-s.chunks:
		return c, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type fakeFallback struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFallback) Predict(ctx context.Context, obs *model.Observation, modelVersion string) (*model.ActionChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	chunk := testChunk(modelVersion, 4)
	chunk.Confidence = 0.5
	return chunk, nil
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testChunk(version string, n int) *model.ActionChunk {
	actions := make([]model.Action, n)
	for i := range actions {
		actions[i] = model.Action{JointCommands: []float64{0.1, 0.2, 0.3, 0, 0, 0, 0}, GripperCommand: 1, Timestamp: float64(i)}
	}
	return &model.ActionChunk{Actions: actions, InferenceTimeMs: 42, ModelVersion: version, Confidence: 0.9}
}

func testObservation() *model.Observation {
	return &model.Observation{
		CameraImage:     []byte{0xff, 0xd8, 0xff},
		JointPositions:  []float64{0, 0, 0, 0, 0, 0, 0},
		JointVelocities: []float64{0, 0, 0, 0, 0, 0, 0},
		Instruction:     "pick up the red cube",
		EmbodimentTag:   "so101_arm",
		SessionID:       "session-1",
	}
}
