package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"robofleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, tr *fakeTransport, fb Fallback) (*Client, *eventRecorder) {
	t.Helper()
	opts := Options{
		Transport:             tr,
		PoolSize:              2,
		RequestTimeout:        200 * time.Millisecond,
		HealthCheckInterval:   time.Hour,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     40 * time.Millisecond,
	}
	if fb != nil {
		opts.Fallback = fb
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	rec := &eventRecorder{}
	c.Subscribe(rec.record)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func TestNewClient_RequiresTransport(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
}

func TestClient_Connect(t *testing.T) {
	tr := newFakeTransport()
	c, rec := newTestClient(t, tr, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 2, tr.dialCount())
	require.NotNil(t, c.CachedModelInfo())
	assert.Equal(t, 16, c.CachedModelInfo().ChunkSize)
	assert.Equal(t, "v1.0.0", c.ModelVersion(), "model version defaults to the served model")
	assert.Equal(t, 1, rec.count(EventConnected))
	assert.False(t, c.ReconnectPending())
}

func TestClient_ConnectMissingMethodSchedulesReconnect(t *testing.T) {
	tr := newFakeTransport()
	tr.set(func(t *fakeTransport) { t.methods = []string{MethodDescribe, MethodPredict} })
	c, rec := newTestClient(t, tr, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingMethod)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 1, rec.count(EventError))
	assert.GreaterOrEqual(t, rec.count(EventReconnecting), 1)

	// the scheduled reconnect recovers once the service is fixed
	tr.set(func(t *fakeTransport) { t.methods = append([]string{MethodDescribe}, RequiredMethods...) })
	require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.backoff.Failures(), "successful connect resets the backoff")
	assert.GreaterOrEqual(t, c.GetMetrics().ReconnectAttempts, int64(1))
}

func TestClient_OnlyOneReconnectScheduled(t *testing.T) {
	tr := newFakeTransport()
	tr.set(func(t *fakeTransport) { t.dialErr = errTransport })
	c, err := NewClient(Options{
		Transport:             tr,
		PoolSize:              1,
		ReconnectInitialDelay: time.Hour,
	})
	require.NoError(t, err)
	defer c.Close()

	require.Error(t, c.Connect(context.Background()))
	c.scheduleReconnect()
	c.scheduleReconnect()
	assert.True(t, c.ReconnectPending())
	assert.Equal(t, 1, c.backoff.Failures())
	assert.Equal(t, int64(1), c.GetMetrics().ReconnectAttempts)

	require.NoError(t, c.Close())
	assert.False(t, c.ReconnectPending())
}

func TestClient_Predict(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))
	c.SetModelVersion("v2.0.0")

	chunk, err := c.Predict(context.Background(), testObservation())
	require.NoError(t, err)
	assert.Len(t, chunk.Actions, 4)
	assert.Equal(t, "v2.0.0", chunk.ModelVersion)

	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, int64(1), m.Successes)
	assert.Zero(t, m.ErrorRate)
}

func TestClient_PredictRejectsUnsupportedEmbodiment(t *testing.T) {
	c, _ := newTestClient(t, newFakeTransport(), nil)
	require.NoError(t, c.Connect(context.Background()))

	obs := testObservation()
	obs.EmbodimentTag = "unitree_h1"
	_, err := c.Predict(context.Background(), obs)
	assert.ErrorIs(t, err, ErrUnsupportedEmbodiment)
}

func TestClient_PredictFallback(t *testing.T) {
	tr := newFakeTransport()
	fb := &fakeFallback{}
	c, rec := newTestClient(t, tr, fb)
	require.NoError(t, c.Connect(context.Background()))
	tr.set(func(t *fakeTransport) { t.predictErr = errTransport })

	chunk, err := c.Predict(context.Background(), testObservation())
	require.NoError(t, err)
	assert.Equal(t, 0.5, chunk.Confidence)
	assert.Equal(t, 1, fb.callCount())
	assert.Equal(t, 1, rec.count(EventFallback))

	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.Fallbacks)
	assert.Zero(t, m.Successes, "fallback is not a plain success")
	assert.Zero(t, m.Failures)
}

func TestClient_PredictFallbackFailureReturnsPrimaryError(t *testing.T) {
	tr := newFakeTransport()
	fb := &fakeFallback{err: errors.New("fallback down")}
	c, _ := newTestClient(t, tr, fb)
	require.NoError(t, c.Connect(context.Background()))
	tr.set(func(t *fakeTransport) { t.predictErr = errTransport })

	_, err := c.Predict(context.Background(), testObservation())
	assert.ErrorIs(t, err, errTransport)
	assert.Equal(t, int64(1), c.GetMetrics().Failures)
	assert.Equal(t, 1.0, c.GetMetrics().ErrorRate)
}

func TestClient_PredictWithoutConnectionUsesFallback(t *testing.T) {
	fb := &fakeFallback{}
	c, _ := newTestClient(t, newFakeTransport(), fb)

	_, err := c.Predict(context.Background(), testObservation())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.GetMetrics().Fallbacks)

	c2, _ := newTestClient(t, newFakeTransport(), nil)
	_, err = c2.Predict(context.Background(), testObservation())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_HealthCheckFailureTriggersReconnect(t *testing.T) {
	tr := newFakeTransport()
	c, rec := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))

	tr.set(func(t *fakeTransport) { t.healthErr = errTransport })
	require.NoError(t, c.runHealthCheck(context.Background()), "health failures never surface")
	assert.Equal(t, 1, rec.count(EventError))
	assert.GreaterOrEqual(t, rec.count(EventReconnecting), 1)

	tr.set(func(t *fakeTransport) { t.healthErr = nil })
	require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_HealthCheckRefreshesModelInfo(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))

	tr.set(func(t *fakeTransport) { t.info.ModelVersion = "v1.1.0" })
	status, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, "v1.1.0", c.CachedModelInfo().ModelVersion)
	require.NotNil(t, c.GetMetrics().LastHealth)
	assert.True(t, c.GetMetrics().LastHealth.ModelLoaded)

	tr.set(func(t *fakeTransport) { t.unhealthy = true })
	_, err = c.HealthCheck(context.Background())
	assert.Error(t, err)
}

func TestClient_Stream(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var got []*model.ActionChunk
	id, err := c.StartStream(context.Background(), func(chunk *model.ActionChunk) {
		mu.Lock()
		got = append(got, chunk)
		mu.Unlock()
	}, func(err error) {
		t.Errorf("unexpected stream error: %v", err)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, c.StreamActive())

	_, err = c.StartStream(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrStreamActive)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendObservation(testObservation()))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), c.GetMetrics().StreamChunks)

	c.EndStream()
	assert.False(t, c.StreamActive())
	assert.True(t, tr.latestStream().isClosed())
	assert.Equal(t, 1, tr.closedConns(), "dedicated stream connection is released by discarding it")
	assert.ErrorIs(t, c.SendObservation(testObservation()), ErrNoStream)
}

func TestClient_StreamErrorReleasesConnection(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))

	errs := make(chan error, 1)
	_, err := c.StartStream(context.Background(), nil, func(err error) { errs <- err })
	require.NoError(t, err)

	tr.latestStream().errs <- errTransport
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errTransport)
	case <-time.After(time.Second):
		t.Fatal("stream error not delivered")
	}
	require.Eventually(t, func() bool { return !c.StreamActive() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.closedConns())
}

func TestClient_Close(t *testing.T) {
	tr := newFakeTransport()
	c, rec := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))
	_, err := c.StartStream(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, rec.count(EventClosed))
	assert.Equal(t, 2, tr.closedConns())
	assert.False(t, c.StreamActive())

	_, err = c.Predict(context.Background(), testObservation())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
