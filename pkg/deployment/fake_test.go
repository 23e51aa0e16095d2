package deployment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"robofleet/internal/model"
)

type switchCall struct {
	RobotID string
	Req     model.SwitchModelRequest
}

// fakeFleet in-memory fleet implementing every device-facing collaborator
type fakeFleet struct {
	mu        sync.Mutex
	robots    map[string]*model.Robot
	calls     []switchCall
	failFor   map[string]bool
	metricsFn func(rb model.Robot) model.RobotVLAMetrics
}

func newFakeFleet(n int, version string) *fakeFleet {
	f := &fakeFleet{robots: make(map[string]*model.Robot), failFor: make(map[string]bool)}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("robot-%03d", i)
		f.robots[id] = &model.Robot{
			ID:           id,
			Type:         "so101_arm",
			Zone:         "zone-a",
			Status:       model.RobotStatusOnline,
			ModelVersion: version,
			Utilization:  0.1,
		}
	}
	return f
}

func (f *fakeFleet) ListRobots(ctx context.Context) ([]model.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Robot, 0, len(f.robots))
	for _, r := range f.robots {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeFleet) SwitchModel(ctx context.Context, rb model.Robot, req model.SwitchModelRequest) (model.SwitchModelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, switchCall{RobotID: rb.ID, Req: req})
	r, ok := f.robots[rb.ID]
	if !ok {
		return model.SwitchModelResponse{}, errors.New("unknown robot")
	}
	if f.failFor[rb.ID] && !req.Rollback {
		return model.SwitchModelResponse{RobotID: rb.ID, Status: model.SwitchStatusFailed, Error: "artifact load failed"}, nil
	}
	prev := r.ModelVersion
	r.ModelVersion = req.ModelVersionID
	return model.SwitchModelResponse{
		RobotID:              rb.ID,
		PreviousModelVersion: prev,
		NewModelVersion:      req.ModelVersionID,
		Status:               model.SwitchStatusSwitched,
		SwitchTimeMs:         3,
		Timestamp:            time.Now(),
	}, nil
}

func (f *fakeFleet) GetRobotVLAMetrics(ctx context.Context, rb model.Robot) (model.RobotVLAMetrics, error) {
	f.mu.Lock()
	fn := f.metricsFn
	version := f.robots[rb.ID].ModelVersion
	f.mu.Unlock()
	if fn == nil {
		return model.RobotVLAMetrics{}, errors.New("no metrics")
	}
	m := fn(rb)
	m.RobotID = rb.ID
	m.ModelVersion = version
	return m, nil
}

func (f *fakeFleet) setMetrics(fn func(rb model.Robot) model.RobotVLAMetrics) {
	f.mu.Lock()
	f.metricsFn = fn
	f.mu.Unlock()
}

func (f *fakeFleet) switchCalls() []switchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]switchCall(nil), f.calls...)
}

func (f *fakeFleet) version(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.robots[id].ModelVersion
}

// memStore map backed Store
type memStore struct {
	mu   sync.Mutex
	data map[string]*Deployment
}

func newMemStore() *memStore { return &memStore{data: make(map[string]*Deployment)} }

func (s *memStore) Save(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	s.data[d.ID] = d.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) List(ctx context.Context) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Deployment, 0, len(s.data))
	for _, d := range s.data {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type memArchive struct {
	mu       sync.Mutex
	archived []*Deployment
}

func (a *memArchive) Archive(ctx context.Context, d *Deployment) error {
	a.mu.Lock()
	a.archived = append(a.archived, d)
	a.mu.Unlock()
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) Publish(ctx context.Context, e Event) error {
	r.listen(e)
	return nil
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

type stubLock struct {
	acquire bool
	held    bool
}

func (l *stubLock) TryLock(ctx context.Context) (bool, error) {
	l.held = l.acquire
	return l.acquire, nil
}

func (l *stubLock) Unlock(ctx context.Context) error {
	l.held = false
	return nil
}

func (l *stubLock) IsHeld() bool { return l.held }
