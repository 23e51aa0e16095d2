package buffer

import (
	"sync"

	"robofleet/internal/model"
)

// Level fill classification derived from count/capacity
type Level string

const (
	LevelEmpty  Level = "empty"
	LevelLow    Level = "low"
	LevelNormal Level = "normal"
	LevelFull   Level = "full"
)

// Signal is emitted to subscribers after a buffer operation completes
type Signal string

const (
	SignalFull   Signal = "full"   // a push overflowed, the overflow was dropped
	SignalEmpty  Signal = "empty"  // a pop found nothing, caller must hold position
	SignalLow    Signal = "low"    // level moved into low from normal or full
	SignalRefill Signal = "refill" // a push added at least one action
)

// Listener receives buffer signals. Called outside the buffer lock.
type Listener func(sig Signal, stats Stats)

const (
	DefaultCapacity          = 16 // 320ms of lookahead at 50Hz
	DefaultLowThreshold      = 0.25
	DefaultPrefetchThreshold = 0.5
)

// Config action buffer sizing
type Config struct {
	Capacity          int
	LowThreshold      float64
	PrefetchThreshold float64
}

// Stats point-in-time snapshot of the buffer
type Stats struct {
	Capacity          int     `json:"capacity"`
	Count             int     `json:"count"`
	Level             Level   `json:"level"`
	FillRatio         float64 `json:"fillRatio"`
	TotalPushed       int64   `json:"totalPushed"`
	TotalPopped       int64   `json:"totalPopped"`
	Dropped           int64   `json:"dropped"`
	Underruns         int64   `json:"underruns"`
	PrefetchRequested bool    `json:"prefetchRequested"`
}

// ActionBuffer bounded FIFO of upcoming control actions.
// Producer (inference results) and consumer (control tick) share one mutex.
type ActionBuffer struct {
	mu       sync.Mutex
	items    []model.Action
	head     int
	tail     int
	count    int
	lowRatio float64
	preRatio float64

	prefetchRequested bool
	lastLevel         Level

	totalPushed int64
	totalPopped int64
	dropped     int64
	underruns   int64

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an action buffer, zero config fields take the defaults
func New(cfg Config) *ActionBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = DefaultLowThreshold
	}
	if cfg.PrefetchThreshold <= 0 {
		cfg.PrefetchThreshold = DefaultPrefetchThreshold
	}
	return &ActionBuffer{
		items:     make([]model.Action, cfg.Capacity),
		lowRatio:  cfg.LowThreshold,
		preRatio:  cfg.PrefetchThreshold,
		lastLevel: LevelEmpty,
	}
}

// Subscribe registers a listener for buffer signals
func (b *ActionBuffer) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, l)
	b.listenersMu.Unlock()
}

// Push appends actions in order and returns how many were added.
// Actions that do not fit are dropped; the buffered ones stay authoritative.
func (b *ActionBuffer) Push(actions []model.Action) int {
	if len(actions) == 0 {
		return 0
	}

	b.mu.Lock()
	added := 0
	for _, a := range actions {
		if b.count == len(b.items) {
			break
		}
		b.items[b.tail] = a
		b.tail = (b.tail + 1) % len(b.items)
		b.count++
		added++
	}
	overflow := len(actions) - added
	b.totalPushed += int64(added)
	b.dropped += int64(overflow)

	var signals []Signal
	if overflow > 0 {
		signals = append(signals, SignalFull)
	}
	if added > 0 {
		b.prefetchRequested = false
		signals = append(signals, SignalRefill)
	}
	b.lastLevel = b.levelLocked()
	stats := b.statsLocked()
	b.mu.Unlock()

	b.emit(signals, stats)
	return added
}

// Pop removes the oldest action. ok is false when the buffer was empty,
// which counts one underrun.
func (b *ActionBuffer) Pop() (action model.Action, ok bool) {
	b.mu.Lock()
	if b.count == 0 {
		b.underruns++
		b.lastLevel = LevelEmpty
		stats := b.statsLocked()
		b.mu.Unlock()
		b.emit([]Signal{SignalEmpty}, stats)
		return model.Action{}, false
	}

	action = b.items[b.head]
	b.items[b.head] = model.Action{}
	b.head = (b.head + 1) % len(b.items)
	b.count--
	b.totalPopped++

	prev := b.lastLevel
	cur := b.levelLocked()
	b.lastLevel = cur

	var signals []Signal
	if cur == LevelLow && prev != LevelLow && prev != LevelEmpty {
		signals = append(signals, SignalLow)
	}
	stats := b.statsLocked()
	b.mu.Unlock()

	b.emit(signals, stats)
	return action, true
}

// Peek returns the oldest action without removing it
func (b *ActionBuffer) Peek() (model.Action, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return model.Action{}, false
	}
	return b.items[b.head], true
}

// PeekMany returns up to n upcoming actions in execution order
func (b *ActionBuffer) PeekMany(n int) []model.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Action, n)
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Clear drops every buffered action and the outstanding prefetch marker
func (b *ActionBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		b.items[i] = model.Action{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.prefetchRequested = false
	b.lastLevel = LevelEmpty
}

// Len current number of buffered actions
func (b *ActionBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity maximum number of buffered actions
func (b *ActionBuffer) Capacity() int {
	return len(b.items)
}

// Level current fill classification
func (b *ActionBuffer) Level() Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levelLocked()
}

// NeedsPrefetch is true when the fill ratio is under the prefetch threshold
// and no prefetch is outstanding
func (b *ActionBuffer) NeedsPrefetch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.prefetchRequested && b.fillRatioLocked() < b.preRatio
}

// MarkPrefetchRequested suppresses NeedsPrefetch until the next successful Push or Clear
func (b *ActionBuffer) MarkPrefetchRequested() {
	b.mu.Lock()
	b.prefetchRequested = true
	b.mu.Unlock()
}

// ClaimPrefetch marks a prefetch requested if one is needed, in one step.
// Reports whether the caller now owns the prefetch.
func (b *ActionBuffer) ClaimPrefetch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prefetchRequested || b.fillRatioLocked() >= b.preRatio {
		return false
	}
	b.prefetchRequested = true
	return true
}

// CancelPrefetch clears the outstanding marker after a failed prefetch
func (b *ActionBuffer) CancelPrefetch() {
	b.mu.Lock()
	b.prefetchRequested = false
	b.mu.Unlock()
}

// Stats returns a snapshot of counters and level
func (b *ActionBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *ActionBuffer) fillRatioLocked() float64 {
	return float64(b.count) / float64(len(b.items))
}

func (b *ActionBuffer) levelLocked() Level {
	switch {
	case b.count == 0:
		return LevelEmpty
	case b.count == len(b.items):
		return LevelFull
	case b.fillRatioLocked() < b.lowRatio:
		return LevelLow
	default:
		return LevelNormal
	}
}

func (b *ActionBuffer) statsLocked() Stats {
	return Stats{
		Capacity:          len(b.items),
		Count:             b.count,
		Level:             b.levelLocked(),
		FillRatio:         b.fillRatioLocked(),
		TotalPushed:       b.totalPushed,
		TotalPopped:       b.totalPopped,
		Dropped:           b.dropped,
		Underruns:         b.underruns,
		PrefetchRequested: b.prefetchRequested,
	}
}

func (b *ActionBuffer) emit(signals []Signal, stats Stats) {
	if len(signals) == 0 {
		return
	}
	b.listenersMu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.listenersMu.RUnlock()

	for _, sig := range signals {
		for _, l := range listeners {
			l(sig, stats)
		}
	}
}
