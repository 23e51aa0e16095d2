package modelmgr

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"robofleet/internal/model"
)

// Loader acquires and loads a model artifact on the device
type Loader interface {
	Load(ctx context.Context, req model.SwitchModelRequest) error
}

// SimulatedLoader stands in for artifact download and load with a bounded
// random delay. Non-rollback loads fail with probability FailureRate.
type SimulatedLoader struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedLoader creates a loader seeded from the clock
func NewSimulatedLoader(minDelay, maxDelay time.Duration, failureRate float64) *SimulatedLoader {
	return NewSeededLoader(minDelay, maxDelay, failureRate, time.Now().UnixNano())
}

// NewSeededLoader creates a loader with a fixed seed
func NewSeededLoader(minDelay, maxDelay time.Duration, failureRate float64, seed int64) *SimulatedLoader {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimulatedLoader{
		MinDelay:    minDelay,
		MaxDelay:    maxDelay,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (l *SimulatedLoader) Load(ctx context.Context, req model.SwitchModelRequest) error {
	l.mu.Lock()
	delay := l.MinDelay
	if span := l.MaxDelay - l.MinDelay; span > 0 {
		delay += time.Duration(l.rng.Int63n(int64(span)))
	}
	fail := !req.Rollback && l.FailureRate > 0 && l.rng.Float64() < l.FailureRate
	l.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("loading %s: %w", req.ModelVersionID, ctx.Err())
	case <-timer.C:
	}

	if fail {
		return fmt.Errorf("failed to load model %s: simulated artifact load failure", req.ModelVersionID)
	}
	return nil
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, req model.SwitchModelRequest) error

func (f LoaderFunc) Load(ctx context.Context, req model.SwitchModelRequest) error {
	return f(ctx, req)
}
