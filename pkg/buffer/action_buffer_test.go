package buffer

import (
	"sync"
	"testing"

	"robofleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func actions(n int, start float64) []model.Action {
	out := make([]model.Action, n)
	for i := range out {
		out[i] = model.Action{
			JointCommands:  []float64{start + float64(i)},
			GripperCommand: 0,
			Timestamp:      start + float64(i),
		}
	}
	return out
}

func TestActionBuffer_FillScenario(t *testing.T) {
	b := New(Config{Capacity: 4, LowThreshold: 0.25})

	added := b.Push(actions(4, 0))
	assert.Equal(t, 4, added)
	assert.Equal(t, LevelFull, b.Level())

	_, ok := b.Pop()
	require.True(t, ok)
	_, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, LevelNormal, b.Level())
	assert.Equal(t, 2, b.Len())

	_, ok = b.Pop()
	require.True(t, ok)
	_, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, LevelEmpty, b.Level())

	_, ok = b.Pop()
	assert.False(t, ok)
	assert.Equal(t, int64(1), b.Stats().Underruns)
}

func TestActionBuffer_FIFOAcrossWrap(t *testing.T) {
	b := New(Config{Capacity: 3})

	b.Push(actions(3, 0))
	a, _ := b.Pop()
	assert.Equal(t, 0.0, a.Timestamp)
	b.Push(actions(1, 10))

	var got []float64
	for {
		a, ok := b.Pop()
		if !ok {
			break
		}
		got = append(got, a.Timestamp)
	}
	assert.Equal(t, []float64{1, 2, 10}, got)
}

func TestActionBuffer_PeekManyAcrossWrap(t *testing.T) {
	b := New(Config{Capacity: 3})
	assert.Nil(t, b.PeekMany(2), "empty buffer")

	b.Push(actions(3, 0))
	b.Pop()
	b.Push(actions(1, 10))

	timestamps := func(as []model.Action) []float64 {
		out := make([]float64, len(as))
		for i, a := range as {
			out[i] = a.Timestamp
		}
		return out
	}
	assert.Equal(t, []float64{1, 2}, timestamps(b.PeekMany(2)))
	assert.Equal(t, []float64{1, 2, 10}, timestamps(b.PeekMany(10)), "capped at the buffered count")
	assert.Nil(t, b.PeekMany(0))
	assert.Nil(t, b.PeekMany(-1))
	assert.Equal(t, 3, b.Len(), "peeking does not consume")

	first, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, 1.0, first.Timestamp)
}

func TestActionBuffer_OverflowDropsNewest(t *testing.T) {
	b := New(Config{Capacity: 4})
	var fullSignals int
	b.Subscribe(func(sig Signal, _ Stats) {
		if sig == SignalFull {
			fullSignals++
		}
	})

	b.Push(actions(1, 0))
	added := b.Push(actions(6, 100))

	assert.Equal(t, 3, added)
	assert.Equal(t, 1, fullSignals, "full fires once per call")
	assert.Equal(t, int64(3), b.Stats().Dropped)

	peeked := b.PeekMany(10)
	require.Len(t, peeked, 4)
	assert.Equal(t, 0.0, peeked[0].Timestamp)
	assert.Equal(t, 102.0, peeked[3].Timestamp)
}

func TestActionBuffer_LowSignalOnTransition(t *testing.T) {
	b := New(Config{Capacity: 8, LowThreshold: 0.25})
	var lows int
	b.Subscribe(func(sig Signal, _ Stats) {
		if sig == SignalLow {
			lows++
		}
	})

	// pushing into low from empty does not fire
	b.Push(actions(1, 0))
	assert.Equal(t, LevelLow, b.Level())
	assert.Equal(t, 0, lows)

	b.Push(actions(4, 1)) // 5 -> normal
	for i := 0; i < 3; i++ {
		b.Pop()
	}
	// 2/8 = 0.25 is not below the threshold
	assert.Equal(t, LevelNormal, b.Level())
	assert.Equal(t, 0, lows)

	b.Pop() // 1/8 -> low
	assert.Equal(t, 1, lows)
	b.Pop() // empty, no second low
	assert.Equal(t, 1, lows)
}

func TestActionBuffer_PrefetchFlag(t *testing.T) {
	b := New(Config{Capacity: 4, PrefetchThreshold: 0.5})

	assert.True(t, b.NeedsPrefetch())
	b.MarkPrefetchRequested()
	assert.False(t, b.NeedsPrefetch())

	b.Push(actions(1, 0))
	assert.True(t, b.NeedsPrefetch(), "a successful push clears the outstanding prefetch")

	b.Push(actions(1, 1))
	assert.False(t, b.NeedsPrefetch(), "2/4 is not below the threshold")

	b.MarkPrefetchRequested()
	b.Clear()
	assert.True(t, b.NeedsPrefetch(), "clear resets the outstanding prefetch")
}

func TestActionBuffer_ClaimPrefetch(t *testing.T) {
	b := New(Config{Capacity: 4, PrefetchThreshold: 0.5})

	assert.True(t, b.ClaimPrefetch())
	assert.False(t, b.ClaimPrefetch(), "only one outstanding prefetch")
	assert.True(t, b.Stats().PrefetchRequested)

	b.CancelPrefetch()
	assert.True(t, b.NeedsPrefetch())

	b.Push(actions(3, 0))
	assert.False(t, b.ClaimPrefetch(), "3/4 is above the threshold")
}

func TestActionBuffer_EmptyPushDoesNotClearPrefetch(t *testing.T) {
	b := New(Config{Capacity: 2})
	b.Push(actions(2, 0))
	b.Pop()
	b.Pop()
	b.MarkPrefetchRequested()

	b.Push(nil)
	assert.False(t, b.NeedsPrefetch())
}

func TestActionBuffer_ClearIdempotent(t *testing.T) {
	b := New(Config{Capacity: 4})
	b.Push(actions(3, 0))

	b.Clear()
	first := b.Stats()
	b.Clear()
	second := b.Stats()

	assert.Equal(t, 0, second.Count)
	assert.Equal(t, first, second)
}

func TestActionBuffer_SignalsOutsideLock(t *testing.T) {
	b := New(Config{Capacity: 2})
	// a listener that calls back into the buffer must not deadlock
	b.Subscribe(func(sig Signal, _ Stats) {
		if sig == SignalEmpty {
			_ = b.Len()
			_ = b.NeedsPrefetch()
		}
	})
	_, ok := b.Pop()
	assert.False(t, ok)
}

func TestActionBuffer_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, DefaultCapacity, b.Capacity())
	assert.Equal(t, LevelEmpty, b.Level())
	_, ok := b.Peek()
	assert.False(t, ok)
}

func TestActionBuffer_ConcurrentProducerConsumer(t *testing.T) {
	b := New(Config{Capacity: 16})
	const chunks = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < chunks; i++ {
			b.Push(actions(4, float64(i*4)))
		}
	}()

	var popped, underruns int64
	go func() {
		defer wg.Done()
		for i := 0; i < chunks*4; i++ {
			if _, ok := b.Pop(); ok {
				popped++
			} else {
				underruns++
			}
			assert.LessOrEqual(t, b.Len(), 16)
		}
	}()
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, popped, stats.TotalPopped)
	assert.Equal(t, underruns, stats.Underruns)
	assert.Equal(t, stats.TotalPushed-stats.TotalPopped, int64(stats.Count))
	assert.Equal(t, int64(chunks*4), stats.TotalPushed+stats.Dropped)
}
