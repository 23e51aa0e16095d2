package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"robofleet/internal/model"
	"robofleet/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkHandler receives every streamed action chunk
type ChunkHandler func(chunk *model.ActionChunk)

// ErrorHandler receives the error that ended a stream. Not called on EndStream or io.EOF.
type ErrorHandler func(err error)

type activeStream struct {
	id      string
	lease   *Lease
	stream  Stream
	ending  int32
	once    sync.Once
	exited  chan struct{}
	started time.Time
}

// StartStream opens a continuous-control session on a dedicated pooled
// connection and returns its session id. The connection is discarded when
// the session ends for any reason.
func (c *Client) StartStream(ctx context.Context, onChunk ChunkHandler, onError ErrorHandler) (string, error) {
	if s := c.State(); s != StateReady {
		if s == StateClosed {
			return "", ErrClosed
		}
		return "", fmt.Errorf("%w (state %s)", ErrNotConnected, s)
	}

	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.stream != nil {
		return "", ErrStreamActive
	}

	openCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	lease, err := c.pool.Acquire(openCtx)
	if err != nil {
		return "", err
	}
	s, err := lease.Conn().OpenStream(openCtx, c.ModelVersion())
	if err != nil {
		lease.Discard()
		return "", fmt.Errorf("failed to open stream: %w", err)
	}

	as := &activeStream{
		id:      uuid.NewString(),
		lease:   lease,
		stream:  s,
		exited:  make(chan struct{}),
		started: time.Now(),
	}
	c.stream = as
	go c.recvLoop(as, onChunk, onError)

	logger.InfoCtx(ctx, "inference stream %s started", as.id)
	return as.id, nil
}

func (c *Client) recvLoop(as *activeStream, onChunk ChunkHandler, onError ErrorHandler) {
	defer close(as.exited)
	for {
		chunk, err := as.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && atomic.LoadInt32(&as.ending) == 0 {
				logger.Warn("inference stream failed", zap.String("stream", as.id), zap.Error(err))
				if onError != nil {
					onError(err)
				}
			}
			c.finishStream(as)
			return
		}
		c.metrics.recordChunk(chunk.InferenceTimeMs)
		c.opts.Collector.IncStreamChunk()
		if onChunk != nil {
			onChunk(chunk)
		}
	}
}

func (c *Client) finishStream(as *activeStream) {
	c.streamMu.Lock()
	if c.stream == as {
		c.stream = nil
	}
	c.streamMu.Unlock()

	as.once.Do(func() {
		_ = as.stream.Close()
		as.lease.Discard()
	})
}

// SendObservation pushes one observation into the active stream
func (c *Client) SendObservation(obs *model.Observation) error {
	c.streamMu.Lock()
	as := c.stream
	c.streamMu.Unlock()
	if as == nil {
		return ErrNoStream
	}
	if err := as.stream.Send(obs); err != nil {
		return fmt.Errorf("stream %s: %w", as.id, err)
	}
	return nil
}

// StreamActive reports whether a streaming session is open
func (c *Client) StreamActive() bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return c.stream != nil
}

// EndStream closes the active session, if any, and waits briefly for its
// receive loop to exit.
func (c *Client) EndStream() {
	c.streamMu.Lock()
	as := c.stream
	c.streamMu.Unlock()
	if as == nil {
		return
	}
	atomic.StoreInt32(&as.ending, 1)
	c.finishStream(as)

	select {
	case <-as.exited:
	case <-time.After(c.opts.RequestTimeout):
		logger.Warn("inference stream receive loop did not exit", zap.String("stream", as.id))
	}
	logger.Info("inference stream ended", zap.String("stream", as.id), zap.Duration("duration", time.Since(as.started)))
}
