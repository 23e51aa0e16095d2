package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"robofleet/pkg/config"
	"robofleet/pkg/deployment"
	"robofleet/pkg/logger"
	"robofleet/pkg/safety"

	"github.com/segmentio/kafka-go"
)

const (
	streamQueueSize    = 256
	streamWriteTimeout = 5 * time.Second
)

var (
	errStreamNotStarted = errors.New("event stream not started")
	errStreamStopped    = errors.New("event stream stopped")
	errStreamFull       = errors.New("event stream queue full")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stream publishes deployment and safety events to a kafka topic for dashboards.
// Publish never blocks the caller on the broker: messages go through a bounded
// queue drained by one writer goroutine.
type Stream struct {
	topic  string
	writer messageWriter
	queue  chan kafka.Message

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStream creates a kafka stream for cfg.Kafka
func NewStream(cfg *config.Config) (*Stream, error) {
	if cfg.Kafka.Topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Kafka.Brokers...),
		Topic:                  cfg.Kafka.Topic,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		Balancer:               &kafka.Hash{},
	}
	return newStreamWithWriter(cfg.Kafka.Topic, w), nil
}

func newStreamWithWriter(topic string, w messageWriter) *Stream {
	return &Stream{
		topic:  topic,
		writer: w,
		queue:  make(chan kafka.Message, streamQueueSize),
	}
}

// Start launches the writer loop
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go s.run(runCtx)
	logger.InfoCtx(ctx, "event stream started, topic: %s", s.topic)
}

// Stop drains queued messages and closes the writer
func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		err = ctx.Err()
	}
	if cerr := s.writer.Close(); cerr != nil {
		logger.WarnCtx(ctx, "failed to close kafka writer: %v", cerr)
	}
	s.cancel()
	logger.InfoCtx(ctx, "event stream stopped")
	return err
}

// Publish implements deployment.EventSink
func (s *Stream) Publish(ctx context.Context, e deployment.Event) error {
	return s.enqueue(FromDeployment(e))
}

// PublishSafety streams a safety event of robotID
func (s *Stream) PublishSafety(ctx context.Context, robotID string, e safety.Event) error {
	return s.enqueue(FromSafety(robotID, e))
}

func (s *Stream) enqueue(env Envelope) error {
	value, err := env.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(env.Key),
		Value: value,
		Time:  env.Timestamp,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(env.Source)},
			{Key: "type", Value: []byte(env.Type())},
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return errStreamStopped
	case !s.started:
		return errStreamNotStarted
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		return errStreamFull
	}
}

func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()
	for msg := range s.queue {
		writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		err := s.writer.WriteMessages(writeCtx, msg)
		cancel()
		if err != nil {
			logger.WarnCtx(ctx, "failed to write event to kafka, key: %s, error: %v", string(msg.Key), err)
		}
	}
}
