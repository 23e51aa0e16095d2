package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"robofleet/internal/model"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Stream control frames, in addition to the unary method names
const (
	frameStreamObservation = "StreamObservation"
	frameStreamChunk       = "StreamChunk"
	frameStreamEnd         = "StreamEnd"
)

const defaultCallTimeout = 5 * time.Second

// Frame wire envelope exchanged as one CBOR-encoded binary websocket message
type Frame struct {
	ID      uint64          `cbor:"id"`
	Method  string          `cbor:"method"`
	Model   string          `cbor:"model,omitempty"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
	Error   string          `cbor:"error,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("inference: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("inference: cbor decoder: %v", err))
	}
}

// EncodeFrame builds a frame carrying payload
func EncodeFrame(id uint64, method, modelVersion string, payload interface{}) ([]byte, error) {
	f := Frame{ID: id, Method: method, Model: modelVersion}
	if payload != nil {
		raw, err := encMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", method, err)
		}
		f.Payload = raw
	}
	return encMode.Marshal(&f)
}

// DecodeFrame parses one frame
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

// DecodePayload decodes a frame payload into v
func DecodePayload(f *Frame, v interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("empty %s payload", f.Method)
	}
	return decMode.Unmarshal(f.Payload, v)
}

// WSTransport dials websocket connections to the inference service
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

// NewWSTransport creates a transport for a ws:// or wss:// url
func NewWSTransport(url string, header http.Header) *WSTransport {
	return &WSTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
	}
}

// Dial opens one websocket connection
func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.url, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws     *websocket.Conn
	nextID uint64
	mu     sync.Mutex // one unary call at a time
	wmu    sync.Mutex // serialises writes while streaming
}

func (c *wsConn) Describe(ctx context.Context) (*ServiceDescriptor, error) {
	var d ServiceDescriptor
	if err := c.call(ctx, MethodDescribe, "", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *wsConn) Predict(ctx context.Context, obs *model.Observation, modelVersion string) (*model.ActionChunk, error) {
	var chunk model.ActionChunk
	if err := c.call(ctx, MethodPredict, modelVersion, obs, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (c *wsConn) GetModelInfo(ctx context.Context) (*model.ModelInfo, error) {
	var info model.ModelInfo
	if err := c.call(ctx, MethodGetModelInfo, "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *wsConn) HealthCheck(ctx context.Context) (*model.HealthStatus, error) {
	var status model.HealthStatus
	if err := c.call(ctx, MethodHealthCheck, "", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// call writes one request frame and reads until the matching response.
// The ctx deadline bounds both directions; a timeout leaves the conn unusable.
func (c *wsConn) call(ctx context.Context, method, modelVersion string, req, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	id := atomic.AddUint64(&c.nextID, 1)
	data, err := EncodeFrame(id, method, modelVersion, req)
	if err != nil {
		return err
	}

	// unblock a pending read if ctx is cancelled before the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	c.wmu.Lock()
	_ = c.ws.SetWriteDeadline(deadline)
	err = c.ws.WriteMessage(websocket.BinaryMessage, data)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	_ = c.ws.SetReadDeadline(deadline)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", method, ctx.Err())
			}
			return fmt.Errorf("failed to read %s response: %w", method, err)
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			return err
		}
		if f.ID != id {
			// late response to an earlier call
			continue
		}
		if f.Error != "" {
			return &RemoteError{Method: method, Message: f.Error}
		}
		if resp == nil {
			return nil
		}
		if err := DecodePayload(f, resp); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
		return nil
	}
}

func (c *wsConn) OpenStream(ctx context.Context, modelVersion string) (Stream, error) {
	c.mu.Lock()
	id := atomic.AddUint64(&c.nextID, 1)
	data, err := EncodeFrame(id, MethodStream, modelVersion, nil)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.wmu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	err = c.ws.WriteMessage(websocket.BinaryMessage, data)
	_ = c.ws.SetWriteDeadline(time.Time{})
	c.wmu.Unlock()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	// c.mu stays held for the lifetime of the stream
	return &wsStream{conn: c, id: id, model: modelVersion}, nil
}

type wsStream struct {
	conn   *wsConn
	id     uint64
	model  string
	closed int32
}

func (s *wsStream) Send(obs *model.Observation) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrNoStream
	}
	data, err := EncodeFrame(s.id, frameStreamObservation, s.model, obs)
	if err != nil {
		return err
	}
	s.conn.wmu.Lock()
	defer s.conn.wmu.Unlock()
	_ = s.conn.ws.SetWriteDeadline(time.Now().Add(defaultCallTimeout))
	if err := s.conn.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send observation: %w", err)
	}
	return nil
}

func (s *wsStream) Recv() (*model.ActionChunk, error) {
	for {
		_, msg, err := s.conn.ws.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("stream read failed: %w", err)
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			return nil, err
		}
		if f.ID != s.id {
			continue
		}
		switch f.Method {
		case frameStreamEnd:
			return nil, io.EOF
		case frameStreamChunk:
			if f.Error != "" {
				return nil, &RemoteError{Method: MethodStream, Message: f.Error}
			}
			var chunk model.ActionChunk
			if err := DecodePayload(f, &chunk); err != nil {
				return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
			}
			return &chunk, nil
		default:
			if f.Error != "" {
				return nil, &RemoteError{Method: MethodStream, Message: f.Error}
			}
		}
	}
}

// Close ends the session and tears down the dedicated connection
func (s *wsStream) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if data, err := EncodeFrame(s.id, frameStreamEnd, s.model, nil); err == nil {
		s.conn.wmu.Lock()
		_ = s.conn.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.ws.WriteMessage(websocket.BinaryMessage, data)
		s.conn.wmu.Unlock()
	}
	s.conn.mu.Unlock()
	return s.conn.Close()
}

var _ Transport = (*WSTransport)(nil)

// IsTimeout reports whether err came from a deadline
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
