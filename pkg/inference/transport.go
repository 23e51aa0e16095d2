package inference

import (
	"context"
	"errors"
	"fmt"

	"robofleet/internal/model"
)

var (
	ErrNotConnected          = errors.New("inference client not connected")
	ErrClosed                = errors.New("inference client closed")
	ErrPoolExhausted         = errors.New("no idle inference connection")
	ErrStreamActive          = errors.New("stream already active")
	ErrNoStream              = errors.New("no active stream")
	ErrUnsupportedEmbodiment = errors.New("embodiment not supported by model")
	ErrMissingMethod         = errors.New("inference service is missing a required method")
)

// RPC method names exposed by the inference service
const (
	MethodDescribe     = "Describe"
	MethodPredict      = "Predict"
	MethodGetModelInfo = "GetModelInfo"
	MethodHealthCheck  = "HealthCheck"
	MethodStream       = "StreamPredict"
)

// RequiredMethods must all be advertised by the service before the client becomes ready
var RequiredMethods = []string{MethodPredict, MethodGetModelInfo, MethodHealthCheck, MethodStream}

// ServiceDescriptor interface definition advertised by the inference service
type ServiceDescriptor struct {
	Service string   `json:"service"`
	Version string   `json:"version"`
	Methods []string `json:"methods"`
}

// Validate checks the descriptor advertises every required method
func (d *ServiceDescriptor) Validate() error {
	have := make(map[string]bool, len(d.Methods))
	for _, m := range d.Methods {
		have[m] = true
	}
	for _, m := range RequiredMethods {
		if !have[m] {
			return fmt.Errorf("%w: %s", ErrMissingMethod, m)
		}
	}
	return nil
}

// RemoteError is an application error returned by the service. The connection stays usable.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("inference %s failed: %s", e.Method, e.Message)
}

// Transport dials connections to the inference service.
// Production uses WSTransport; tests inject deterministic stand-ins.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn one connection to the inference service. A Conn is used by one caller at a time.
type Conn interface {
	Describe(ctx context.Context) (*ServiceDescriptor, error)
	Predict(ctx context.Context, obs *model.Observation, modelVersion string) (*model.ActionChunk, error)
	GetModelInfo(ctx context.Context) (*model.ModelInfo, error)
	HealthCheck(ctx context.Context) (*model.HealthStatus, error)
	OpenStream(ctx context.Context, modelVersion string) (Stream, error)
	Close() error
}

// Stream bidirectional continuous-control session on a dedicated connection
type Stream interface {
	Send(obs *model.Observation) error
	// Recv blocks for the next chunk; io.EOF once the server ends the stream
	Recv() (*model.ActionChunk, error)
	Close() error
}

// Fallback degraded-mode prediction path used when the primary transport fails
type Fallback interface {
	Predict(ctx context.Context, obs *model.Observation, modelVersion string) (*model.ActionChunk, error)
}

// keepsConnection reports whether err leaves the connection usable
func keepsConnection(err error) bool {
	if err == nil {
		return true
	}
	var remote *RemoteError
	return errors.As(err, &remote)
}
