package transport

import (
	"context"
	"time"
)

// OpKind is the kind of a syncstore operation.
type OpKind int

const (
	OpWrite OpKind = iota
	OpRead
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a failed operation. The zero value means no error.
type ErrorKind string

const (
	ErrNone                ErrorKind = ""
	ErrTransportTimeout    ErrorKind = "TransportTimeout"
	ErrTransportConnection ErrorKind = "TransportConnectionError"
	ErrProtocol            ErrorKind = "ProtocolError"
)

// ErrorKinds lists every failure kind in a stable order.
var ErrorKinds = []ErrorKind{ErrTransportTimeout, ErrTransportConnection, ErrProtocol}

// Result is the outcome of one syncstore call.
type Result struct {
	Start   time.Time
	End     time.Time
	Latency time.Duration
	Success bool

	// Reads only. Found is false for a "not found" answer, which is still a success.
	Found   bool
	Payload []byte

	Status  int
	ErrKind ErrorKind
	Err     error
}

// Transport issues single reads and writes against a syncstore. Implementations
// must be safe for concurrent use and must not retry.
type Transport interface {
	Write(ctx context.Context, key string, value []byte, timeout time.Duration) Result
	Read(ctx context.Context, key string, timeout time.Duration) Result
}
