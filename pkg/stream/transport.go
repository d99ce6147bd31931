package stream

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Conn.ReadMessage when the peer closed the stream.
var ErrClosed = errors.New("stream closed")

// Conn is one live duplex connection to the execution stream endpoint.
type Conn interface {
	// Send writes one complete message.
	Send(payload []byte) error
	// ReadMessage blocks until the next inbound message arrives.
	ReadMessage() ([]byte, error)
	// Close releases the connection. Calling it more than once must be safe.
	Close() error
}

// Dialer opens connections. It is injected so tests can script the server side.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
