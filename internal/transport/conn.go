package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when neither the duplex channel nor
// the request path is available.
var ErrNotConnected = errors.New("transport: not connected")

// ErrNoCredential is returned by Connect when no credential is supplied.
var ErrNoCredential = errors.New("transport: no credential")

// CloseError carries the close code of a terminated channel. The machine
// inspects it to distinguish auth rejection from ordinary churn.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: channel closed (%d): %s", e.Code, e.Reason)
}

// DuplexConn is one established bidirectional channel.
type DuplexConn interface {
	// Send writes one frame. Safe for one writer at a time.
	Send(ctx context.Context, data []byte) error
	// Receive blocks for the next frame. Returns CloseError (wrapped) when
	// the server closed the channel with a code.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the channel down. Receive unblocks with an error.
	Close() error
}

// PushStream is one established one-way server-to-client stream.
type PushStream interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer establishes channels. The production implementation speaks
// websocket and SSE; tests substitute fakes.
type Dialer interface {
	DialDuplex(ctx context.Context, credential string) (DuplexConn, error)
	OpenPush(ctx context.Context, credential string) (PushStream, error)
}
