package gateway

import (
	"context"
	"errors"

	"gateflow/models"
)

// Transport carries framed requests to the gateway and delivers decoded
// inbound events. Implementations own the handshake and framing; the
// connection layer never sees wire bytes.
//
// Events() yields decoded messages in wire-arrival order and is closed when
// the transport shuts down, cleanly or not. After an unclean close the
// connection layer synthesizes the connection-loss events itself.
type Transport interface {
	// Connect performs the wire handshake and starts the read loop.
	Connect(ctx context.Context) error
	// Send writes one framed request. It is safe for concurrent use.
	Send(ctx context.Context, req Request) error
	// Events is the inbound event stream. Valid after Connect returns.
	Events() <-chan models.Message
	// Close tears the transport down and closes the event stream.
	Close() error
}

var (
	// ErrNotConnected is returned by every request operation attempted
	// before Connect or after the connection is lost.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("gateway: already connected")
)
