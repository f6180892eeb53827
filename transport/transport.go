// Package transport abstracts the persistent duplex channel between the
// client and the everyst backend. A Dialer opens one Conn per logical
// session; the Conn carries client-emitted events that each resolve to a
// single acknowledgement, plus a stream of unsolicited server pushes.
//
// Implementations absorb their own wire mechanics (framing, ack
// correlation, keepalive). Callers observe only three things: emits with
// acks, the push stream, and the Done channel that closes when the
// session drops for any reason.
package transport

import (
	"context"
	"errors"

	"github.com/everyst-io/everyst-client-go/wire"
)

// ErrClosed indicates an operation on a Conn that has been closed or has
// dropped.
var ErrClosed = errors.New("transport: connection closed")

// ErrDialFailed indicates the dialer exhausted its retry budget without
// establishing a session.
var ErrDialFailed = errors.New("transport: dial failed")

// Dialer opens transport sessions. The token is attached to the dial in
// whatever in-band and out-of-band forms the concrete transport supports;
// an empty token dials an unauthenticated probe session, which the
// connection manager never requests.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live duplex session. Safe for concurrent use.
type Conn interface {
	// Emit sends one event and blocks until its acknowledgement arrives,
	// ctx expires, or the session drops.
	Emit(ctx context.Context, event string, payload any) (wire.Ack, error)

	// Events returns the stream of unsolicited server pushes. The channel
	// is closed when the session ends. Slow consumers may lose pushes;
	// persisted state is reconciled by REST refetch, not by the stream.
	Events() <-chan wire.PushEvent

	// Done is closed when the session has dropped, whether by Close, a
	// server-side disconnect, or a network failure. Err reports the
	// reason after Done is closed.
	Done() <-chan struct{}
	Err() error

	// Close releases the session. Idempotent.
	Close() error
}
