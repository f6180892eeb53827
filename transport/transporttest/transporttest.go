// Package transporttest provides a scriptable in-memory transport for
// exercising the connection manager and notification store without a
// backend. Tests register per-event handlers, inject dial failures, push
// server events, and assert on dial and emit counts.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/everyst-io/everyst-client-go/transport"
	"github.com/everyst-io/everyst-client-go/wire"
)

// HandlerFunc produces the acknowledgement for one emitted event.
type HandlerFunc func(token string, payload json.RawMessage) wire.Ack

// Dialer implements transport.Dialer entirely in memory.
type Dialer struct {
	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	dialCount int
	failNext  int
	tokens    []string
	conns     []*Conn
}

// NewDialer creates a fake dialer whose events all ack success until
// handlers are registered.
func NewDialer() *Dialer {
	return &Dialer{handlers: map[string]HandlerFunc{}}
}

// Handle registers the acknowledgement behavior for one event name.
func (d *Dialer) Handle(event string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = fn
}

// FailDials makes the next n Dial calls fail with transport.ErrDialFailed.
func (d *Dialer) FailDials(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// DialCount reports how many times Dial was invoked, including failures.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// Tokens returns the tokens presented to each dial in order.
func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// LastConn returns the most recently dialed connection, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	d.tokens = append(d.tokens, token)
	if d.failNext > 0 {
		d.failNext--
		return nil, fmt.Errorf("%w: scripted failure", transport.ErrDialFailed)
	}
	c := &Conn{
		dialer: d,
		token:  token,
		events: make(chan wire.PushEvent, 16),
		done:   make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conn is one fake transport session.
type Conn struct {
	dialer *Dialer
	token  string

	mu     sync.Mutex
	emits  []Emit
	err    error
	closed bool

	events chan wire.PushEvent
	done   chan struct{}
}

// Emit is one recorded client emit.
type Emit struct {
	Event   string
	Payload json.RawMessage
}

func (c *Conn) Emit(ctx context.Context, event string, payload any) (wire.Ack, error) {
	if ctx.Err() != nil {
		return wire.Ack{}, ctx.Err()
	}
	select {
	case <-c.done:
		return wire.Ack{}, transport.ErrClosed
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return wire.Ack{}, err
	}
	c.mu.Lock()
	c.emits = append(c.emits, Emit{Event: event, Payload: raw})
	c.mu.Unlock()

	c.dialer.mu.Lock()
	fn := c.dialer.handlers[event]
	c.dialer.mu.Unlock()
	if fn == nil {
		return wire.Ack{Status: wire.StatusSuccess}, nil
	}
	return fn(c.token, raw), nil
}

// Emits returns every emit recorded on this connection in order.
func (c *Conn) Emits() []Emit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emit(nil), c.emits...)
}

// EmitCount reports how many times event was emitted on this connection.
func (c *Conn) EmitCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.emits {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Push delivers a server event to the client. Returns false if the
// session has dropped.
func (c *Conn) Push(ev wire.PushEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// PushNotification is shorthand for pushing one notification event.
func (c *Conn) PushNotification(n wire.Notification) bool {
	return c.Push(wire.PushEvent{Event: wire.EventNotification, Notification: &n})
}

// Fail drops the session as if the network failed.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if err == nil {
		err = errors.New("transporttest: failed")
	}
	c.err = err
	c.mu.Unlock()
	close(c.done)
	close(c.events)
}

// Closed reports whether the client (or a scripted failure) ended the
// session.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Events() <-chan wire.PushEvent { return c.events }
func (c *Conn) Done() <-chan struct{}         { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.Fail(errors.New("closed by client"))
	return nil
}

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)
