// Package wstransport implements transport.Dialer over a websocket. Each
// frame is a small JSON envelope carrying an event name, an optional ack
// correlation id, and the payload. The bearer token is attached to the
// dial twice: as an Authorization header and as a ?token= query
// parameter, so the session authenticates regardless of which channel the
// fronting proxy preserves.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/everyst-io/everyst-client-go/transport"
	"github.com/everyst-io/everyst-client-go/wire"
)

const (
	// Transport-level redial budget: attempts and the fixed delay between
	// them. These sit below the connection manager's own attempt counter.
	dialAttempts = 5
	dialDelay    = 1 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second

	// Pushes buffered before the read loop starts dropping for a slow
	// consumer. History is reconciled over REST, so drops are not fatal.
	pushBuffer = 64
)

// envelope is the framing for every websocket message in both directions.
type envelope struct {
	Event string          `json:"event"`
	AckID uint64          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ackEvent is the reserved event name carrying acknowledgements.
const ackEvent = "ack"

// Dialer implements transport.Dialer against a websocket endpoint.
type Dialer struct {
	// URL of the websocket endpoint, e.g. "wss://host/ws/".
	URL string

	// Log receives transport diagnostics. Nil discards.
	Log *slog.Logger
}

func (d *Dialer) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.New(slog.DiscardHandler)
}

// Dial opens a session, retrying transient failures up to the
// transport-level budget. The caller bounds the overall attempt with ctx.
func (d *Dialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
		if err == nil {
			return newConn(ws, d.logger()), nil
		}
		lastErr = err
		d.logger().Warn("dial attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < dialAttempts {
			select {
			case <-time.After(dialDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", transport.ErrDialFailed, lastErr)
}

type conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	ackID   atomic.Uint64
	pending sync.Map // ack id -> chan wire.Ack

	events chan wire.PushEvent

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newConn(ws *websocket.Conn, log *slog.Logger) *conn {
	c := &conn{
		ws:     ws,
		log:    log,
		events: make(chan wire.PushEvent, pushBuffer),
		done:   make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *conn) Emit(ctx context.Context, event string, payload any) (wire.Ack, error) {
	select {
	case <-c.done:
		return wire.Ack{}, transport.ErrClosed
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return wire.Ack{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	id := c.ackID.Add(1)
	ch := make(chan wire.Ack, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.write(envelope{Event: event, AckID: id, Data: data}); err != nil {
		return wire.Ack{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return wire.Ack{}, ctx.Err()
	case <-c.done:
		return wire.Ack{}, transport.ErrClosed
	}
}

func (c *conn) write(env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.fail(fmt.Errorf("write frame: %w", err))
		return transport.ErrClosed
	}
	return nil
}

func (c *conn) readLoop() {
	// The events channel closes here, and only here, once the read side
	// is done: deliver never races a close.
	defer close(c.events)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read frame: %w", err))
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("dropping unparseable frame", slog.String("error", err.Error()))
			continue
		}
		switch env.Event {
		case ackEvent:
			ch, ok := c.pending.Load(env.AckID)
			if !ok {
				continue
			}
			var ack wire.Ack
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				ack = wire.Ack{Status: wire.StatusError, Message: "unparseable ack"}
			}
			ch.(chan wire.Ack) <- ack
		case wire.EventNotification:
			var n wire.Notification
			if err := json.Unmarshal(env.Data, &n); err != nil {
				c.log.Warn("dropping unparseable notification", slog.String("error", err.Error()))
				continue
			}
			c.deliver(wire.PushEvent{Event: env.Event, Notification: &n})
		case wire.EventMetricsUpdate:
			var m wire.MetricsUpdate
			if err := json.Unmarshal(env.Data, &m); err != nil {
				c.log.Warn("dropping unparseable metrics update", slog.String("error", err.Error()))
				continue
			}
			c.deliver(wire.PushEvent{Event: env.Event, Metrics: &m})
		default:
			c.log.Debug("ignoring unknown push event", slog.String("event", env.Event))
		}
	}
}

func (c *conn) deliver(ev wire.PushEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("push buffer full, dropping event", slog.String("event", ev.Event))
	}
}

func (c *conn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// fail records the first terminal error and tears the session down.
func (c *conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		// Forces the read loop to fail and wind down the events channel.
		c.ws.Close()
	})
}

func (c *conn) Events() <-chan wire.PushEvent { return c.events }
func (c *conn) Done() <-chan struct{}         { return c.done }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.fail(errors.New("closed by client"))
	return nil
}

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*conn)(nil)
)
