// Package sockets owns the single persistent authenticated transport
// session of a client process: connect, re-authenticate, bounded
// reconnection, and clean teardown. Collaborators observe the session
// through typed listener registration rather than by holding the
// connection themselves.
//
// Connection and authentication are one atomic operation. A session is
// never surfaced as connected until the server has acknowledged the
// credential, and a credential that fails the shape check is rejected
// before any transport activity (fail closed).
package sockets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/everyst-io/everyst-client-go/creds"
	"github.com/everyst-io/everyst-client-go/transport"
	"github.com/everyst-io/everyst-client-go/wire"
)

const (
	// connectTimeout bounds one Connect call: dial plus the authenticate
	// handshake.
	connectTimeout = 8 * time.Second

	// maxAttempts is the manager-level budget of consecutive failed
	// connects before the manager reports itself degraded.
	maxAttempts = 5

	// reconnectDelay separates automatic reconnect attempts after an
	// unexpected drop.
	reconnectDelay = 1 * time.Second
)

// ErrNotConnected indicates an operation that requires a live session.
var ErrNotConnected = errors.New("sockets: no live session")

// ErrAuthRejected indicates the server refused the presented credential.
var ErrAuthRejected = errors.New("sockets: authentication rejected")

// AuthInfo is what the server reported when it accepted the credential.
type AuthInfo struct {
	UserID string
	Email  string
	// UnreadNotifications seeds the unread badge before the first history
	// fetch. Negative when the server did not report it.
	UnreadNotifications int
}

// Manager maintains exactly one transport session. All methods are safe
// for concurrent use.
type Manager struct {
	dialer transport.Dialer
	log    *slog.Logger

	mu            sync.Mutex
	conn          transport.Conn
	cred          creds.Credential
	state         ConnState
	authenticated bool
	authInfo      AuthInfo
	legacyUserID  string
	attempts      int
	degraded      bool
	wantSession   bool
	gen           uint64

	listeners listenerSet
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger routes manager diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager that opens sessions through dialer.
func NewManager(dialer transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer: dialer,
		log:    slog.New(slog.DiscardHandler),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes an authenticated session with cred. It is
// idempotent for an unchanged credential on a live session. A malformed
// or absent credential fails immediately with no transport attempt. The
// handshake (dial plus authenticate acknowledgement) is bounded by the
// connect timeout.
func (m *Manager) Connect(ctx context.Context, cred creds.Credential) bool {
	if !cred.Valid() {
		m.log.Warn("connect rejected: malformed credential")
		return false
	}

	m.mu.Lock()
	if m.conn != nil && m.state == StateConnected && m.cred.Access == cred.Access {
		m.mu.Unlock()
		return true
	}
	// A new connect supersedes whatever session exists or is being built.
	m.gen++
	gen := m.gen
	prior := m.conn
	m.conn = nil
	m.state = StateConnecting
	m.authenticated = false
	legacyUserID := m.legacyUserID
	m.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	conn, info, err := m.handshake(ctx, cred)
	if err != nil {
		m.log.Warn("connect failed", slog.String("error", err.Error()))
		m.recordFailure()
		return false
	}

	m.mu.Lock()
	if m.gen != gen {
		// A later Connect or Disconnect superseded this attempt while the
		// handshake was in flight.
		m.mu.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.cred = cred
	m.state = StateConnected
	m.authenticated = true
	m.authInfo = info
	m.attempts = 0
	m.degraded = false
	m.wantSession = true
	m.mu.Unlock()

	if legacyUserID != "" {
		// Older backends route pushes by the announced id; best effort.
		if _, err := conn.Emit(ctx, wire.EventRegisterUser, wire.RegisterUserRequest{UserID: legacyUserID}); err != nil {
			m.log.Debug("legacy user re-announce failed", slog.String("error", err.Error()))
		}
	}

	go m.pump(conn, gen)
	m.listeners.fireConnect()
	m.log.Info("session established", slog.String("user_id", info.UserID))
	return true
}

// handshake dials and authenticates as one bounded operation.
func (m *Manager) handshake(ctx context.Context, cred creds.Credential) (transport.Conn, AuthInfo, error) {
	hctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(hctx, cred.Access)
	if err != nil {
		return nil, AuthInfo{}, err
	}
	ack, err := conn.Emit(hctx, wire.EventAuthenticate, wire.AuthenticateRequest{Token: cred.Access})
	if err != nil {
		conn.Close()
		return nil, AuthInfo{}, err
	}
	if !ack.OK() {
		conn.Close()
		return nil, AuthInfo{}, ErrAuthRejected
	}
	info := AuthInfo{UserID: ack.UserID, Email: ack.Email, UnreadNotifications: -1}
	if ack.UnreadNotifications != nil {
		info.UnreadNotifications = *ack.UnreadNotifications
	}
	return conn, info, nil
}

// Authenticate re-asserts credential freshness on an established session.
// On any failure the session is torn down unconditionally: the manager
// never remains connected with an unverified credential.
func (m *Manager) Authenticate(ctx context.Context, cred creds.Credential) (wire.Ack, error) {
	if !cred.Valid() {
		m.Disconnect()
		return wire.Ack{}, creds.ErrMalformed
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return wire.Ack{}, ErrNotConnected
	}

	ack, err := conn.Emit(ctx, wire.EventAuthenticate, wire.AuthenticateRequest{Token: cred.Access})
	if err != nil {
		m.Disconnect()
		return wire.Ack{}, err
	}
	if !ack.OK() {
		m.Disconnect()
		return ack, ErrAuthRejected
	}
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
	return ack, nil
}

// Disconnect releases the session, clears the bound credential and resets
// the attempt counter. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.cred = creds.Credential{}
	m.state = StateDisconnected
	m.authenticated = false
	m.authInfo = AuthInfo{}
	m.attempts = 0
	m.degraded = false
	m.wantSession = false
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.listeners.fireDisconnect(nil)
	}
}

// RegisterUser announces a bare user id over the deprecated legacy event
// and remembers it for re-announcement after reconnects.
func (m *Manager) RegisterUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.legacyUserID = userID
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ack, err := conn.Emit(ctx, wire.EventRegisterUser, wire.RegisterUserRequest{UserID: userID})
	if err != nil {
		return err
	}
	if !ack.OK() {
		return errors.New("sockets: register_user rejected: " + ack.Message)
	}
	return nil
}

// Send emits a send_notification request over the live session. Callers
// that need delivery guarantees fall back locally when this fails; see
// the notifications package.
func (m *Manager) Send(ctx context.Context, req wire.SendNotificationRequest) (wire.Ack, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return wire.Ack{}, ErrNotConnected
	}
	ack, err := conn.Emit(ctx, wire.EventSendNotification, req)
	if err != nil {
		return wire.Ack{}, err
	}
	if !ack.OK() {
		return ack, errors.New("sockets: send_notification rejected: " + ack.Message)
	}
	return ack, nil
}

// pump forwards server pushes to listeners and handles the session drop.
func (m *Manager) pump(conn transport.Conn, gen uint64) {
	for ev := range conn.Events() {
		switch {
		case ev.Notification != nil:
			m.listeners.fireNotification(*ev.Notification)
		case ev.Metrics != nil:
			m.listeners.fireMetrics(*ev.Metrics)
		}
	}
	<-conn.Done()
	err := conn.Err()

	m.mu.Lock()
	if m.gen != gen {
		// Superseded or explicitly disconnected; that path already fired
		// the listeners.
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.authenticated = false
	cred := m.cred
	m.conn = nil
	m.mu.Unlock()

	m.log.Warn("session dropped", slog.String("error", errString(err)))
	m.listeners.fireDisconnect(err)
	m.reconnect(cred)
}

// reconnect retries an unexpectedly dropped session with the credential
// it held, up to the manager-level budget. Exhaustion degrades the
// manager to local-only operation; it is reported, not fatal.
func (m *Manager) reconnect(cred creds.Credential) {
	for {
		m.mu.Lock()
		// Stop once someone explicitly disconnected, another connect took
		// over, or the budget ran out.
		if !m.wantSession || m.degraded || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		attempts := m.attempts
		m.mu.Unlock()

		if attempts >= maxAttempts {
			return
		}
		time.Sleep(reconnectDelay)

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		ok := m.Connect(ctx, cred)
		cancel()
		if ok {
			return
		}
	}
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		m.state = StateDisconnected
		m.authenticated = false
	}
	m.attempts++
	if m.attempts >= maxAttempts && !m.degraded {
		m.degraded = true
		m.log.Warn("connect attempts exhausted, entering local-only mode",
			slog.Int("attempts", m.attempts))
	}
}

// State returns the connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a live authenticated session exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.authenticated
}

// Authenticated reports the authentication half of the session state. It
// never diverges from Connected by construction.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// Degraded reports whether the manager has exhausted its attempt budget
// and is operating local-only.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// AuthInfo returns what the server reported on the last successful
// handshake. Zero value when disconnected.
func (m *Manager) AuthInfo() AuthInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authInfo
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
