// Package session binds the credential lifecycle to the transport
// session: it is the sole owner of the rule that no unauthenticated
// transport session may exist. Login, registration, startup resolution,
// one-shot refresh, stale-credential purge and logout all funnel through
// the Binder, which drives the connection manager and recomputes the
// permission snapshot as the authenticated user changes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/everyst-io/everyst-client-go/creds"
	"github.com/everyst-io/everyst-client-go/rbac"
	"github.com/everyst-io/everyst-client-go/restapi"
)

// State is the authentication lifecycle position.
type State int

const (
	StateUnchecked State = iota
	StateChecking
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnchecked:
		return "unchecked"
	case StateChecking:
		return "checking"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// API is the slice of the REST surface the binder consumes. Implemented
// by *restapi.Client.
type API interface {
	FirstRun(ctx context.Context) (bool, error)
	Login(ctx context.Context, username, password string) (creds.Credential, error)
	Register(ctx context.Context, req restapi.RegisterRequest) (creds.Credential, error)
	Refresh(ctx context.Context, refresh string) (creds.Credential, error)
	Logout(ctx context.Context, refresh string) error
	Me(ctx context.Context) (restapi.User, error)
}

// Connector is the slice of the connection manager the binder drives.
type Connector interface {
	Connect(ctx context.Context, cred creds.Credential) bool
	Disconnect()
}

// ErrBadCredentials indicates a login the backend refused.
var ErrBadCredentials = errors.New("session: invalid username or password")

// Binder is the auth/session state machine. Safe for concurrent use.
type Binder struct {
	api   API
	store creds.Store
	conn  Connector
	log   *slog.Logger

	mu       sync.Mutex
	state    State
	cur      creds.Credential
	user     restapi.User
	snapshot rbac.Snapshot

	onState func(State)
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger routes binder diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(b *Binder) { b.log = log }
}

// WithStateListener registers fn to run after every state transition.
func WithStateListener(fn func(State)) Option {
	return func(b *Binder) { b.onState = fn }
}

// NewBinder creates a Binder in the unchecked state.
func NewBinder(api API, store creds.Store, conn Connector, opts ...Option) *Binder {
	b := &Binder{
		api:   api,
		store: store,
		conn:  conn,
		log:   slog.New(slog.DiscardHandler),
		state: StateUnchecked,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Token implements restapi.TokenSource over the binder's current
// credential.
func (b *Binder) Token(ctx context.Context) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cur.Valid() {
		return "", false
	}
	return b.cur.Access, true
}

func (b *Binder) setState(s State) {
	b.mu.Lock()
	b.state = s
	fn := b.onState
	b.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Startup resolves any stored credential into a session. The sequence:
// first-run check (an empty user inventory presumes every stored
// credential stale and purges it, whatever its shape), then the
// three-segment shape check, then profile resolution, then a single
// refresh attempt, then purge. The binder always settles at
// authenticated or unauthenticated; startup errors never propagate.
func (b *Binder) Startup(ctx context.Context) State {
	b.setState(StateChecking)

	accountsExist, err := b.api.FirstRun(ctx)
	if err != nil {
		// Backend unreachable: nothing can be resolved, but an outage is
		// not evidence the credential is stale, so it is kept.
		b.log.Warn("first-run check failed", slog.String("error", err.Error()))
		b.setState(StateUnauthenticated)
		return StateUnauthenticated
	}
	if !accountsExist {
		// Stale-credential detection: a credential cannot be valid when
		// no accounts exist; it came from another installation.
		b.purge(ctx)
		b.setState(StateUnauthenticated)
		return StateUnauthenticated
	}

	stored, err := b.store.Load(ctx)
	if err != nil || !stored.Valid() {
		if err == nil {
			// Malformed material in storage is purged, not retried.
			b.purge(ctx)
		}
		b.setState(StateUnauthenticated)
		return StateUnauthenticated
	}

	if b.resolve(ctx, stored) {
		return StateAuthenticated
	}

	// One-shot refresh, then give up.
	if stored.Refresh != "" {
		fresh, err := b.api.Refresh(ctx, stored.Refresh)
		if err == nil && fresh.Valid() {
			if err := b.store.Save(ctx, fresh); err != nil {
				b.log.Warn("persisting refreshed credential failed", slog.String("error", err.Error()))
			}
			if b.resolve(ctx, fresh) {
				return StateAuthenticated
			}
		}
	}
	b.purge(ctx)
	b.setState(StateUnauthenticated)
	return StateUnauthenticated
}

// resolve binds cred to a profile and, on success, to the transport.
func (b *Binder) resolve(ctx context.Context, cred creds.Credential) bool {
	b.mu.Lock()
	b.cur = cred
	b.mu.Unlock()

	user, err := b.api.Me(ctx)
	if err != nil {
		if errors.Is(err, restapi.ErrForeignCredential) {
			b.log.Info("credential resolves to no user here, invalidating")
		}
		b.mu.Lock()
		b.cur = creds.Credential{}
		b.mu.Unlock()
		return false
	}

	b.mu.Lock()
	b.user = user
	b.snapshot = rbac.Derive(user.Role)
	b.mu.Unlock()

	b.conn.Connect(ctx, cred)
	b.setState(StateAuthenticated)
	return true
}

// Login exchanges credentials for a session.
func (b *Binder) Login(ctx context.Context, username, password string) error {
	cred, err := b.api.Login(ctx, username, password)
	if err != nil {
		if errors.Is(err, restapi.ErrUnauthorized) {
			return ErrBadCredentials
		}
		return err
	}
	return b.adopt(ctx, cred)
}

// Register creates the initial account and logs it in.
func (b *Binder) Register(ctx context.Context, req restapi.RegisterRequest) error {
	cred, err := b.api.Register(ctx, req)
	if err != nil {
		return err
	}
	return b.adopt(ctx, cred)
}

// adopt persists a fresh credential pair and binds it.
func (b *Binder) adopt(ctx context.Context, cred creds.Credential) error {
	if !cred.Valid() {
		return creds.ErrMalformed
	}
	if err := b.store.Save(ctx, cred); err != nil {
		b.log.Warn("persisting credential failed", slog.String("error", err.Error()))
	}
	if !b.resolve(ctx, cred) {
		b.purge(ctx)
		b.setState(StateUnauthenticated)
		return errors.New("session: credential did not resolve to a user")
	}
	return nil
}

// Logout tears everything down: the refresh token is invalidated
// server-side best-effort, storage is purged, the transport session is
// released and the permission snapshot drops to all-false.
func (b *Binder) Logout(ctx context.Context) {
	b.mu.Lock()
	refresh := b.cur.Refresh
	b.mu.Unlock()

	if refresh != "" {
		if err := b.api.Logout(ctx, refresh); err != nil {
			b.log.Debug("server-side logout failed", slog.String("error", err.Error()))
		}
	}
	b.purge(ctx)
	b.conn.Disconnect()
	b.setState(StateUnauthenticated)
}

// purge clears the current and stored credentials and the derived user
// state.
func (b *Binder) purge(ctx context.Context) {
	if err := b.store.Clear(ctx); err != nil {
		b.log.Warn("clearing credential storage failed", slog.String("error", err.Error()))
	}
	b.mu.Lock()
	b.cur = creds.Credential{}
	b.user = restapi.User{}
	b.snapshot = rbac.Snapshot{}
	b.mu.Unlock()
}

// State returns the lifecycle position.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// User returns the resolved profile; zero value unless authenticated.
func (b *Binder) User() restapi.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.user
}

// Permissions returns the current capability snapshot; all-false unless
// authenticated.
func (b *Binder) Permissions() rbac.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

// Credential returns the credential currently bound, if any.
func (b *Binder) Credential() (creds.Credential, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur, b.cur.Valid()
}
