// Package everystclient is the client-side connection and notification
// core for an everyst monitoring backend. It composes the credential
// store, the REST client, the realtime connection manager and the
// notification store into one Client, wired so that every invariant the
// parts promise individually holds end to end: no unauthenticated
// transport session, exactly one live connection, and notification
// feedback that survives a lost transport.
//
// A Client is built once at application start and shared; all of its
// surfaces are safe for concurrent use.
package everystclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joeshaw/envdecode"

	"github.com/everyst-io/everyst-client-go/creds"
	credmem "github.com/everyst-io/everyst-client-go/creds/memory"
	"github.com/everyst-io/everyst-client-go/internal/logctx"
	"github.com/everyst-io/everyst-client-go/notifications"
	"github.com/everyst-io/everyst-client-go/restapi"
	"github.com/everyst-io/everyst-client-go/session"
	"github.com/everyst-io/everyst-client-go/sockets"
	"github.com/everyst-io/everyst-client-go/transport"
	"github.com/everyst-io/everyst-client-go/transport/wstransport"
)

// Config for a Client. Every field can be populated from the
// environment via NewFromEnv.
type Config struct {
	// APIURL is the REST root. ENV: EVERYST_API_URL
	APIURL string `env:"EVERYST_API_URL,default=http://localhost:8000/api"`

	// SocketURL is the realtime endpoint. ENV: EVERYST_SOCKET_URL
	SocketURL string `env:"EVERYST_SOCKET_URL,default=ws://localhost:8000/ws/"`
}

// Client is the composed connection and notification core.
type Client struct {
	log     *slog.Logger
	store   creds.Store
	api     *restapi.Client
	manager *sockets.Manager
	notifs  *notifications.Store
	binder  *session.Binder
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	log    *slog.Logger
	store  creds.Store
	dialer transport.Dialer
}

// WithLogger routes diagnostics from every component to log. The
// handler is wrapped so context-carried connection and session
// attributes appear on records automatically.
func WithLogger(log *slog.Logger) Option {
	return func(o *clientOptions) { o.log = log }
}

// WithCredentialStore substitutes the credential backend. The default
// is in-process memory; see the creds/file and creds/redis packages for
// persistent ones.
func WithCredentialStore(store creds.Store) Option {
	return func(o *clientOptions) { o.store = store }
}

// WithDialer substitutes the realtime transport, primarily for tests.
func WithDialer(d transport.Dialer) Option {
	return func(o *clientOptions) { o.dialer = d }
}

// New composes a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = slog.New(logctx.Handler{Handler: log.Handler()})

	store := o.store
	if store == nil {
		store = credmem.New()
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = &wstransport.Dialer{URL: cfg.SocketURL, Log: log}
	}

	c := &Client{log: log, store: store}

	api, err := restapi.NewClient(restapi.Config{BaseURL: cfg.APIURL},
		restapi.WithLogger(log),
		restapi.WithTokenSource(func(ctx context.Context) (string, bool) {
			return c.binder.Token(ctx)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rest client: %w", err)
	}
	c.api = api

	c.manager = sockets.NewManager(dialer, sockets.WithLogger(log))
	c.binder = session.NewBinder(api, store, c.manager, session.WithLogger(log))
	c.notifs = notifications.NewStore(api, c.manager, notifications.WithLogger(log))

	// Server pushes flow into the notification store; the authenticate
	// acknowledgement seeds the unread badge before any history fetch.
	c.manager.OnNotification(c.notifs.Ingest)
	c.manager.OnConnect(func() {
		info := c.manager.AuthInfo()
		c.notifs.SetUnreadHint(info.UnreadNotifications)
		ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
			UserID: info.UserID,
			Email:  info.Email,
		})
		log.InfoContext(ctx, "realtime session ready")
	})

	return c, nil
}

// NewFromEnv composes a Client with Config populated from the
// environment.
func NewFromEnv(opts ...Option) (*Client, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return New(cfg, opts...)
}

// Startup resolves any stored credential into a session; call once when
// the application starts. It always settles at authenticated or
// unauthenticated.
func (c *Client) Startup(ctx context.Context) session.State {
	return c.binder.Startup(ctx)
}

// Login authenticates, persists the credential pair and binds the
// realtime session.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.binder.Login(ctx, username, password)
}

// Register creates the initial account and logs it in. Fails with
// restapi.ErrRegistrationClosed once any account exists.
func (c *Client) Register(ctx context.Context, req restapi.RegisterRequest) error {
	return c.binder.Register(ctx, req)
}

// Logout tears down the session, purges stored credentials and drops
// every derived permission.
func (c *Client) Logout(ctx context.Context) {
	c.binder.Logout(ctx)
}

// Session exposes the auth state machine.
func (c *Client) Session() *session.Binder { return c.binder }

// Sockets exposes the realtime connection manager for listener
// registration and direct sends.
func (c *Client) Sockets() *sockets.Manager { return c.manager }

// Notifications exposes the notification store.
func (c *Client) Notifications() *notifications.Store { return c.notifs }

// API exposes the underlying REST client.
func (c *Client) API() *restapi.Client { return c.api }

// Close releases the realtime session. Stored credentials are kept;
// use Logout to forget them.
func (c *Client) Close() {
	c.manager.Disconnect()
}
