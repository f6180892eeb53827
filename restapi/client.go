// Package restapi is the bearer-authenticated REST client for the
// everyst backend. It covers only what the connection and notification
// core touches: the first-run check, the credential lifecycle endpoints,
// the current-user fetch, and the notification resource.
//
// Failures are absorbed into typed errors at this boundary; nothing here
// panics or leaks raw transport exceptions to callers. Non-2xx responses
// decode the backend's {"detail": ...} shape where available.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/joeshaw/envdecode"

	"github.com/everyst-io/everyst-client-go/creds"
	"github.com/everyst-io/everyst-client-go/internal/logctx"
	"github.com/everyst-io/everyst-client-go/rbac"
)

var (
	// ErrUnauthorized indicates the backend rejected the bearer token.
	ErrUnauthorized = errors.New("restapi: unauthorized")

	// ErrForeignCredential indicates the token authenticated but resolves
	// to no user here: it was minted by a different installation and must
	// be invalidated (HTTP 404 on the current-user fetch).
	ErrForeignCredential = errors.New("restapi: credential from another environment")

	// ErrRegistrationClosed indicates user accounts already exist and the
	// open-registration window is over.
	ErrRegistrationClosed = errors.New("restapi: registration is disabled")
)

// APIError carries a non-2xx response that is none of the sentinel cases.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("restapi: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("restapi: %s (status %d)", e.Detail, e.Status)
}

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config for the REST client. Defaults can be loaded via envdecode.
type Config struct {
	// BaseURL of the API root. ENV: EVERYST_API_URL
	BaseURL string `env:"EVERYST_API_URL,default=http://localhost:8000/api"`
	// Timeout per request. ENV: EVERYST_API_TIMEOUT
	Timeout time.Duration `env:"EVERYST_API_TIMEOUT,default=15s"`
}

// TokenSource supplies the current access token. It returns false when no
// credential is held, in which case authenticated calls fail without a
// network attempt.
type TokenSource func(ctx context.Context) (string, bool)

// Client talks to one backend. Safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	log    *slog.Logger
	tokens TokenSource
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger routes request diagnostics to log.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithTokenSource installs the access-token provider for authenticated
// endpoints.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// NewClient creates a REST client for cfg.BaseURL.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	raw := strings.TrimSuffix(cfg.BaseURL, "/")
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClientFromEnv builds a Client using envdecode to populate Config.
func NewClientFromEnv(opts ...ClientOption) (*Client, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return NewClient(cfg, opts...)
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// do issues one request. authed attaches the bearer token and fails
// without a network attempt when none is held.
func (c *Client) do(ctx context.Context, method, path string, body any, authed bool) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{Method: method, Path: path})
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		tok, ok := c.token(ctx)
		if !ok {
			return nil, ErrUnauthorized
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "request failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) token(ctx context.Context) (string, bool) {
	if c.tokens == nil {
		return "", false
	}
	tok, ok := c.tokens(ctx)
	if !ok || !creds.WellFormed(tok) {
		return "", false
	}
	return tok, true
}

// decode reads a 2xx JSON body into out after checking the media type.
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	mt := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	if !mt.Matches(jsonMediaType) {
		return fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fail converts a non-2xx response into a typed error.
func fail(resp *http.Response) error {
	defer resp.Body.Close()
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &payload)
	detail := payload.Detail
	if detail == "" {
		detail = payload.Error
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
	case http.StatusForbidden:
		if strings.Contains(detail, "Registration is disabled") {
			return ErrRegistrationClosed
		}
	}
	return &APIError{Status: resp.StatusCode, Detail: detail}
}

// User is the current-user record as served by the backend.
type User struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	IsActive  bool       `json:"is_active"`
	Role      *rbac.Role `json:"role,omitempty"`
}

// Health checks that the API is reachable. Unauthenticated.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health/", nil, false)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fail(resp)
	}
	return decode(resp, nil)
}

// FirstRun reports whether any user accounts exist. Unauthenticated:
// 200 means accounts exist, 204 means none (first run).
func (c *Client) FirstRun(ctx context.Context) (accountsExist bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/auth/first-run/", nil, false)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, decode(resp, nil)
	case http.StatusNoContent:
		resp.Body.Close()
		return false, nil
	default:
		return false, fail(resp)
	}
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login exchanges username and password for a credential pair.
func (c *Client) Login(ctx context.Context, username, password string) (creds.Credential, error) {
	body := map[string]string{"username": username, "password": password}
	resp, err := c.do(ctx, http.MethodPost, "/auth/login/", body, false)
	if err != nil {
		return creds.Credential{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return creds.Credential{}, fail(resp)
	}
	var tp tokenPair
	if err := decode(resp, &tp); err != nil {
		return creds.Credential{}, err
	}
	return creds.Credential{Access: tp.Access, Refresh: tp.Refresh}, nil
}

// RegisterRequest creates the first account. The backend refuses it once
// any account exists.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Register creates the initial account and returns its credential pair.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (creds.Credential, error) {
	resp, err := c.do(ctx, http.MethodPost, "/auth/register/", req, false)
	if err != nil {
		return creds.Credential{}, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return creds.Credential{}, fail(resp)
	}
	var out struct {
		Access  string     `json:"access"`
		Refresh string     `json:"refresh"`
		Tokens  *tokenPair `json:"tokens"`
	}
	if err := decode(resp, &out); err != nil {
		return creds.Credential{}, err
	}
	if out.Tokens != nil {
		return creds.Credential{Access: out.Tokens.Access, Refresh: out.Tokens.Refresh}, nil
	}
	return creds.Credential{Access: out.Access, Refresh: out.Refresh}, nil
}

// Refresh exchanges a refresh token for a fresh pair. Backends without
// rotation return only a new access token; the old refresh token is kept.
func (c *Client) Refresh(ctx context.Context, refresh string) (creds.Credential, error) {
	resp, err := c.do(ctx, http.MethodPost, "/auth/refresh/", map[string]string{"refresh": refresh}, false)
	if err != nil {
		return creds.Credential{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return creds.Credential{}, fail(resp)
	}
	var tp tokenPair
	if err := decode(resp, &tp); err != nil {
		return creds.Credential{}, err
	}
	if tp.Refresh == "" {
		tp.Refresh = refresh
	}
	return creds.Credential{Access: tp.Access, Refresh: tp.Refresh}, nil
}

// Logout invalidates the refresh token server-side. Best effort: an
// unreachable backend does not keep a client logged in.
func (c *Client) Logout(ctx context.Context, refresh string) error {
	resp, err := c.do(ctx, http.MethodPost, "/auth/logout/", map[string]string{"refresh": refresh}, true)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fail(resp)
	}
	return decode(resp, nil)
}

// Me resolves the bound credential to a user profile. HTTP 404 maps to
// ErrForeignCredential: the token is shaped fine but belongs to another
// installation, and the caller must invalidate it.
func (c *Client) Me(ctx context.Context) (User, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/me/", nil, true)
	if err != nil {
		return User{}, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var u User
		if err := decode(resp, &u); err != nil {
			return User{}, err
		}
		return u, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return User{}, ErrForeignCredential
	default:
		return User{}, fail(resp)
	}
}
