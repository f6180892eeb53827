// Package logctx enriches slog records with connection and session
// attributes carried on the context, so the packages doing the work can
// log without threading identity fields through every call.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends any context-carried
// attribute groups to each record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("url", cd.URL),
			slog.Int("attempt", cd.Attempt),
			slog.String("state", cd.State),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.String("email", sd.Email),
		))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

// ConnData describes the transport connection in flight.
type ConnData struct {
	URL     string
	Attempt int
	State   string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData describes the authenticated identity.
type SessionData struct {
	UserID string
	Email  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type requestDataKey struct{}

// RequestData describes an outbound REST request.
type RequestData struct {
	Method string
	Path   string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}
