// Package logctx enriches slog records with request, connection, handshake,
// and usage attributes carried in the context. Wrap any slog.Handler with
// Handler and the attributes ride along for free.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("session_id", cd.SessionID),
			slog.String("server", cd.ServerName),
			slog.String("user_id", cd.UserID),
		))
	}

	if hd, ok := ctx.Value(handshakeDataKey{}).(*HandshakeData); ok {
		r.AddAttrs(slog.Group("oauth",
			slog.String("handshake_id", hd.HandshakeID),
			slog.String("server", hd.ServerName),
		))
	}

	if ud, ok := ctx.Value(usageDataKey{}).(*UsageData); ok {
		r.AddAttrs(slog.Group("usage",
			slog.String("user_id", ud.UserID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

type ConnData struct {
	SessionID  string
	ServerName string
	UserID     string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type handshakeDataKey struct{}

type HandshakeData struct {
	HandshakeID string
	ServerName  string
}

func WithHandshakeData(ctx context.Context, data *HandshakeData) context.Context {
	return context.WithValue(ctx, handshakeDataKey{}, data)
}

type usageDataKey struct{}

type UsageData struct {
	UserID string
}

func WithUsageData(ctx context.Context, data *UsageData) context.Context {
	return context.WithValue(ctx, usageDataKey{}, data)
}
