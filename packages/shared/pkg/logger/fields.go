package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type contextKey string

const (
	SessionIDContextKey contextKey = "session.id"
	RoleContextKey      contextKey = "session.role"
)

func WithSessionIDContext(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDContextKey, sessionID)
}

func WithRoleContext(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleContextKey, role)
}

func sessionIDFromContext(ctx context.Context) *string {
	value, ok := ctx.Value(SessionIDContextKey).(string)
	if !ok {
		return nil
	}

	return &value
}

func roleFromContext(ctx context.Context) *string {
	value, ok := ctx.Value(RoleContextKey).(string)
	if !ok {
		return nil
	}

	return &value
}

func WithSessionID(sessionID string) zap.Field {
	return zap.String("session.id", sessionID)
}

func WithRole(role string) zap.Field {
	return zap.String("session.role", role)
}

func WithPID(pid int) zap.Field {
	return zap.Int("target.pid", pid)
}

// WithPageAddress renders the page address in hex, matching the wire format.
func WithPageAddress(addr uint64) zap.Field {
	return zap.String("page.address", fmt.Sprintf("0x%x", addr))
}

func WithAddress(addr uint64) zap.Field {
	return zap.String("address", fmt.Sprintf("0x%x", addr))
}

func WithModule(name string) zap.Field {
	return zap.String("module.name", name)
}

func WithTopic(topic string) zap.Field {
	return zap.String("bus.topic", topic)
}

// FieldsFromContext returns the session fields stored by WithSessionIDContext and WithRoleContext.
func FieldsFromContext(ctx context.Context) []zap.Field {
	var attrs []zap.Field

	if sessionID := sessionIDFromContext(ctx); sessionID != nil {
		attrs = append(attrs, WithSessionID(*sessionID))
	}

	if role := roleFromContext(ctx); role != nil {
		attrs = append(attrs, WithRole(*role))
	}

	return attrs
}
