package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestFieldsFromContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FieldsFromContext(t.Context()))

	ctx := WithSessionIDContext(t.Context(), "a1b2")
	assert.Equal(t, []zap.Field{WithSessionID("a1b2")}, FieldsFromContext(ctx))

	ctx = WithRoleContext(ctx, "client")
	assert.Equal(t, []zap.Field{WithSessionID("a1b2"), WithRole("client")}, FieldsFromContext(ctx))

	// Values of another type under the same key are ignored.
	ctx = WithRoleContext(t.Context(), "master")
	ctx = context.WithValue(ctx, SessionIDContextKey, 42)
	assert.Equal(t, []zap.Field{WithRole("master")}, FieldsFromContext(ctx))
}

func TestPageAddressIsHex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0x7ff6a000", WithPageAddress(0x7ff6a000).String)
	assert.Equal(t, "target.pid", WithPID(1).Key)
}
