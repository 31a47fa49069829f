package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestFromContextCarriesSyncID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithSyncID(context.Background(), "abc")
	FromContext(ctx, base).Info("sync_started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "sync_started", rec["msg"])
	require.Equal(t, "abc", rec["sync_id"])
}

func TestFromContextPrefersStoredLogger(t *testing.T) {
	var stored, base bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&stored, nil)))
	FromContext(ctx, slog.New(slog.NewJSONHandler(&base, nil))).Info("x")
	require.NotZero(t, stored.Len())
	require.Zero(t, base.Len())
}
