package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNew_RespectsLevel(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelInfo))
}

func TestNewWithOptions_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, closer := NewWithOptions(Options{Level: "info", Format: "json", File: path})
	logger.Info("escrow released", "invoice_id", "0x01")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"invoice_id":"0x01"`)
}

func TestNewWithOptions_NoFile(t *testing.T) {
	logger, closer := NewWithOptions(Options{Level: "warn"})
	require.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-42")
	assert.Equal(t, "req-42", RequestID(ctx))

	L(ctx).Info("hello")
	assert.Contains(t, buf.String(), "request_id=req-42")

	assert.Equal(t, "", RequestID(context.Background()))
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}
