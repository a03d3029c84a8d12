package zlog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("Debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestContextLogger(t *testing.T) {
	assert.Same(t, slog.Default(), From(context.Background()))

	logger := New(Config{Level: "debug", Service: "vmmaster"})
	ctx := With(context.Background(), logger)
	assert.Same(t, logger, From(ctx))
}
