package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestWithLogger_RoundTrips(t *testing.T) {
	log := zap.NewNop()
	ctx := WithLogger(context.Background(), log)
	assert.Equal(t, log, GetLogger(ctx))
}

func TestGetLogger_WithoutLoggerReturnsFallback(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
	assert.NotNil(t, GetLogger(nil))
}

func TestWithFields_EnrichesContextLogger(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))

	ctx = WithFields(ctx, zap.String("request_id", "abc123"))
	GetLogger(ctx).Info("probe")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "abc123", entries[0].ContextMap()["request_id"])
}

func TestWithComponent_TagsLogger(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))

	ctx = WithComponent(ctx, "aggregator")
	GetLogger(ctx).Info("probe")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "aggregator", entries[0].ContextMap()["component"])
}

func TestNewProductionLogger(t *testing.T) {
	log := NewProductionLogger()
	require.NotNil(t, log)
	log.Info("probe")
}

func TestNewLogger_DefaultLogsToStdoutOnly(t *testing.T) {
	log, err := NewLogger(0, "default")
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Info("hello from default destination")
	require.NoError(t, log.Sync())
}

func TestNewLogger_VerbosityRaisesLevelAndStacktrace(t *testing.T) {
	log, err := NewLogger(2, "")
	require.NoError(t, err)
	require.NotNil(t, log)

	// Debug-level messages must pass through at verbosity >= 1.
	ce := log.Check(zap.DebugLevel, "debug probe")
	assert.NotNil(t, ce)
}

func TestNewLogger_FilePathAddsFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.log")

	log, err := NewLogger(0, path)
	require.NoError(t, err)
	require.NotNil(t, log)

	log.Info("hello from file destination")
	require.NoError(t, log.Sync())

	assert.FileExists(t, path)
}

func TestNewLogger_JournaldWithoutSocketReturnsError(t *testing.T) {
	// The test environment has no /run/systemd/journal/socket, so requesting
	// journald must fail loudly rather than silently falling back.
	_, err := NewLogger(0, "journald")
	assert.Error(t, err)
}
