package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Validation(t *testing.T) {
	_, err := New("info", "json")
	require.NoError(t, err)

	_, err = New("nope", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("shout")
	assert.Error(t, err)
}

func TestNewSampled_AcceptsTraceLevel(t *testing.T) {
	_, err := NewSampled("trace", "console", SamplingConfig{
		Enabled:    true,
		Tick:       time.Second,
		Initial:    1,
		Thereafter: 0,
	})
	require.NoError(t, err)
}

func TestTrace_FilteredAtDefaultLevel(t *testing.T) {
	// The observer test logger runs at Debug; Trace sits below it.
	logger, logs := NewTestLogger()
	logger.Trace(context.Background(), "wire detail")
	assert.Equal(t, 0, logs.Len())
}

func TestContextFields(t *testing.T) {
	logger, logs := NewTestLogger()

	ctx := WithEventID(context.Background(), "ev-123")
	ctx = WithRequestID(ctx, "req-456")

	logger.Info(ctx, "routed")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "ev-123", fields["event.id"])
	assert.Equal(t, "req-456", fields["request.id"])
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	// Must not panic.
	l.Info(context.Background(), "discarded")

	logger, logs := NewTestLogger()
	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info(ctx, "captured")
	assert.Equal(t, 1, logs.Len())
}
