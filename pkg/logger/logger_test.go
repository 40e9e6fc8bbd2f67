package logger

import (
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).WithName("pc").WithValues("pcID", "PC_1")

	l.Debugw("debug", "k", 1)
	l.Warnw("warn", nil)
	l.Errorw("failed", errTest, "task", "createOffer")

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "pc", entries[0].LoggerName)
	require.Equal(t, "PC_1", entries[0].ContextMap()["pcID"])
	require.NotContains(t, entries[1].ContextMap(), "error")
	require.Equal(t, errTest.Error(), entries[2].ContextMap()["error"])
	require.Equal(t, "createOffer", entries[2].ContextMap()["task"])
}

func TestPionAdapterLevels(t *testing.T) {
	var lines []string
	sink := funcr.New(func(prefix, args string) {
		lines = append(lines, prefix+" "+args)
	}, funcr.Options{Verbosity: 1})

	f := NewLoggerFactory(sink, zapcore.WarnLevel)
	l := f.NewLogger("ice")
	l.Trace("trace")
	l.Debug("debug")
	l.Infof("info %d", 1)
	l.Warnf("warn %d", 2)
	l.Error("error")

	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "warn 2")
	require.Contains(t, lines[0], "ice")
	require.Contains(t, lines[1], "error")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("debug", zapcore.InfoLevel))
	require.Equal(t, zapcore.InfoLevel, parseLevel("", zapcore.InfoLevel))
	require.Equal(t, zapcore.WarnLevel, parseLevel("bogus", zapcore.WarnLevel))
}

type testError struct{}

func (testError) Error() string { return "test error" }

var errTest = testError{}
