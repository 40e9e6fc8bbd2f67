package logger

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"
)

type loggerFactory struct {
	logger logr.Logger
	level  zapcore.Level
}

// NewLoggerFactory routes pion's leveled logs into logr, dropping anything below level
func NewLoggerFactory(l logr.Logger, level zapcore.Level) logging.LoggerFactory {
	return &loggerFactory{
		logger: l,
		level:  level,
	}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		logger: f.logger.WithName(scope),
		level:  f.level,
	}
}

// implements logging.LeveledLogger
type logAdapter struct {
	logger logr.Logger
	level  zapcore.Level
}

func (l *logAdapter) Trace(msg string) {
	// ignore trace
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	// ignore trace
}

func (l *logAdapter) Debug(msg string) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.logger.V(1).Info(msg)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Info(msg string) {
	if l.level > zapcore.InfoLevel {
		return
	}
	l.logger.Info(msg)
}

func (l *logAdapter) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Warn(msg string) {
	if l.level > zapcore.WarnLevel {
		return
	}
	l.logger.Info(msg, "severity", "warn")
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Error(msg string) {
	if l.level > zapcore.ErrorLevel {
		return
	}
	l.logger.Error(nil, msg)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
