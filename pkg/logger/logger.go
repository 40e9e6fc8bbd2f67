// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	JSON  bool   `yaml:"json,omitempty"`
	Level string `yaml:"level,omitempty"`
	// sample logs at a rate of 100/s with 100 initial entries
	Sample bool `yaml:"sample,omitempty"`
	// level for pion/ice and pion/dtls logs, defaults to Level when empty
	PionLevel string `yaml:"pion_level,omitempty"`
}

type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
	WithName(name string) Logger
	// ToLogr exposes the underlying logger to libraries built on logr
	ToLogr() logr.Logger
}

var (
	lock          sync.RWMutex
	defaultLogger Logger
	pionFactory   logging.LoggerFactory
	initOnce      sync.Once
)

// GetLogger returns the process logger, creating a development logger on first use
func GetLogger() Logger {
	initOnce.Do(func() {
		lock.Lock()
		defer lock.Unlock()
		if defaultLogger == nil {
			l, _ := zap.NewDevelopmentConfig().Build()
			defaultLogger = NewZapLogger(l)
			pionFactory = NewLoggerFactory(defaultLogger.ToLogr(), zapcore.InfoLevel)
		}
	})
	lock.RLock()
	defer lock.RUnlock()
	return defaultLogger
}

func SetLogger(l Logger) {
	initOnce.Do(func() {})
	lock.Lock()
	defer lock.Unlock()
	defaultLogger = l
	pionFactory = NewLoggerFactory(l.ToLogr(), zapcore.InfoLevel)
}

// PionLoggerFactory returns the factory handed to pion ICE and DTLS transports
func PionLoggerFactory() logging.LoggerFactory {
	GetLogger()
	lock.RLock()
	defer lock.RUnlock()
	return pionFactory
}

func InitFromConfig(conf Config, name string) {
	zapConfig := zap.NewProductionConfig()
	if !conf.JSON {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if !conf.Sample {
		zapConfig.Sampling = nil
	}
	lvl := parseLevel(conf.Level, zapcore.InfoLevel)
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)

	l, err := zapConfig.Build()
	if err != nil {
		return
	}
	zl := NewZapLogger(l).WithName(name)

	initOnce.Do(func() {})
	lock.Lock()
	defer lock.Unlock()
	defaultLogger = zl
	pionFactory = NewLoggerFactory(zl.ToLogr().WithName("pion"), parseLevel(conf.PionLevel, lvl))
}

// valid levels: debug, info, warn, error, fatal, panic
func parseLevel(level string, fallback zapcore.Level) zapcore.Level {
	if level == "" {
		return fallback
	}
	lvl := zapcore.Level(0)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fallback
	}
	return lvl
}

// -----------------------------------------------

type zapLogger struct {
	zap *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{zap: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.zap.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.zap.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.zap.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.zap.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &zapLogger{zap: l.zap.With(keysAndValues...)}
}

func (l *zapLogger) WithName(name string) Logger {
	return &zapLogger{zap: l.zap.Named(name)}
}

func (l *zapLogger) ToLogr() logr.Logger {
	return zapr.NewLogger(l.zap.Desugar().WithOptions(zap.AddCallerSkip(-1)))
}

// package level helpers, used where no scoped logger is at hand

func Debugw(msg string, keysAndValues ...interface{}) {
	GetLogger().Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	GetLogger().Infow(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	GetLogger().Warnw(msg, err, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	GetLogger().Errorw(msg, err, keysAndValues...)
}
