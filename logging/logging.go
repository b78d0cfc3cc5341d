// Package logging contains the structured logger used across voxelvault.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used by every package. It is a thin veneer over zap's sugared
// logger so callers may also reach for structured fields with the *w variants.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a logger named "<parent>.<subname>" sharing the parent's outputs and level.
	Sublogger(subname string) Logger
	SetLevel(level Level)
	GetLevel() Level
	AsZap() *zap.SugaredLogger
	Sync() error
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewDebugLogger("startup")
)

// ReplaceGlobal replaces the global logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewLoggerConfig returns a new default logger config.
func NewLoggerConfig() zap.Config {
	// from https://github.com/uber-go/zap/blob/2314926ec34c23ee21f3dd4399438469668f8097/config.go#L135
	// but disable stacktraces, use same keys as prod, and color levels.
	return zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:          "console",
		EncoderConfig:     newEncoderConfig(zapcore.CapitalColorLevelEncoder),
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

func newEncoderConfig(levelEncoder zapcore.LevelEncoder) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewLogger returns a new logger that outputs Info+ logs to stdout.
func NewLogger(name string) Logger {
	return newFromConfig(name, INFO, NewLoggerConfig())
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	return newFromConfig(name, DEBUG, NewLoggerConfig())
}

// NewFileLogger returns a logger that writes Info+ logs to a size-rotated file in addition to
// stdout.
func NewFileLogger(name, path string, maxSizeMB int) Logger {
	level := zap.NewAtomicLevelAt(INFO.AsZap())
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(newEncoderConfig(zapcore.CapitalLevelEncoder)),
		zapcore.AddSync(rotator),
		level,
	)
	stdoutCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(newEncoderConfig(zapcore.CapitalColorLevelEncoder)),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		level,
	)
	return &impl{
		name:   name,
		level:  level,
		logger: zap.New(zapcore.NewTee(fileCore, stdoutCore), zap.AddCaller()).Named(name).Sugar(),
	}
}

func newFromConfig(name string, lvl Level, cfg zap.Config) Logger {
	cfg.Level = zap.NewAtomicLevelAt(lvl.AsZap())
	zl, err := cfg.Build()
	if err != nil {
		// the default config only fails to build on broken stdout, fall back to a no-op logger.
		zl = zap.NewNop()
	}
	if name != "" {
		zl = zl.Named(name)
	}
	return &impl{name: name, level: cfg.Level, logger: zl.Sugar()}
}

type impl struct {
	name   string
	level  zap.AtomicLevel
	logger *zap.SugaredLogger
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return &impl{
		name:   newName,
		level:  imp.level,
		logger: imp.logger.Named(subname),
	}
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	return LevelFromZapLevel(imp.level.Level())
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return imp.logger
}

func (imp *impl) Sync() error {
	return imp.logger.Sync()
}

func (imp *impl) Debug(args ...interface{}) { imp.logger.Debug(args...) }

func (imp *impl) Debugf(template string, args ...interface{}) { imp.logger.Debugf(template, args...) }

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.logger.Debugw(msg, keysAndValues...)
}

func (imp *impl) Info(args ...interface{}) { imp.logger.Info(args...) }

func (imp *impl) Infof(template string, args ...interface{}) { imp.logger.Infof(template, args...) }

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.logger.Infow(msg, keysAndValues...)
}

func (imp *impl) Warn(args ...interface{}) { imp.logger.Warn(args...) }

func (imp *impl) Warnf(template string, args ...interface{}) { imp.logger.Warnf(template, args...) }

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.logger.Warnw(msg, keysAndValues...)
}

func (imp *impl) Error(args ...interface{}) { imp.logger.Error(args...) }

func (imp *impl) Errorf(template string, args ...interface{}) { imp.logger.Errorf(template, args...) }

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.logger.Errorw(msg, keysAndValues...)
}
