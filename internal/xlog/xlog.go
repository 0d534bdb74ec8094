// Package xlog is the internal structured-logging wrapper shared by the
// connection and pubsub actors. It is styled directly on
// packetd-packetd/logger/logger.go: a package-level default logger built
// on go.uber.org/zap, swappable via SetOptions, with Named loggers handed
// out to each actor instance.
//
// This library never opens log files on the caller's behalf — that is an
// outer-surface concern (see SPEC_FULL.md's DOMAIN STACK table). Callers
// that want file output construct their own zap core and pass it through
// SetCore.
package xlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the default logger. Stdout is the only built-in
// sink; anything more elaborate (rotation, shipping) belongs to the
// embedding program.
type Options struct {
	Stdout bool
	Level  zapcore.Level
}

// Logger is a thin, allocation-free facade over a zap.SugaredLogger.
type Logger struct {
	sugared *zap.SugaredLogger
}

func build(opt Options) *zap.SugaredLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	w := zapcore.AddSync(os.Stderr)
	if opt.Stdout {
		w = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, w, opt.Level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

var std = build(Options{Stdout: true, Level: zapcore.WarnLevel})

// SetOptions replaces the default logger used by Named loggers created
// afterward. Existing Logger values keep their original core.
func SetOptions(opt Options) {
	std = build(opt)
}

// SetCore lets an embedding program splice in its own zapcore.Core (file
// rotation, shipping, sampling) without this package taking that
// dependency itself.
func SetCore(core zapcore.Core) {
	std = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Named returns a Logger tagged with a component name, e.g. "redis.client"
// or "redis.pubsub".
func Named(name string) Logger {
	return Logger{sugared: std.Named(name)}
}

func (l Logger) Debugf(template string, args ...any) { l.sugared.Debugf(template, args...) }
func (l Logger) Infof(template string, args ...any)  { l.sugared.Infof(template, args...) }
func (l Logger) Warnf(template string, args ...any)  { l.sugared.Warnf(template, args...) }
func (l Logger) Errorf(template string, args ...any) { l.sugared.Errorf(template, args...) }
