// Package klog is the kernel's structured logger. Every subsystem gets a
// named child logger so log lines read "mm: ..." the way the teacher kernel
// prefixed its UART debug writes with a subsystem tag.
package klog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  *zap.SugaredLogger
)

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		// Logging must never be the reason the kernel fails to boot.
		l = zap.NewNop()
	}
	base = l.Sugar()
}

// Named returns a child logger tagged with the given subsystem name.
func Named(subsystem string) *zap.SugaredLogger {
	return base.Named(subsystem)
}

// SetLevel adjusts the global verbosity, driven by the "loglevel" boot
// command-line key (spec.md §6). Lower numbers are quieter, mirroring
// kernel printk levels (0 = emergency-only, 7 = debug).
func SetLevel(loglevel int) {
	switch {
	case loglevel <= 0:
		level.SetLevel(zapcore.ErrorLevel)
	case loglevel <= 3:
		level.SetLevel(zapcore.WarnLevel)
	case loglevel <= 5:
		level.SetLevel(zapcore.InfoLevel)
	default:
		level.SetLevel(zapcore.DebugLevel)
	}
}

// Sync flushes any buffered log entries; called once at shutdown.
func Sync() {
	_ = base.Sync()
}
