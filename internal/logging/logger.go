package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// ParseLevel maps a textual level to zap. Unknown values fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// VerbosityLevel maps a repeated -v count onto a level name: none is info,
// one or more is debug.
func VerbosityLevel(verbosity int) string {
	if verbosity > 0 {
		return "debug"
	}
	return "info"
}

// Serialized returns a logger whose entries, including those of every
// logger derived from it, are written one at a time under a shared lock.
func Serialized(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu := &sync.Mutex{}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &lockedCore{Core: core, mu: mu}
	}))
}

type lockedCore struct {
	zapcore.Core
	mu *sync.Mutex
}

func (c *lockedCore) With(fields []zapcore.Field) zapcore.Core {
	return &lockedCore{Core: c.Core.With(fields), mu: c.mu}
}

func (c *lockedCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *lockedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Core.Write(entry, fields)
}

func (c *lockedCore) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Core.Sync()
}
