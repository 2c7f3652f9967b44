package binder

import (
	"go.uber.org/zap"

	"github.com/wippyai/peloader/internal/log"
)

var logger log.Default

// Logger returns the binder package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger { return logger.Get() }

// SetLogger configures the binder package's logger.
// This must be called before any binder operations.
func SetLogger(l *zap.Logger) { logger.Set(l) }
