package loader

import (
	"go.uber.org/zap"

	"github.com/wippyai/peloader/internal/log"
)

var logger log.Default

// Logger returns the loader package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger { return logger.Get() }

// SetLogger configures the loader package's logger.
// Loaders created afterwards without a logger of their own use it.
func SetLogger(l *zap.Logger) { logger.Set(l) }
