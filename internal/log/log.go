// Package log holds the package-level fallback loggers used when a caller
// does not pass a logger explicitly.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var nop = zap.NewNop()

// Default is a replaceable logger that reads as a no-op logger until set.
// The zero value is ready to use and safe for concurrent use.
type Default struct {
	p atomic.Pointer[zap.Logger]
}

// Get returns the configured logger or a no-op logger.
func (d *Default) Get() *zap.Logger {
	if l := d.p.Load(); l != nil {
		return l
	}
	return nop
}

// Set replaces the logger. A nil logger restores the no-op default.
func (d *Default) Set(l *zap.Logger) {
	d.p.Store(l)
}
