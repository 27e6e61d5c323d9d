// Package obs carries the ambient observability stack: structured logging
// and an append-only audit trail, grounded on the teacher's audit logger
// (internal/services/audit/logger.go) but generalized from file-only NDJSON
// to a zap core so every controller in this module logs the same way.
package obs

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide logger. Production builds use JSON
// encoding; tests may swap in zaptest loggers.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// NewNop returns a logger that discards everything, used as the default
// when a caller constructs a controller without wiring observability.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
