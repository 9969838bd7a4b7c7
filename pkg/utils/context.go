package utils

import (
	"context"

	"github.com/go-kit/kit/log"
)

type contextKey string

const (
	LoggerContextKey contextKey = "GatewayLogger"
)

// LoggerFromContext returns the request scoped logger set by the transport,
// or fallback when the context carries none.
func LoggerFromContext(ctx context.Context, fallback log.Logger) log.Logger {
	if ctx == nil {
		return fallback
	}
	if logger, ok := ctx.Value(LoggerContextKey).(log.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
