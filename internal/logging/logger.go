// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/livelock/internal/metrics"
)

// NewLogger creates a new zerolog logger configured for the service.
func NewLogger(serviceName string, level string) zerolog.Logger {
	return newLogger(os.Stdout, serviceName, level)
}

// NewPrettyLogger creates a logger with pretty console output (for development).
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return newLogger(consoleWriter, serviceName, level)
}

// NewLoggerWithFormat picks NewPrettyLogger for the "console" format and
// NewLogger otherwise.
func NewLoggerWithFormat(serviceName, level, format string) zerolog.Logger {
	if format == "console" {
		return NewPrettyLogger(serviceName, level)
	}
	return NewLogger(serviceName, level)
}

func newLogger(w io.Writer, serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// ConnLogger creates a logger for one client connection.
func ConnLogger(logger zerolog.Logger, remoteAddr string) zerolog.Logger {
	return logger.With().
		Str("component", "session").
		Str("remoteAddr", remoteAddr).
		Logger()
}

// ClientLogger adds the bound client id to a connection logger.
func ClientLogger(logger zerolog.Logger, clientID string) zerolog.Logger {
	return logger.With().
		Str("clientId", clientID).
		Logger()
}

// RequestLogger returns a Gin middleware for admin HTTP request logging. It
// also stores a request-scoped logger in the request context, retrievable with
// LoggerFromContext.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		reqLogger := logger.With().Str("method", c.Request.Method).Str("path", path).Logger()
		c.Request = c.Request.WithContext(ContextWithLogger(c.Request.Context(), reqLogger))

		// Process request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := logger.Debug()
		if statusCode >= 400 && statusCode < 500 {
			event = logger.Warn()
		} else if statusCode >= 500 {
			event = logger.Error()
		}

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", latency).
			Int("bodySize", c.Writer.Size())

		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode))
	}
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}
