package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger wraps logrus.Logger and carries a set of contextual fields
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New creates a new logger instance with the given configuration
func New(config Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch config.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	case "file":
		if config.File == "" {
			config.File = "registry-gateway.log"
		}

		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	default:
		output = os.Stdout
	}
	logger.SetOutput(output)

	return &Logger{
		Logger: logger,
		fields: make(logrus.Fields),
	}, nil
}

// Discard returns a logger that drops every entry. Used by tests and by
// components constructed without a logger.
func Discard() *Logger {
	l, _ := New(Config{Level: "panic", Output: "discard"})
	return l
}

// WithField returns a copy of the logger with one more field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields returns a copy of the logger with the given fields merged in
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: merged,
	}
}

// WithError adds an error field to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

// Debug logs a debug message
func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }

// Info logs an info message
func (l *Logger) Info(args ...interface{}) { l.entry().Info(args...) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) { l.entry().Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(args ...interface{}) { l.entry().Warn(args...) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry().Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry().Fatalf(format, args...) }

// RequestLogger creates a logger with request-specific fields
func (l *Logger) RequestLogger(requestID, method, path, remoteAddr string) *Logger {
	return l.WithFields(logrus.Fields{
		"request_id":  requestID,
		"method":      method,
		"path":        path,
		"remote_addr": remoteAddr,
		"component":   "request_handler",
	})
}

// RegistryLogger creates a logger for the registry store and its sweep
func (l *Logger) RegistryLogger() *Logger {
	return l.WithField("component", "registry")
}

// RouteTableLogger creates a logger for route table refreshes
func (l *Logger) RouteTableLogger() *Logger {
	return l.WithField("component", "route_table")
}

// GatewayLogger creates a logger scoped to one route of the gateway
func (l *Logger) GatewayLogger(route string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "gateway",
		"route":     route,
	})
}

// BreakerLogger creates a logger scoped to one route's circuit breaker
func (l *Logger) BreakerLogger(route string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "circuit_breaker",
		"route":     route,
	})
}

// AgentLogger creates a logger for a self-registering instance
func (l *Logger) AgentLogger(service, instanceID string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":   "agent",
		"service":     service,
		"instance_id": instanceID,
	})
}

// EventsLogger creates a logger for registry event sinks
func (l *Logger) EventsLogger(sink string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "events",
		"sink":      sink,
	})
}

// MiddlewareLogger creates a logger with middleware specific fields
func (l *Logger) MiddlewareLogger(middlewareName string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":  "middleware",
		"middleware": middlewareName,
	})
}
