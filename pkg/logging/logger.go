// Package logging provides structured logging with request/trace ID
// propagation, adapted from the service layer's logrus-based logger to the
// wallet signing engine's vocabulary (requests, nonces, intents) instead of
// generic service-call logging.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through the package.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
	AccountIDKey ContextKey = "account_id"
	ServiceKey   ContextKey = "service"
)

// Logger wraps logrus.Logger with wallet-engine specific helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for the given service name, level ("debug", "info",
// "warn", "error") and format ("json" or "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// NewTraceID returns a fresh trace id.
func NewTraceID() string { return uuid.New().String() }

// WithRequestID attaches a requestId to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID reads the requestId from ctx, if any.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithAccountID attaches a NEAR account id to ctx.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithContext returns a log entry carrying the fields present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(RequestIDKey); v != nil {
		entry = entry.WithField("request_id", v)
	}
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(AccountIDKey); v != nil {
		entry = entry.WithField("account_id", v)
	}
	return entry
}

// LogIntentMismatch logs a critical WYSIWYS violation. This must never be
// silently swallowed; it is always logged at Error level.
func (l *Logger) LogIntentMismatch(ctx context.Context, requestID, confirmed, recomputed string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"confirmed_digest":  confirmed,
		"recomputed_digest": recomputed,
		"security":          true,
	}).Error("intent digest mismatch: refusing to sign")
}

// LogNonceReservation logs a nonce reservation lifecycle event.
func (l *Logger) LogNonceReservation(ctx context.Context, accountID string, nonces []string, action string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"account_id": accountID,
		"nonces":     nonces,
		"action":     action,
	}).Info("nonce reservation")
}

// LogRelayQueue logs a relay queue job transition.
func (l *Logger) LogRelayQueue(ctx context.Context, jobID, state string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"job_id": jobID,
		"state":  state,
	})
	if err != nil {
		entry.WithField("error", err.Error()).Error("relay queue job failed")
		return
	}
	entry.Info("relay queue job transition")
}

// LogSecurityEvent logs a security-relevant event (replay, cancellation,
// decrypt failure) at Warn level with arbitrary structured details.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{"event_type": eventType, "severity": "security"}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogAudit logs an audit-relevant action (account creation, registration,
// device link) at Info level.
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the package-level logger, initializing a fallback if
// InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("wallet-engine", "info", "json")
	}
	return defaultLogger
}
