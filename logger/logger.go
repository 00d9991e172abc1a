package logger

// Logger is the minimal structured logging interface the decision engine
// uses. Implementations accept alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for each decision/log line.
// It must be cheap and safe for concurrent calls.
type TraceIDFunc func() string
