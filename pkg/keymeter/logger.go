package keymeter

// Field is one structured log attribute.
type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for building a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the structured logger used across keymeter. Adapters live under
// logger/, e.g. logger/zerolog.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default for every component.
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}

// With returns a Logger that appends fields to every entry.
func With(logger Logger, fields ...Field) Logger {
	if len(fields) == 0 {
		return logger
	}
	return &scopedLogger{next: logger, fields: fields}
}

type scopedLogger struct {
	next   Logger
	fields []Field
}

func (l *scopedLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

func (l *scopedLogger) Debug(msg string, fields ...Field) { l.next.Debug(msg, l.merge(fields)...) }
func (l *scopedLogger) Info(msg string, fields ...Field)  { l.next.Info(msg, l.merge(fields)...) }
func (l *scopedLogger) Warn(msg string, fields ...Field)  { l.next.Warn(msg, l.merge(fields)...) }
func (l *scopedLogger) Error(msg string, fields ...Field) { l.next.Error(msg, l.merge(fields)...) }

// KeyPrefix returns a loggable prefix of a key or digest. Full keys are never logged.
func KeyPrefix(key string) string {
	const n = 8
	if len(key) <= n {
		return key
	}
	return key[:n] + "..."
}
