package log

import "context"

// NopLogger discards everything. Constructors fall back to it when handed a nil logger.
type NopLogger struct{}

// NewNop returns a NopLogger.
func NewNop() Logger {
	return &NopLogger{}
}

func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

func (l *NopLogger) With(...Field) Logger { return l }

func (l *NopLogger) WithGroup(string) Logger { return l }

func (l *NopLogger) Enabled(Level) bool { return false }

func (l *NopLogger) Sync(context.Context) error { return nil }
