package slogger

// DevNullLogger discards everything. It backs DefaultLogger so that the
// daemon's packages stay silent unless a logger is wired in, and it keeps
// test output quiet.
type DevNullLogger struct{}

// NewDevNullLogger returns a logger that discards all messages.
func NewDevNullLogger() *DevNullLogger {
	return &DevNullLogger{}
}

func (l *DevNullLogger) Debug(msg string, keysAndValues ...any) {}
func (l *DevNullLogger) Info(msg string, keysAndValues ...any)  {}
func (l *DevNullLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *DevNullLogger) Error(msg string, keysAndValues ...any) {}
func (l *DevNullLogger) With(keysAndValues ...any) Logger       { return l }
