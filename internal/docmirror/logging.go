package docmirror

import "log"

// Logger is the minimal logging surface the engine needs. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func ensureLogger(logger Logger) Logger {
	if logger == nil {
		return log.Default()
	}
	return logger
}
