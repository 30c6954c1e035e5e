package log

import (
	"context"

	logrus "github.com/sirupsen/logrus"
)

type contextKey string

const loggerKey contextKey = "logger"

// CreateContextWithLogger attaches a logrus entry to a fresh cancellable
// context so a contextual logger can be threaded through calls without a
// global. The execution engine logs through slog and does not use it.
func CreateContextWithLogger(logger *logrus.Entry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, loggerKey, logger)

	return ctx, cancel
}

// FromContext returns the logrus entry attached by CreateContextWithLogger,
// or a bare entry from the standard logger if none was attached.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
		return entry
	}

	return logrus.NewEntry(logrus.StandardLogger())
}
