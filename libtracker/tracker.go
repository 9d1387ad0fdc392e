// Package libtracker provides the activity tracking interface used to
// observe service operations across the client.
package libtracker

import (
	"context"
	"log/slog"
	"time"
)

// ActivityTracker observes the lifecycle of one operation. Start returns
// three callbacks: reportErr records a failure, reportChange records a state
// mutation with its subject id and details, and end closes the span.
type ActivityTracker interface {
	Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(err error), func(id string, details any), func())
}

// NoopTracker discards all activity. Default for tests.
type NoopTracker struct{}

func (NoopTracker) Start(context.Context, string, string, ...any) (func(error), func(string, any), func()) {
	return func(error) {}, func(string, any) {}, func() {}
}

type logActivityTracker struct {
	logger *slog.Logger
}

// NewLogActivityTracker returns a tracker that writes spans to the given
// slog logger.
func NewLogActivityTracker(logger *slog.Logger) ActivityTracker {
	return &logActivityTracker{logger: logger}
}

func (t *logActivityTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	started := time.Now()
	attrs := []any{
		slog.String("operation", operation),
		slog.String("subject", subject),
	}
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok && requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}
	for i := 0; i+1 < len(kvArgs); i += 2 {
		key, ok := kvArgs[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, kvArgs[i+1]))
	}
	t.logger.DebugContext(ctx, "activity start", attrs...)

	reportErr := func(err error) {
		t.logger.ErrorContext(ctx, "activity error", append(attrs, slog.Any("error", err))...)
	}
	reportChange := func(id string, details any) {
		t.logger.InfoContext(ctx, "activity change", append(attrs,
			slog.String("id", id),
			slog.Any("details", details),
		)...)
	}
	end := func() {
		t.logger.DebugContext(ctx, "activity end", append(attrs, slog.Duration("elapsed", time.Since(started)))...)
	}
	return reportErr, reportChange, end
}

// ChainedTracker fans one activity out to several trackers.
type ChainedTracker []ActivityTracker

func (c ChainedTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	reportErrs := make([]func(error), 0, len(c))
	reportChanges := make([]func(string, any), 0, len(c))
	ends := make([]func(), 0, len(c))
	for _, tracker := range c {
		reportErr, reportChange, end := tracker.Start(ctx, operation, subject, kvArgs...)
		reportErrs = append(reportErrs, reportErr)
		reportChanges = append(reportChanges, reportChange)
		ends = append(ends, end)
	}
	return func(err error) {
			for _, f := range reportErrs {
				f(err)
			}
		}, func(id string, details any) {
			for _, f := range reportChanges {
				f(id, details)
			}
		}, func() {
			for _, f := range ends {
				f()
			}
		}
}

var (
	_ ActivityTracker = NoopTracker{}
	_ ActivityTracker = (*logActivityTracker)(nil)
	_ ActivityTracker = ChainedTracker{}
)
