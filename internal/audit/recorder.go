package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink persists or forwards audit entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// Recorder fans entries out to every configured sink.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder builds a Recorder. Nil sinks are skipped.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{logger: logger, now: time.Now}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Record stamps the entry and hands it to every sink. All sinks are tried;
// their failures are joined.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("audit: recorder not initialised")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ActionDate.IsZero() {
		entry.ActionDate = r.now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	r.logger.Info("period audit",
		slog.String("id", entry.ID.String()),
		slog.String("action", string(entry.Action)),
		slog.String("period", entry.AccountingPeriod),
		slog.String("doctype", entry.TransactionDocType),
		slog.String("docname", entry.AffectedTransaction),
		slog.String("user", entry.ActionBy),
		slog.Bool("blocked", entry.IsBlocked()),
	)
	var errs []error
	for i, s := range r.sinks {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
