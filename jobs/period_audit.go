package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/batasku/erpgate/internal/audit"
	"github.com/batasku/erpgate/internal/erpnext"
	jobmetrics "github.com/batasku/erpgate/internal/jobs"
)

const (
	doctypePeriodClosingLog = "Period Closing Log"
	// erpDateTimeLayout is how Frappe expects Datetime fields.
	erpDateTimeLayout = "2006-01-02 15:04:05"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Inserter creates ERP documents; *erpnext.Client satisfies it.
type Inserter interface {
	Insert(ctx context.Context, creds erpnext.Credentials, doctype string, doc any, dest any) error
}

// PeriodAuditJob delivers queued audit entries to the ERP Period Closing Log
// using the gateway's service credentials.
type PeriodAuditJob struct {
	ERP         Inserter
	Credentials erpnext.Credentials
	// DefaultActor fills action_by on entries queued without one.
	DefaultActor string
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
}

// NewPeriodAuditJob constructs the job handler.
func NewPeriodAuditJob(erp Inserter, creds erpnext.Credentials, defaultActor string, logger *slog.Logger, metrics *jobmetrics.Metrics) *PeriodAuditJob {
	return &PeriodAuditJob{ERP: erp, Credentials: creds, DefaultActor: defaultActor, Logger: logger, Metrics: metrics}
}

type periodClosingLog struct {
	AccountingPeriod    string `json:"accounting_period"`
	ActionType          string `json:"action_type"`
	ActionBy            string `json:"action_by"`
	ActionDate          string `json:"action_date"`
	Reason              string `json:"reason,omitempty"`
	AffectedTransaction string `json:"affected_transaction,omitempty"`
	TransactionDocType  string `json:"transaction_doctype,omitempty"`
}

// Handle executes the audit delivery. Tasks that can never succeed return
// asynq.SkipRetry and are counted as dropped.
func (j *PeriodAuditJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.ERP == nil {
		return errors.New("period audit: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskPeriodAuditLog)
	err := j.deliver(ctx, task)
	if errors.Is(err, asynq.SkipRetry) {
		return tracker.Drop(err)
	}
	return tracker.End(err)
}

func (j *PeriodAuditJob) deliver(ctx context.Context, task *asynq.Task) error {
	var entry audit.Entry
	if err := json.Unmarshal(task.Payload(), &entry); err != nil {
		j.log().Warn("discarding malformed audit payload", slog.Any("error", err))
		return fmt.Errorf("decode audit entry: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(entry.ActionBy) == "" {
		entry.ActionBy = j.DefaultActor
	}
	if err := entry.Validate(); err != nil {
		j.log().Warn("discarding invalid audit entry",
			slog.String("entry_id", entry.ID.String()),
			slog.Any("error", err),
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if !j.Credentials.Authenticated() {
		j.log().Error("discarding audit entry: service credentials missing", slog.String("entry_id", entry.ID.String()))
		return fmt.Errorf("%w: %w", erpnext.ErrUnauthorized, asynq.SkipRetry)
	}

	doc := periodClosingLog{
		AccountingPeriod:    entry.AccountingPeriod,
		ActionType:          string(entry.Action),
		ActionBy:            entry.ActionBy,
		ActionDate:          entry.ActionDate.UTC().Format(erpDateTimeLayout),
		Reason:              entry.Reason,
		AffectedTransaction: entry.AffectedTransaction,
		TransactionDocType:  entry.TransactionDocType,
	}
	if err := j.ERP.Insert(ctx, j.Credentials, doctypePeriodClosingLog, doc, nil); err != nil {
		permanent := isPermanent(err)
		j.log().Error("insert period closing log",
			slog.String("entry_id", entry.ID.String()),
			slog.String("period", entry.AccountingPeriod),
			slog.Bool("dropped", permanent),
			slog.Any("error", err),
		)
		if permanent {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	j.log().Info("period closing log written",
		slog.String("entry_id", entry.ID.String()),
		slog.String("period", entry.AccountingPeriod),
		slog.String("action", string(entry.Action)),
		slog.Bool("blocked", entry.IsBlocked()),
	)
	return nil
}

// isPermanent reports ERP rejections that a retry cannot fix.
func isPermanent(err error) bool {
	var apiErr *erpnext.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 408 && apiErr.Status != 429
}

func (j *PeriodAuditJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PeriodAuditJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPeriodAuditLog))
	}
	return slog.Default().With(slog.String("job", TaskPeriodAuditLog))
}
