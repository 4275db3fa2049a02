package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/batasku/erpgate/internal/audit"
)

const (
	// QueueAudit holds audit log deliveries to the ERP.
	QueueAudit = "audit"
	// TaskPeriodAuditLog writes one Period Closing Log document.
	TaskPeriodAuditLog = "period:audit_log"

	auditMaxRetry = 10
)

// NewPeriodAuditTask constructs an Asynq task for an audit entry. The entry ID
// doubles as the task ID so a retried enqueue cannot duplicate the log.
func NewPeriodAuditTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPeriodAuditLog, data,
		asynq.TaskID(entry.ID.String()),
		asynq.MaxRetry(auditMaxRetry),
		asynq.Queue(QueueAudit),
	), nil
}
