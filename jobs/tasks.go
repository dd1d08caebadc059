package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditPurge enforces the access log retention window.
	TaskAuditPurge = "audit:purge"
)

// AuditPurgePayload configures one retention purge run. A nil company
// purges platform-wide.
type AuditPurgePayload struct {
	RetentionDays int        `json:"retention_days"`
	CompanyID     *uuid.UUID `json:"company_id,omitempty"`
}

// NewAuditPurgeTask constructs an Asynq task for a retention purge.
func NewAuditPurgeTask(retentionDays int, companyID *uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(AuditPurgePayload{RetentionDays: retentionDays, CompanyID: companyID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPurge, data), nil
}
