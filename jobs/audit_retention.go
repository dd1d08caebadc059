package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/waterfall-project/guardian/internal/audit"
	jobmetrics "github.com/waterfall-project/guardian/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// defaultRetentionDays applies when a purge task carries no retention hint.
const defaultRetentionDays = 90

// Purger deletes aged access log records.
type Purger interface {
	Purge(ctx context.Context, before time.Time, companyID *uuid.UUID) (int64, error)
}

var _ Purger = (*audit.Service)(nil)

// AuditRetentionJob enforces the access log retention window.
type AuditRetentionJob struct {
	Audit   Purger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAuditRetentionJob wires dependencies for the retention handler.
func NewAuditRetentionJob(purger Purger, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRetentionJob {
	return &AuditRetentionJob{
		Audit:   purger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes audit purge tasks.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Audit == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload AuditPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = defaultRetentionDays
	}

	tracker := j.metrics().Track(TaskAuditPurge)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	before := j.now().AddDate(0, 0, -payload.RetentionDays)
	logger := j.logger().With(
		slog.Int("retention_days", payload.RetentionDays),
		slog.Time("before", before),
	)
	logger.Info("starting access log purge")

	removed, err := j.Audit.Purge(ctx, before, payload.CompanyID)
	if err != nil {
		resultErr = err
		logger.Error("purge failed", slog.Any("error", err))
		if errors.Is(err, audit.ErrRetentionWindow) {
			return asynq.SkipRetry
		}
		return resultErr
	}

	scope := "all"
	if payload.CompanyID != nil {
		scope = payload.CompanyID.String()
	}
	j.metrics().AddPurged(scope, removed)

	logger.Info("completed access log purge", slog.Int64("removed", removed))
	return resultErr
}

func (j *AuditRetentionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditPurge))
	}
	return slog.Default().With(slog.String("job", TaskAuditPurge))
}

func (j *AuditRetentionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AuditRetentionJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
