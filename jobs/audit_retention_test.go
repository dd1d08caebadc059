package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/waterfall-project/guardian/internal/audit"
	jobmetrics "github.com/waterfall-project/guardian/internal/jobs"
)

type fakePurger struct {
	removed int64
	err     error

	before  time.Time
	company *uuid.UUID
	calls   int
}

func (p *fakePurger) Purge(ctx context.Context, before time.Time, companyID *uuid.UUID) (int64, error) {
	p.calls++
	p.before = before
	p.company = companyID
	return p.removed, p.err
}

func newRetentionJob(purger *fakePurger, at time.Time) *AuditRetentionJob {
	job := NewAuditRetentionJob(purger, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return at }
	return job
}

func TestAuditRetentionComputesCutoff(t *testing.T) {
	now := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	purger := &fakePurger{removed: 7}
	job := newRetentionJob(purger, now)

	task, err := NewAuditPurgeTask(40, nil)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, 1, purger.calls)
	require.Equal(t, now.AddDate(0, 0, -40), purger.before)
	require.Nil(t, purger.company)
}

func TestAuditRetentionDefaultsRetentionDays(t *testing.T) {
	now := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	purger := &fakePurger{}
	job := newRetentionJob(purger, now)

	task, err := NewAuditPurgeTask(0, nil)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.AddDate(0, 0, -defaultRetentionDays), purger.before)
}

func TestAuditRetentionCompanyScoped(t *testing.T) {
	now := time.Now().UTC()
	companyID := uuid.New()
	purger := &fakePurger{removed: 2}
	job := newRetentionJob(purger, now)

	task, err := NewAuditPurgeTask(90, &companyID)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.NotNil(t, purger.company)
	require.Equal(t, companyID, *purger.company)
}

func TestAuditRetentionMalformedPayloadSkipsRetry(t *testing.T) {
	purger := &fakePurger{}
	job := newRetentionJob(purger, time.Now().UTC())

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditPurge, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, purger.calls)
}

func TestAuditRetentionWindowViolationSkipsRetry(t *testing.T) {
	purger := &fakePurger{err: audit.ErrRetentionWindow}
	job := newRetentionJob(purger, time.Now().UTC())

	task, err := NewAuditPurgeTask(40, nil)
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditRetentionTransientFailureRetries(t *testing.T) {
	purger := &fakePurger{err: errors.New("pg down")}
	job := newRetentionJob(purger, time.Now().UTC())

	task, err := NewAuditPurgeTask(40, nil)
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}
