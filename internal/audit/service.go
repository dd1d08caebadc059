package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/waterfall-project/guardian/internal/observability"
	"github.com/waterfall-project/guardian/internal/shared"
)

// topUserLimit caps the most-active-users ranking in statistics.
const topUserLimit = 10

// Store describes the persistence operations used by Service.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filters, limit, offset int) ([]Entry, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (Entry, error)
	Totals(ctx context.Context, f StatsFilters) (int64, int64, error)
	CountByService(ctx context.Context, f StatsFilters) ([]ServiceStat, error)
	CountByOperation(ctx context.Context, f StatsFilters) ([]OperationStat, error)
	TopUsers(ctx context.Context, f StatsFilters, limit int) ([]UserActivity, error)
	Purge(ctx context.Context, before time.Time, companyID *uuid.UUID) (int64, error)
}

// Service coordinates the durable audit trail with the best-effort log
// stream and the statistics cache.
type Service struct {
	store   Store
	stream  *Stream
	cache   *Cache
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewService wires the audit trail dependencies. Stream, cache and metrics
// may be nil.
func NewService(store Store, stream *Stream, cache *Cache, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		stream:  stream,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Record persists one access log entry and mirrors it onto the stream.
// The database write is authoritative; a stream failure is logged and
// swallowed so the stored row survives.
func (s *Service) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.UserID == uuid.Nil || e.CompanyID == uuid.Nil {
		return Entry{}, fmt.Errorf("%w: user and company are required", ErrValidation)
	}
	if e.Service == "" || e.ResourceName == "" || e.Operation == "" {
		return Entry{}, fmt.Errorf("%w: service, resource and operation are required", ErrValidation)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	if err := s.store.Insert(ctx, e); err != nil {
		s.metrics.AddAuditWrite("db", "error")
		return Entry{}, fmt.Errorf("audit: insert access log: %w", err)
	}
	s.metrics.AddAuditWrite("db", "ok")

	if err := s.stream.Write(ctx, e); err != nil {
		s.metrics.AddAuditWrite("stream", "error")
		s.log().Warn("stream access log",
			slog.Any("error", err),
			slog.String("log_id", e.ID.String()))
	} else {
		s.metrics.AddAuditWrite("stream", "ok")
	}
	return e, nil
}

// Query lists access logs in the caller's company.
func (s *Service) Query(ctx context.Context, identity shared.Identity, f Filters) (Result, error) {
	if identity.IsZero() {
		return Result{}, fmt.Errorf("%w: identity required", ErrValidation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Result{}, fmt.Errorf("%w: time range is inverted", ErrValidation)
	}
	f.CompanyID = identity.CompanyID

	page := f.Page
	if page <= 0 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 100 {
		pageSize = 100
	}

	entries, total, err := s.store.Query(ctx, f, pageSize, (page-1)*pageSize)
	if err != nil {
		return Result{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Result{Entries: entries, Pagination: shared.NewPagination(page, pageSize, total)}, nil
}

// GetByID fetches one access log entry visible to the caller's company.
func (s *Service) GetByID(ctx context.Context, identity shared.Identity, id uuid.UUID) (Entry, error) {
	if identity.IsZero() {
		return Entry{}, fmt.Errorf("%w: identity required", ErrValidation)
	}
	entry, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.CompanyID != identity.CompanyID {
		s.log().Warn("cross-company access log lookup",
			slog.String("log_id", id.String()),
			slog.String("company_id", identity.CompanyID.String()))
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Statistics summarises decisions for the caller's company. Results are
// cached per filter window and deduplicated across concurrent callers.
func (s *Service) Statistics(ctx context.Context, identity shared.Identity, f StatsFilters) (Stats, error) {
	if identity.IsZero() {
		return Stats{}, fmt.Errorf("%w: identity required", ErrValidation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Stats{}, fmt.Errorf("%w: time range is inverted", ErrValidation)
	}
	f.CompanyID = identity.CompanyID

	if s.cache == nil {
		return s.computeStatistics(ctx, f)
	}
	key, err := s.cache.BuildKey(ctx, statsKey(f))
	if err != nil {
		s.log().Warn("build stats cache key", slog.Any("error", err))
		return s.computeStatistics(ctx, f)
	}

	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		var stats Stats
		loadErr := s.cache.FetchJSON(ctx, key, &stats, func(ctx context.Context) (interface{}, error) {
			return s.computeStatistics(ctx, f)
		})
		return stats, loadErr
	})
	if err != nil {
		return Stats{}, err
	}
	return value.(Stats), nil
}

func (s *Service) computeStatistics(ctx context.Context, f StatsFilters) (Stats, error) {
	var (
		total, granted int64
		byService      []ServiceStat
		byOperation    []OperationStat
		topUsers       []UserActivity
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		total, granted, err = s.store.Totals(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		byService, err = s.store.CountByService(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		byOperation, err = s.store.CountByOperation(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		topUsers, err = s.store.TopUsers(gctx, f, topUserLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalRequests:   total,
		GrantedRequests: granted,
		DeniedRequests:  total - granted,
		ByService:       byService,
		ByOperation:     byOperation,
		TopUsers:        topUsers,
	}
	if total > 0 {
		rate := float64(granted) / float64(total) * 100
		stats.SuccessRate = math.Round(rate*100) / 100
	}
	if stats.ByService == nil {
		stats.ByService = []ServiceStat{}
	}
	if stats.ByOperation == nil {
		stats.ByOperation = []OperationStat{}
	}
	if stats.TopUsers == nil {
		stats.TopUsers = []UserActivity{}
	}
	return stats, nil
}

// Purge deletes entries strictly older than before, optionally limited to
// one company. Cutoffs inside the protected retention window are rejected,
// never clamped.
func (s *Service) Purge(ctx context.Context, before time.Time, companyID *uuid.UUID) (int64, error) {
	if before.IsZero() {
		return 0, fmt.Errorf("%w: cutoff required", ErrValidation)
	}
	floor := s.now().Add(-RetentionFloor)
	if before.After(floor) {
		return 0, ErrRetentionWindow
	}

	removed, err := s.store.Purge(ctx, before, companyID)
	if err != nil {
		return 0, fmt.Errorf("audit: purge access logs: %w", err)
	}

	attrs := []any{
		slog.Int64("removed", removed),
		slog.Time("before", before),
	}
	if companyID != nil {
		attrs = append(attrs, slog.String("company_id", companyID.String()))
	}
	s.log().Info("purged access logs", attrs...)

	if removed > 0 && s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.log().Warn("bump stats cache", slog.Any("error", err))
		}
	}
	return removed, nil
}

// PurgeFor runs a purge on behalf of a caller, always scoped to the
// caller's own company.
func (s *Service) PurgeFor(ctx context.Context, identity shared.Identity, before time.Time, companyID *uuid.UUID) (int64, error) {
	if identity.IsZero() {
		return 0, fmt.Errorf("%w: identity required", ErrValidation)
	}
	if companyID != nil && *companyID != identity.CompanyID {
		return 0, ErrForbidden
	}
	own := identity.CompanyID
	return s.Purge(ctx, before, &own)
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "audit"))
	}
	return slog.Default().With(slog.String("component", "audit"))
}
