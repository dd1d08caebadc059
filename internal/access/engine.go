package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/waterfall-project/guardian/internal/audit"
	"github.com/waterfall-project/guardian/internal/observability"
	"github.com/waterfall-project/guardian/internal/rbac"
	"github.com/waterfall-project/guardian/internal/shared"
)

// operationPattern bounds operation tokens. The catalog stays authoritative
// for which tokens actually exist.
var operationPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// CatalogPort describes the RBAC graph reads used by the engine.
type CatalogPort interface {
	PermissionByName(ctx context.Context, name string) (rbac.Permission, error)
	EligibleAssignments(ctx context.Context, userID, companyID uuid.UUID, projectID *uuid.UUID, now time.Time) ([]rbac.Assignment, error)
	ActiveRoles(ctx context.Context, companyID uuid.UUID, roleIDs []uuid.UUID) ([]rbac.Role, error)
	GrantingRoleIDs(ctx context.Context, roleIDs []uuid.UUID, permissionID uuid.UUID) ([]uuid.UUID, error)
	ActivePoliciesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]rbac.Policy, error)
	PermissionsForPolicies(ctx context.Context, policyIDs []uuid.UUID) ([]rbac.Permission, error)
}

// RecorderPort hands finished decisions to the audit trail.
type RecorderPort interface {
	Record(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

var (
	_ CatalogPort  = (*rbac.Repository)(nil)
	_ RecorderPort = (*audit.Service)(nil)
)

// Engine resolves access checks against the RBAC graph and guarantees every
// verdict reaches the audit trail before it is returned.
type Engine struct {
	catalog  CatalogPort
	recorder RecorderPort
	metrics  *observability.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewEngine wires required dependencies for the decision engine.
func NewEngine(catalog CatalogPort, recorder RecorderPort, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		catalog:  catalog,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Decide evaluates a single access check for the calling identity. Denials
// are verdicts, not errors; only invalid input or infrastructure failure
// returns an error.
func (e *Engine) Decide(ctx context.Context, identity shared.Identity, req CheckRequest) (Decision, error) {
	if identity.IsZero() {
		return Decision{}, fmt.Errorf("%w: identity required", rbac.ErrValidation)
	}
	if err := e.validateRequest(req); err != nil {
		return Decision{}, err
	}
	return e.decide(ctx, identity, req, e.now())
}

// DecideBatch evaluates up to MaxBatchSize checks and returns the decisions
// in input order. The whole batch is validated before anything executes, so
// one malformed check rejects the batch wholesale.
func (e *Engine) DecideBatch(ctx context.Context, identity shared.Identity, reqs []CheckRequest) ([]Decision, error) {
	if identity.IsZero() {
		return nil, fmt.Errorf("%w: identity required", rbac.ErrValidation)
	}
	if len(reqs) == 0 || len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", rbac.ErrValidation, MaxBatchSize)
	}
	for i := range reqs {
		if err := e.validateRequest(reqs[i]); err != nil {
			return nil, fmt.Errorf("check %d: %w", i, err)
		}
	}

	now := e.now()
	decisions := make([]Decision, 0, len(reqs))
	for i := range reqs {
		d, err := e.decide(ctx, identity, reqs[i], now)
		if err != nil {
			return nil, fmt.Errorf("check %d: %w", i, err)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (e *Engine) validateRequest(req CheckRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", rbac.ErrValidation, validationDetail(err))
	}
	if !operationPattern.MatchString(req.Operation) {
		return fmt.Errorf("%w: operation must match %s", rbac.ErrValidation, operationPattern)
	}
	return nil
}

func (e *Engine) decide(ctx context.Context, identity shared.Identity, req CheckRequest, now time.Time) (Decision, error) {
	start := time.Now()

	perm, err := e.catalog.PermissionByName(ctx, req.PermissionName())
	if err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			return e.finish(ctx, identity, req, Decision{Reason: ReasonNoPermission}, start)
		}
		return Decision{}, err
	}

	assignments, err := e.catalog.EligibleAssignments(ctx, identity.UserID, identity.CompanyID, req.ProjectID, now)
	if err != nil {
		return Decision{}, err
	}
	if len(assignments) == 0 {
		return e.finish(ctx, identity, req, Decision{Reason: ReasonNoMatchingRole}, start)
	}

	roles, err := e.catalog.ActiveRoles(ctx, identity.CompanyID, distinctRoleIDs(assignments))
	if err != nil {
		return Decision{}, err
	}
	roleByID := make(map[uuid.UUID]rbac.Role, len(roles))
	activeIDs := make([]uuid.UUID, 0, len(roles))
	for _, role := range roles {
		roleByID[role.ID] = role
		activeIDs = append(activeIDs, role.ID)
	}

	granting, err := e.catalog.GrantingRoleIDs(ctx, activeIDs, perm.ID)
	if err != nil {
		return Decision{}, err
	}
	grants := make(map[uuid.UUID]struct{}, len(granting))
	for _, id := range granting {
		grants[id] = struct{}{}
	}

	// Assignments arrive ordered by granted_at, so the earliest grant wins.
	for _, a := range assignments {
		role, ok := roleByID[a.RoleID]
		if !ok {
			continue
		}
		if _, ok := grants[a.RoleID]; !ok {
			continue
		}
		return e.finish(ctx, identity, req, Decision{
			AccessGranted: true,
			Reason:        ReasonGranted,
			MatchedRole: &MatchedRole{
				RoleID:    role.ID,
				RoleName:  role.Name,
				ScopeType: a.ScopeType,
				ProjectID: a.ProjectID,
			},
		}, start)
	}

	return e.finish(ctx, identity, req, Decision{Reason: ReasonNoPermission}, start)
}

// finish records the decision on the audit trail before handing it back.
// A failed durable write turns the decision into an error.
func (e *Engine) finish(ctx context.Context, identity shared.Identity, req CheckRequest, d Decision, start time.Time) (Decision, error) {
	entry := audit.Entry{
		UserID:        identity.UserID,
		CompanyID:     identity.CompanyID,
		Service:       req.Service,
		ResourceName:  req.ResourceName,
		Operation:     req.Operation,
		AccessGranted: d.AccessGranted,
		ProjectID:     req.ProjectID,
		ResourceID:    req.ResourceID,
		Reason:        string(d.Reason),
		IPAddress:     req.Meta.IPAddress,
		UserAgent:     req.Meta.UserAgent,
		RequestID:     req.Meta.RequestID,
		Context:       req.Context,
	}
	if _, err := e.recorder.Record(ctx, entry); err != nil {
		return Decision{}, fmt.Errorf("access: record decision: %w", err)
	}

	e.metrics.ObserveDecision(d.AccessGranted, string(d.Reason), time.Since(start))
	e.log().Debug("access decision",
		slog.String("user_id", identity.UserID.String()),
		slog.String("permission", req.PermissionName()),
		slog.Bool("granted", d.AccessGranted),
		slog.String("reason", string(d.Reason)))
	return d, nil
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "access_engine"))
	}
	return slog.Default().With(slog.String("component", "access_engine"))
}

func distinctRoleIDs(assignments []rbac.Assignment) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	ids := make([]uuid.UUID, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		ids = append(ids, a.RoleID)
	}
	return ids
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fmt.Sprintf("field %s fails rule %s", fieldErrs[0].Field(), fieldErrs[0].Tag())
	}
	return err.Error()
}
