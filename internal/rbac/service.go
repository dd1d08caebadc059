package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/waterfall-project/guardian/internal/shared"
)

// AssignmentStore describes the persistence operations used by Service.
type AssignmentStore interface {
	RoleByID(ctx context.Context, id, companyID uuid.UUID) (Role, error)
	InsertAssignment(ctx context.Context, a Assignment) error
	AssignmentByID(ctx context.Context, id uuid.UUID) (Assignment, error)
	DeactivateAssignment(ctx context.Context, id, companyID uuid.UUID, now time.Time) error
	ListAssignments(ctx context.Context, q AssignmentQuery) ([]Assignment, int, error)
}

// Service manages the lifecycle of role assignments.
type Service struct {
	store    AssignmentStore
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the assignment store with validation and logging.
func NewService(store AssignmentStore, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		validate: validator.New(),
		logger:   logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// GrantInput describes a new role assignment.
type GrantInput struct {
	UserID    uuid.UUID  `validate:"required"`
	RoleID    uuid.UUID  `validate:"required"`
	CompanyID uuid.UUID  `validate:"required"`
	ProjectID *uuid.UUID
	ScopeType ScopeType
	GrantedBy uuid.UUID `validate:"required"`
	ExpiresAt *time.Time
}

// Grant assigns a role to a user. The target role must exist in the company
// and be active, and any expiry must lie in the future.
func (s *Service) Grant(ctx context.Context, in GrantInput) (Assignment, error) {
	if in.ScopeType == "" {
		in.ScopeType = ScopeDirect
	}
	if err := s.validate.Struct(in); err != nil {
		return Assignment{}, fmt.Errorf("%w: %s", ErrValidation, validationDetail(err))
	}
	if !in.ScopeType.Valid() {
		return Assignment{}, fmt.Errorf("%w: unknown scope type %q", ErrValidation, in.ScopeType)
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return Assignment{}, fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}

	role, err := s.store.RoleByID(ctx, in.RoleID, in.CompanyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Assignment{}, fmt.Errorf("%w: role not found", ErrValidation)
		}
		return Assignment{}, err
	}
	if !role.IsActive {
		return Assignment{}, fmt.Errorf("%w: role %s is inactive", ErrValidation, role.Name)
	}

	grantedBy := in.GrantedBy
	assignment := Assignment{
		ID:        uuid.New(),
		UserID:    in.UserID,
		RoleID:    in.RoleID,
		CompanyID: in.CompanyID,
		ProjectID: in.ProjectID,
		ScopeType: in.ScopeType,
		GrantedBy: &grantedBy,
		GrantedAt: now,
		ExpiresAt: in.ExpiresAt,
		IsActive:  true,
	}
	if err := s.store.InsertAssignment(ctx, assignment); err != nil {
		return Assignment{}, err
	}

	s.log().Info("role granted",
		slog.String("assignment_id", assignment.ID.String()),
		slog.String("user_id", in.UserID.String()),
		slog.String("role", role.Name),
		slog.String("company_id", in.CompanyID.String()))
	return assignment, nil
}

// Revoke deactivates an assignment within the caller's company.
func (s *Service) Revoke(ctx context.Context, identity shared.Identity, id uuid.UUID) error {
	if identity.IsZero() {
		return fmt.Errorf("%w: identity required", ErrValidation)
	}
	if id == uuid.Nil {
		return fmt.Errorf("%w: assignment id required", ErrValidation)
	}
	if err := s.store.DeactivateAssignment(ctx, id, identity.CompanyID, s.now()); err != nil {
		return err
	}
	s.log().Info("role revoked",
		slog.String("assignment_id", id.String()),
		slog.String("revoked_by", identity.UserID.String()))
	return nil
}

// GetAssignment fetches a single assignment visible to the caller's company.
func (s *Service) GetAssignment(ctx context.Context, identity shared.Identity, id uuid.UUID) (Assignment, error) {
	if identity.IsZero() {
		return Assignment{}, fmt.Errorf("%w: identity required", ErrValidation)
	}
	assignment, err := s.store.AssignmentByID(ctx, id)
	if err != nil {
		return Assignment{}, err
	}
	if assignment.CompanyID != identity.CompanyID {
		return Assignment{}, ErrNotFound
	}
	return assignment, nil
}

// ListFilters narrows an assignment listing.
type ListFilters struct {
	ProjectID *uuid.UUID
	IsActive  *bool
	Page      int
	PageSize  int
}

// ListForUser returns assignments for a user in the caller's company.
func (s *Service) ListForUser(ctx context.Context, identity shared.Identity, userID uuid.UUID, f ListFilters) ([]Assignment, shared.Pagination, error) {
	if identity.IsZero() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: identity required", ErrValidation)
	}
	if userID == uuid.Nil {
		return nil, shared.Pagination{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
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

	assignments, total, err := s.store.ListAssignments(ctx, AssignmentQuery{
		UserID:    userID,
		CompanyID: identity.CompanyID,
		ProjectID: f.ProjectID,
		IsActive:  f.IsActive,
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return assignments, shared.NewPagination(page, pageSize, total), nil
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "rbac"))
	}
	return slog.Default().With(slog.String("component", "rbac"))
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fmt.Sprintf("field %s fails rule %s", fieldErrs[0].Field(), fieldErrs[0].Tag())
	}
	return err.Error()
}
