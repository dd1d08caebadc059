package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the RBAC graph.
type Repository struct {
	pool *pgxpool.Pool
}

var _ AssignmentStore = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PermissionByName fetches a catalog entry by its canonical name.
func (r *Repository) PermissionByName(ctx context.Context, name string) (Permission, error) {
	const query = `
		SELECT id, name, service, resource_name, operation, description, created_at, updated_at
		FROM permissions
		WHERE name = $1`

	var p Permission
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&p.ID, &p.Name, &p.Service, &p.ResourceName, &p.Operation,
		&p.Description, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

// EligibleAssignments returns the user's assignments that can still grant
// something at now within the given project scope, ordered by grant time.
// A nil projectID applies no project filter.
func (r *Repository) EligibleAssignments(ctx context.Context, userID, companyID uuid.UUID, projectID *uuid.UUID, now time.Time) ([]Assignment, error) {
	const query = `
		SELECT id, user_id, role_id, company_id, project_id, scope_type, granted_by,
		       granted_at, expires_at, is_active, created_at, updated_at
		FROM user_roles
		WHERE user_id = $1
		  AND company_id = $2
		  AND is_active
		  AND (expires_at IS NULL OR expires_at > $3)
		  AND ($4::uuid IS NULL OR project_id IS NULL OR project_id = $4)
		ORDER BY granted_at, id`

	rows, err := r.pool.Query(ctx, query, userID, companyID, now, uuidParam(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssignments(rows)
}

// ActiveRoles returns the active roles among roleIDs that belong to the company.
func (r *Repository) ActiveRoles(ctx context.Context, companyID uuid.UUID, roleIDs []uuid.UUID) ([]Role, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT id, name, display_name, description, company_id, is_active, created_at, updated_at
		FROM roles
		WHERE id = ANY($1) AND company_id = $2 AND is_active`

	rows, err := r.pool.Query(ctx, query, roleIDs, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(
			&role.ID, &role.Name, &role.DisplayName, &role.Description,
			&role.CompanyID, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GrantingRoleIDs returns the subset of roleIDs that reach the permission
// through at least one active policy.
func (r *Repository) GrantingRoleIDs(ctx context.Context, roleIDs []uuid.UUID, permissionID uuid.UUID) ([]uuid.UUID, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT DISTINCT rp.role_id
		FROM role_policies rp
		JOIN policies p ON p.id = rp.policy_id AND p.is_active
		JOIN policy_permissions pp ON pp.policy_id = p.id
		WHERE rp.role_id = ANY($1) AND pp.permission_id = $2`

	rows, err := r.pool.Query(ctx, query, roleIDs, permissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActivePoliciesForRoles returns the distinct active policies attached to
// any of the roles, highest priority first.
func (r *Repository) ActivePoliciesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]Policy, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT DISTINCT p.id, p.name, p.display_name, p.description, p.company_id,
		       p.priority, p.is_active, p.created_at, p.updated_at
		FROM policies p
		JOIN role_policies rp ON rp.policy_id = p.id
		WHERE rp.role_id = ANY($1) AND p.is_active
		ORDER BY p.priority DESC, p.name`

	rows, err := r.pool.Query(ctx, query, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(
			&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.CompanyID,
			&p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// PermissionsForPolicies returns the distinct permissions granted by any of
// the policies, ordered by name.
func (r *Repository) PermissionsForPolicies(ctx context.Context, policyIDs []uuid.UUID) ([]Permission, error) {
	if len(policyIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT DISTINCT pe.id, pe.name, pe.service, pe.resource_name, pe.operation,
		       pe.description, pe.created_at, pe.updated_at
		FROM permissions pe
		JOIN policy_permissions pp ON pp.permission_id = pe.id
		WHERE pp.policy_id = ANY($1)
		ORDER BY pe.name`

	rows, err := r.pool.Query(ctx, query, policyIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Service, &p.ResourceName, &p.Operation,
			&p.Description, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// RoleByID fetches a role scoped to the company.
func (r *Repository) RoleByID(ctx context.Context, id, companyID uuid.UUID) (Role, error) {
	const query = `
		SELECT id, name, display_name, description, company_id, is_active, created_at, updated_at
		FROM roles
		WHERE id = $1 AND company_id = $2`

	var role Role
	err := r.pool.QueryRow(ctx, query, id, companyID).Scan(
		&role.ID, &role.Name, &role.DisplayName, &role.Description,
		&role.CompanyID, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// InsertAssignment stores a new role assignment.
func (r *Repository) InsertAssignment(ctx context.Context, a Assignment) error {
	const query = `
		INSERT INTO user_roles (id, user_id, role_id, company_id, project_id, scope_type,
		                        granted_by, granted_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.UserID, a.RoleID, a.CompanyID, uuidParam(a.ProjectID), string(a.ScopeType),
		uuidParam(a.GrantedBy), a.GrantedAt, timeParam(a.ExpiresAt), a.IsActive,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			if pgErr.ConstraintName == "ux_user_roles_active_assignment" {
				return ErrDuplicateAssignment
			}
			if pgErr.Code == "23503" {
				return fmt.Errorf("%w: unknown role", ErrValidation)
			}
		}
		return err
	}
	return nil
}

// AssignmentByID fetches an assignment regardless of state.
func (r *Repository) AssignmentByID(ctx context.Context, id uuid.UUID) (Assignment, error) {
	const query = `
		SELECT id, user_id, role_id, company_id, project_id, scope_type, granted_by,
		       granted_at, expires_at, is_active, created_at, updated_at
		FROM user_roles
		WHERE id = $1`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return Assignment{}, err
	}
	defer rows.Close()

	assignments, err := scanAssignments(rows)
	if err != nil {
		return Assignment{}, err
	}
	if len(assignments) == 0 {
		return Assignment{}, ErrNotFound
	}
	return assignments[0], nil
}

// DeactivateAssignment revokes an active assignment in place.
func (r *Repository) DeactivateAssignment(ctx context.Context, id, companyID uuid.UUID, now time.Time) error {
	const query = `
		UPDATE user_roles
		SET is_active = FALSE, updated_at = $3
		WHERE id = $1 AND company_id = $2 AND is_active`

	tag, err := r.pool.Exec(ctx, query, id, companyID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignmentQuery filters assignment listings.
type AssignmentQuery struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	ProjectID *uuid.UUID
	IsActive  *bool
	Limit     int
	Offset    int
}

// ListAssignments returns a page of assignments plus the total match count,
// newest grants first.
func (r *Repository) ListAssignments(ctx context.Context, q AssignmentQuery) ([]Assignment, int, error) {
	conditions := []string{"user_id = $1", "company_id = $2"}
	args := []interface{}{q.UserID, q.CompanyID}
	argPos := 3

	if q.ProjectID != nil {
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", argPos))
		args = append(args, *q.ProjectID)
		argPos++
	}
	if q.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *q.IsActive)
		argPos++
	}

	whereClause := "WHERE " + conditions[0]
	for i := 1; i < len(conditions); i++ {
		whereClause += " AND " + conditions[i]
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM user_roles %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, role_id, company_id, project_id, scope_type, granted_by,
		       granted_at, expires_at, is_active, created_at, updated_at
		FROM user_roles
		%s
		ORDER BY granted_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, whereClause, argPos, argPos+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	assignments, err := scanAssignments(rows)
	if err != nil {
		return nil, 0, err
	}
	return assignments, total, nil
}

func scanAssignments(rows pgx.Rows) ([]Assignment, error) {
	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		var projectID, grantedBy pgtype.UUID
		var expiresAt pgtype.Timestamptz
		var scope string

		if err := rows.Scan(
			&a.ID, &a.UserID, &a.RoleID, &a.CompanyID, &projectID, &scope,
			&grantedBy, &a.GrantedAt, &expiresAt, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}

		a.ProjectID = optionalUUID(projectID)
		a.GrantedBy = optionalUUID(grantedBy)
		a.ExpiresAt = optionalTime(expiresAt)
		a.ScopeType = ScopeType(scope)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func uuidParam(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func optionalUUID(pu pgtype.UUID) *uuid.UUID {
	if !pu.Valid {
		return nil
	}
	id := uuid.UUID(pu.Bytes)
	return &id
}

func timeParam(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func optionalTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
