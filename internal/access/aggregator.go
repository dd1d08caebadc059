package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/waterfall-project/guardian/internal/rbac"
	"github.com/waterfall-project/guardian/internal/shared"
)

// EffectivePermissions aggregates everything a user can currently do,
// using the same eligibility filter as Decide. Callers may only inspect
// themselves; a cross-user request fails before any traversal happens.
// Aggregations are introspection, not decisions, and are not audited.
func (e *Engine) EffectivePermissions(ctx context.Context, identity shared.Identity, userID uuid.UUID, projectID *uuid.UUID) (PermissionSet, error) {
	if identity.IsZero() {
		return PermissionSet{}, fmt.Errorf("%w: identity required", rbac.ErrValidation)
	}
	if userID == uuid.Nil {
		return PermissionSet{}, fmt.Errorf("%w: user id required", rbac.ErrValidation)
	}
	if userID != identity.UserID {
		return PermissionSet{}, fmt.Errorf("%w: cannot aggregate another user's permissions", rbac.ErrForbidden)
	}

	set := PermissionSet{
		Roles:       []RoleGrant{},
		Policies:    []PolicyView{},
		Permissions: []PermissionView{},
	}

	assignments, err := e.catalog.EligibleAssignments(ctx, userID, identity.CompanyID, projectID, e.now())
	if err != nil {
		return PermissionSet{}, err
	}
	if len(assignments) == 0 {
		return set, nil
	}

	roles, err := e.catalog.ActiveRoles(ctx, identity.CompanyID, distinctRoleIDs(assignments))
	if err != nil {
		return PermissionSet{}, err
	}
	roleByID := make(map[uuid.UUID]rbac.Role, len(roles))
	activeIDs := make([]uuid.UUID, 0, len(roles))
	for _, role := range roles {
		roleByID[role.ID] = role
		activeIDs = append(activeIDs, role.ID)
	}

	for _, a := range assignments {
		role, ok := roleByID[a.RoleID]
		if !ok {
			continue
		}
		set.Roles = append(set.Roles, RoleGrant{
			RoleID:          role.ID,
			RoleName:        role.Name,
			RoleDisplayName: role.DisplayName,
			ScopeType:       a.ScopeType,
			ProjectID:       a.ProjectID,
			ExpiresAt:       a.ExpiresAt,
		})
	}
	if len(activeIDs) == 0 {
		return set, nil
	}

	policies, err := e.catalog.ActivePoliciesForRoles(ctx, activeIDs)
	if err != nil {
		return PermissionSet{}, err
	}
	policyIDs := make([]uuid.UUID, 0, len(policies))
	for _, p := range policies {
		set.Policies = append(set.Policies, PolicyView{
			ID:          p.ID,
			Name:        p.Name,
			DisplayName: p.DisplayName,
			Priority:    p.Priority,
		})
		policyIDs = append(policyIDs, p.ID)
	}
	if len(policyIDs) == 0 {
		return set, nil
	}

	permissions, err := e.catalog.PermissionsForPolicies(ctx, policyIDs)
	if err != nil {
		return PermissionSet{}, err
	}
	for _, p := range permissions {
		set.Permissions = append(set.Permissions, PermissionView{
			ID:           p.ID,
			Name:         p.Name,
			Service:      p.Service,
			ResourceName: p.ResourceName,
			Operation:    p.Operation,
			Description:  p.Description,
		})
	}
	set.TotalPermissions = len(set.Permissions)

	e.log().Debug("aggregated effective permissions",
		slog.String("user_id", userID.String()),
		slog.Int("roles", len(set.Roles)),
		slog.Int("permissions", set.TotalPermissions))
	return set, nil
}
