package access

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/waterfall-project/guardian/internal/rbac"
)

// MaxBatchSize caps the number of checks accepted by a single batch call.
const MaxBatchSize = 50

// Reason classifies the outcome of an access decision. The set is closed;
// the engine never emits a value outside it.
type Reason string

const (
	// ReasonGranted marks a successful decision.
	ReasonGranted Reason = "granted"
	// ReasonNoPermission covers both an unknown permission and eligible
	// roles that do not reach the permission.
	ReasonNoPermission Reason = "no_permission"
	// ReasonNoMatchingRole means no assignment survived the eligibility
	// filter, whether missing, inactive, expired or out of scope.
	ReasonNoMatchingRole Reason = "no_matching_role"

	// Finer-grained diagnostics reserved for future use. The engine
	// currently collapses them into ReasonNoMatchingRole.
	ReasonRoleExpired     Reason = "role_expired"
	ReasonRoleInactive    Reason = "role_inactive"
	ReasonProjectMismatch Reason = "project_mismatch"
	ReasonCompanyMismatch Reason = "company_mismatch"
)

// Valid reports whether the reason belongs to the closed set.
func (r Reason) Valid() bool {
	switch r {
	case ReasonGranted, ReasonNoPermission, ReasonNoMatchingRole,
		ReasonRoleExpired, ReasonRoleInactive, ReasonProjectMismatch, ReasonCompanyMismatch:
		return true
	}
	return false
}

// RequestMeta carries transport metadata recorded alongside a decision.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// CheckRequest describes one access check.
type CheckRequest struct {
	Service      string          `json:"service" validate:"required,max=50,excludes=:"`
	ResourceName string          `json:"resource_name" validate:"required,max=100,excludes=:"`
	Operation    string          `json:"operation" validate:"required,max=20"`
	ProjectID    *uuid.UUID      `json:"project_id,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty" validate:"omitempty,max=255"`
	Context      json.RawMessage `json:"context,omitempty"`
	Meta         RequestMeta     `json:"-"`
}

// PermissionName returns the canonical catalog name for the check.
func (r CheckRequest) PermissionName() string {
	return rbac.PermissionName(r.Service, r.ResourceName, r.Operation)
}

// MatchedRole identifies the assignment that granted a decision.
type MatchedRole struct {
	RoleID    uuid.UUID      `json:"role_id"`
	RoleName  string         `json:"role_name"`
	ScopeType rbac.ScopeType `json:"scope_type"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty"`
}

// Decision is the verdict of one access check.
type Decision struct {
	AccessGranted bool         `json:"access_granted"`
	Reason        Reason       `json:"reason"`
	MatchedRole   *MatchedRole `json:"matched_role,omitempty"`
}

// RoleGrant is one eligible assignment in an effective permission view.
// A role assigned twice under different scopes appears once per assignment.
type RoleGrant struct {
	RoleID          uuid.UUID      `json:"role_id"`
	RoleName        string         `json:"role_name"`
	RoleDisplayName string         `json:"role_display_name"`
	ScopeType       rbac.ScopeType `json:"scope_type"`
	ProjectID       *uuid.UUID     `json:"project_id,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
}

// PolicyView is one active policy reached by an eligible role.
type PolicyView struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Priority    int       `json:"priority"`
}

// PermissionView is one permission reachable by the user.
type PermissionView struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Service      string    `json:"service"`
	ResourceName string    `json:"resource_name"`
	Operation    string    `json:"operation"`
	Description  string    `json:"description,omitempty"`
}

// PermissionSet is the full aggregation of a user's effective permissions.
type PermissionSet struct {
	Roles            []RoleGrant      `json:"roles"`
	Policies         []PolicyView     `json:"policies"`
	Permissions      []PermissionView `json:"permissions"`
	TotalPermissions int              `json:"total_permissions"`
}
