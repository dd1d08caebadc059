package rbac

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("rbac: invalid input")
	// ErrForbidden indicates the caller may not act on the target resource.
	ErrForbidden = errors.New("rbac: forbidden")
	// ErrDuplicateAssignment occurs when an equivalent active assignment already exists.
	ErrDuplicateAssignment = errors.New("rbac: assignment already exists")
)

// ScopeType describes how widely a role assignment applies.
type ScopeType string

const (
	// ScopeDirect grants the role exactly where it is assigned.
	ScopeDirect ScopeType = "direct"
	// ScopeHierarchical is accepted for forward compatibility and currently
	// evaluates the same as ScopeDirect.
	ScopeHierarchical ScopeType = "hierarchical"
)

// Valid reports whether the scope type is a known value.
func (s ScopeType) Valid() bool {
	return s == ScopeDirect || s == ScopeHierarchical
}

// Canonical catalog operations. The permissions table stays authoritative;
// extended tokens such as APPROVE or EXPORT resolve through it as well.
const (
	OpList   = "LIST"
	OpCreate = "CREATE"
	OpRead   = "READ"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Permission represents an atomic capability in the catalog.
type Permission struct {
	ID           uuid.UUID
	Name         string
	Service      string
	ResourceName string
	Operation    string
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Policy groups permissions under a company.
type Policy struct {
	ID          uuid.UUID
	Name        string
	DisplayName string
	Description string
	CompanyID   uuid.UUID
	Priority    int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role is a named bundle of policies scoped to a company.
type Role struct {
	ID          uuid.UUID
	Name        string
	DisplayName string
	Description string
	CompanyID   uuid.UUID
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment links a user to a role within a company, optionally pinned
// to a single project.
type Assignment struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	RoleID    uuid.UUID
	CompanyID uuid.UUID
	ProjectID *uuid.UUID
	ScopeType ScopeType
	GrantedBy *uuid.UUID
	GrantedAt time.Time
	ExpiresAt *time.Time
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EligibleAt reports whether the assignment can grant anything at now for
// the given project scope. A nil projectID keeps every assignment; a
// concrete projectID keeps company-wide assignments and those pinned to
// the same project.
func (a Assignment) EligibleAt(now time.Time, projectID *uuid.UUID) bool {
	if !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	if projectID == nil || a.ProjectID == nil {
		return true
	}
	return *a.ProjectID == *projectID
}

// PermissionName builds the canonical "service:resource:operation" form.
func PermissionName(service, resource, operation string) string {
	return fmt.Sprintf("%s:%s:%s", service, resource, operation)
}
