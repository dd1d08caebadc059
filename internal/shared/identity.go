package shared

import "github.com/google/uuid"

// Identity describes the authenticated principal a request acts as. The
// perimeter that authenticates callers populates it, and every service call
// takes it as an explicit argument rather than reading ambient state.
type Identity struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
}

// IsZero reports whether the identity is missing either component.
func (id Identity) IsZero() bool {
	return id.UserID == uuid.Nil || id.CompanyID == uuid.Nil
}
