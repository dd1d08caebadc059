package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/waterfall-project/guardian/internal/shared"
)

var (
	// ErrNotFound indicates the access log entry does not exist.
	ErrNotFound = errors.New("audit: access log not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("audit: invalid input")
	// ErrForbidden indicates the caller may not act on the target company.
	ErrForbidden = errors.New("audit: forbidden")
	// ErrRetentionWindow occurs when a purge cutoff falls inside the
	// protected retention window.
	ErrRetentionWindow = errors.New("audit: cutoff within retention window")
)

// RetentionFloor is the minimum age an entry must reach before it can be
// purged.
const RetentionFloor = 30 * 24 * time.Hour

// Entry is one immutable access log record.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	CompanyID     uuid.UUID       `json:"company_id"`
	Service       string          `json:"service"`
	ResourceName  string          `json:"resource_name"`
	Operation     string          `json:"operation"`
	AccessGranted bool            `json:"access_granted"`
	ProjectID     *uuid.UUID      `json:"project_id,omitempty"`
	ResourceID    string          `json:"resource_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`

	// RequestID only travels to the log stream, never into storage.
	RequestID string `json:"-"`
}

// Filters narrows an access log listing.
type Filters struct {
	CompanyID    uuid.UUID
	UserID       *uuid.UUID
	ProjectID    *uuid.UUID
	Service      string
	ResourceName string
	Operation    string
	Granted      *bool
	From         time.Time
	To           time.Time
	Page         int
	PageSize     int
}

// Result is one page of access log entries.
type Result struct {
	Entries    []Entry           `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

// StatsFilters bounds a statistics computation.
type StatsFilters struct {
	CompanyID uuid.UUID
	ProjectID *uuid.UUID
	From      time.Time
	To        time.Time
}

// ServiceStat aggregates decisions for one calling service.
type ServiceStat struct {
	Service string `json:"service"`
	Count   int64  `json:"count"`
	Granted int64  `json:"granted"`
	Denied  int64  `json:"denied"`
}

// OperationStat aggregates decisions for one operation token.
type OperationStat struct {
	Operation string `json:"operation"`
	Count     int64  `json:"count"`
	Granted   int64  `json:"granted"`
	Denied    int64  `json:"denied"`
}

// UserActivity counts decisions attributed to one user.
type UserActivity struct {
	UserID uuid.UUID `json:"user_id"`
	Count  int64     `json:"count"`
}

// Stats summarises access decisions over a time window.
type Stats struct {
	TotalRequests   int64           `json:"total_requests"`
	GrantedRequests int64           `json:"granted_requests"`
	DeniedRequests  int64           `json:"denied_requests"`
	SuccessRate     float64         `json:"success_rate"`
	ByService       []ServiceStat   `json:"by_service"`
	ByOperation     []OperationStat `json:"by_operation"`
	TopUsers        []UserActivity  `json:"top_users"`
}
