package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for access logs.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a single access log row.
func (r *Repository) Insert(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO access_logs (id, user_id, company_id, service, resource_name, operation,
		                         access_granted, project_id, resource_id, reason, ip_address,
		                         user_agent, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.UserID, e.CompanyID, e.Service, e.ResourceName, e.Operation,
		e.AccessGranted, uuidParam(e.ProjectID), optionalText(e.ResourceID), optionalText(e.Reason),
		optionalText(e.IPAddress), optionalText(e.UserAgent), contextParam(e.Context), e.CreatedAt,
	)
	return err
}

// Query returns one page of access logs plus the total match count, newest
// first.
func (r *Repository) Query(ctx context.Context, f Filters, limit, offset int) ([]Entry, int, error) {
	conditions := []string{"company_id = $1"}
	args := []interface{}{f.CompanyID}
	argPos := 2

	if f.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argPos))
		args = append(args, *f.UserID)
		argPos++
	}
	if f.ProjectID != nil {
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", argPos))
		args = append(args, *f.ProjectID)
		argPos++
	}
	if f.Service != "" {
		conditions = append(conditions, fmt.Sprintf("service = $%d", argPos))
		args = append(args, f.Service)
		argPos++
	}
	if f.ResourceName != "" {
		conditions = append(conditions, fmt.Sprintf("resource_name = $%d", argPos))
		args = append(args, f.ResourceName)
		argPos++
	}
	if f.Operation != "" {
		conditions = append(conditions, fmt.Sprintf("operation = $%d", argPos))
		args = append(args, f.Operation)
		argPos++
	}
	if f.Granted != nil {
		conditions = append(conditions, fmt.Sprintf("access_granted = $%d", argPos))
		args = append(args, *f.Granted)
		argPos++
	}
	if !f.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, f.From)
		argPos++
	}
	if !f.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argPos))
		args = append(args, f.To)
		argPos++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM access_logs %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, company_id, service, resource_name, operation, access_granted,
		       project_id, resource_id, reason, ip_address, user_agent, context, created_at
		FROM access_logs
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, whereClause, argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// GetByID fetches a single access log row.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Entry, error) {
	const query = `
		SELECT id, user_id, company_id, service, resource_name, operation, access_granted,
		       project_id, resource_id, reason, ip_address, user_agent, context, created_at
		FROM access_logs
		WHERE id = $1`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return Entry{}, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound
	}
	return entries[0], nil
}

const statsWhere = `
	WHERE company_id = $1
	  AND ($2::uuid IS NULL OR project_id = $2)
	  AND ($3::timestamptz IS NULL OR created_at >= $3)
	  AND ($4::timestamptz IS NULL OR created_at <= $4)`

func statsArgs(f StatsFilters) []interface{} {
	return []interface{}{f.CompanyID, uuidParam(f.ProjectID), toPgTime(f.From), toPgTime(f.To)}
}

// Totals counts all and granted decisions in the window.
func (r *Repository) Totals(ctx context.Context, f StatsFilters) (int64, int64, error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE access_granted)
		FROM access_logs` + statsWhere

	var total, granted int64
	if err := r.pool.QueryRow(ctx, query, statsArgs(f)...).Scan(&total, &granted); err != nil {
		return 0, 0, err
	}
	return total, granted, nil
}

// CountByService groups decisions by calling service, busiest first.
func (r *Repository) CountByService(ctx context.Context, f StatsFilters) ([]ServiceStat, error) {
	query := `
		SELECT service, COUNT(*), COUNT(*) FILTER (WHERE access_granted)
		FROM access_logs` + statsWhere + `
		GROUP BY service
		ORDER BY COUNT(*) DESC, service`

	rows, err := r.pool.Query(ctx, query, statsArgs(f)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ServiceStat
	for rows.Next() {
		var st ServiceStat
		if err := rows.Scan(&st.Service, &st.Count, &st.Granted); err != nil {
			return nil, err
		}
		st.Denied = st.Count - st.Granted
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// CountByOperation groups decisions by operation token, busiest first.
func (r *Repository) CountByOperation(ctx context.Context, f StatsFilters) ([]OperationStat, error) {
	query := `
		SELECT operation, COUNT(*), COUNT(*) FILTER (WHERE access_granted)
		FROM access_logs` + statsWhere + `
		GROUP BY operation
		ORDER BY COUNT(*) DESC, operation`

	rows, err := r.pool.Query(ctx, query, statsArgs(f)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []OperationStat
	for rows.Next() {
		var st OperationStat
		if err := rows.Scan(&st.Operation, &st.Count, &st.Granted); err != nil {
			return nil, err
		}
		st.Denied = st.Count - st.Granted
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// TopUsers returns the most active users in the window.
func (r *Repository) TopUsers(ctx context.Context, f StatsFilters, limit int) ([]UserActivity, error) {
	query := `
		SELECT user_id, COUNT(*)
		FROM access_logs` + statsWhere + `
		GROUP BY user_id
		ORDER BY COUNT(*) DESC
		LIMIT $5`

	args := append(statsArgs(f), limit)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []UserActivity
	for rows.Next() {
		var u UserActivity
		if err := rows.Scan(&u.UserID, &u.Count); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Purge deletes rows strictly older than the cutoff, optionally limited to
// one company. It returns the number of rows removed.
func (r *Repository) Purge(ctx context.Context, before time.Time, companyID *uuid.UUID) (int64, error) {
	const query = `
		DELETE FROM access_logs
		WHERE created_at < $1 AND ($2::uuid IS NULL OR company_id = $2)`

	tag, err := r.pool.Exec(ctx, query, before, uuidParam(companyID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var projectID pgtype.UUID
		var resourceID, reason, ipAddress, userAgent pgtype.Text
		var contextRaw []byte

		if err := rows.Scan(
			&e.ID, &e.UserID, &e.CompanyID, &e.Service, &e.ResourceName, &e.Operation,
			&e.AccessGranted, &projectID, &resourceID, &reason, &ipAddress, &userAgent,
			&contextRaw, &e.CreatedAt,
		); err != nil {
			return nil, err
		}

		e.ProjectID = optionalUUID(projectID)
		if resourceID.Valid {
			e.ResourceID = resourceID.String
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		if ipAddress.Valid {
			e.IPAddress = ipAddress.String
		}
		if userAgent.Valid {
			e.UserAgent = userAgent.String
		}
		if len(contextRaw) > 0 {
			e.Context = contextRaw
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
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

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func contextParam(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
