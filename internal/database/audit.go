package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// AppendAudit inserts one immutable ledger entry
func (db *DB) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		details = sql.NullString{String: string(e.Details), Valid: true}
	}

	_, err := db.exec(ctx, `
		INSERT INTO mutation_audit (id, ts_us, actor_type, actor_id, action, resource, resource_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		e.TS.UnixMicro(),
		e.ActorType,
		nullString(e.ActorID),
		e.Action,
		e.Resource,
		nullString(e.ResourceID),
		details,
	)
	if err != nil {
		return fmt.Errorf("couldn't append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns up to limit entries strictly older than before (when set),
// newest first. The page cursor is set only when older rows remain.
func (db *DB) ListAudit(ctx context.Context, f models.AuditFilter, limit int, before *time.Time) (*models.AuditPage, error) {
	var (
		where []string
		args  []any
	)
	if f.ActorType != "" {
		where = append(where, "actor_type = ?")
		args = append(args, f.ActorType)
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if before != nil {
		where = append(where, "ts_us < ?")
		args = append(args, before.UnixMicro())
	}

	query := `SELECT id, ts_us, actor_type, actor_id, action, resource, resource_id, details FROM mutation_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_us DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("couldn't list audit entries: %w", err)
	}
	defer rows.Close()

	page := &models.AuditPage{Rows: []models.AuditEntry{}}
	for rows.Next() {
		var (
			e          models.AuditEntry
			id         string
			tsUS       int64
			actorID    sql.NullString
			resourceID sql.NullString
			details    sql.NullString
		)
		if err := rows.Scan(&id, &tsUS, &e.ActorType, &actorID, &e.Action, &e.Resource, &resourceID, &details); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("bad audit id %q: %w", id, err)
		}
		e.TS = time.UnixMicro(tsUS).UTC()
		e.ActorID = stringPtr(actorID)
		e.ResourceID = stringPtr(resourceID)
		if details.Valid {
			e.Details = []byte(details.String)
		}
		page.Rows = append(page.Rows, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		next := page.Rows[limit-1].TS
		page.NextBeforeTS = &next
	}
	return page, nil
}

// AuditStats counts entries since the given time grouped by action and resource
func (db *DB) AuditStats(ctx context.Context, resource string, since time.Time) ([]models.AuditCount, error) {
	query := `SELECT action, resource, COUNT(*) FROM mutation_audit WHERE ts_us >= ?`
	args := []any{since.UnixMicro()}
	if resource != "" {
		query += " AND resource = ?"
		args = append(args, resource)
	}
	query += " GROUP BY action, resource ORDER BY COUNT(*) DESC, action, resource"

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("couldn't compute audit stats: %w", err)
	}
	defer rows.Close()

	counts := []models.AuditCount{}
	for rows.Next() {
		var c models.AuditCount
		if err := rows.Scan(&c.Action, &c.Resource, &c.Count); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
