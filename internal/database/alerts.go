package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

func (db *DB) CreateAlert(ctx context.Context, a *models.AlertWatch) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = db.now().UTC()
	}
	a.Active = true

	_, err := db.exec(ctx, `
		INSERT INTO alerts_watch (id, email, card_id, kind, threshold, active, manage_token, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		a.ID.String(), a.Email, a.CardID, a.Kind, a.Threshold, a.ManageToken, a.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("couldn't create alert: %w", err)
	}
	return nil
}

func (db *DB) GetAlert(ctx context.Context, id uuid.UUID) (*models.AlertWatch, error) {
	row := db.queryRow(ctx, `
		SELECT id, email, card_id, kind, threshold, active, manage_token, created_at
		FROM alerts_watch WHERE id = ?`, id.String())

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// SearchAlerts returns one page of active alerts for a card, newest first.
// The page cursor is set only when older rows remain.
func (db *DB) SearchAlerts(ctx context.Context, cardID string, limit int, before *models.AlertCursor) (*models.AlertPage, error) {
	query := `
		SELECT id, email, card_id, kind, threshold, active, manage_token, created_at
		FROM alerts_watch WHERE card_id = ? AND active = 1`
	args := []any{cardID}
	switch {
	case before == nil:
	case before.ID == nil:
		query += ` AND created_at < ?`
		args = append(args, before.CreatedAt.UnixMicro())
	default:
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		us := before.CreatedAt.UnixMicro()
		args = append(args, us, us, before.ID.String())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("couldn't search alerts: %w", err)
	}
	defer rows.Close()

	page := &models.AlertPage{Rows: []models.AlertWatch{}}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		last := page.Rows[limit-1]
		ts, id := last.CreatedAt, last.ID
		page.NextBeforeCreatedAt = &ts
		page.NextBeforeID = &id
	}
	return page, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*models.AlertWatch, error) {
	var (
		a       models.AlertWatch
		id      string
		active  int
		created int64
	)
	if err := s.Scan(&id, &a.Email, &a.CardID, &a.Kind, &a.Threshold, &active, &a.ManageToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan error: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad alert id %q: %w", id, err)
	}
	a.ID = parsed
	a.Active = active == 1
	a.CreatedAt = time.UnixMicro(created).UTC()
	return &a, nil
}
