package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// Threshold returns the configured threshold for route, or ok=false when unset
func (db *DB) Threshold(ctx context.Context, route string) (int64, bool, error) {
	var ms int64
	err := db.queryRow(ctx, `SELECT threshold_ms FROM slo_config WHERE route = ?`, route).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("couldn't read threshold for %s: %w", route, err)
	}
	return ms, true, nil
}

// SetThreshold overwrites the threshold for route
func (db *DB) SetThreshold(ctx context.Context, route string, ms int64) error {
	_, err := db.exec(ctx, `
		INSERT INTO slo_config (route, threshold_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (route) DO UPDATE SET threshold_ms = excluded.threshold_ms, updated_at = excluded.updated_at`,
		route, ms, db.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("couldn't set threshold for %s: %w", route, err)
	}
	return nil
}

// Thresholds lists every configured route threshold
func (db *DB) Thresholds(ctx context.Context) ([]models.SLOThreshold, error) {
	rows, err := db.query(ctx, `SELECT route, threshold_ms, updated_at FROM slo_config ORDER BY route`)
	if err != nil {
		return nil, fmt.Errorf("couldn't list thresholds: %w", err)
	}
	defer rows.Close()

	out := []models.SLOThreshold{}
	for rows.Next() {
		var (
			t       models.SLOThreshold
			updated int64
		)
		if err := rows.Scan(&t.Route, &t.ThresholdMs, &updated); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		t.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
