package database

import (
	"context"
	"fmt"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// IncrementCounter adds by to the (day, name, tag) counter in one upsert
func (db *DB) IncrementCounter(ctx context.Context, day, name, tag string, by int64) error {
	_, err := db.exec(ctx, `
		INSERT INTO metrics_daily (d, metric, tag, count) VALUES (?, ?, ?, ?)
		ON CONFLICT (d, metric, tag) DO UPDATE SET count = metrics_daily.count + excluded.count`,
		day, name, tag, by,
	)
	if err != nil {
		return fmt.Errorf("couldn't increment %s: %w", name, err)
	}
	return nil
}

// Counters returns all counter rows with from <= day <= to
func (db *DB) Counters(ctx context.Context, from, to string) ([]models.CounterRow, error) {
	rows, err := db.query(ctx, `
		SELECT d, metric, tag, count FROM metrics_daily
		WHERE d >= ? AND d <= ?
		ORDER BY d, metric, tag`, from, to)
	if err != nil {
		return nil, fmt.Errorf("couldn't read counters: %w", err)
	}
	defer rows.Close()

	var out []models.CounterRow
	for rows.Next() {
		var c models.CounterRow
		if err := rows.Scan(&c.Day, &c.Name, &c.Tag, &c.Value); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
