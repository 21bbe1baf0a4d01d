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

func (db *DB) CreatePortfolio(ctx context.Context, p *models.Portfolio) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = db.now().UTC()
	}

	_, err := db.exec(ctx, `
		INSERT INTO portfolios (id, secret, secret_hash, created_at) VALUES (?, ?, ?, ?)`,
		p.ID.String(), p.LegacySecret, p.SecretHash, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("couldn't create portfolio: %w", err)
	}
	return nil
}

func (db *DB) GetPortfolio(ctx context.Context, id uuid.UUID) (*models.Portfolio, error) {
	var (
		p       models.Portfolio
		created int64
	)
	err := db.queryRow(ctx, `SELECT secret, secret_hash, created_at FROM portfolios WHERE id = ?`, id.String()).
		Scan(&p.LegacySecret, &p.SecretHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load portfolio: %w", err)
	}
	p.ID = id
	p.CreatedAt = time.Unix(created, 0).UTC()
	return &p, nil
}

// UpgradePortfolioSecret replaces a legacy plaintext secret with its hash
func (db *DB) UpgradePortfolioSecret(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := db.exec(ctx, `UPDATE portfolios SET secret_hash = ?, secret = '' WHERE id = ? AND secret_hash = ''`,
		hash, id.String())
	if err != nil {
		return fmt.Errorf("couldn't upgrade portfolio secret: %w", err)
	}
	return nil
}
