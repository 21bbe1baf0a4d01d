package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/database"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/secrets"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

const PortfolioSecretHeader = "X-Portfolio-Secret"

// PortfolioStore persists portfolios and their credentials
type PortfolioStore interface {
	CreatePortfolio(ctx context.Context, p *models.Portfolio) error
	GetPortfolio(ctx context.Context, id uuid.UUID) (*models.Portfolio, error)
	UpgradePortfolioSecret(ctx context.Context, id uuid.UUID, hash string) error
}

type PortfolioHandler struct {
	store    PortfolioStore
	audit    *services.AuditLedger
	counters services.CounterSink
	logger   *zap.Logger
}

// NewPortfolioHandler creates a new portfolio handler
func NewPortfolioHandler(store PortfolioStore, audit *services.AuditLedger, counters services.CounterSink, logger *zap.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		store:    store,
		audit:    audit,
		counters: counters,
		logger:   logger.With(logging.Component("portfolios")),
	}
}

// Create issues a new portfolio; the secret is returned once and stored hashed
func (h *PortfolioHandler) Create(w http.ResponseWriter, r *http.Request) {
	secret, err := secrets.Generate()
	if err != nil {
		respond.Error(w, err)
		return
	}
	hashed, err := secrets.Hash(secret)
	if err != nil {
		respond.Error(w, err)
		return
	}

	p := &models.Portfolio{SecretHash: hashed.Hash}
	if err := h.store.CreatePortfolio(r.Context(), p); err != nil {
		h.logger.Error("failed to create portfolio", zap.Error(err))
		respond.Error(w, err)
		return
	}

	h.audit.Record(services.NewAuditEntry("public", "", "create", "portfolio", p.ID.String(), nil))
	respond.JSON(w, http.StatusOK, map[string]any{"id": p.ID, "secret": secret})
}

// Get returns a portfolio to a caller presenting its secret.
// Legacy plaintext credentials are upgraded to a hash on first use.
func (h *PortfolioHandler) Get(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get(PortfolioSecretHeader)
	if provided == "" {
		respond.Fail(w, http.StatusForbidden, apperr.CodeAuthRequired)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respond.Fail(w, http.StatusNotFound, apperr.CodeNotFound)
		return
	}

	p, err := h.store.GetPortfolio(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respond.Fail(w, http.StatusNotFound, apperr.CodeNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load portfolio", zap.Error(err))
		respond.Error(w, err)
		return
	}

	cred, err := secrets.CredentialFrom(p.SecretHash, p.LegacySecret)
	if err != nil {
		respond.Fail(w, http.StatusForbidden, apperr.CodeForbidden)
		return
	}
	ok, variant := secrets.Verify(cred, provided)
	if !ok {
		respond.Fail(w, http.StatusForbidden, apperr.CodeForbidden)
		return
	}

	if variant == secrets.VariantLegacy {
		h.counters.Increment(r.Context(), "portfolio.auth_legacy", "", 1)
		h.upgrade(r.Context(), p.ID, provided)
	}

	respond.JSON(w, http.StatusOK, map[string]any{
		"portfolio":  p,
		"credential": variant,
	})
}

func (h *PortfolioHandler) upgrade(ctx context.Context, id uuid.UUID, secret string) {
	hashed, err := secrets.Hash(secret)
	if err == nil {
		err = h.store.UpgradePortfolioSecret(ctx, id, hashed.Hash)
	}
	if err != nil {
		h.logger.Warn("legacy secret upgrade failed", zap.String("portfolio_id", id.String()), zap.Error(err))
		return
	}
	h.audit.Record(services.NewAuditEntry("system", "", "upgrade_secret", "portfolio", id.String(), nil))
}
