package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

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

// AlertStore persists alert watches
type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.AlertWatch) error
	GetAlert(ctx context.Context, id uuid.UUID) (*models.AlertWatch, error)
	SearchAlerts(ctx context.Context, cardID string, limit int, before *models.AlertCursor) (*models.AlertPage, error)
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type AlertHandler struct {
	store  AlertStore
	audit  *services.AuditLedger
	logger *zap.Logger
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(store AlertStore, audit *services.AuditLedger, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{store: store, audit: audit, logger: logger.With(logging.Component("alerts"))}
}

type createAlertRequest struct {
	Email     string  `json:"email" validate:"required,email,max=254"`
	CardID    string  `json:"card_id" validate:"required,max=128"`
	Kind      string  `json:"kind" validate:"required,oneof=price_below price_above"`
	Threshold float64 `json:"threshold" validate:"gt=0"`
}

// alertView is the public projection of an alert; it never includes the email or manage token
type alertView struct {
	ID        uuid.UUID `json:"id"`
	CardID    string    `json:"card_id"`
	Kind      string    `json:"kind"`
	Threshold float64   `json:"threshold"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(a *models.AlertWatch) alertView {
	return alertView{ID: a.ID, CardID: a.CardID, Kind: a.Kind, Threshold: a.Threshold, Active: a.Active, CreatedAt: a.CreatedAt}
}

func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}

	token, err := secrets.Generate()
	if err != nil {
		respond.Error(w, err)
		return
	}
	alert := &models.AlertWatch{
		Email:       strings.ToLower(strings.TrimSpace(req.Email)),
		CardID:      strings.TrimSpace(req.CardID),
		Kind:        req.Kind,
		Threshold:   req.Threshold,
		ManageToken: token,
	}
	if err := h.store.CreateAlert(r.Context(), alert); err != nil {
		h.logger.Error("failed to create alert", zap.Error(err))
		respond.Error(w, err)
		return
	}

	h.audit.Record(services.NewAuditEntry("public", "", "create", "alert", alert.ID.String(), map[string]any{
		"email":     alert.Email,
		"card_id":   alert.CardID,
		"kind":      alert.Kind,
		"threshold": alert.Threshold,
	}))

	respond.JSON(w, http.StatusOK, map[string]any{
		"id":           alert.ID,
		"manage_token": alert.ManageToken,
	})
}

func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respond.Fail(w, http.StatusNotFound, apperr.CodeNotFound)
		return
	}

	alert, err := h.store.GetAlert(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respond.Fail(w, http.StatusNotFound, apperr.CodeNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load alert", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"alert": viewOf(alert)})
}

// Search lists active alert watches for a card
func (h *AlertHandler) Search(w http.ResponseWriter, r *http.Request) {
	cardID := strings.TrimSpace(r.URL.Query().Get("card_id"))
	if cardID == "" {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
		return
	}

	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
			return
		}
		limit = min(n, maxSearchLimit)
	}

	var cursor *models.AlertCursor
	if v := strings.TrimSpace(r.URL.Query().Get("before_created_at")); v != "" {
		ts, err := parseBeforeTS(v)
		if err != nil {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidTS)
			return
		}
		cursor = &models.AlertCursor{CreatedAt: *ts}
		if v := r.URL.Query().Get("before_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
				return
			}
			cursor.ID = &id
		}
	}

	page, err := h.store.SearchAlerts(r.Context(), cardID, limit, cursor)
	if err != nil {
		h.logger.Error("alert search failed", zap.Error(err))
		respond.Error(w, err)
		return
	}

	rows := make([]alertView, 0, len(page.Rows))
	for i := range page.Rows {
		rows = append(rows, viewOf(&page.Rows[i]))
	}
	next := map[string]any{}
	if page.NextBeforeCreatedAt != nil {
		next["next_before_created_at"] = page.NextBeforeCreatedAt.Format(time.RFC3339Nano)
		next["next_before_id"] = page.NextBeforeID
	}
	respond.JSON(w, http.StatusOK, map[string]any{"card_id": cardID, "rows": rows, "page": next})
}
