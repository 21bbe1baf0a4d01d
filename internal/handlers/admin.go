package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/middleware"
	"github.com/yourusername/pricewatch-gateway/internal/models"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

// AdminHandler serves the privileged operations surface
type AdminHandler struct {
	slo      *services.SLOClassifier
	audit    *services.AuditLedger
	breakers *services.BreakerRegistry
	sender   services.Sender
	counters services.CounterSink
	logger   *zap.Logger

	defaultWebhook string
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(slo *services.SLOClassifier, audit *services.AuditLedger, breakers *services.BreakerRegistry, sender services.Sender, counters services.CounterSink, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		slo:      slo,
		audit:    audit,
		breakers: breakers,
		sender:   sender,
		counters: counters,
		logger:   logger.With(logging.Component("admin")),
	}
}

// WithDefaultWebhook sets the target used by webhook test notifications that name none
func (h *AdminHandler) WithDefaultWebhook(url string) *AdminHandler {
	h.defaultWebhook = url
	return h
}

func adminActor(r *http.Request) string {
	return middleware.AdminSecretFromContext(r.Context()).String()
}

func (h *AdminHandler) ListSLO(w http.ResponseWriter, r *http.Request) {
	thresholds, err := h.slo.Thresholds(r.Context())
	if err != nil {
		h.logger.Error("failed to list thresholds", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"thresholds": thresholds,
		"default_ms": h.slo.DefaultMs(),
	})
}

type setSLORequest struct {
	Route       string `json:"route"`
	ThresholdMs int64  `json:"threshold_ms"`
}

func (h *AdminHandler) SetSLO(w http.ResponseWriter, r *http.Request) {
	var req setSLORequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	req.Route = strings.TrimSpace(req.Route)

	previous := int64(0)
	if req.Route != "" && services.ValidRoute(req.Route) {
		previous = h.slo.ThresholdFor(r.Context(), req.Route)
	}
	if err := h.slo.SetThreshold(r.Context(), req.Route, req.ThresholdMs); err != nil {
		respond.Error(w, err)
		return
	}

	h.audit.Record(services.NewAuditEntry("admin", adminActor(r), "set", "slo", req.Route, map[string]any{
		"threshold_ms": req.ThresholdMs,
		"previous_ms":  previous,
	}))
	h.logger.Info("slo threshold updated", logging.Route(req.Route), zap.Int64("threshold_ms", req.ThresholdMs))

	respond.JSON(w, http.StatusOK, map[string]any{"route": req.Route, "threshold_ms": req.ThresholdMs})
}

// SLOWindows reports window stats for one route (?route=) or every route
func (h *AdminHandler) SLOWindows(w http.ResponseWriter, r *http.Request) {
	if route := r.URL.Query().Get("route"); route != "" {
		if !services.ValidRoute(route) {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidRoute)
			return
		}
		stats, err := h.slo.WindowStats(r.Context(), route)
		if err != nil {
			respond.Error(w, err)
			return
		}
		respond.JSON(w, http.StatusOK, map[string]any{"windows": []models.WindowStats{stats}})
		return
	}

	all, err := h.slo.AllWindowStats(r.Context())
	if err != nil {
		h.logger.Error("failed to read slo windows", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"windows": all})
}

// parseBeforeTS accepts an RFC 3339 timestamp (as returned in next_before_ts) or unix microseconds
func parseBeforeTS(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if us, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.UnixMicro(us).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		ActorType:  strings.TrimSpace(q.Get("actor_type")),
		Resource:   strings.TrimSpace(q.Get("resource")),
		Action:     strings.TrimSpace(q.Get("action")),
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
			return
		}
		limit = n
	}
	limit = services.ClampAuditLimit(limit)

	before, err := parseBeforeTS(strings.TrimSpace(q.Get("before_ts")))
	if err != nil {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidTS)
		return
	}

	page, err := h.audit.List(r.Context(), filter, limit, before)
	if err != nil {
		h.logger.Error("failed to list audit entries", zap.Error(err))
		respond.Error(w, err)
		return
	}

	next := map[string]any{}
	if page.NextBeforeTS != nil {
		next["next_before_ts"] = page.NextBeforeTS.Format(time.RFC3339Nano)
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"rows":  page.Rows,
		"page":  next,
		"limit": limit,
	})
}

func (h *AdminHandler) AuditStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
			return
		}
		hours = n
	}

	stats, err := h.audit.Stats(r.Context(), strings.TrimSpace(r.URL.Query().Get("resource")), hours)
	if err != nil {
		h.logger.Error("failed to compute audit stats", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	states, err := h.breakers.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("failed to list breakers", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"breakers": states})
}

type notifyTestRequest struct {
	Channel string `json:"channel" validate:"required,oneof=email webhook"`
	Target  string `json:"target" validate:"max=2048"`
	Subject string `json:"subject" validate:"max=256"`
	Body    string `json:"body" validate:"max=4096"`
}

// NotifyTest sends one message through the breaker-guarded outbound path
func (h *AdminHandler) NotifyTest(w http.ResponseWriter, r *http.Request) {
	var req notifyTestRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Target == "" && req.Channel == services.ChannelWebhook {
		req.Target = h.defaultWebhook
	}
	if req.Target == "" {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
		return
	}
	if req.Body == "" {
		req.Body = "pricewatch test notification"
	}

	msg := services.Message{Channel: req.Channel, Target: req.Target, Subject: req.Subject, Body: req.Body}
	notifier := services.NewNotifier(h.sender, middleware.Outbound(r.Context()), h.counters)
	breaker := services.BreakerName(msg)

	err := notifier.Notify(r.Context(), msg)
	outcome := "sent"
	var open *services.CircuitOpenError
	switch {
	case err == nil:
	case errors.As(err, &open):
		outcome = "circuit_open"
	default:
		outcome = "failed"
	}

	h.audit.Record(services.NewAuditEntry("admin", adminActor(r), "notify_test", "notification", breaker, map[string]any{
		"channel": req.Channel,
		"outcome": outcome,
	}))

	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, map[string]any{"breaker": breaker, "outcome": outcome})
	case open != nil:
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(open.RetryAt).Seconds())+1))
		respond.Error(w, apperr.Wrap(apperr.CircuitOpen, apperr.CodeCircuitOpen, err))
	default:
		h.logger.Warn("test notification failed", logging.Breaker(breaker), zap.Error(err))
		respond.Error(w, apperr.Wrap(apperr.Upstream, apperr.CodeProviderError, err))
	}
}
