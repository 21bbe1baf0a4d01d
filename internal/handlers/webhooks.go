package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/secrets"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

const (
	SignatureHeader   = "X-Signature"
	SignatureTSHeader = "X-Signature-Ts"
)

// WebhookHandler receives signed email provider events
type WebhookHandler struct {
	secrets  secrets.Set
	maxSkew  time.Duration
	counters services.CounterSink
	now      func() time.Time
	logger   *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(set secrets.Set, maxSkew time.Duration, counters services.CounterSink, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		secrets:  set,
		maxSkew:  maxSkew,
		counters: counters,
		now:      time.Now,
		logger:   logger.With(logging.Component("webhooks")),
	}
}

type emailEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Provider  string `json:"provider"`
}

// SignedPayload is the byte string an email event signature covers
func SignedPayload(ts string, body []byte) []byte {
	return append([]byte(ts+"."), body...)
}

// EmailEvent verifies the HMAC over "<ts>.<body>" and counts the delivery outcome
func (h *WebhookHandler) EmailEvent(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(SignatureHeader)
	ts := strings.TrimSpace(r.Header.Get(SignatureTSHeader))
	if sig == "" || ts == "" || !h.secrets.Configured() {
		respond.Fail(w, http.StatusUnauthorized, apperr.CodeMissingSignature)
		return
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidTS)
		return
	}
	if skew := h.now().Sub(time.Unix(sec, 0)); skew > h.maxSkew || skew < -h.maxSkew {
		h.counters.Increment(r.Context(), "webhook.inbound.stale", "", 1)
		respond.Fail(w, http.StatusUnauthorized, apperr.CodeStale)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidBody)
		return
	}

	which := h.secrets.VerifyHMAC(SignedPayload(ts, body), sig)
	if which == secrets.NoMatch {
		h.logger.Warn("email webhook signature mismatch", logging.RemoteIP(r.RemoteAddr))
		h.counters.Increment(r.Context(), "webhook.inbound.bad_signature", "", 1)
		respond.Fail(w, http.StatusUnauthorized, apperr.CodeBadSignature)
		return
	}
	if which == secrets.Next {
		h.counters.Increment(r.Context(), "webhook.auth.next", "", 1)
	}

	var ev emailEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidBody)
		return
	}

	kind := normalizeEmailEvent(ev.Type)
	switch kind {
	case "delivered":
		h.counters.Increment(r.Context(), "email.delivered", "", 1)
	case "complaint":
		h.counters.Increment(r.Context(), "email.complaint", "", 1)
	default:
		h.counters.Increment(r.Context(), "email.bounced", "", 1)
	}
	h.counters.Increment(r.Context(), "email.event", kind, 1)

	respond.JSON(w, http.StatusOK, map[string]any{"type": kind})
}

func normalizeEmailEvent(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case t == "delivered" || t == "delivery":
		return "delivered"
	case strings.Contains(t, "complaint") || strings.Contains(t, "abuse"):
		return "complaint"
	default:
		return "bounce"
	}
}
