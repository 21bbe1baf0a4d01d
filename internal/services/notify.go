package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/pricewatch-gateway/internal/logging"
)

// Notification channels
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Message is one outbound notification
type Message struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Sender delivers a message through a provider transport
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrSimulatedFailure is returned by SimulatedSender for targets prefixed "fail:"
var ErrSimulatedFailure = errors.New("simulated provider failure")

// SimulatedSender logs messages instead of delivering them
type SimulatedSender struct {
	logger *zap.Logger
}

// NewSimulatedSender creates a sender that only logs
func NewSimulatedSender(logger *zap.Logger) *SimulatedSender {
	return &SimulatedSender{logger: logger.With(logging.Component("notify"))}
}

func (s *SimulatedSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(msg.Target, "fail:") {
		return ErrSimulatedFailure
	}
	s.logger.Info("simulated notification", zap.String("channel", msg.Channel), zap.String("subject", msg.Subject))
	return nil
}

// HTTPSender posts messages as JSON to provider endpoints, paced by a token bucket
type HTTPSender struct {
	emailURL string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
}

// NewHTTPSender creates a sender whose every Send, pacing included, is bounded by timeout
func NewHTTPSender(emailURL string, perSecond float64, timeout time.Duration) *HTTPSender {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPSender{
		emailURL: emailURL,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		timeout:  timeout,
	}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	target := msg.Target
	if msg.Channel == ChannelEmail {
		target = s.emailURL
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return fmt.Errorf("invalid provider url: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace outbound request: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return nil
}

// Notifier sends messages through a breaker per provider and counts outcomes
type Notifier struct {
	sender   Sender
	guard    Guard
	counters CounterSink
}

// NewNotifier creates a notifier that sends through guard
func NewNotifier(sender Sender, guard Guard, counters CounterSink) *Notifier {
	return &Notifier{sender: sender, guard: guard, counters: counters}
}

// BreakerName keys the breaker for msg: one per email provider, one per webhook host
func BreakerName(msg Message) string {
	if msg.Channel == ChannelWebhook {
		if u, err := url.Parse(msg.Target); err == nil && u.Host != "" {
			return "webhook:" + u.Host
		}
		return "webhook:" + msg.Target
	}
	return "email"
}

// Notify delivers msg. Webhooks get one retry while their breaker stays closed.
// A *CircuitOpenError is returned unchanged so callers can requeue.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if msg.Channel != ChannelEmail && msg.Channel != ChannelWebhook {
		return fmt.Errorf("unknown channel %q", msg.Channel)
	}
	name := BreakerName(msg)
	send := func(ctx context.Context) error { return n.sender.Send(ctx, msg) }

	err := n.guard.Execute(ctx, name, send)
	switch msg.Channel {
	case ChannelEmail:
		switch {
		case err == nil:
			n.counters.Increment(ctx, "email.sent", "", 1)
		case errors.Is(err, ErrCircuitOpen):
		default:
			n.counters.Increment(ctx, "email.send_error", "", 1)
		}
		return err

	default:
		if err == nil {
			n.counters.Increment(ctx, "webhook.sent", "", 1)
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return err
		}
		if retryErr := n.guard.Execute(ctx, name, send); retryErr != nil {
			if !errors.Is(retryErr, ErrCircuitOpen) {
				n.counters.Increment(ctx, "webhook.error", "", 1)
			}
			return retryErr
		}
		n.counters.Increment(ctx, "webhook.retry_success", "", 1)
	}
	return nil
}
