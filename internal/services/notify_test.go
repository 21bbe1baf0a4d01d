package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSender) Send(ctx context.Context, _ Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestBreakerName(t *testing.T) {
	assert.Equal(t, "email", BreakerName(Message{Channel: ChannelEmail, Target: "a@example.com"}))
	assert.Equal(t, "webhook:hooks.example.com", BreakerName(Message{Channel: ChannelWebhook, Target: "https://hooks.example.com/x"}))
	assert.Equal(t, "webhook:not a url", BreakerName(Message{Channel: ChannelWebhook, Target: "not a url"}))
}

func TestNotifyEmailCounts(t *testing.T) {
	ctx := context.Background()
	sink := newRecordingSink()
	n := NewNotifier(NewSimulatedSender(nop), newTestBreakers(newFakeClock(), sink), sink)

	require.NoError(t, n.Notify(ctx, Message{Channel: ChannelEmail, Target: "a@example.com", Body: "hi"}))
	require.ErrorIs(t, n.Notify(ctx, Message{Channel: ChannelEmail, Target: "fail:a@example.com"}), ErrSimulatedFailure)

	assert.EqualValues(t, 1, sink.get("email.sent"))
	assert.EqualValues(t, 1, sink.get("email.send_error"))
}

func TestNotifyWebhookRetry(t *testing.T) {
	ctx := context.Background()
	sink := newRecordingSink()
	sender := &scriptedSender{errs: []error{errProvider}}
	n := NewNotifier(sender, newTestBreakers(newFakeClock(), sink), sink)

	require.NoError(t, n.Notify(ctx, Message{Channel: ChannelWebhook, Target: "https://hooks.example.com"}))
	assert.Equal(t, 2, sender.calls)
	assert.EqualValues(t, 1, sink.get("webhook.retry_success"))

	sender.errs = []error{errProvider, errProvider}
	require.ErrorIs(t, n.Notify(ctx, Message{Channel: ChannelWebhook, Target: "https://hooks.example.com"}), errProvider)
	assert.EqualValues(t, 1, sink.get("webhook.error"))
}

func TestNotifyFastFailsOpenBreaker(t *testing.T) {
	ctx := context.Background()
	sink := newRecordingSink()
	sender := &scriptedSender{errs: []error{errProvider, errProvider, errProvider}}
	n := NewNotifier(sender, newTestBreakers(newFakeClock(), sink), sink)

	for i := 0; i < 3; i++ {
		_ = n.Notify(ctx, Message{Channel: ChannelEmail, Target: "a@example.com"})
	}
	err := n.Notify(ctx, Message{Channel: ChannelEmail, Target: "a@example.com"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, sender.calls)
	assert.EqualValues(t, 3, sink.get("email.send_error"), "fast fails are not provider errors")
}

func TestNotifyRejectsUnknownChannel(t *testing.T) {
	sender := &scriptedSender{}
	n := NewNotifier(sender, newTestBreakers(newFakeClock(), newRecordingSink()), newRecordingSink())

	assert.Error(t, n.Notify(context.Background(), Message{Channel: "sms", Target: "+1"}))
	assert.Zero(t, sender.calls)
}

func TestHTTPSender(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Target == "reject" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, 100, time.Second)
	require.NoError(t, s.Send(context.Background(), Message{Channel: ChannelEmail, Target: "a@example.com", Body: "hi"}))
	assert.Equal(t, "a@example.com", got.Target)

	require.NoError(t, s.Send(context.Background(), Message{Channel: ChannelWebhook, Target: srv.URL, Body: "hook"}))

	err := s.Send(context.Background(), Message{Channel: ChannelEmail, Target: "reject"})
	assert.Error(t, err)

	err = s.Send(context.Background(), Message{Channel: ChannelWebhook, Target: "::"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))
}

func TestHTTPSenderTimeoutCoversPacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// one token, refilled every ~17 minutes
	s := NewHTTPSender(srv.URL, 0.001, 50*time.Millisecond)
	require.NoError(t, s.Send(context.Background(), Message{Channel: ChannelEmail, Target: "a@example.com"}))

	start := time.Now()
	err := s.Send(context.Background(), Message{Channel: ChannelEmail, Target: "a@example.com"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
