package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: map[string]int64{}}
}

func (s *recordingSink) Increment(_ context.Context, name, tag string, by int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := name
	if tag != "" {
		key += "." + tag
	}
	s.counts[key] += by
}

func (s *recordingSink) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

var nop = zap.NewNop()
