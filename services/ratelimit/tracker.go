package ratelimit

import (
	"sync"
	"time"

	"github.com/govplane/govplane/models"
	"go.uber.org/zap"
)

// event is a single recorded request
type event struct {
	at     time.Time
	tokens int64
}

// Tracker is an in-process sliding-window counter of requests and token
// usage per identity. It backs rate_limit and usage policy rules; the
// policy engine only reads from it, the pipeline records into it after
// each governed request.
type Tracker struct {
	mu        sync.Mutex
	events    map[string][]event
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker creates a tracker that retains events for the given window.
// Retention bounds the largest window rules may ask about (24h covers
// the per-day rules).
func NewTracker(retention time.Duration, logger *zap.Logger) *Tracker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Tracker{
		events:    make(map[string][]event),
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Record registers one request with its token usage for the identity
func (t *Tracker) Record(identity models.Identity, tokens int64) {
	key := identity.UserID.String()
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events[key] = append(t.prune(t.events[key], now), event{at: now, tokens: tokens})
}

// WindowCounts returns the number of requests and tokens recorded for
// the identity within the given window
func (t *Tracker) WindowCounts(identity models.Identity, window time.Duration) (requests, tokens int64) {
	key := identity.UserID.String()
	now := t.now()
	cutoff := now.Add(-window)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events[key] = t.prune(t.events[key], now)
	for _, ev := range t.events[key] {
		if ev.at.After(cutoff) {
			requests++
			tokens += ev.tokens
		}
	}
	return requests, tokens
}

// prune drops events older than the retention horizon. Caller holds the lock.
func (t *Tracker) prune(evs []event, now time.Time) []event {
	horizon := now.Add(-t.retention)
	i := 0
	for ; i < len(evs); i++ {
		if evs[i].at.After(horizon) {
			break
		}
	}
	return evs[i:]
}

// StartCleanupWorker periodically drops identities with no recent
// activity so the event map does not grow without bound
func (t *Tracker) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.cleanup()
			case <-stopCh:
				return
			}
		}
	}()
}

func (t *Tracker) cleanup() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, evs := range t.events {
		evs = t.prune(evs, now)
		if len(evs) == 0 {
			delete(t.events, key)
			removed++
			continue
		}
		t.events[key] = evs
	}

	if removed > 0 {
		t.logger.Debug("rate limit tracker cleanup", zap.Int("identities_removed", removed))
	}
}
