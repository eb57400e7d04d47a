package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit state for one provider
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds circuit breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures within the
	// window that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive probe successes
	// that close a half-open circuit
	SuccessThreshold int
	// ResetTimeout is how long an open circuit rejects calls before
	// admitting a probe
	ResetTimeout time.Duration
	// Window bounds how long a failure streak stays relevant
	Window time.Duration
}

// DefaultConfig returns the default breaker thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		Window:           time.Minute,
	}
}

// Snapshot is a point-in-time view of a breaker for introspection
type Snapshot struct {
	Provider string    `json:"provider"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Breaker gates calls to a single provider. Failures on one provider
// never affect another; each Breaker owns its state independently.
//
// All transitions happen under the breaker's lock as small
// compare-and-set steps. The half-open probe slot is owned by a token:
// Success, Failure and Done release the slot only while their token
// still holds it, so a deferred Done after the outcome was recorded
// can never free a slot that a later probe has since acquired.
type Breaker struct {
	provider string
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probeOwner   uint64
	probeSeq     uint64
	probeSuccess int
}

// New creates a breaker for one provider, starting closed
func New(provider string, cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
	}
	return b
}

// Allow reports whether a call may proceed now. When it returns
// retryAfter > 0 the circuit is open and the caller must not attempt
// the call. A non-zero probe token means the caller holds the single
// half-open probe slot and must report the outcome via Success or
// Failure, with Done deferred as the safety net.
func (b *Breaker) Allow() (allowed bool, probe uint64, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return true, 0, 0

	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return false, 0, b.cfg.ResetTimeout - elapsed
		}
		// Cooldown elapsed: admit exactly one probe
		b.state = StateHalfOpen
		b.probeSuccess = 0
		b.logger.Info("circuit half-open, admitting probe",
			zap.String("provider", b.provider))
		return true, b.acquireProbe(), 0

	case StateHalfOpen:
		if b.probeOwner != 0 {
			// Concurrent callers during the probe window are rejected
			// without consuming the probe slot
			return false, 0, b.cfg.ResetTimeout
		}
		return true, b.acquireProbe(), 0
	}

	return false, 0, b.cfg.ResetTimeout
}

// acquireProbe hands out the probe slot under b.mu. Tokens are never
// reused, so a stale release cannot match a newer owner.
func (b *Breaker) acquireProbe() uint64 {
	b.probeSeq++
	b.probeOwner = b.probeSeq
	return b.probeOwner
}

// releaseProbe frees the slot only for its current owner, reporting
// whether the caller's outcome is the one that counts.
func (b *Breaker) releaseProbe(token uint64) bool {
	if token == 0 || b.probeOwner != token {
		return false
	}
	b.probeOwner = 0
	return true
}

// Success records a successful call. For probes it counts toward
// closing the circuit and releases the probe slot.
func (b *Breaker) Success(probe uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe != 0 {
		if !b.releaseProbe(probe) {
			return
		}
		b.probeSuccess++
		if b.probeSuccess >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.probeSuccess = 0
			b.logger.Info("circuit closed",
				zap.String("provider", b.provider))
		}
		return
	}

	// A success in the closed state resets the failure streak
	b.failures = 0
}

// Failure records a failed call. In the closed state it advances the
// failure streak and may open the circuit; a probe failure reopens it
// immediately and resets the cooldown.
func (b *Breaker) Failure(probe uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if probe != 0 {
		if !b.releaseProbe(probe) {
			return
		}
		b.probeSuccess = 0
		b.state = StateOpen
		b.openedAt = now
		b.logger.Warn("probe failed, circuit reopened",
			zap.String("provider", b.provider))
		return
	}

	if b.state != StateClosed {
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	if b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.logger.Warn("circuit opened",
			zap.String("provider", b.provider),
			zap.Int("failures", b.failures))
	}
}

// Done releases a held probe slot without recording an outcome. It is
// the deferred safety net: a probe that panics or is abandoned must not
// wedge the breaker in half-open. After Success or Failure already
// released the token, Done is a no-op and cannot free a slot a newer
// probe holds.
func (b *Breaker) Done(probe uint64) {
	if probe == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseProbe(probe)
}

// Snapshot returns the current state for health introspection
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Provider: b.provider,
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}
