// Package reconnect implements the client-side reconnection policy: attempt
// counting, exponential backoff, countdown notification, and deterministic
// cancellation. The engine is an explicitly constructed object owned by the
// client composition root; there is no package-level singleton.
package reconnect

import (
	"sync"
	"time"
)

// Default policy. All overridable through Config; deployment policy, not
// protocol constants.
const (
	DefaultMaxAttempts    = 10
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 16 * time.Second

	countdownInterval = 1 * time.Second
)

// Config holds the reconnection policy knobs.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default reconnection policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// CountdownFunc receives the remaining milliseconds until the next scheduled
// reconnect attempt. At most one subscriber is registered at a time.
type CountdownFunc func(remainingMs int64)

// Engine tracks consecutive connection failures and schedules retries with
// exponential backoff. All methods are safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	attempts    int
	cancelled   bool
	countdownCb CountdownFunc

	timer         *time.Timer
	fireAt        time.Time
	stopCountdown chan struct{}

	nowFn func() time.Time // injectable clock for testing
}

// NewEngine creates an Engine with the given policy. Zero-valued config
// fields fall back to the defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Engine{cfg: cfg, nowFn: time.Now}
}

// Increment records one failed connection attempt. Saturates at MaxAttempts;
// callers must guarantee at most one call per distinct failure episode.
func (e *Engine) Increment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempts < e.cfg.MaxAttempts {
		e.attempts++
	}
}

// Attempts returns the consecutive failure count since the last reset.
func (e *Engine) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// IsMaxAttemptsReached reports whether further retries are exhausted.
func (e *Engine) IsMaxAttemptsReached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts >= e.cfg.MaxAttempts
}

// Cancelled reports whether the user interrupted the auto-reconnect countdown.
func (e *Engine) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// BackoffDelay computes the delay before the given attempt number.
// Attempt 0 retries immediately; after that the delay doubles per attempt,
// clamped to MaxBackoff.
func (e *Engine) BackoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := e.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	return d
}

// SuccessfulConnectionReset clears the failure count and the cancelled flag.
// Call once the session reaches a confirmed-interactive state (prompt
// detected), not merely on socket open.
func (e *Engine) SuccessfulConnectionReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts = 0
	e.cancelled = false
}

// SetCountdownCallback replaces the countdown subscriber. Pass nil to
// unsubscribe.
func (e *Engine) SetCountdownCallback(fn CountdownFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countdownCb = fn
}

// ScheduleReconnect arms a one-shot timer for the current backoff delay and
// invokes fn when it fires. Returns false without arming anything when max
// attempts are reached or a reconnect is already pending. The countdown
// subscriber is ticked once per second with the remaining milliseconds until
// the timer fires or is cancelled.
func (e *Engine) ScheduleReconnect(fn func()) bool {
	e.mu.Lock()
	if e.attempts >= e.cfg.MaxAttempts || e.timer != nil {
		e.mu.Unlock()
		return false
	}

	delay := e.BackoffDelay(e.attempts)
	e.cancelled = false
	e.fireAt = e.nowFn().Add(delay)
	stop := make(chan struct{})
	e.stopCountdown = stop

	e.timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.timer = nil
		e.closeCountdownLocked()
		e.mu.Unlock()
		fn()
	})
	cb := e.countdownCb
	fireAt := e.fireAt
	e.mu.Unlock()

	if cb != nil {
		go e.runCountdown(cb, fireAt, stop)
	}
	return true
}

// CancelReconnect stops a pending scheduled reconnect before it fires and
// marks the engine cancelled. A timer that already fired is unaffected.
func (e *Engine) CancelReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.cancelled = true
	}
	e.closeCountdownLocked()
}

// Pending reports whether a reconnect timer is currently armed.
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

// closeCountdownLocked stops the countdown goroutine. Caller holds e.mu.
func (e *Engine) closeCountdownLocked() {
	if e.stopCountdown != nil {
		close(e.stopCountdown)
		e.stopCountdown = nil
	}
}

func (e *Engine) runCountdown(cb CountdownFunc, fireAt time.Time, stop <-chan struct{}) {
	remaining := fireAt.Sub(e.nowFn())
	cb(remaining.Milliseconds())

	ticker := time.NewTicker(countdownInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			remaining = fireAt.Sub(e.nowFn())
			if remaining < 0 {
				remaining = 0
			}
			cb(remaining.Milliseconds())
			if remaining == 0 {
				return
			}
		}
	}
}
