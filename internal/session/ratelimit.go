package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/logutil"
)

// Resume rate limiting defaults. Two independent mechanisms blunt
// brute-force credential guessing via the resume path:
//   - Sliding-window limit: max resume attempts per minute per session id.
//   - Consecutive failure block: after N mismatches in a row, the session id
//     is temporarily blocked for BlockDuration.
const (
	DefaultMaxResumePerMinute = 10
	DefaultMaxConsecFailures  = 5
	DefaultBlockDuration      = 5 * time.Minute
)

// ResumeLimitConfig holds the resume rate limiter knobs.
type ResumeLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// DefaultResumeLimitConfig returns the default resume limits.
func DefaultResumeLimitConfig() ResumeLimitConfig {
	return ResumeLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxResumePerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type resumeRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// ResumeLimiter enforces resume-attempt limits per session id. The check
// runs before any container work so rejected attempts stay cheap.
type ResumeLimiter struct {
	mu     sync.Mutex
	config ResumeLimitConfig
	state  map[string]*resumeRateState
	nowFn  func() time.Time // injectable clock for testing
}

// NewResumeLimiter creates a ResumeLimiter with the given configuration.
func NewResumeLimiter(config ResumeLimitConfig) *ResumeLimiter {
	return &ResumeLimiter{
		config: config,
		state:  make(map[string]*resumeRateState),
		nowFn:  time.Now,
	}
}

// Allow checks whether a resume attempt for the session id may proceed.
// Allowed attempts are recorded against the sliding window.
func (rl *ResumeLimiter) Allow(sessionID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(sessionID)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[resume-limit] session %s blocked for %s (%d consecutive failures)",
			logutil.SanitizeForLog(sessionID), remaining, s.consecFailures)
		return fmt.Errorf("resume blocked after %d consecutive failures; retry after %s",
			s.consecFailures, remaining)
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[resume-limit] session %s exceeded %d attempts/min",
			logutil.SanitizeForLog(sessionID), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("too many resume attempts: %d in the last minute (max %d)",
			len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the consecutive failure counter for the session id.
func (rl *ResumeLimiter) RecordSuccess(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(sessionID)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a credential mismatch. Reaching the threshold blocks
// the session id for the configured duration.
func (rl *ResumeLimiter) RecordFailure(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(sessionID)
	s.consecFailures++

	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		log.Printf("[resume-limit] blocking session %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(sessionID), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Reset clears all limiter state for a session id.
func (rl *ResumeLimiter) Reset(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, sessionID)
}

// getOrCreateState returns the rate state for a session id. Caller holds rl.mu.
func (rl *ResumeLimiter) getOrCreateState(sessionID string) *resumeRateState {
	s, ok := rl.state[sessionID]
	if !ok {
		s = &resumeRateState{}
		rl.state[sessionID] = s
	}
	return s
}
