package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termgate/termgate/internal/credhash"
	"github.com/termgate/termgate/internal/logutil"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/runtime"
)

// Policy holds the session lifecycle limits. Deployment policy, not
// protocol constants.
type Policy struct {
	MaxDuration time.Duration // hard ceiling regardless of activity
	MaxIdle     time.Duration // idle ceiling, waived while mid-attach
	OrphanGrace time.Duration // resume window after disconnect
	BufferLines int
}

// DefaultPolicy returns the default session policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxDuration: 4 * time.Hour,
		MaxIdle:     30 * time.Minute,
		OrphanGrace: 5 * time.Minute,
		BufferLines: defaultBufferLines,
	}
}

// statusFlushGrace is how long TerminateSession waits after sending the
// final status message before closing the socket, letting it flush.
const statusFlushGrace = 250 * time.Millisecond

// cleanupOpTimeout bounds every container call on the cleanup path; cleanup
// proceeds rather than hanging when the daemon stalls.
const cleanupOpTimeout = 30 * time.Second

// Audit receives best-effort lifecycle notifications. Failures inside the
// sink must never block session lifecycle; the registry calls it
// fire-and-forget. Nil sink disables auditing.
type Audit interface {
	SessionCreated(id, credentialHash, clientContext string, created time.Time)
	SessionResumed(id string, crossProcess bool)
	SessionTerminated(id, reason string, at time.Time)
}

// Registry is the authoritative session map. All mutating multi-step
// operations guard against re-entrancy explicitly: cleanup spans awaited
// container calls, so the in-progress claim set is required even though
// individual map accesses are mutex-protected.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cleanup  map[string]struct{} // cleanup claim set, keyed by session id

	policy      Policy
	rt          runtime.ContainerRuntime
	resumeLimit *ResumeLimiter
	audit       Audit

	nowFn func() time.Time // injectable clock for testing
}

// NewRegistry creates a Registry bound to a container runtime.
func NewRegistry(rt runtime.ContainerRuntime, policy Policy, audit Audit) *Registry {
	if policy.MaxDuration <= 0 {
		policy.MaxDuration = DefaultPolicy().MaxDuration
	}
	if policy.MaxIdle <= 0 {
		policy.MaxIdle = DefaultPolicy().MaxIdle
	}
	if policy.OrphanGrace <= 0 {
		policy.OrphanGrace = DefaultPolicy().OrphanGrace
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		cleanup:     make(map[string]struct{}),
		policy:      policy,
		rt:          rt,
		resumeLimit: NewResumeLimiter(DefaultResumeLimitConfig()),
		audit:       audit,
		nowFn:       time.Now,
	}
}

// Policy returns the active session policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Runtime returns the container runtime the registry is bound to.
func (r *Registry) Runtime() runtime.ContainerRuntime {
	return r.rt
}

// GenerateSessionID returns a cryptographically random session id. Combined
// with the credential hash check it acts as a bearer-style resume credential,
// so it must be unguessable.
func (r *Registry) GenerateSessionID() string {
	return uuid.NewString()
}

// Create registers a new session with the given socket and credentials.
func (r *Registry) Create(id string, conn Conn, credentialHash, clientContext string) *Session {
	now := r.nowFn()
	s := &Session{
		ID:             id,
		CredentialHash: credentialHash,
		ClientContext:  clientContext,
		CreationTime:   now,
		Buffer:         NewOutputBuffer(r.policy.BufferLines),
		conn:           conn,
		lastActivity:   now,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if r.audit != nil {
		r.audit.SessionCreated(id, credentialHash, clientContext, now)
	}
	log.Printf("[registry] created session %s", logutil.SanitizeForLog(id))
	return s
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CanResumeSession reports whether the presented credentials may take over
// the session. All three checks (existence, constant-time hash equality,
// client-context compatibility) collapse into a single opaque false: the
// caller must not learn which check failed.
func (r *Registry) CanResumeSession(resumeID, credentialHash, clientContext string) bool {
	r.mu.RLock()
	s := r.sessions[resumeID]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	if !credhash.Equal(s.CredentialHash, credentialHash) {
		return false
	}
	// Contexts are compared only when both sides have one.
	if s.ClientContext != "" && clientContext != "" && s.ClientContext != clientContext {
		return false
	}
	return true
}

// TakeoverSession attaches a new socket to an existing session: the prior
// socket is force-closed, the orphan timer cleared atomically, and the
// activity clock refreshed. Returns false when the session is mid-cleanup
// or already deregistered. The claim check and the socket swap stay under
// the registry lock, so a concurrent cleanup claim cannot slip between them.
func (r *Registry) TakeoverSession(s *Session, newConn Conn) bool {
	r.mu.Lock()
	if _, cleaning := r.cleanup[s.ID]; cleaning {
		r.mu.Unlock()
		return false
	}
	if r.sessions[s.ID] != s {
		r.mu.Unlock()
		return false
	}

	s.mu.Lock()
	old := s.conn
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	// Stop the prior socket's input relay; the output pump keeps running
	// and follows the new socket.
	if s.relayCancel != nil {
		s.relayCancel()
		s.relayCancel = nil
	}
	s.conn = newConn
	now := r.nowFn()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.resumedCount++
	crossProcess := s.crossProcess
	s.crossProcess = false
	s.mu.Unlock()
	r.mu.Unlock()

	if old != nil {
		old.Close(protocol.CloseNormal, "session taken over by a new connection")
	}

	if r.audit != nil {
		r.audit.SessionResumed(s.ID, crossProcess)
	}
	log.Printf("[registry] session %s taken over", logutil.SanitizeForLog(s.ID))
	return true
}

// DetachSocket clears the session's socket reference (disconnect path).
// The caller is responsible for scheduling orphan cleanup afterwards.
func (r *Registry) DetachSocket(s *Session) {
	s.mu.Lock()
	s.conn = nil
	if s.relayCancel != nil {
		s.relayCancel()
		s.relayCancel = nil
	}
	s.mu.Unlock()
}

// TerminateSession sends a final disconnected-status message when the
// socket is open, waits briefly for it to flush, closes with the given
// code, and always proceeds to full cleanup.
func (r *Registry) TerminateSession(id, reason string, graceful bool, code int) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), statusFlushGrace)
		// Send failure is ignored: cleanup proceeds regardless.
		conn.WriteText(ctx, protocol.WrapControl(protocol.EncodeStatus(protocol.StatusDisconnected, reason)))
		cancel()
		if graceful {
			time.Sleep(statusFlushGrace)
		}
		conn.Close(code, reason)
	}

	if r.audit != nil {
		r.audit.SessionTerminated(id, reason, r.nowFn())
	}
	log.Printf("[registry] terminating session %s: %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(reason))
	r.CleanupSession(id)
}

// CleanupSession tears down a session in order: timers, streams, container,
// registry entry. Idempotent: concurrent calls for the same id run
// teardown exactly once (lock-free claim into the in-progress set).
func (r *Registry) CleanupSession(id string) {
	r.mu.Lock()
	if _, inProgress := r.cleanup[id]; inProgress {
		r.mu.Unlock()
		return
	}
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.cleanup[id] = struct{}{}
	r.mu.Unlock()

	// 1. Cancel timers
	s.mu.Lock()
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	// 2. Stop the relay before destroying streams so stream-close errors do
	// not re-trigger cleanup.
	if s.relayCancel != nil {
		s.relayCancel()
		s.relayCancel = nil
	}
	attach := s.attach
	s.attach = nil
	s.conn = nil
	s.mu.Unlock()

	if attach != nil && attach.Close != nil {
		if err := attach.Close(); err != nil {
			log.Printf("[registry] close streams for %s: %v", logutil.SanitizeForLog(id), err)
		}
	}

	// 3. Stop and remove the backing container; already-gone is success,
	// anything else is logged and does not block progression.
	ctx, cancel := context.WithTimeout(context.Background(), cleanupOpTimeout)
	if err := r.rt.StopRemove(ctx, runtime.ContainerName(id)); err != nil {
		log.Printf("[registry] remove container for %s: %v", logutil.SanitizeForLog(id), err)
	}
	cancel()

	// 4. Deregister and release the claim.
	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.cleanup, id)
	r.mu.Unlock()

	log.Printf("[registry] cleaned up session %s", logutil.SanitizeForLog(id))
}

// ScheduleOrphanCleanup arms the resume window for a disconnected session.
// Re-arming replaces any prior timer; duplicate timers never accumulate.
func (r *Registry) ScheduleOrphanCleanup(s *Session) {
	s.mu.Lock()
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
	}
	id := s.ID
	s.orphanTimer = time.AfterFunc(r.policy.OrphanGrace, func() {
		r.TerminateSession(id, "resume window expired", false, protocol.CloseSessionEnded)
	})
	s.mu.Unlock()

	log.Printf("[registry] session %s orphaned, resume window %s", logutil.SanitizeForLog(s.ID), r.policy.OrphanGrace)
}

// SweepExpired terminates sessions past the duration ceiling and idle
// sessions past the idle ceiling. Mid-attach sessions are exempt from the
// idle check only. Returns the number of sessions terminated. Wire it to a
// recurring schedule (the composition root runs it once per minute).
func (r *Registry) SweepExpired() int {
	now := r.nowFn()

	type victim struct {
		id     string
		reason string
	}
	var victims []victim

	r.mu.RLock()
	for id, s := range r.sessions {
		if now.Sub(s.CreationTime) > r.policy.MaxDuration {
			victims = append(victims, victim{id, "session duration limit reached"})
			continue
		}
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > r.policy.MaxIdle && !s.attachGrace
		s.mu.Unlock()
		if idle {
			victims = append(victims, victim{id, "session idle timeout"})
		}
	}
	r.mu.RUnlock()

	for _, v := range victims {
		r.TerminateSession(v.id, v.reason, true, protocol.CloseNormal)
	}
	return len(victims)
}

// TerminateAll shuts down every session, used on server shutdown. Sessions
// are processed in small batches with a short inter-batch delay so the
// container daemon is not overwhelmed.
func (r *Registry) TerminateAll(reason string) {
	const batchSize = 5
	const batchDelay = 200 * time.Millisecond

	ids := make([]string, 0)
	r.mu.RLock()
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for i, id := range ids {
		r.TerminateSession(id, reason, false, protocol.CloseNormal)
		if (i+1)%batchSize == 0 && i+1 < len(ids) {
			time.Sleep(batchDelay)
		}
	}
}
