package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/termgate/termgate/internal/credhash"
	"github.com/termgate/termgate/internal/logutil"
	"github.com/termgate/termgate/internal/runtime"
)

// ResumeOutcome classifies a cross-process resume attempt. Each rejection
// maps to a dedicated close code in the handler; the mismatch outcome never
// reveals which part of the check failed.
type ResumeOutcome int

const (
	// ResumeNotFound: no container matches the naming convention. The
	// caller falls back to the fresh-session flow.
	ResumeNotFound ResumeOutcome = iota
	// ResumeEnded: the container exists but is not running.
	ResumeEnded
	// ResumeMismatch: the presented credential hash does not match the
	// credentials the container was started with.
	ResumeMismatch
	// ResumeRateLimited: too many attempts for this session id.
	ResumeRateLimited
	// ResumeOK: the session was reconstructed and registered.
	ResumeOK
)

// replayTailLines bounds the historical output fetched for replay.
const replayTailLines = 200

// ResolveCrossProcess handles a resume request for a session id absent from
// the in-memory registry (typically after a server restart). It searches the
// container runtime for the deterministically named container, validates the
// presented credentials against the container's environment, and on success
// reconstructs a registry entry seeded with the container's historical
// output.
//
// The rate limit runs before any container work. Replay failures are logged,
// never fatal to the resume.
func (r *Registry) ResolveCrossProcess(ctx context.Context, sessionID, credentialHash, clientContext string) (*Session, ResumeOutcome, error) {
	if err := r.resumeLimit.Allow(sessionID); err != nil {
		return nil, ResumeRateLimited, err
	}

	name := runtime.ContainerName(sessionID)
	info, err := r.rt.InspectSession(ctx, name)
	if err != nil {
		return nil, ResumeNotFound, fmt.Errorf("inspect %s: %w", name, err)
	}
	if info == nil {
		return nil, ResumeNotFound, nil
	}

	if !info.Running {
		log.Printf("[resume] session %s container is %s, not resumable",
			logutil.SanitizeForLog(sessionID), info.State)
		return nil, ResumeEnded, nil
	}

	// Recompute the hash from the credentials the container was started
	// with; compare constant-time, single opaque failure.
	storedHash := credhash.Fingerprint(info.Env[runtime.EnvAPIKey], info.Env[runtime.EnvAccessToken])
	if !credhash.Equal(storedHash, credentialHash) {
		r.resumeLimit.RecordFailure(sessionID)
		return nil, ResumeMismatch, nil
	}
	r.resumeLimit.RecordSuccess(sessionID)

	attach, err := r.rt.AttachSession(ctx, name)
	if err != nil {
		return nil, ResumeEnded, fmt.Errorf("attach %s: %w", name, err)
	}

	now := r.nowFn()
	s := &Session{
		ID:             sessionID,
		CredentialHash: credentialHash,
		ClientContext:  clientContext,
		// True container age, so duration limits see through the restart.
		CreationTime: info.CreatedAt,
		Buffer:       NewOutputBuffer(r.policy.BufferLines),
		attach:       attach,
		lastActivity: now,
		crossProcess: true,
	}

	// Best-effort replay seed from the container's historical output.
	lines, err := r.rt.LogsTail(ctx, name, replayTailLines)
	if err != nil {
		log.Printf("[resume] log tail for %s failed: %v", logutil.SanitizeForLog(sessionID), err)
	}
	for _, line := range lines {
		s.Buffer.AppendLine(line)
	}

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()
	s.startOutputPump()

	// The takeover that follows reports the resume to the audit sink.
	log.Printf("[resume] reconstructed session %s from container (age %s, %d replay lines)",
		logutil.SanitizeForLog(sessionID), now.Sub(info.CreatedAt).Truncate(time.Second), len(lines))
	return s, ResumeOK, nil
}
