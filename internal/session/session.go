// Package session implements the server-side session registry: the
// authoritative map of session id to session state, with creation, lookup,
// resume (in-memory and cross-process), takeover, and termination.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/runtime"
)

// Conn is the socket surface the registry needs. The handlers package wraps
// the real WebSocket connection; tests substitute a recorder.
type Conn interface {
	// WriteText sends a text frame (wrapped control JSON or replay output).
	WriteText(ctx context.Context, data []byte) error
	// WriteBinary sends a binary frame (live PTY output).
	WriteBinary(ctx context.Context, data []byte) error
	// Close closes the connection with a close code and reason.
	Close(code int, reason string) error
}

// Session is one client shell session. Exactly one live socket at a time;
// the socket is replaced wholesale on resume (takeover force-closes the old
// one). A session is either live (open socket) or orphaned (orphan timer
// pending), never both.
type Session struct {
	ID string

	// CredentialHash never changes after creation; it authorizes resume.
	CredentialHash string
	// ClientContext fingerprints the creating client (remote address +
	// user-agent digest); empty when unknown.
	ClientContext string
	// CreationTime is the true session start. For cross-process resumes it
	// is the backing container's creation time, so duration limits are
	// computed against real age.
	CreationTime time.Time

	Buffer *OutputBuffer

	mu            sync.Mutex
	conn          Conn
	attach        *runtime.AttachHandle
	lastActivity  time.Time
	authenticated bool
	orphanTimer   *time.Timer
	attachGrace   bool
	resumedCount  int
	relayCancel   context.CancelFunc
	pumpStarted   bool
	// crossProcess is set on a session rebuilt from a container and
	// consumed by the first takeover, which reports it to the audit sink.
	crossProcess bool
}

// Touch refreshes the last-activity timestamp. Timestamps only move forward.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns the time of the most recent inbound activity or takeover.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Conn returns the currently attached socket, nil when orphaned.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Attach returns the container attach handle, nil before provisioning.
func (s *Session) Attach() *runtime.AttachHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attach
}

// SetAttach binds the container stream handle and starts the output pump.
func (s *Session) SetAttach(h *runtime.AttachHandle) {
	s.mu.Lock()
	s.attach = h
	s.mu.Unlock()
	s.startOutputPump()
}

// startOutputPump starts the single reader of the container stream. Output
// lands in the replay buffer and goes to whichever socket is attached at
// write time, so a takeover never strands a chunk with a displaced relay.
// The pump exits when cleanup closes the attach streams.
func (s *Session) startOutputPump() {
	s.mu.Lock()
	if s.pumpStarted || s.attach == nil {
		s.mu.Unlock()
		return
	}
	s.pumpStarted = true
	attach := s.attach
	s.mu.Unlock()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := attach.Stdout.Read(buf)
			if n > 0 {
				chunk := runtime.StripStreamHeaders(buf[:n])
				s.Buffer.Write(chunk)
				if conn := s.Conn(); conn != nil {
					// Write failure means the socket is going away; the
					// input relay notices and detaches.
					conn.WriteBinary(context.Background(), chunk)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// SetRelayCancel stores the cancel func of the socket input relay so
// cleanup and takeover can stop it before the socket changes hands.
func (s *Session) SetRelayCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayCancel = cancel
}

// MarkAuthenticated records that the auth payload validated.
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

// Authenticated reports whether the auth payload has been validated.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// BeginAttachGrace exempts the session from the idle check while a client
// attach is in flight. The total-duration check still applies.
func (s *Session) BeginAttachGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachGrace = true
}

// EndAttachGrace re-enables the idle check.
func (s *Session) EndAttachGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachGrace = false
}

// ResumedCount returns how many times a socket has taken over this session.
func (s *Session) ResumedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumedCount
}

// Orphaned reports whether the session is awaiting resume.
func (s *Session) Orphaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil && s.orphanTimer != nil
}
