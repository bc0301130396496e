package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/termgate/termgate/internal/credhash"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/reconnect"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) listen(state State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return StateInitial
	}
	return r.states[len(r.states)-1]
}

func newTestClient(t *testing.T, opts Options) (*Client, *reconnect.Engine) {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "ws://relay.example:8080/ws"
	}
	if opts.dialFn == nil {
		opts.dialFn = func(ctx context.Context, u string) (*websocket.Conn, error) {
			return nil, fmt.Errorf("dial disabled in test")
		}
	}
	engine := reconnect.NewEngine(reconnect.Config{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	})
	c, err := New(opts, engine)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, engine
}

func TestAuthPayloadIncludesStoredSessionOnMatch(t *testing.T) {
	store := NewMemoryStore()
	hash := credhash.Fingerprint("k1", "t1")
	store.Save("termgate.sessionId.relay.example:8080", "sess-42")
	store.Save("termgate.credentialHash.relay.example:8080", hash)

	c, _ := newTestClient(t, Options{
		APIKey: "k1", AccessToken: "t1",
		ResumeOnReload: true, Store: store,
	})

	auth := c.authPayload()
	if auth.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", auth.SessionID)
	}
	// Storage stays intact after a matching resume
	if _, ok := store.Load("termgate.sessionId.relay.example:8080"); !ok {
		t.Error("stored session id purged despite matching credentials")
	}
}

func TestAuthPayloadOmitsSessionOnCredentialChange(t *testing.T) {
	store := NewMemoryStore()
	store.Save("termgate.sessionId.relay.example:8080", "sess-42")
	store.Save("termgate.credentialHash.relay.example:8080", credhash.Fingerprint("k1", "t1"))

	// Same client, rotated api key
	c, _ := newTestClient(t, Options{
		APIKey: "k2", AccessToken: "t1",
		ResumeOnReload: true, Store: store,
	})

	auth := c.authPayload()
	if auth.SessionID != "" {
		t.Errorf("SessionID = %q, want empty after credential rotation", auth.SessionID)
	}
	if _, ok := store.Load("termgate.sessionId.relay.example:8080"); ok {
		t.Error("stored session id not purged after credential rotation")
	}
	if _, ok := store.Load("termgate.credentialHash.relay.example:8080"); ok {
		t.Error("stored credential hash not purged after credential rotation")
	}
}

func TestAuthPayloadHostScoping(t *testing.T) {
	store := NewMemoryStore()
	hash := credhash.Fingerprint("k1", "t1")
	store.Save("termgate.sessionId.other.example:8080", "sess-other")
	store.Save("termgate.credentialHash.other.example:8080", hash)

	c, _ := newTestClient(t, Options{
		URL:    "ws://relay.example:8080/ws",
		APIKey: "k1", AccessToken: "t1",
		ResumeOnReload: true, Store: store,
	})

	auth := c.authPayload()
	if auth.SessionID != "" {
		t.Errorf("session stored for another host leaked into auth: %q", auth.SessionID)
	}
	// The other host's record must survive untouched
	if _, ok := store.Load("termgate.sessionId.other.example:8080"); !ok {
		t.Error("another host's stored session was removed")
	}
}

func TestHelloPersistsHostScopedRecord(t *testing.T) {
	store := NewMemoryStore()
	c, _ := newTestClient(t, Options{
		APIKey: "k1", AccessToken: "t1",
		ResumeOnReload: true, Store: store,
	})

	c.handleControl(protocol.Control{Type: protocol.TypeHello, SessionID: "sess-7"})

	if c.SessionID() != "sess-7" {
		t.Errorf("SessionID = %q", c.SessionID())
	}
	id, ok := store.Load("termgate.sessionId.relay.example:8080")
	if !ok || id != "sess-7" {
		t.Errorf("persisted session id = %q, ok=%v", id, ok)
	}
	hash, ok := store.Load("termgate.credentialHash.relay.example:8080")
	if !ok || hash != credhash.Fingerprint("k1", "t1") {
		t.Errorf("persisted hash = %q, ok=%v", hash, ok)
	}
}

func TestHelloWithoutResumeDoesNotPersist(t *testing.T) {
	store := NewMemoryStore()
	c, _ := newTestClient(t, Options{
		APIKey: "k1", AccessToken: "t1",
		ResumeOnReload: false, Store: store,
	})

	c.handleControl(protocol.Control{Type: protocol.TypeHello, SessionID: "sess-7"})

	if _, ok := store.Load("termgate.sessionId.relay.example:8080"); ok {
		t.Error("session persisted with resume disabled")
	}
}

func TestStatusDisconnectedPurgesAndSurfacesReason(t *testing.T) {
	store := NewMemoryStore()
	store.Save("termgate.sessionId.relay.example:8080", "sess-42")
	store.Save("termgate.credentialHash.relay.example:8080", "h")

	var out bytes.Buffer
	rec := &stateRecorder{}
	c, _ := newTestClient(t, Options{
		APIKey: "k1", AccessToken: "t1",
		ResumeOnReload: true, Store: store,
		Output: &out, Listener: rec.listen,
	})

	c.handleControl(protocol.Control{
		Type:    protocol.TypeStatus,
		Payload: protocol.StatusDisconnected,
		Reason:  "session idle timeout",
	})

	if rec.last() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", rec.last())
	}
	if !bytes.Contains(out.Bytes(), []byte("session idle timeout")) {
		t.Error("server reason not written to terminal")
	}
	if _, ok := store.Load("termgate.sessionId.relay.example:8080"); ok {
		t.Error("stored session not purged on disconnected status")
	}
}

func TestErrorAndCloseCountOneEpisode(t *testing.T) {
	rec := &stateRecorder{}
	c, engine := newTestClient(t, Options{Listener: rec.listen})

	// Browser-style double event: error then close for one failure
	c.onFailure(-1, "network error")
	c.onFailure(int(websocket.StatusAbnormalClosure), "abnormal closure")

	if got := engine.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want exactly 1 per episode", got)
	}
	if rec.last() != StateReconnecting {
		t.Errorf("state = %v, want reconnecting", rec.last())
	}
	engine.CancelReconnect()
}

func TestGracefulCloseDoesNotAutoRetry(t *testing.T) {
	store := NewMemoryStore()
	hash := credhash.Fingerprint("k1", "t1")
	store.Save("termgate.sessionId.relay.example:8080", "sess-42")
	store.Save("termgate.credentialHash.relay.example:8080", hash)

	rec := &stateRecorder{}
	c, engine := newTestClient(t, Options{
		APIKey: "k1", AccessToken: "t1",
		ResumeOnReload: true, Store: store,
		Listener: rec.listen,
	})

	// Another client took the session over; the server closed us with 1000.
	c.onFailure(protocol.CloseNormal, "session taken over by a new connection")

	if got := engine.Attempts(); got != 0 {
		t.Errorf("attempts = %d, graceful close must not count a retry", got)
	}
	if engine.Pending() {
		t.Error("retry scheduled after graceful close; this client would steal the session back")
	}
	if rec.last() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", rec.last())
	}
	// The record survives so a deliberate manual reconnect can still resume.
	if _, ok := store.Load("termgate.sessionId.relay.example:8080"); !ok {
		t.Error("stored session purged on graceful close")
	}
}

func TestFrameRoutingRequiresControlPrefix(t *testing.T) {
	var out bytes.Buffer
	rec := &stateRecorder{}
	c, _ := newTestClient(t, Options{Listener: rec.listen, Output: &out})

	// Bare control-shaped text is PTY output, not control.
	bare := []byte(`{"type":"status","payload":"disconnected","reason":"x"}`)
	c.handleFrame(websocket.MessageText, bare)
	if rec.last() == StateDisconnected {
		t.Error("unwrapped text treated as control")
	}
	if !bytes.Contains(out.Bytes(), bare) {
		t.Error("unwrapped text not forwarded to the terminal")
	}

	// The same payload with the control prefix is control.
	c.handleFrame(websocket.MessageText, protocol.WrapControl(bare))
	if rec.last() != StateDisconnected {
		t.Errorf("state = %v, want disconnected from wrapped status", rec.last())
	}
}

func TestNonRecoverableCloseDisablesAutoRetry(t *testing.T) {
	rec := &stateRecorder{}
	c, engine := newTestClient(t, Options{Listener: rec.listen})

	c.onFailure(protocol.CloseCredentialMismatch, "credential mismatch")

	if engine.Attempts() != 0 {
		t.Errorf("attempts = %d, non-recoverable close must not count a retry", engine.Attempts())
	}
	if engine.Pending() {
		t.Error("retry scheduled after non-recoverable close")
	}
	if rec.last() != StateError {
		t.Errorf("state = %v, want error", rec.last())
	}
}

func TestExhaustedAttemptsStopScheduling(t *testing.T) {
	rec := &stateRecorder{}
	c, engine := newTestClient(t, Options{Listener: rec.listen})

	for i := 0; i < 3; i++ {
		engine.CancelReconnect()
		c.mu.Lock()
		c.episodeCounted = false
		c.mu.Unlock()
		c.onFailure(-1, "network error")
	}

	if !engine.IsMaxAttemptsReached() {
		t.Fatal("expected attempts exhausted")
	}
	if engine.Pending() {
		t.Error("retry scheduled past max attempts")
	}
	if rec.last() != StateError {
		t.Errorf("state = %v, want error", rec.last())
	}
}

func TestManualReconnectCancelsPendingRetry(t *testing.T) {
	c, engine := newTestClient(t, Options{})

	c.onFailure(-1, "network error")
	if !engine.Pending() {
		t.Fatal("no retry pending after recoverable failure")
	}

	// Manual reconnect takes over; the dial stub fails so a new episode is
	// counted, proving the old pending timer did not also fire.
	c.Reconnect(context.Background())
	if got := engine.Attempts(); got != 2 {
		t.Errorf("attempts = %d, want 2 (scheduled retry superseded)", got)
	}
	engine.CancelReconnect()
}

func TestPromptDetectionResetsEngine(t *testing.T) {
	rec := &stateRecorder{}
	var out bytes.Buffer
	c, engine := newTestClient(t, Options{Listener: rec.listen, Output: &out})

	engine.Increment()
	c.handleOutput([]byte("\x1b[32muser@box\x1b[0m:~$ "))

	if rec.last() != StateConnected {
		t.Errorf("state = %v, want connected after prompt", rec.last())
	}
	if engine.Attempts() != 0 {
		t.Error("attempts not reset on confirmed-interactive state")
	}
	if out.Len() == 0 {
		t.Error("prompt bytes not forwarded to terminal")
	}
}

func TestPlainOutputDoesNotConnect(t *testing.T) {
	rec := &stateRecorder{}
	c, _ := newTestClient(t, Options{Listener: rec.listen, Output: &bytes.Buffer{}})

	c.handleOutput([]byte("compiling module one of three\n"))
	if rec.last() == StateConnected {
		t.Error("ordinary output must not trigger the connected state")
	}
}
