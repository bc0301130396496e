package session

import (
	"context"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/credhash"
	"github.com/termgate/termgate/internal/runtime"
)

func addResumableContainer(rt *runtime.FakeRuntime, sessionID, apiKey, accessToken string, createdAt time.Time) {
	rt.AddContainer(runtime.ContainerInfo{
		ID:        "fake-" + sessionID,
		Name:      runtime.ContainerName(sessionID),
		State:     "running",
		Running:   true,
		CreatedAt: createdAt,
		Env: map[string]string{
			runtime.EnvAPIKey:      apiKey,
			runtime.EnvAccessToken: accessToken,
		},
	})
}

func TestResolveCrossProcessNoContainer(t *testing.T) {
	r, _ := newTestRegistry()

	s, outcome, err := r.ResolveCrossProcess(context.Background(), "gone", "hash", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ResumeNotFound || s != nil {
		t.Errorf("outcome = %v, session = %v; want ResumeNotFound, nil", outcome, s)
	}
}

func TestResolveCrossProcessStoppedContainer(t *testing.T) {
	r, rt := newTestRegistry()
	rt.AddContainer(runtime.ContainerInfo{
		Name:    runtime.ContainerName("sess-1"),
		State:   "exited",
		Running: false,
	})

	s, outcome, err := r.ResolveCrossProcess(context.Background(), "sess-1", "hash", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ResumeEnded || s != nil {
		t.Errorf("outcome = %v; want ResumeEnded with nil session", outcome)
	}
	if r.Get("sess-1") != nil {
		t.Error("stopped container must not produce a registry entry")
	}
}

func TestResolveCrossProcessCredentialMismatch(t *testing.T) {
	r, rt := newTestRegistry()
	addResumableContainer(rt, "sess-1", "key-a", "tok-a", time.Now())

	wrongHash := credhash.Fingerprint("key-b", "tok-a")
	s, outcome, err := r.ResolveCrossProcess(context.Background(), "sess-1", wrongHash, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ResumeMismatch || s != nil {
		t.Errorf("outcome = %v; want ResumeMismatch with nil session", outcome)
	}
}

func TestResolveCrossProcessSuccess(t *testing.T) {
	r, rt := newTestRegistry()
	created := time.Now().Add(-45 * time.Minute).Truncate(time.Second)
	addResumableContainer(rt, "sess-1", "key-a", "tok-a", created)
	name := runtime.ContainerName("sess-1")
	rt.Logs[name] = []string{"$ ls", "README.md", "$ "}

	hash := credhash.Fingerprint("key-a", "tok-a")
	s, outcome, err := r.ResolveCrossProcess(context.Background(), "sess-1", hash, "ctx-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ResumeOK || s == nil {
		t.Fatalf("outcome = %v; want ResumeOK with session", outcome)
	}
	if !s.CreationTime.Equal(created) {
		t.Errorf("CreationTime = %v, want container creation time %v", s.CreationTime, created)
	}
	if s.Attach() == nil {
		t.Error("resumed session has no attach handle")
	}
	if got := s.Buffer.Lines(); len(got) != 3 || got[0] != "$ ls" {
		t.Errorf("replay seed = %v", got)
	}
	if r.Get("sess-1") != s {
		t.Error("resumed session not registered")
	}
}

func TestResolveCrossProcessDurationSeesThroughRestart(t *testing.T) {
	r, rt := newTestRegistry()
	now := time.Now()
	r.nowFn = func() time.Time { return now }

	// Container older than the duration ceiling of the test policy (1h).
	addResumableContainer(rt, "sess-1", "key-a", "tok-a", now.Add(-90*time.Minute))

	hash := credhash.Fingerprint("key-a", "tok-a")
	if _, outcome, err := r.ResolveCrossProcess(context.Background(), "sess-1", hash, ""); err != nil || outcome != ResumeOK {
		t.Fatalf("resume failed: outcome=%v err=%v", outcome, err)
	}

	if n := r.SweepExpired(); n != 1 {
		t.Errorf("SweepExpired = %d, want the resumed session terminated", n)
	}
	if r.Get("sess-1") != nil {
		t.Error("over-duration resumed session survived the sweep")
	}
}

func TestResolveCrossProcessRateLimited(t *testing.T) {
	r, rt := newTestRegistry()
	addResumableContainer(rt, "sess-1", "key-a", "tok-a", time.Now())

	// Exhaust the per-minute window.
	hash := credhash.Fingerprint("key-a", "tok-a")
	for i := 0; i < DefaultResumeLimitConfig().MaxAttemptsPerMinute; i++ {
		if _, _, err := r.ResolveCrossProcess(context.Background(), "sess-1", hash, ""); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		r.CleanupSession("sess-1")
		addResumableContainer(rt, "sess-1", "key-a", "tok-a", time.Now())
	}

	s, outcome, err := r.ResolveCrossProcess(context.Background(), "sess-1", hash, "")
	if outcome != ResumeRateLimited || s != nil {
		t.Errorf("outcome = %v; want ResumeRateLimited", outcome)
	}
	if err == nil {
		t.Error("rate-limited resume must return an error")
	}
}

func TestResolveCrossProcessConsecutiveFailuresBlock(t *testing.T) {
	r, rt := newTestRegistry()
	addResumableContainer(rt, "sess-1", "key-a", "tok-a", time.Now())

	wrongHash := credhash.Fingerprint("wrong", "wrong")
	cfg := DefaultResumeLimitConfig()
	for i := 0; i < cfg.MaxConsecFailures; i++ {
		if _, outcome, _ := r.ResolveCrossProcess(context.Background(), "sess-1", wrongHash, ""); outcome != ResumeMismatch {
			t.Fatalf("attempt %d: outcome = %v, want ResumeMismatch", i, outcome)
		}
	}

	// Even correct credentials are refused during the block.
	hash := credhash.Fingerprint("key-a", "tok-a")
	if _, outcome, _ := r.ResolveCrossProcess(context.Background(), "sess-1", hash, ""); outcome != ResumeRateLimited {
		t.Errorf("outcome = %v, want ResumeRateLimited during failure block", outcome)
	}
}
