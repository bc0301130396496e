package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/runtime"
	"github.com/termgate/termgate/internal/session"
)

type nilConn struct{}

func (nilConn) WriteText(ctx context.Context, data []byte) error   { return nil }
func (nilConn) WriteBinary(ctx context.Context, data []byte) error { return nil }
func (nilConn) Close(code int, reason string) error                { return nil }

func setup() (*Reconciler, *session.Registry, *runtime.FakeRuntime) {
	rt := runtime.NewFakeRuntime()
	reg := session.NewRegistry(rt, session.DefaultPolicy(), nil)
	return New(reg, rt), reg, rt
}

func addContainer(rt *runtime.FakeRuntime, id string, running bool, age time.Duration) {
	state := "running"
	if !running {
		state = "exited"
	}
	rt.AddContainer(runtime.ContainerInfo{
		Name:      runtime.ContainerName(id),
		State:     state,
		Running:   running,
		CreatedAt: time.Now().Add(-age),
	})
}

func TestStartupSweepSoleInstanceRemovesAllUnregistered(t *testing.T) {
	r, reg, rt := setup()
	rt.Servers = 1

	reg.Create("live", nilConn{}, "hash", "")
	addContainer(rt, "live", true, time.Minute)
	addContainer(rt, "leftover-running", true, time.Minute)
	addContainer(rt, "leftover-stopped", false, time.Minute)

	removed, err := r.StartupSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %d containers, want 2: %v", len(removed), removed)
	}
	for _, name := range removed {
		if name == runtime.ContainerName("live") {
			t.Error("sweep removed a registry-bound container")
		}
	}
}

func TestStartupSweepConservativeWithSiblings(t *testing.T) {
	r, _, rt := setup()
	rt.Servers = 2

	addContainer(rt, "young-running", true, time.Minute)
	addContainer(rt, "old-running", true, conservativeAge+time.Hour)
	addContainer(rt, "stopped", false, time.Minute)

	removed, err := r.StartupSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got := make(map[string]bool, len(removed))
	for _, n := range removed {
		got[n] = true
	}
	if got[runtime.ContainerName("young-running")] {
		t.Error("conservative sweep removed a young running container possibly owned by a sibling")
	}
	if !got[runtime.ContainerName("old-running")] {
		t.Error("over-age running container not removed")
	}
	if !got[runtime.ContainerName("stopped")] {
		t.Error("stopped container not removed")
	}
}

func TestReconcileReportOnly(t *testing.T) {
	r, reg, rt := setup()

	reg.Create("ghost", nilConn{}, "hash", "") // session, no container
	addContainer(rt, "orphan", true, time.Minute)
	addContainer(rt, "dead", false, time.Minute)

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.SessionsWithoutContainers) != 1 || report.SessionsWithoutContainers[0] != "ghost" {
		t.Errorf("sessions without containers: %v", report.SessionsWithoutContainers)
	}
	if len(report.ContainersWithoutSessions) != 1 {
		t.Errorf("containers without sessions: %v", report.ContainersWithoutSessions)
	}
	if len(report.DeadContainers) != 1 {
		t.Errorf("dead containers: %v", report.DeadContainers)
	}

	// Report mode must not touch anything
	if len(rt.RemovedNames()) != 0 {
		t.Errorf("dry run removed containers: %v", rt.RemovedNames())
	}
	if reg.Get("ghost") == nil {
		t.Error("dry run terminated a session")
	}
}

func TestReconcileAutoFix(t *testing.T) {
	r, reg, rt := setup()

	reg.Create("ghost", nilConn{}, "hash", "")
	reg.Create("healthy", nilConn{}, "hash", "")
	addContainer(rt, "healthy", true, time.Minute)
	addContainer(rt, "orphan", true, time.Minute)
	addContainer(rt, "dead", false, time.Minute)

	report, err := r.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if reg.Get("ghost") != nil {
		t.Error("session with missing container not terminated")
	}
	if reg.Get("healthy") == nil {
		t.Error("healthy session terminated")
	}
	if len(report.TerminatedSessions) != 1 {
		t.Errorf("terminated sessions: %v", report.TerminatedSessions)
	}

	removed := make(map[string]bool)
	for _, n := range rt.RemovedNames() {
		removed[n] = true
	}
	if !removed[runtime.ContainerName("orphan")] {
		t.Error("orphan container not removed")
	}
	if !removed[runtime.ContainerName("dead")] {
		t.Error("dead container not removed")
	}
	if removed[runtime.ContainerName("healthy")] {
		t.Error("auto-fix removed a container bound to a live session")
	}
}

func TestReconcileDeadContainerWithLiveSessionKept(t *testing.T) {
	r, reg, rt := setup()

	// Session exists but its container died: report it both ways, never
	// remove the container out from under cleanup.
	reg.Create("limbo", nilConn{}, "hash", "")
	addContainer(rt, "limbo", false, time.Minute)

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.SessionsWithoutContainers) != 1 {
		t.Errorf("dead-container session not reported: %v", report.SessionsWithoutContainers)
	}
	if len(report.DeadContainers) != 1 {
		t.Errorf("dead container not reported: %v", report.DeadContainers)
	}
}

func TestReconcileCleanReport(t *testing.T) {
	r, reg, rt := setup()

	reg.Create("ok", nilConn{}, "hash", "")
	addContainer(rt, "ok", true, time.Minute)

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Clean() {
		t.Errorf("expected clean report, got %+v", report)
	}
}
