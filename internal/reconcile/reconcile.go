// Package reconcile keeps the session registry and the container set
// convergent: a startup sweep for leftovers from a previous process, and a
// periodic comparison reporting (optionally fixing) divergence.
package reconcile

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/termgate/termgate/internal/logutil"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/runtime"
	"github.com/termgate/termgate/internal/session"
)

// conservativeAge is the minimum age of a running unregistered container
// before the startup sweep will remove it while sibling server instances
// may exist. A younger container may belong to a session a sibling just
// created.
const conservativeAge = 6 * time.Hour

// Removal batches are throttled so a large sweep does not overwhelm the
// container daemon.
const (
	removeBatchSize  = 5
	removeBatchDelay = 200 * time.Millisecond
)

// Report describes the divergence found by one reconciliation pass.
type Report struct {
	SessionsWithoutContainers []string `json:"sessions_without_containers"`
	ContainersWithoutSessions []string `json:"containers_without_sessions"`
	DeadContainers            []string `json:"dead_containers"`

	// Populated only in auto-fix mode.
	TerminatedSessions []string `json:"terminated_sessions,omitempty"`
	RemovedContainers  []string `json:"removed_containers,omitempty"`
}

// Clean reports whether the pass found no divergence.
func (r *Report) Clean() bool {
	return len(r.SessionsWithoutContainers) == 0 &&
		len(r.ContainersWithoutSessions) == 0 &&
		len(r.DeadContainers) == 0
}

type Reconciler struct {
	reg *session.Registry
	rt  runtime.ContainerRuntime

	nowFn func() time.Time // injectable clock for testing
}

func New(reg *session.Registry, rt runtime.ContainerRuntime) *Reconciler {
	return &Reconciler{reg: reg, rt: rt, nowFn: time.Now}
}

// StartupSweep removes session containers left behind by a previous process.
// When this looks like the only server instance every unregistered container
// is fair game; when siblings may exist only stopped containers and running
// ones past an age threshold are removed, since an unregistered young
// container may be a sibling's live session. Returns the removed names.
func (r *Reconciler) StartupSweep(ctx context.Context) ([]string, error) {
	instances, err := r.rt.ServerInstanceCount(ctx)
	if err != nil {
		return nil, err
	}
	sole := instances <= 1

	containers, err := r.rt.ListSessionContainers(ctx, true)
	if err != nil {
		return nil, err
	}

	var victims []string
	now := r.nowFn()
	for _, c := range containers {
		if r.reg.Get(sessionIDFromName(c.Name)) != nil {
			continue
		}
		switch {
		case sole:
			victims = append(victims, c.Name)
		case !c.Running:
			victims = append(victims, c.Name)
		case now.Sub(c.CreatedAt) > conservativeAge:
			victims = append(victims, c.Name)
		}
	}

	if len(victims) > 0 {
		mode := "conservative"
		if sole {
			mode = "sole-instance"
		}
		log.Printf("[reconcile] startup sweep (%s): removing %d containers", mode, len(victims))
	}
	r.removeBatched(ctx, victims)
	return victims, nil
}

// Reconcile compares the registry against the live container set. With
// autoFix false it only reports. With autoFix true it terminates sessions
// whose containers are gone, removes dead-state containers, and removes
// running containers with no session, but never a container bound to an
// entry present in the live registry.
func (r *Reconciler) Reconcile(ctx context.Context, autoFix bool) (*Report, error) {
	containers, err := r.rt.ListSessionContainers(ctx, true)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]runtime.ContainerInfo, len(containers))
	for _, c := range containers {
		byName[c.Name] = c
	}

	report := &Report{}

	for _, s := range r.reg.List() {
		name := runtime.ContainerName(s.ID)
		c, ok := byName[name]
		if !ok || !c.Running {
			report.SessionsWithoutContainers = append(report.SessionsWithoutContainers, s.ID)
		}
	}

	var removable []string
	for _, c := range containers {
		bound := r.reg.Get(sessionIDFromName(c.Name)) != nil
		if !c.Running {
			report.DeadContainers = append(report.DeadContainers, c.Name)
			if !bound {
				removable = append(removable, c.Name)
			}
			continue
		}
		if !bound {
			report.ContainersWithoutSessions = append(report.ContainersWithoutSessions, c.Name)
			removable = append(removable, c.Name)
		}
	}

	if !report.Clean() {
		log.Printf("[reconcile] divergence: %d sessions without containers, %d containers without sessions, %d dead",
			len(report.SessionsWithoutContainers), len(report.ContainersWithoutSessions), len(report.DeadContainers))
	}

	if !autoFix {
		return report, nil
	}

	for _, id := range report.SessionsWithoutContainers {
		log.Printf("[reconcile] terminating session %s: backing container gone", logutil.SanitizeForLog(id))
		r.reg.TerminateSession(id, "backing container no longer exists", false, protocol.CloseSessionEnded)
		report.TerminatedSessions = append(report.TerminatedSessions, id)
	}

	r.removeBatched(ctx, removable)
	report.RemovedContainers = removable
	return report, nil
}

func (r *Reconciler) removeBatched(ctx context.Context, names []string) {
	for i, name := range names {
		if err := r.rt.StopRemove(ctx, name); err != nil {
			log.Printf("[reconcile] remove %s: %v", logutil.SanitizeForLog(name), err)
		}
		if (i+1)%removeBatchSize == 0 && i+1 < len(names) {
			time.Sleep(removeBatchDelay)
		}
	}
}

func sessionIDFromName(name string) string {
	return strings.TrimPrefix(name, runtime.SessionContainerPrefix)
}
