// Package runtime abstracts the container backend that hosts shell sessions.
// The relay core talks to a narrow ContainerRuntime interface; the Docker
// implementation lives in docker.go and a fake for tests in test_helpers.go.
package runtime

import (
	"context"
	"io"
	"time"
)

// Container naming and labelling conventions. The session container name is
// derived deterministically from the session id so a restarted server can
// find the container again without any in-memory state.
const (
	SessionContainerPrefix = "termgate-session-"
	LabelManagedBy         = "termgate"
	LabelRoleServer        = "server"
	LabelRoleSession       = "session"
)

// Credential environment variables injected into session containers. The
// cross-process resume path reads these back via inspect to recompute the
// credential hash.
const (
	EnvAPIKey      = "TERMGATE_API_KEY"
	EnvAccessToken = "TERMGATE_ACCESS_TOKEN"
)

// ContainerName derives the container name for a session id.
func ContainerName(sessionID string) string {
	return SessionContainerPrefix + sessionID
}

// SpawnParams describes a new session container.
type SpawnParams struct {
	SessionID   string
	Image       string
	Shell       string
	APIKey      string
	AccessToken string
	CPULimit    string
	MemoryLimit string
	Cols        uint16
	Rows        uint16
}

// AttachHandle is a live bidirectional stream to a session container's TTY.
type AttachHandle struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
}

// ContainerInfo is the subset of container state the session core needs.
type ContainerInfo struct {
	ID        string
	Name      string
	State     string // docker state string: running, exited, dead, ...
	Running   bool
	CreatedAt time.Time
	Env       map[string]string
}

// ContainerRuntime is the narrow surface the session registry, resume
// resolver, and reconciler depend on. Every lookup treats "container does
// not exist" as a nil result, not an error.
type ContainerRuntime interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// SpawnSession creates and starts a session container and returns an
	// attached TTY stream.
	SpawnSession(ctx context.Context, params SpawnParams) (*AttachHandle, error)

	// AttachSession re-attaches to an already-running session container.
	AttachSession(ctx context.Context, name string) (*AttachHandle, error)

	// InspectSession looks up a session container by exact name, including
	// stopped ones. Returns (nil, nil) when no such container exists.
	InspectSession(ctx context.Context, name string) (*ContainerInfo, error)

	// ListSessionContainers returns all termgate session containers;
	// all=true includes stopped ones.
	ListSessionContainers(ctx context.Context, all bool) ([]ContainerInfo, error)

	// StopRemove stops (bounded timeout) and force-removes a container.
	// A container that is already gone is success.
	StopRemove(ctx context.Context, name string) error

	// LogsTail returns up to n trailing output lines from the container.
	LogsTail(ctx context.Context, name string, n int) ([]string, error)

	// ServerInstanceCount counts running termgate server containers, used by
	// the startup sweep to detect sibling server processes.
	ServerInstanceCount(ctx context.Context) (int, error)
}
