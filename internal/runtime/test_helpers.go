package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// FakeRuntime is an in-memory ContainerRuntime for tests. Containers are
// plain records; Spawn/Attach hand out pipes so tests can script PTY output.
type FakeRuntime struct {
	mu sync.Mutex

	Containers map[string]*ContainerInfo
	Logs       map[string][]string
	Removed    []string
	Servers    int

	// SpawnErr / AttachErr force the corresponding call to fail.
	SpawnErr  error
	AttachErr error
	ListErr   error

	// AttachWriters collects the stdin side of handed-out attach handles.
	AttachWriters map[string]*io.PipeWriter

	stdin map[string]*stdinRecorder
}

// stdinRecorder collects everything a handle's stdin receives.
type stdinRecorder struct {
	mu  sync.Mutex
	buf []byte
}

func (r *stdinRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Containers:    make(map[string]*ContainerInfo),
		Logs:          make(map[string][]string),
		AttachWriters: make(map[string]*io.PipeWriter),
		stdin:         make(map[string]*stdinRecorder),
	}
}

func (f *FakeRuntime) Initialize(ctx context.Context) error { return nil }
func (f *FakeRuntime) IsAvailable(ctx context.Context) bool { return true }
func (f *FakeRuntime) BackendName() string                  { return "fake" }

// AddContainer registers a container record for lookup.
func (f *FakeRuntime) AddContainer(info ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := info
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	f.Containers[c.Name] = &c
}

func (f *FakeRuntime) newHandle(name string) *AttachHandle {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	// Drain stdin into a recorder so writers never block.
	rec := &stdinRecorder{}
	f.stdin[name] = rec
	go io.Copy(rec, stdinR)

	f.AttachWriters[name] = stdoutW

	return &AttachHandle{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Resize: func(cols, rows uint16) error { return nil },
		Close: func() error {
			stdinW.Close()
			stdoutR.Close()
			return nil
		},
	}
}

func (f *FakeRuntime) SpawnSession(ctx context.Context, params SpawnParams) (*AttachHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return nil, f.SpawnErr
	}
	name := ContainerName(params.SessionID)
	f.Containers[name] = &ContainerInfo{
		ID:        "fake-" + params.SessionID,
		Name:      name,
		State:     "running",
		Running:   true,
		CreatedAt: time.Now(),
		Env: map[string]string{
			EnvAPIKey:      params.APIKey,
			EnvAccessToken: params.AccessToken,
		},
	}
	return f.newHandle(name), nil
}

func (f *FakeRuntime) AttachSession(ctx context.Context, name string) (*AttachHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AttachErr != nil {
		return nil, f.AttachErr
	}
	c, ok := f.Containers[name]
	if !ok {
		return nil, fmt.Errorf("container %s not found", name)
	}
	if !c.Running {
		return nil, fmt.Errorf("container %s not running", name)
	}
	return f.newHandle(name), nil
}

func (f *FakeRuntime) InspectSession(ctx context.Context, name string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (f *FakeRuntime) ListSessionContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var result []ContainerInfo
	for _, c := range f.Containers {
		if !all && !c.Running {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

func (f *FakeRuntime) StopRemove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, name)
	f.Removed = append(f.Removed, name)
	return nil
}

// StdinData returns a snapshot of everything written to the container's
// stdin via the most recent attach handle.
func (f *FakeRuntime) StdinData(name string) []byte {
	f.mu.Lock()
	rec := f.stdin[name]
	f.mu.Unlock()
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]byte, len(rec.buf))
	copy(out, rec.buf)
	return out
}

// RemovedNames returns a snapshot of removed container names.
func (f *FakeRuntime) RemovedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Removed))
	copy(out, f.Removed)
	return out
}

func (f *FakeRuntime) LogsTail(ctx context.Context, name string, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.Logs[name]
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

func (f *FakeRuntime) ServerInstanceCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Servers, nil
}

var _ ContainerRuntime = (*FakeRuntime)(nil)
