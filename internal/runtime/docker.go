package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/termgate/termgate/internal/config"
)

const stopTimeoutSeconds = 10

type DockerRuntime struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerRuntime) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerRuntime) ensureNetwork(ctx context.Context) error {
	name := config.Cfg.NetworkName
	_, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": LabelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	log.Printf("Created Docker network: %s", name)
	return nil
}

func (d *DockerRuntime) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerRuntime) BackendName() string {
	return "docker"
}

func (d *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", img)
	return nil
}

func parseCPUToNanoCPUs(cpuStr string) (int64, error) {
	if strings.HasSuffix(cpuStr, "m") {
		n, err := strconv.ParseInt(strings.TrimSuffix(cpuStr, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cpu limit %q: %w", cpuStr, err)
		}
		return n * 1_000_000, nil
	}
	f, err := strconv.ParseFloat(cpuStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cpu limit %q: %w", cpuStr, err)
	}
	return int64(f * 1_000_000_000), nil
}

func (d *DockerRuntime) SpawnSession(ctx context.Context, params SpawnParams) (*AttachHandle, error) {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return nil, err
	}

	name := ContainerName(params.SessionID)

	env := []string{
		EnvAPIKey + "=" + params.APIKey,
		EnvAccessToken + "=" + params.AccessToken,
		"TERM=xterm-256color",
	}

	var nanoCPUs, memLimit int64
	if params.CPULimit != "" {
		var err error
		nanoCPUs, err = parseCPUToNanoCPUs(params.CPULimit)
		if err != nil {
			return nil, err
		}
	}
	if params.MemoryLimit != "" {
		var err error
		memLimit, err = units.RAMInBytes(params.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("parse memory limit %q: %w", params.MemoryLimit, err)
		}
	}
	shmSize, _ := units.RAMInBytes("64m")

	shell := params.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	cols, rows := params.Cols, params.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	containerCfg := &container.Config{
		Image:        params.Image,
		Cmd:          []string{shell},
		Env:          env,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"managed-by": LabelManagedBy,
			"role":       LabelRoleSession,
			"session-id": params.SessionID,
		},
	}

	hostCfg := &container.HostConfig{
		ShmSize: shmSize,
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			config.Cfg.NetworkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := d.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	if err := d.client.ContainerResize(ctx, resp.ID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	}); err != nil {
		log.Printf("Initial resize for %s failed: %v", name, err)
	}

	return d.handleFor(resp.ID, attach.Conn, attach.Reader), nil
}

func (d *DockerRuntime) AttachSession(ctx context.Context, name string) (*AttachHandle, error) {
	attach, err := d.client.ContainerAttach(ctx, name, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", name, err)
	}
	return d.handleFor(name, attach.Conn, attach.Reader), nil
}

func (d *DockerRuntime) handleFor(ref string, conn net.Conn, reader io.Reader) *AttachHandle {
	return &AttachHandle{
		Stdin:  conn,
		Stdout: reader,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerResize(context.Background(), ref, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		Close: func() error {
			return conn.Close()
		},
	}
}

func (d *DockerRuntime) InspectSession(ctx context.Context, name string) (*ContainerInfo, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}

	created, err := time.Parse(time.RFC3339Nano, inspect.Created)
	if err != nil {
		created = time.Now()
	}

	env := make(map[string]string, len(inspect.Config.Env))
	for _, kv := range inspect.Config.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	return &ContainerInfo{
		ID:        inspect.ID,
		Name:      strings.TrimPrefix(inspect.Name, "/"),
		State:     inspect.State.Status,
		Running:   inspect.State.Running,
		CreatedAt: created,
		Env:       env,
	}, nil
}

func (d *DockerRuntime) ListSessionContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	args := filters.NewArgs(
		filters.Arg("label", "managed-by="+LabelManagedBy),
		filters.Arg("label", "role="+LabelRoleSession),
	)
	list, err := d.client.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			State:     c.State,
			Running:   c.State == "running",
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return result, nil
}

func (d *DockerRuntime) StopRemove(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !dockerclient.IsErrNotFound(err) {
		// Stop failures are logged but never block removal.
		log.Printf("Stop container %s: %v", name, err)
	}
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) LogsTail(ctx context.Context, name string, n int) ([]string, error) {
	reader, err := d.client.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("container logs %s: %w", name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil && len(raw) == 0 {
		return nil, fmt.Errorf("read container logs %s: %w", name, err)
	}

	text := string(StripStreamHeaders(raw))
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (d *DockerRuntime) ServerInstanceCount(ctx context.Context) (int, error) {
	args := filters.NewArgs(
		filters.Arg("label", "managed-by="+LabelManagedBy),
		filters.Arg("label", "role="+LabelRoleServer),
	)
	list, err := d.client.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list server containers: %w", err)
	}
	return len(list), nil
}

// Ensure DockerRuntime implements ContainerRuntime
var _ ContainerRuntime = (*DockerRuntime)(nil)
