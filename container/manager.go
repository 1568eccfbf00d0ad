// Package container runs agent workers inside Docker containers. It is
// the only process backend with a hard memory ceiling: quotas become
// container Resources instead of best-effort scheduler hints.
//
// Availability is probed at construction; callers fall back to plain
// processes when no daemon answers.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/everydev1618/goaegis"
)

const (
	LabelAgent     = "aegis.agent"
	LabelManagedBy = "aegis.managed-by"
	DefaultImage   = "debian:bookworm-slim"

	containerPrefix = "aegis-"
	startTimeout    = 30 * time.Second
)

// Backend starts agent workers as Docker containers. It implements the
// kernel's process backend interface.
type Backend struct {
	client    *client.Client
	image     string
	mu        sync.Mutex
	available bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithImage sets the worker container image.
func WithImage(img string) Option {
	return func(b *Backend) {
		b.image = img
	}
}

// NewBackend probes for a Docker daemon and returns a backend. If no
// daemon answers, the backend is returned with available=false rather
// than an error, so callers can degrade to plain processes.
func NewBackend(opts ...Option) (*Backend, error) {
	b := &Backend{image: DefaultImage}
	for _, opt := range opts {
		opt(b)
	}

	cli, err := connect()
	if err != nil {
		return b, nil
	}
	b.client = cli
	b.available = true
	return b, nil
}

// connect creates a Docker client, trying the environment first and
// then the common socket locations.
func connect() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()
		if err == nil {
			return cli, nil
		}
		cli.Close()
	}
	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// IsAvailable reports whether a Docker daemon answered the probe.
func (b *Backend) IsAvailable() bool {
	return b.available
}

// Close releases the Docker client.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Start launches a worker container for the given spec. The worker's
// message channel rides the container's attached stdio; quota ceilings
// become hard container resource limits.
func (b *Backend) Start(spec aegis.StartSpec) (aegis.WorkerProcess, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return nil, fmt.Errorf("container: docker not available")
	}
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("container: empty worker command for %s", spec.AgentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	if err := b.ensureImage(ctx); err != nil {
		return nil, fmt.Errorf("container: pull image: %w", err)
	}

	cfg := &container.Config{
		Image:       b.image,
		Cmd:         spec.Argv,
		Env:         spec.Env,
		OpenStdin:   true,
		AttachStdin: true,
		Labels: map[string]string{
			LabelAgent:     spec.AgentID,
			LabelManagedBy: "goaegis",
		},
	}
	hostCfg := &container.HostConfig{
		Resources: resourcesFor(spec),
		Mounts:    mountsFor(spec),
	}

	name := containerPrefix + spec.AgentID
	resp, err := b.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container: create %s: %w", name, err)
	}

	attach, err := b.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container: attach %s: %w", name, err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container: start %s: %w", name, err)
	}

	inspect, err := b.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		attach.Close()
		b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container: inspect %s: %w", name, err)
	}

	// The attach stream multiplexes stdout and stderr; demux stdout
	// into the message channel and forward stderr to ours.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, os.Stderr, attach.Reader)
		pw.CloseWithError(err)
	}()

	return &worker{
		backend: b,
		id:      resp.ID,
		pid:     inspect.State.Pid,
		stdout:  pr,
		attach:  attach,
	}, nil
}

// resourcesFor translates quota ceilings into container limits.
// NanoCPUs is billionths of a CPU, so one percent is 1e7.
func resourcesFor(spec aegis.StartSpec) container.Resources {
	var r container.Resources
	if spec.MemoryMB > 0 {
		r.Memory = int64(spec.MemoryMB) << 20
	}
	if spec.CPUPercent > 0 {
		r.NanoCPUs = int64(spec.CPUPercent) * 10_000_000
	}
	return r
}

// mountsFor binds the agent's sandbox into the container at the same
// path, so sandbox-relative paths mean the same thing on both sides.
func mountsFor(spec aegis.StartSpec) []mount.Mount {
	for _, env := range spec.Env {
		if ws, ok := strings.CutPrefix(env, "AEGIS_WORKSPACE="); ok && ws != "" {
			return []mount.Mount{{Type: mount.TypeBind, Source: ws, Target: ws}}
		}
	}
	return nil
}

// ensureImage pulls the worker image when it is not present locally.
func (b *Backend) ensureImage(ctx context.Context) error {
	_, _, err := b.client.ImageInspectWithRaw(ctx, b.image)
	if err == nil {
		return nil
	}
	rc, err := b.client.ImagePull(ctx, b.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// UpdateResources pushes new quota ceilings onto a running container.
// This is the hard-enforcement path for quota resyncs.
func (b *Backend) UpdateResources(containerID string, cpuPercent, memoryMB int) error {
	if !b.available {
		return fmt.Errorf("container: docker not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	update := container.UpdateConfig{
		Resources: container.Resources{
			Memory:   int64(memoryMB) << 20,
			NanoCPUs: int64(cpuPercent) * 10_000_000,
		},
	}
	_, err := b.client.ContainerUpdate(ctx, containerID, update)
	return err
}

// worker is a running containerized agent process.
type worker struct {
	backend *Backend
	id      string
	pid     int
	stdout  io.Reader
	attach  types.HijackedResponse
}

// PID returns the container's init process id on the host.
func (w *worker) PID() int {
	return w.pid
}

// ContainerID returns the Docker container id, for UpdateResources.
func (w *worker) ContainerID() string {
	return w.id
}

// Alive reports whether the container is still running.
func (w *worker) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := w.backend.client.ContainerInspect(ctx, w.id)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// IO returns the demuxed stdout stream and the attached stdin.
func (w *worker) IO() (io.Reader, io.Writer) {
	return w.stdout, w.attach.Conn
}

// Kill force-removes the container.
func (w *worker) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.attach.Close()
	return w.backend.client.ContainerRemove(ctx, w.id, container.RemoveOptions{Force: true})
}

// Wait blocks until the container stops or the timeout elapses.
func (w *worker) Wait(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	okCh, errCh := w.backend.client.ContainerWait(ctx, w.id, container.WaitConditionNotRunning)
	select {
	case <-okCh:
		return true
	case <-errCh:
		return false
	}
}
