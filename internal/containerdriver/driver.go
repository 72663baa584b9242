// Package containerdriver is a thin, intent-level wrapper over the
// container runtime (spec.md §4.3, C3): pull, create, start, inspect,
// attach, stats, logs, wait, kill, remove. It is the only package that
// touches the Docker client directly.
//
// Grounded on the teacher's executor/mirror.go DockerExecutor: the same
// client construction, the same ContainerAttach/ContainerWait/ContainerKill/
// ContainerRemove call shapes, generalized from "exec back into an
// originating container" to "own the full lifecycle of a dedicated
// container".
package containerdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"hightide/internal/agenterr"
)

// Handle is an opaque reference to a created container. Invariant 4 of
// spec.md §3: a Server Instance holds at most one Handle at a time.
type Handle struct {
	ID   string
	Name string
}

// Allocation is a reserved {ip, port} tuple, published as both TCP and UDP
// port mappings (spec.md GLOSSARY "Allocation").
type Allocation struct {
	IP   string
	Port int
}

// CreateSpec is the intent-level description of a container to create.
type CreateSpec struct {
	Name       string // container name, "{prefix}{id}"
	Image      string
	Command    []string // e.g. ["/bin/sh", "-c", combinedCommand]
	Env        []string // "KEY=VALUE"
	WorkingDir string   // "/home/hightd"
	BindMount  string   // host sandbox path, mounted at WorkingDir

	MemoryMiB   int64
	CPUPermille int64 // percent-of-one-cpu times 10, per spec.md §3 StartData
	DiskMiB     int64

	Allocations []Allocation
}

// InspectResult is the subset of container state the engine needs.
type InspectResult struct {
	Status    string // "running", "exited", ...
	StartedAt time.Time
}

// UsageSnapshot is a one-shot raw stats read, decoded just enough for C4's
// getUsages CPU-percent formula (spec.md §4.4).
type UsageSnapshot struct {
	CPUTotal      uint64
	PreCPUTotal   uint64
	SystemCPU     uint64
	PreSystemCPU  uint64
	OnlineCPUs    uint32
	MemoryUsage   uint64
	MemoryLimit   uint64
}

// PullEvent is one line of Docker's image-pull progress stream.
type PullEvent struct {
	Ref      string
	Status   string
	Progress string
}

// LogsOptions parameterizes Logs and the log-following path used by C6.
type LogsOptions struct {
	Follow bool
	Tail   string // Docker's tail spec, e.g. "200" or "all"
}

// WaitResult is the outcome of Wait.
type WaitResult struct {
	StatusCode int64
	Err        error
}

// Driver wraps a single docker client.Client.
type Driver struct {
	cli    *client.Client
	logger *log.Logger
}

// New constructs a Driver from the environment (DOCKER_HOST, etc.), with
// API version negotiation — the teacher's exact client construction in
// executor/mirror.go.
func New(logger *log.Logger) (*Driver, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[containerdriver] ", log.LstdFlags|log.Lmsgprefix)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.New", err)
	}
	return &Driver{cli: cli, logger: logger}, nil
}

// Close releases the underlying client's idle connections.
func (d *Driver) Close() error { return d.cli.Close() }

// Pull pulls image, invoking onEvent for every progress line. Blocking;
// the sequence is finite — it ends when Docker closes the stream.
func (d *Driver) Pull(ctx context.Context, imageRef string, onEvent func(PullEvent)) error {
	const op = "containerdriver.Pull"

	rc, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, op, fmt.Errorf("pull %s: %w", imageRef, err))
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var raw struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			ProgressDetail struct {
				Current int64 `json:"current"`
				Total   int64 `json:"total"`
			} `json:"progressDetail"`
			Progress string `json:"progress"`
		}
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return agenterr.New(agenterr.KindRuntimeFailed, op, fmt.Errorf("pull %s: decode progress: %w", imageRef, err))
		}
		if onEvent != nil {
			onEvent(PullEvent{Ref: raw.ID, Status: raw.Status, Progress: raw.Progress})
		}
	}
}

// Create creates a container per spec.md §4.3: TTY enabled, stdin open and
// persistent, working directory per spec.WorkingDir, sandbox bind-mounted,
// memory/cpu limits, TCP+UDP port bindings per allocation, json-file log
// driver capped at 70KiB x 1 file.
func (d *Driver) Create(ctx context.Context, spec CreateSpec) (*Handle, error) {
	const op = "containerdriver.Create"

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, alloc := range spec.Allocations {
		for _, proto := range []string{"tcp", "udp"} {
			p, err := nat.NewPort(proto, fmt.Sprintf("%d", alloc.Port))
			if err != nil {
				return nil, agenterr.New(agenterr.KindInputInvalid, op, err)
			}
			exposed[p] = struct{}{}
			bindings[p] = append(bindings[p], nat.PortBinding{
				HostIP:   alloc.IP,
				HostPort: fmt.Sprintf("%d", alloc.Port),
			})
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Binds:        []string{spec.BindMount + ":" + spec.WorkingDir},
		PortBindings: bindings,
		Resources: container.Resources{
			Memory: spec.MemoryMiB * 1024 * 1024,
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": "70k",
				"max-file": "1",
			},
		},
	}
	if spec.CPUPermille > 0 {
		const period = int64(100000)
		hostCfg.Resources.CPUPeriod = period
		hostCfg.Resources.CPUQuota = spec.CPUPermille * period / 1000
	}
	// DiskMiB is not applied: no disk quota or storage size option is
	// passed to the runtime, so the container's disk use is not limited.

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return &Handle{ID: resp.ID, Name: spec.Name}, nil
}

// Start starts h. Does not wait for application readiness.
func (d *Driver) Start(ctx context.Context, h *Handle) error {
	if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Start", err)
	}
	return nil
}

// Inspect returns the container's current status and start time.
func (d *Driver) Inspect(ctx context.Context, h *Handle) (InspectResult, error) {
	info, err := d.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		return InspectResult{}, agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Inspect", err)
	}
	var startedAt time.Time
	if info.State != nil && info.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			startedAt = t
		}
	}
	status := ""
	if info.State != nil {
		status = info.State.Status
	}
	return InspectResult{Status: status, StartedAt: startedAt}, nil
}

// FindByName looks up an existing container by its exact name, returning
// (nil, nil) if none exists — used by C2's boot reconciliation.
func (d *Driver) FindByName(ctx context.Context, name string) (*Handle, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.FindByName", err)
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name || n == name {
				return &Handle{ID: c.ID, Name: name}, nil
			}
		}
	}
	return nil, nil
}

// Stats reads a single point-in-time stats snapshot.
func (d *Driver) Stats(ctx context.Context, h *Handle) (UsageSnapshot, error) {
	const op = "containerdriver.Stats"

	resp, err := d.cli.ContainerStats(ctx, h.ID, false)
	if err != nil {
		return UsageSnapshot{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	defer resp.Body.Close()

	var raw struct {
		CPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage    uint64 `json:"system_cpu_usage"`
			OnlineCPUs     uint32 `json:"online_cpus"`
		} `json:"cpu_stats"`
		PreCPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
		} `json:"precpu_stats"`
		MemoryStats struct {
			Usage uint64 `json:"usage"`
			Limit uint64 `json:"limit"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return UsageSnapshot{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}

	return UsageSnapshot{
		CPUTotal:     raw.CPUStats.CPUUsage.TotalUsage,
		PreCPUTotal:  raw.PreCPUStats.CPUUsage.TotalUsage,
		SystemCPU:    raw.CPUStats.SystemUsage,
		PreSystemCPU: raw.PreCPUStats.SystemUsage,
		OnlineCPUs:   raw.CPUStats.OnlineCPUs,
		MemoryUsage:  raw.MemoryStats.Usage,
		MemoryLimit:  raw.MemoryStats.Limit,
	}, nil
}

// Attach returns the container's single shared stdio stream (stdin write,
// stdout+stderr read). TTY containers are not frame-demultiplexed.
func (d *Driver) Attach(ctx context.Context, h *Handle) (io.ReadWriteCloser, error) {
	resp, err := d.cli.ContainerAttach(ctx, h.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Attach", err)
	}
	return &hijackedConn{resp: resp}, nil
}

// hijackedConn adapts types.HijackedResponse (a hijacked net.Conn plus a
// buffered reader already primed with any read-ahead bytes) to
// io.ReadWriteCloser.
type hijackedConn struct {
	resp types.HijackedResponse
}

func (h *hijackedConn) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackedConn) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijackedConn) Close() error                { h.resp.Close(); return nil }

// Logs streams the container's combined output, following per opts.
func (d *Driver) Logs(ctx context.Context, h *Handle, opts LogsOptions) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, h.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
	})
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Logs", err)
	}
	return rc, nil
}

// IsTTY reports whether h's container was created with a TTY — used by
// C6's log multiplexer to decide whether to demultiplex stream frames.
func (d *Driver) IsTTY(ctx context.Context, h *Handle) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		return false, agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.IsTTY", err)
	}
	if info.Config == nil {
		return false, nil
	}
	return info.Config.Tty, nil
}

// Wait blocks until h's container exits, or ctx is canceled.
func (d *Driver) Wait(ctx context.Context, h *Handle) WaitResult {
	statusCh, errCh := d.cli.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return WaitResult{StatusCode: status.StatusCode}
	case err := <-errCh:
		return WaitResult{Err: agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Wait", err)}
	case <-ctx.Done():
		return WaitResult{Err: ctx.Err()}
	}
}

// Kill signals h's container. Never returns a fatal error to the caller's
// control flow — spec.md §4.4 "kill() ... never raises" — but the error is
// still returned for logging at the call site.
func (d *Driver) Kill(ctx context.Context, h *Handle) error {
	if err := d.cli.ContainerKill(ctx, h.ID, "SIGKILL"); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Kill", err)
	}
	return nil
}

// Remove force-removes h's container when force is true.
func (d *Driver) Remove(ctx context.Context, h *Handle, force bool) error {
	if err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: force}); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, "containerdriver.Remove", err)
	}
	return nil
}

