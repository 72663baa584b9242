// Package serverinstance implements the lifecycle state machine for one
// server (spec.md §4.4, C4): create/start/stop/kill/restart/delete,
// sendCommand, getStatus, getUsages, live-event subscription, and
// container-log streaming.
//
// Grounded on the teacher's warden/server.go handleConnection orchestration
// (ordered validate -> evaluate -> execute -> audit steps) generalized into
// the ordered start() pipeline below, and the single-retry stdin reattach
// contract documented in spec.md §9.
package serverinstance

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"hightide/internal/agenterr"
	"hightide/internal/containerdriver"
	"hightide/internal/eventbus"
	"hightide/internal/logmux"
	"hightide/internal/sandbox"
	"hightide/pkg/liveevent"
)

const (
	containerNamePrefix = "hightide_"
	containerWorkingDir = "/home/hightd"

	startPollInterval = 200 * time.Millisecond
	startPollAttempts = 15
)

// Instance is the lifecycle state machine for one server (spec.md §3
// "Server Instance"). Start, Stop, Kill and Delete each hold lifecycleMu;
// Restart takes it twice (Stop, then Start) and is not atomic, and the
// stdin reattach done by SendCommand and AdoptHandle does not take it.
// sendCommand/getStatus/getUsages/live emission may run
// concurrently with one another and with a lifecycle action, observing
// fields through fieldsMu.
type Instance struct {
	ID       string
	resolver *sandbox.Resolver
	driver   *containerdriver.Driver
	bus      *eventbus.Bus
	logger   *log.Logger

	lifecycleMu sync.Mutex

	fieldsMu  sync.Mutex
	handle    *containerdriver.Handle
	running   bool
	startedAt *time.Time
	stdin     io.Writer
	stdioConn io.Closer
	waitCancel context.CancelFunc
}

// New constructs an Instance bound to id's sandbox. It does not create the
// sandbox directory — the caller (internal/registry) does that as part of
// its own create(id).
func New(id string, resolver *sandbox.Resolver, driver *containerdriver.Driver, logger *log.Logger) *Instance {
	if logger == nil {
		logger = log.New(os.Stdout, "[server:"+id+"] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Instance{
		ID:       id,
		resolver: resolver,
		driver:   driver,
		bus:      eventbus.New(logger),
		logger:   logger,
	}
}

// ContainerName is the runtime-level name "{prefix}{id}" used both at
// create time and by C2's boot reconciliation lookup.
func (inst *Instance) ContainerName() string { return containerNamePrefix + inst.ID }

func (inst *Instance) emit(category liveevent.Category, message string) {
	inst.bus.Emit(liveevent.Event{
		Category:         category,
		Message:          message,
		TimestampEpochMs: time.Now().UnixMilli(),
	})
}

// AddLiveListener registers with the instance's live event bus (C5).
func (inst *Instance) AddLiveListener(fn liveevent.Listener) eventbus.Unsubscribe {
	return inst.bus.Subscribe(fn)
}

// AdoptHandle binds an already-running container to this instance — used
// only by C2's boot-time reconciliation.
func (inst *Instance) AdoptHandle(h *containerdriver.Handle, startedAt time.Time) {
	inst.fieldsMu.Lock()
	inst.handle = h
	inst.running = true
	t := startedAt
	inst.startedAt = &t
	inst.fieldsMu.Unlock()

	inst.reattachStdio(context.Background())
	inst.superviseExit(h)
}

// Start realizes spec.md §4.4 start(): render templates, write config
// files, compose the command, pull the image, create+start the container,
// poll for running, attach stdio, and register the exit continuation.
func (inst *Instance) Start(ctx context.Context, sd StartData) error {
	inst.lifecycleMu.Lock()
	defer inst.lifecycleMu.Unlock()
	const op = "serverinstance.Start"

	// Invariant 4: at most one container handle at a time.
	if prev := inst.currentHandle(); prev != nil {
		if err := inst.driver.Remove(ctx, prev, true); err != nil {
			inst.logger.Printf("force-remove previous container before start: %v", err)
		}
		inst.setHandle(nil)
	}

	vars := templateVars(sd)
	if err := writeConfigTemplates(inst.resolver, sd.Core.ConfigSystem, vars); err != nil {
		return err
	}
	if err := writeConfigTemplates(inst.resolver, sd.Core.StartupParser, vars); err != nil {
		return err
	}

	combinedCommand := composeCommand(sd.Core.InstallScript, sd.Core.StartupCommand, vars)

	inst.emit(liveevent.CategoryPull, fmt.Sprintf("Baixando imagem %s...", sd.Image))
	if err := inst.driver.Pull(ctx, sd.Image, func(ev containerdriver.PullEvent) {
		inst.emit(liveevent.CategoryPull, strings.TrimSpace(ev.Status+" "+ev.Progress))
	}); err != nil {
		inst.emit(liveevent.CategoryError, "Falha ao baixar a imagem: "+err.Error())
		return agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}

	spec := inst.buildCreateSpec(sd, combinedCommand, vars)
	handle, err := inst.driver.Create(ctx, spec)
	if err != nil {
		inst.emit(liveevent.CategoryError, "Falha ao criar o container: "+err.Error())
		return err
	}

	if err := inst.driver.Start(ctx, handle); err != nil {
		inst.driver.Remove(ctx, handle, true)
		inst.emit(liveevent.CategoryError, "Falha ao iniciar o container: "+err.Error())
		return err
	}
	inst.setHandle(handle)

	if !inst.pollUntilRunning(ctx, handle) {
		inst.driver.Remove(ctx, handle, true)
		inst.setHandle(nil)
		inst.emit(liveevent.CategoryError, "Servidor nao iniciou dentro do tempo esperado.")
		return agenterr.New(agenterr.KindRuntimeFailed, op, fmt.Errorf("container did not reach running state"))
	}

	now := time.Now()
	inst.fieldsMu.Lock()
	inst.running = true
	inst.startedAt = &now
	inst.fieldsMu.Unlock()
	inst.emit(liveevent.CategoryStatus, "Servidor em execucao.")

	if err := inst.reattachStdio(ctx); err != nil {
		inst.logger.Printf("attach stdio after start: %v (non-fatal)", err)
	}
	inst.superviseExit(handle)

	return nil
}

// buildCreateSpec translates StartData into the driver's intent-level
// CreateSpec (spec.md §4.3).
func (inst *Instance) buildCreateSpec(sd StartData, combinedCommand string, vars map[string]string) containerdriver.CreateSpec {
	env := make([]string, 0, len(sd.Environment)+3)
	for k, v := range sd.Environment {
		env = append(env, k+"="+v)
	}
	env = append(env, "SERVER_MEMORY="+vars["SERVER_MEMORY"], "SERVER_PORT="+vars["SERVER_PORT"], "SERVER_IP="+vars["SERVER_IP"])

	allocations := make([]containerdriver.Allocation, 0, 1+len(sd.AdditionalAllocations))
	allocations = append(allocations, containerdriver.Allocation{IP: sd.PrimaryAllocation.IP, Port: sd.PrimaryAllocation.Port})
	for _, a := range sd.AdditionalAllocations {
		allocations = append(allocations, containerdriver.Allocation{IP: a.IP, Port: a.Port})
	}

	inst.logger.Printf("starting with %s memory, %s cpu shares", units.BytesSize(float64(sd.MemoryMiB*1024*1024)), units.HumanSize(float64(sd.CPUPermille)))

	return containerdriver.CreateSpec{
		Name:        inst.ContainerName(),
		Image:       sd.Image,
		Command:     []string{"/bin/sh", "-c", combinedCommand},
		Env:         env,
		WorkingDir:  containerWorkingDir,
		BindMount:   inst.resolver.Root(),
		MemoryMiB:   sd.MemoryMiB,
		CPUPermille: sd.CPUPermille,
		DiskMiB:     sd.DiskMiB,
		Allocations: allocations,
	}
}

// pollUntilRunning polls inspect at 200ms intervals up to 15 times
// (spec.md §4.4 step 6, §5 "Start polling is bounded: 15 attempts x 200ms").
func (inst *Instance) pollUntilRunning(ctx context.Context, h *containerdriver.Handle) bool {
	for i := 0; i < startPollAttempts; i++ {
		res, err := inst.driver.Inspect(ctx, h)
		if err == nil && res.Status == "running" {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(startPollInterval):
		}
	}
	return false
}

// reattachStdio attaches to the container and stores the writable side as
// the stdin sink.
func (inst *Instance) reattachStdio(ctx context.Context) error {
	h := inst.currentHandle()
	if h == nil {
		return agenterr.New(agenterr.KindStdinUnavailable, "serverinstance.reattachStdio", fmt.Errorf("no container handle"))
	}
	conn, err := inst.driver.Attach(ctx, h)
	if err != nil {
		return agenterr.New(agenterr.KindStdinUnavailable, "serverinstance.reattachStdio", err)
	}

	inst.fieldsMu.Lock()
	if inst.stdioConn != nil {
		inst.stdioConn.Close()
	}
	inst.stdin = conn
	inst.stdioConn = conn
	inst.fieldsMu.Unlock()
	return nil
}

// superviseExit registers a wait() continuation that clears running state
// and emits a status event when the container exits (spec.md §4.4 step 7).
func (inst *Instance) superviseExit(h *containerdriver.Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	inst.fieldsMu.Lock()
	if inst.waitCancel != nil {
		inst.waitCancel()
	}
	inst.waitCancel = cancel
	inst.fieldsMu.Unlock()

	go func() {
		result := inst.driver.Wait(ctx, h)
		if ctx.Err() != nil {
			return
		}

		inst.fieldsMu.Lock()
		inst.running = false
		inst.startedAt = nil
		if inst.stdioConn != nil {
			inst.stdioConn.Close()
			inst.stdioConn = nil
		}
		inst.stdin = nil
		inst.fieldsMu.Unlock()

		if result.Err != nil {
			inst.logger.Printf("wait() for %s failed: %v", inst.ID, result.Err)
		}
		inst.emit(liveevent.CategoryStatus, "Servidor marcado como desligado.")
	}()
}

// SendCommand writes cmd (newline-appended if absent) to the container's
// stdin. If no sink is available, one reattach is attempted before failing
// with StdinUnavailable (spec.md §4.4, §9).
func (inst *Instance) SendCommand(ctx context.Context, cmd string) error {
	const op = "serverinstance.SendCommand"

	inst.fieldsMu.Lock()
	sink := inst.stdin
	inst.fieldsMu.Unlock()

	if sink == nil {
		if err := inst.reattachStdio(ctx); err != nil {
			return agenterr.New(agenterr.KindStdinUnavailable, op, err)
		}
		inst.fieldsMu.Lock()
		sink = inst.stdin
		inst.fieldsMu.Unlock()
		if sink == nil {
			return agenterr.New(agenterr.KindStdinUnavailable, op, fmt.Errorf("stdin sink unavailable after reattach"))
		}
	}

	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	if _, err := sink.Write([]byte(cmd)); err != nil {
		return agenterr.New(agenterr.KindStdinUnavailable, op, err)
	}
	inst.emit(liveevent.CategoryCommand, strings.TrimSuffix(cmd, "\n"))
	return nil
}

// Stop emits a status event, attempts sendCommand(command), and falls back
// to Kill on any failure (spec.md §4.4).
func (inst *Instance) Stop(ctx context.Context, command string) error {
	inst.lifecycleMu.Lock()
	defer inst.lifecycleMu.Unlock()

	inst.emit(liveevent.CategoryStatus, "Parando o servidor...")
	if err := inst.SendCommand(ctx, command); err != nil {
		inst.logger.Printf("stop command failed, killing: %v", err)
		return inst.killLocked(ctx)
	}
	return nil
}

// Kill asks the runtime to kill the container. Never raises — errors are
// logged only. A kill on a stopped/handle-less instance is a no-op.
func (inst *Instance) Kill(ctx context.Context) error {
	inst.lifecycleMu.Lock()
	defer inst.lifecycleMu.Unlock()
	return inst.killLocked(ctx)
}

func (inst *Instance) killLocked(ctx context.Context) error {
	h := inst.currentHandle()
	if h == nil {
		return nil
	}
	if err := inst.driver.Kill(ctx, h); err != nil {
		inst.logger.Printf("kill %s: %v", inst.ID, err)
	}
	return nil
}

// Restart stops then starts the instance.
func (inst *Instance) Restart(ctx context.Context, sd StartData, stopCommand string) error {
	_ = inst.Stop(ctx, stopCommand)
	return inst.Start(ctx, sd)
}

// Delete best-effort kills, force-removes the container, clears all
// in-memory state, and recursively removes the sandbox directory. The
// caller (internal/httpapi, via registry.Remove) deregisters the instance
// afterward.
func (inst *Instance) Delete(ctx context.Context) error {
	inst.lifecycleMu.Lock()
	defer inst.lifecycleMu.Unlock()

	h := inst.currentHandle()
	if h != nil {
		if err := inst.driver.Kill(ctx, h); err != nil {
			inst.logger.Printf("delete: kill %s: %v", inst.ID, err)
		}
		if err := inst.driver.Remove(ctx, h, true); err != nil {
			inst.logger.Printf("delete: remove %s: %v", inst.ID, err)
		}
	}

	inst.fieldsMu.Lock()
	inst.handle = nil
	inst.running = false
	inst.startedAt = nil
	if inst.stdioConn != nil {
		inst.stdioConn.Close()
		inst.stdioConn = nil
	}
	inst.stdin = nil
	if inst.waitCancel != nil {
		inst.waitCancel()
		inst.waitCancel = nil
	}
	inst.fieldsMu.Unlock()

	if err := os.RemoveAll(inst.resolver.Root()); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, "serverinstance.Delete", err)
	}
	return nil
}

// GetStatus is authoritative: it inspects the runtime and synchronizes
// running/startedAt. An inspect failure is treated as stopped and drops
// the handle (spec.md §4.4).
func (inst *Instance) GetStatus(ctx context.Context) Status {
	h := inst.currentHandle()
	if h == nil {
		inst.fieldsMu.Lock()
		inst.running = false
		inst.startedAt = nil
		inst.fieldsMu.Unlock()
		return StatusStopped
	}

	res, err := inst.driver.Inspect(ctx, h)
	if err != nil {
		inst.fieldsMu.Lock()
		inst.running = false
		inst.startedAt = nil
		inst.handle = nil
		inst.fieldsMu.Unlock()
		return StatusStopped
	}

	running := res.Status == "running"
	inst.fieldsMu.Lock()
	inst.running = running
	if running {
		if inst.startedAt == nil {
			t := res.StartedAt
			if t.IsZero() {
				t = time.Now()
			}
			inst.startedAt = &t
		}
	} else {
		inst.startedAt = nil
	}
	inst.fieldsMu.Unlock()

	if running {
		return StatusRunning
	}
	return StatusStopped
}

// GetUsages takes a one-shot stats snapshot and reduces it to
// {cpuPercent, memoryBytes, memoryLimitBytes} per spec.md §4.4's formula.
func (inst *Instance) GetUsages(ctx context.Context) (Usage, error) {
	h := inst.currentHandle()
	if h == nil {
		return Usage{}, nil
	}
	snap, err := inst.driver.Stats(ctx, h)
	if err != nil {
		return Usage{}, err
	}

	var cpuPercent float64
	cpuDelta := float64(snap.CPUTotal) - float64(snap.PreCPUTotal)
	sysDelta := float64(snap.SystemCPU) - float64(snap.PreSystemCPU)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(snap.OnlineCPUs)
		if online == 0 {
			online = 1
		}
		cpuPercent = roundTo2((cpuDelta / sysDelta) * online * 100)
	}

	return Usage{
		CPUPercent:       cpuPercent,
		MemoryBytes:      snap.MemoryUsage,
		MemoryLimitBytes: snap.MemoryLimit,
	}, nil
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// StreamDockerLogs starts following the container's combined output,
// delivering lines to onLine in arrival order. It is TTY-aware: if the
// container has no TTY, the stream is demultiplexed into stdout/stderr
// before line-splitting (spec.md §4.6, C6). The returned cleanup is
// idempotent.
func (inst *Instance) StreamDockerLogs(ctx context.Context, tail string, onLine func(logmux.Line)) (func(), error) {
	h := inst.currentHandle()
	if h == nil {
		return func() {}, agenterr.New(agenterr.KindRuntimeFailed, "serverinstance.StreamDockerLogs", fmt.Errorf("no container handle"))
	}

	tty, err := inst.driver.IsTTY(ctx, h)
	if err != nil {
		return func() {}, err
	}

	rc, err := inst.driver.Logs(ctx, h, containerdriver.LogsOptions{Follow: true, Tail: tail})
	if err != nil {
		return func() {}, err
	}

	mux := logmux.New(rc)
	go func() {
		var runErr error
		if tty {
			runErr = mux.RunTTY(rc, onLine)
		} else {
			runErr = mux.RunDemux(rc, onLine)
		}
		if runErr != nil {
			inst.logger.Printf("log stream for %s ended: %v", inst.ID, runErr)
		}
	}()

	return mux.Cleanup, nil
}

// running/startedAt accessors used by internal/console and internal/httpapi.

func (inst *Instance) currentHandle() *containerdriver.Handle {
	inst.fieldsMu.Lock()
	defer inst.fieldsMu.Unlock()
	return inst.handle
}

func (inst *Instance) setHandle(h *containerdriver.Handle) {
	inst.fieldsMu.Lock()
	inst.handle = h
	inst.fieldsMu.Unlock()
}

// StartedAt returns the last recorded start time, or nil if not running.
func (inst *Instance) StartedAt() *time.Time {
	inst.fieldsMu.Lock()
	defer inst.fieldsMu.Unlock()
	if inst.startedAt == nil {
		return nil
	}
	t := *inst.startedAt
	return &t
}

// Running reports the last-observed running flag without touching the
// runtime — callers needing an authoritative read should call GetStatus.
func (inst *Instance) Running() bool {
	inst.fieldsMu.Lock()
	defer inst.fieldsMu.Unlock()
	return inst.running
}

// SandboxRoot exposes the instance's sandbox root directory.
func (inst *Instance) SandboxRoot() string { return inst.resolver.Root() }

// Resolver exposes the instance's path resolver, shared read/write with
// internal/filemanager and internal/sftpd (spec.md §3 "Sandbox Root").
func (inst *Instance) Resolver() *sandbox.Resolver { return inst.resolver }
