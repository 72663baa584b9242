package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"hightide/internal/agenterr"
	"hightide/internal/serverinstance"
)

type createRequest struct {
	baseRequest
}

func (r *createRequest) base() *baseRequest { return &r.baseRequest }

// handleCreate creates a new Server Instance (admin-only, spec.md §6).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	if body.ServerID == "" {
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.create", fmt.Errorf("serverId is required")))
		return
	}
	if !s.requireAdmin(w, &body.baseRequest) {
		return
	}

	if _, err := s.registry.Create(body.ServerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type deleteRequest struct {
	baseRequest
}

func (r *deleteRequest) base() *baseRequest { return &r.baseRequest }

// handleDelete deletes a Server Instance (admin-only, spec.md §6).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body deleteRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	if body.ServerID == "" {
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.delete", fmt.Errorf("serverId is required")))
		return
	}
	if !s.requireAdmin(w, &body.baseRequest) {
		return
	}

	inst, ok := s.registry.Get(body.ServerID)
	if !ok {
		writeError(w, agenterr.New(agenterr.KindNotFound, "httpapi.delete", fmt.Errorf("server %q not found", body.ServerID)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := inst.Delete(ctx); err != nil {
		writeError(w, err)
		return
	}
	s.registry.Remove(body.ServerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type statusRequest struct {
	baseRequest
}

func (r *statusRequest) base() *baseRequest { return &r.baseRequest }

// handleServerStatus reports the authoritative running/stopped state.
// Per spec.md §9's fixed open question, the resolved status is awaited
// and returned — Go's synchronous call semantics make the teacher's
// original "returned before awaiting" bug inexpressible here.
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	var body statusRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	if !s.requirePermission(w, &body.baseRequest) {
		return
	}

	inst, ok := s.registry.Get(body.ServerID)
	if !ok {
		writeError(w, agenterr.New(agenterr.KindNotFound, "httpapi.status", fmt.Errorf("server %q not found", body.ServerID)))
		return
	}

	status := inst.GetStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "serverStatus": string(status)})
}

type usageRequest struct {
	baseRequest
}

func (r *usageRequest) base() *baseRequest { return &r.baseRequest }

type usagePayload struct {
	CPU            float64 `json:"cpu"`
	Memory         uint64  `json:"memory"`
	MemoryLimit    uint64  `json:"memoryLimit"`
	MemoryPercent  float64 `json:"memoryPercent"`
	StartedAt      *int64  `json:"startedAt,omitempty"`
	UptimeMs       *int64  `json:"uptimeMs,omitempty"`
	State          string  `json:"state"`
}

// handleUsage returns a one-shot resource usage snapshot. networkIn,
// networkOut, and disk are omitted entirely rather than populated with
// zero values (spec.md §9's second open question).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var body usageRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	if !s.requirePermission(w, &body.baseRequest) {
		return
	}

	inst, ok := s.registry.Get(body.ServerID)
	if !ok {
		writeError(w, agenterr.New(agenterr.KindNotFound, "httpapi.usage", fmt.Errorf("server %q not found", body.ServerID)))
		return
	}

	status := inst.GetStatus(r.Context())
	usage, err := inst.GetUsages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	payload := usagePayload{
		CPU:         usage.CPUPercent,
		Memory:      usage.MemoryBytes,
		MemoryLimit: usage.MemoryLimitBytes,
		State:       string(status),
	}
	if usage.MemoryLimitBytes > 0 {
		payload.MemoryPercent = float64(usage.MemoryBytes) / float64(usage.MemoryLimitBytes) * 100
	}
	if startedAt := inst.StartedAt(); startedAt != nil {
		ms := startedAt.UnixMilli()
		payload.StartedAt = &ms
		uptime := time.Since(*startedAt).Milliseconds()
		payload.UptimeMs = &uptime
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "usage": payload})
}

type actionRequest struct {
	baseRequest
	Action               string                      `json:"action"`
	Command              string                      `json:"command"`
	Memory               int64                       `json:"memory"`
	CPU                  int64                       `json:"cpu"`
	Disk                 int64                       `json:"disk"`
	Environment          map[string]string           `json:"environment"`
	PrimaryAllocation    serverinstance.Allocation   `json:"primaryAllocation"`
	AdditionalAllocation []serverinstance.Allocation `json:"additionalAllocation"`
	Image                string                      `json:"image"`
	Core                 serverinstance.Core         `json:"core"`
}

func (r *actionRequest) base() *baseRequest { return &r.baseRequest }

func (r *actionRequest) startData() serverinstance.StartData {
	return serverinstance.StartData{
		MemoryMiB:             r.Memory,
		CPUPermille:           r.CPU,
		DiskMiB:               r.Disk,
		Environment:           r.Environment,
		PrimaryAllocation:     r.PrimaryAllocation,
		AdditionalAllocations: r.AdditionalAllocation,
		Image:                 r.Image,
		Core:                  r.Core,
	}
}

// handleAction dispatches one of start/restart/stop/kill/command
// (spec.md §6).
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var body actionRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	if !s.requirePermission(w, &body.baseRequest) {
		return
	}

	inst, ok := s.registry.Get(body.ServerID)
	if !ok {
		writeError(w, agenterr.New(agenterr.KindNotFound, "httpapi.action", fmt.Errorf("server %q not found", body.ServerID)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var err error
	switch body.Action {
	case "start":
		err = inst.Start(ctx, body.startData())
	case "restart":
		err = inst.Restart(ctx, body.startData(), body.Core.StopCommand)
	case "stop":
		if body.Command == "" {
			writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.action", fmt.Errorf("command is required for stop")))
			return
		}
		err = inst.Stop(ctx, body.Command)
	case "kill":
		err = inst.Kill(ctx)
	case "command":
		if body.Command == "" {
			writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.action", fmt.Errorf("command is required")))
			return
		}
		err = inst.SendCommand(ctx, body.Command)
	default:
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.action", fmt.Errorf("unknown action %q", body.Action)))
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
