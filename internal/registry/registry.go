// Package registry is the process-wide mapping from server id to Server
// Instance (spec.md §4.2, C2). It reconciles with the container runtime on
// boot and persists the trivial {id} set via Store.
//
// Grounded on the teacher's jailhouse.Manager: a sync.RWMutex-guarded map
// field, New/Start/Get/Create/Remove/List shape, and a "load persisted
// state, then reconcile against what's actually there" boot sequence —
// generalized from "reconcile jail directories against disk" to
// "reconcile server instances against the container runtime".
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"hightide/internal/agenterr"
	"hightide/internal/containerdriver"
	"hightide/internal/sandbox"
	"hightide/internal/serverinstance"
)

// Registry holds the authoritative in-process set of Server Instances.
// No locking is required across different ids (spec.md §4.2) — only the
// map itself is guarded; each Instance serializes its own lifecycle
// actions (spec.md §5).
type Registry struct {
	baseServerPath string
	driver         *containerdriver.Driver
	store          *Store
	logger         *log.Logger

	mu        sync.RWMutex
	instances map[string]*serverinstance.Instance
}

// New constructs a Registry rooted at baseServerPath, backed by store for
// id persistence and driver for runtime reconciliation.
func New(baseServerPath string, driver *containerdriver.Driver, store *Store, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stdout, "[registry] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Registry{
		baseServerPath: baseServerPath,
		driver:         driver,
		store:          store,
		logger:         logger,
		instances:      make(map[string]*serverinstance.Instance),
	}
}

// Reconcile is the boot-time procedure (spec.md §4.2): read the persisted
// id set, construct an instance for each, and query the runtime for an
// existing container named "{prefix}{id}". A found, running container is
// adopted (handle, startedAt from the runtime's StartedAt, stdio
// reattached); a found, non-running container is left unadopted, so the
// instance has no handle and getStatus reports it stopped until it is
// started through the agent.
func (r *Registry) Reconcile(ctx context.Context) error {
	ids, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("registry: load persisted ids: %w", err)
	}

	for _, id := range ids {
		inst := serverinstance.New(id, sandbox.New(r.baseServerPath, id), r.driver, r.childLogger(id))

		r.mu.Lock()
		r.instances[id] = inst
		r.mu.Unlock()

		name := inst.ContainerName()
		handle, err := r.driver.FindByName(ctx, name)
		if err != nil {
			r.logger.Printf("reconcile %s: lookup container %s: %v", id, name, err)
			continue
		}
		if handle == nil {
			continue
		}

		res, err := r.driver.Inspect(ctx, handle)
		if err != nil {
			r.logger.Printf("reconcile %s: inspect %s: %v", id, name, err)
			continue
		}
		if res.Status != "running" {
			continue
		}

		startedAt := res.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now()
		}
		inst.AdoptHandle(handle, startedAt)
		r.logger.Printf("reconciled %s: adopted running container %s (started %s)", id, name, startedAt)
	}

	return nil
}

// Get returns the instance for id, or (nil, false).
func (r *Registry) Get(id string) (*serverinstance.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// FindByUniquePrefix returns the instance whose id is the unique id
// starting with prefix — used by C9's SFTP username resolution
// (spec.md §4.9). Returns (nil, false) if no id matches or more than
// one does.
func (r *Registry) FindByUniquePrefix(prefix string) (*serverinstance.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *serverinstance.Instance
	for id, inst := range r.instances {
		if id == prefix {
			return inst, true
		}
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			if match != nil {
				return nil, false // ambiguous
			}
			match = inst
		}
	}
	if match == nil {
		return nil, false
	}
	return match, true
}

// Create allocates the sandbox directory, constructs a new Instance for
// id, and registers it (spec.md §3 "Created by create(id)").
func (r *Registry) Create(id string) (*serverinstance.Instance, error) {
	const op = "registry.Create"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; exists {
		return nil, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("server %q already exists", id))
	}

	resolver := sandbox.New(r.baseServerPath, id)
	if err := os.MkdirAll(resolver.Root(), 0755); err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}

	inst := serverinstance.New(id, resolver, r.driver, r.childLogger(id))
	r.instances[id] = inst

	if err := r.persistLocked(); err != nil {
		r.logger.Printf("create %s: persist id set: %v", id, err)
	}
	return inst, nil
}

// Remove deregisters inst. The caller is responsible for having already
// called inst.Delete() to tear down the container and sandbox directory
// (spec.md §4.4 delete()).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	if err := r.persistLocked(); err != nil {
		r.logger.Printf("remove %s: persist id set: %v", id, err)
	}
}

// List returns every currently registered id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) persistLocked() error {
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return r.store.Save(ids)
}

func (r *Registry) childLogger(id string) *log.Logger {
	return log.New(os.Stdout, "[server:"+id+"] ", log.LstdFlags|log.Lmsgprefix)
}
