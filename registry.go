// registry.go: id-keyed registry of live plugin instances
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"sync"
	"sync/atomic"
)

// InstanceRegistry maps instance ids to live Instances on the remote side.
//
// Lookups are the overwhelmingly common case and happen from any thread at
// any time, including concurrently with other lookups, so the registry is
// guarded by a reader/writer lock: lookups share the read lock, insertion and
// removal take the write lock. Insert/remove is rare relative to lookup
// volume, so steady-state contention is negligible and the audio-processing
// path never waits on this lock for more than a brief registration window.
type InstanceRegistry struct {
	mu        sync.RWMutex
	instances map[InstanceID]*Instance
	nextID    atomic.Uint64
	limit     uint64
	logger    Logger
}

// NewInstanceRegistry creates an empty registry. maxInstances bounds how many
// instances may be live at once; zero means unbounded.
func NewInstanceRegistry(maxInstances uint64, logger any) *InstanceRegistry {
	return &InstanceRegistry{
		instances: make(map[InstanceID]*Instance),
		limit:     maxInstances,
		logger:    NewLogger(logger),
	}
}

// Register allocates the next id, wraps handle in an Instance, inserts it
// under the write lock, and starts the instance's dedicated audio worker.
// The worker may be nil when the instance has no audio channel yet; it can
// then be attached with AttachWorker before audio traffic starts. Fails with
// a registry-exhausted error once the instance limit is reached.
func (r *InstanceRegistry) Register(handle PluginHandle, worker InstanceWorker) (InstanceID, error) {
	r.mu.Lock()
	if r.limit > 0 && uint64(len(r.instances)) >= r.limit {
		r.mu.Unlock()
		return 0, NewRegistryExhaustedError(r.limit)
	}
	id := InstanceID(r.nextID.Add(1))
	instance := &Instance{
		id:     id,
		handle: handle,
		worker: worker,
	}
	r.instances[id] = instance
	r.mu.Unlock()

	if worker != nil {
		worker.Start()
	}

	r.logger.Debug("Instance registered", "instance_id", uint64(id))
	return id, nil
}

// AttachWorker binds and starts the audio worker for an already registered
// instance. Used when the audio channel is only dialed after registration.
func (r *InstanceRegistry) AttachWorker(id InstanceID, worker InstanceWorker) error {
	r.mu.Lock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return NewInstanceNotFoundError(id)
	}
	instance.worker = worker
	r.mu.Unlock()

	worker.Start()
	return nil
}

// Lookup returns the instance for id along with a release function that ends
// the read-lock guard. The instance reference is only valid until release is
// called; callers must not retain it past that point. A failed lookup is
// always a caller or protocol bug, never retried.
func (r *InstanceRegistry) Lookup(id InstanceID) (*Instance, func(), error) {
	r.mu.RLock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.RUnlock()
		return nil, nil, NewInstanceNotFoundError(id)
	}

	var once sync.Once
	release := func() {
		once.Do(r.mu.RUnlock)
	}
	return instance, release, nil
}

// Unregister removes the entry for id, stops and joins its audio worker, and
// drops the Instance, releasing the native handle and any editor or audio
// buffer resources. Must not be called from the worker's own goroutine.
//
// The entry is removed under the write lock first and the worker joined after
// releasing it: the worker may be blocked inside its own Lookup, so joining
// while holding the lock could deadlock.
func (r *InstanceRegistry) Unregister(id InstanceID) error {
	r.mu.Lock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return NewInstanceNotFoundError(id)
	}
	delete(r.instances, id)
	r.mu.Unlock()

	if instance.worker != nil {
		instance.worker.Stop()
	}

	if err := instance.close(); err != nil {
		r.logger.Warn("Failed to release instance resources",
			"instance_id", uint64(id), "error", err)
	}

	r.logger.Debug("Instance unregistered", "instance_id", uint64(id))
	return nil
}

// Len returns the number of live instances.
func (r *InstanceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// IDs returns a snapshot of the live instance ids.
func (r *InstanceRegistry) IDs() []InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]InstanceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// Close unregisters every remaining instance. Used during bridge teardown.
func (r *InstanceRegistry) Close() {
	for _, id := range r.IDs() {
		if err := r.Unregister(id); err != nil {
			r.logger.Warn("Failed to unregister instance during shutdown",
				"instance_id", uint64(id), "error", err)
		}
	}
}
