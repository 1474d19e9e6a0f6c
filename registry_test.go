// registry_test.go: instance registry lifecycle and concurrency tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandle is a minimal PluginHandle recording which lifecycle calls it saw.
type stubHandle struct {
	mu          sync.Mutex
	initialized int
	activated   int
	deactivated int
	processing  bool
	processed   int
	closed      atomic.Bool

	activateErr error
	processFn   func(buffers *ProcessBuffers, frames uint32) error
}

func (h *stubHandle) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized++
	return nil
}

func (h *stubHandle) Activate(ctx context.Context, req ActivationRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activateErr != nil {
		return h.activateErr
	}
	h.activated++
	return nil
}

func (h *stubHandle) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deactivated++
	return nil
}

func (h *stubHandle) StartProcessing(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processing = true
	return nil
}

func (h *stubHandle) StopProcessing(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processing = false
	return nil
}

func (h *stubHandle) Process(ctx context.Context, buffers *ProcessBuffers, frames uint32) error {
	h.mu.Lock()
	h.processed++
	fn := h.processFn
	h.mu.Unlock()
	if fn != nil {
		return fn(buffers, frames)
	}
	return nil
}

func (h *stubHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *stubHandle) initCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

func (h *stubHandle) activateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activated
}

func (h *stubHandle) deactivateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deactivated
}

func (h *stubHandle) processCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processed
}

func (h *stubHandle) isProcessing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processing
}

func (h *stubHandle) setActivateErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activateErr = err
}

func (h *stubHandle) setProcessFn(fn func(buffers *ProcessBuffers, frames uint32) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processFn = fn
}

// stubWorker implements InstanceWorker and records its lifecycle.
type stubWorker struct {
	starts  atomic.Int32
	stopped atomic.Bool
}

func (w *stubWorker) Start() { w.starts.Add(1) }
func (w *stubWorker) Stop()  { w.stopped.Store(true) }

func TestInstanceRegistry_RegisterAssignsUniqueIDs(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	seen := make(map[InstanceID]bool)
	for i := 0; i < 100; i++ {
		id, err := registry.Register(&stubHandle{}, nil)
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Equal(t, 100, registry.Len())
}

func TestInstanceRegistry_IDsNeverReused(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	first, err := registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Unregister(first))

	second, err := registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "unregistering must not free the id for reuse")

	// The stale id fails lookup instead of aliasing the newer instance.
	_, _, err = registry.Lookup(first)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestInstanceRegistry_LookupReturnsRegisteredInstance(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	handle := &stubHandle{}
	id, err := registry.Register(handle, nil)
	require.NoError(t, err)

	instance, release, err := registry.Lookup(id)
	require.NoError(t, err)
	defer release()

	assert.Equal(t, id, instance.ID())
	assert.Same(t, PluginHandle(handle), instance.Handle())
	assert.False(t, instance.Initialized())
}

func TestInstanceRegistry_UnregisterStopsWorkerAndClosesHandle(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	handle := &stubHandle{}
	worker := &stubWorker{}
	id, err := registry.Register(handle, worker)
	require.NoError(t, err)
	assert.Equal(t, int32(1), worker.starts.Load(), "Register should start the worker once")

	require.NoError(t, registry.Unregister(id))
	assert.True(t, worker.stopped.Load(), "Unregister should stop the worker")
	assert.True(t, handle.closed.Load(), "Unregister should close the handle")
	assert.Equal(t, 0, registry.Len())
}

func TestInstanceRegistry_UnregisterUnknownIDFails(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	err := registry.Unregister(InstanceID(42))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, ErrCodeInstanceNotFound, ErrorCode(err))
}

func TestInstanceRegistry_AttachWorker(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	id, err := registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)
	worker := &stubWorker{}
	require.NoError(t, registry.AttachWorker(id, worker))

	// AttachWorker owns starting the worker; a second start would race a
	// duplicate serve loop and double-close its done channel.
	assert.Equal(t, int32(1), worker.starts.Load())

	require.NoError(t, registry.Unregister(id))
	assert.True(t, worker.stopped.Load())
}

func TestInstanceRegistry_LimitExhaustion(t *testing.T) {
	registry := NewInstanceRegistry(2, nil)
	defer registry.Close()

	first, err := registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)
	_, err = registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)

	_, err = registry.Register(&stubHandle{}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeRegistryExhausted, ErrorCode(err))
	assert.True(t, IsResourceExhaustion(err))

	// Unregistering frees capacity for a new instance.
	require.NoError(t, registry.Unregister(first))
	_, err = registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)
}

func TestInstanceRegistry_MarkInitializedLatchesOnce(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	id, err := registry.Register(&stubHandle{}, nil)
	require.NoError(t, err)
	instance, release, err := registry.Lookup(id)
	require.NoError(t, err)
	defer release()

	assert.True(t, instance.MarkInitialized(), "first call latches")
	assert.False(t, instance.MarkInitialized(), "second call reports already initialized")
	assert.True(t, instance.Initialized())
}

func TestInstanceRegistry_ConcurrentRegisterAndLookup(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)
	defer registry.Close()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	ids := make(chan InstanceID, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := registry.Register(&stubHandle{}, nil)
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := <-ids
				instance, release, err := registry.Lookup(id)
				if assert.NoError(t, err) {
					assert.Equal(t, id, instance.ID())
					release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, registry.Len())
	assert.Len(t, registry.IDs(), workers*perWorker)
}

func TestInstanceRegistry_CloseTearsDownEverything(t *testing.T) {
	registry := NewInstanceRegistry(0, nil)

	handles := make([]*stubHandle, 5)
	workers := make([]*stubWorker, 5)
	for i := range handles {
		handles[i] = &stubHandle{}
		workers[i] = &stubWorker{}
		_, err := registry.Register(handles[i], workers[i])
		require.NoError(t, err)
	}

	registry.Close()

	assert.Equal(t, 0, registry.Len())
	for i := range handles {
		assert.True(t, handles[i].closed.Load(), "handle %d not closed", i)
		assert.True(t, workers[i].stopped.Load(), "worker %d not stopped", i)
	}
}
