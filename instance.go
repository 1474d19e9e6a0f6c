// instance.go: live plugin-object state owned by the remote side
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"context"
	"sync/atomic"
)

// InstanceID identifies one remote plugin object. Ids are unique for the
// process lifetime: they come from an atomically incremented counter and are
// never reused, so a stale id can only ever fail lookup instead of silently
// aliasing a newer instance.
type InstanceID uint64

// PluginHandle is the real plugin object on the remote side, wrapped by an
// Instance. The core only needs the lifecycle operations it orchestrates
// itself; the full plugin-format call surface is dispatched through handlers
// registered by format glue and never touches this interface.
type PluginHandle interface {
	// Initialize performs the plugin's one-time initialization call.
	Initialize(ctx context.Context) error

	// Activate prepares the plugin for processing with the given parameters.
	Activate(ctx context.Context, req ActivationRequest) error

	// Deactivate releases the processing state set up by Activate.
	Deactivate(ctx context.Context) error

	// StartProcessing marks the start of a continuous processing run.
	StartProcessing(ctx context.Context) error

	// StopProcessing marks the end of a continuous processing run.
	StopProcessing(ctx context.Context) error

	// Process runs one processing cycle against the shared audio buffers.
	Process(ctx context.Context, buffers *ProcessBuffers, frames uint32) error

	// Close releases the native plugin handle.
	Close() error
}

// InstanceWorker is the dedicated worker bound to one instance's audio-thread
// channel. Start launches it; Stop closes its channel and joins it. Stop must
// never be called from the worker's own goroutine.
type InstanceWorker interface {
	Start()
	Stop()
}

// Instance is one live remote plugin object. It is owned exclusively by the
// remote side's registry; the native side never holds more than the id plus a
// lightweight proxy.
type Instance struct {
	id     InstanceID
	handle PluginHandle
	worker InstanceWorker

	// initialized latches after the first successful initialization call so
	// a host that initializes twice does not round-trip the second call.
	initialized atomic.Bool

	// editorOpen tracks whether an editor/view is currently attached.
	editorOpen atomic.Bool

	// Negotiated audio transport state. Written only from the main-thread
	// channel's handler during activation, read by the audio worker between
	// processing phases; the staged hand-off is what makes this safe without
	// a lock of its own.
	bufferConfig *AudioBufferConfig
	buffers      *AudioShmBuffer
	processBufs  *ProcessBuffers

	// bufferGen numbers the instance's negotiated regions so each one gets
	// a name no earlier region ever used.
	bufferGen atomic.Uint64
}

// ID returns the instance's id.
func (i *Instance) ID() InstanceID {
	return i.id
}

// Handle returns the wrapped native plugin handle.
func (i *Instance) Handle() PluginHandle {
	return i.handle
}

// MarkInitialized latches the initialization flag. Returns false if the
// instance had already been initialized.
func (i *Instance) MarkInitialized() bool {
	return i.initialized.CompareAndSwap(false, true)
}

// Initialized reports whether the initialization call has completed.
func (i *Instance) Initialized() bool {
	return i.initialized.Load()
}

// SetEditorOpen records whether an editor/view is attached.
func (i *Instance) SetEditorOpen(open bool) {
	i.editorOpen.Store(open)
}

// EditorOpen reports whether an editor/view is attached.
func (i *Instance) EditorOpen() bool {
	return i.editorOpen.Load()
}

// BufferConfig returns the currently negotiated audio buffer configuration,
// or nil before the first activation.
func (i *Instance) BufferConfig() *AudioBufferConfig {
	return i.bufferConfig
}

// ProcessBuffers returns the typed channel views over the shared audio
// region, or nil before the first activation.
func (i *Instance) ProcessBuffers() *ProcessBuffers {
	return i.processBufs
}

// nextBufferGeneration reserves the generation number for the instance's
// next candidate region. Generations skipped by idempotent re-activations
// leave gaps in the numbering, which is fine.
func (i *Instance) nextBufferGeneration() uint64 {
	return i.bufferGen.Add(1)
}

// adoptBuffers installs a freshly negotiated shared buffer, releasing any
// previous region.
func (i *Instance) adoptBuffers(cfg *AudioBufferConfig, buf *AudioShmBuffer) error {
	if i.buffers != nil {
		if err := i.buffers.Close(); err != nil {
			return err
		}
	}
	i.bufferConfig = cfg
	i.buffers = buf
	i.processBufs = buf.Buffers()
	return nil
}

// close releases everything the instance owns: the shared audio region and
// the native plugin handle. The worker is stopped by the registry before this
// is called.
func (i *Instance) close() error {
	var first error
	if i.buffers != nil {
		if err := i.buffers.Close(); err != nil {
			first = err
		}
		i.buffers = nil
		i.processBufs = nil
		i.bufferConfig = nil
	}
	if i.handle != nil {
		if err := i.handle.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
