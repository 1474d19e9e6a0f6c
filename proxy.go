// proxy.go: the native-side stand-in for one remote plugin instance
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"fmt"
	"sync/atomic"
)

// PluginProxy fronts one remote plugin instance for the host. Lifecycle and
// query calls go over the bridge's control channel; processing calls go over
// the instance's dedicated audio channel. The proxy holds no plugin state
// beyond the memoized query answers and the mapped audio region.
//
// Calls block until the remote side answers or the underlying channel is torn
// down; there is no per-call timeout. A hung remote plugin is indistinguishable
// from a slow one, and the supervisor's job is to kill the remote process,
// which unblocks every pending call with a connection-closed error.
type PluginProxy struct {
	bridge *NativeBridge
	id     InstanceID
	audio  *Channel

	busCache   *BusInfoCache
	paramCache *ParameterInfoCache

	bufferConfig *AudioBufferConfig
	buffers      *AudioShmBuffer
	processBufs  *ProcessBuffers

	initialized atomic.Bool
	destroyed   atomic.Bool
}

// ID returns the remote instance id this proxy fronts.
func (p *PluginProxy) ID() InstanceID {
	return p.id
}

// Call performs one plain round trip on the control channel for this
// instance. Format glue uses this for tags without recursion concerns.
func (p *PluginProxy) Call(tag MessageTag, payload any, result any) error {
	env := Envelope{Tag: tag, Instance: p.id}
	if payload != nil {
		encoded, err := EncodePayload(payload)
		if err != nil {
			return err
		}
		env.Payload = encoded
	}
	return p.bridge.control.Send(env, result)
}

// CallGUI performs a round trip that may trigger nested callbacks into the
// calling flow. While the call is in flight, callbacks registered for the GUI
// domain run inline on the caller's goroutine instead of deadlocking against
// it. A nil flow starts a fresh call chain.
func (p *PluginProxy) CallGUI(flow *RecursionFlow, tag MessageTag, payload any, result any) error {
	_, err := p.bridge.recursion.ForkAny(flow, DomainGUI, func() (any, error) {
		return nil, p.Call(tag, payload, result)
	})
	return err
}

// Initialize performs the plugin's one-time initialization. Idempotent:
// repeat calls are answered locally without a round trip.
func (p *PluginProxy) Initialize() error {
	if p.initialized.Load() {
		return nil
	}
	if err := p.Call(TagInitialize, nil, nil); err != nil {
		return err
	}
	p.initialized.Store(true)
	return nil
}

// Activate prepares the instance for processing. The remote side sets up the
// shared audio region first; when a fresh configuration comes back, the
// native side maps the same region before returning. A repeated activation
// with identical parameters keeps the existing mapping.
func (p *PluginProxy) Activate(req ActivationRequest) error {
	// The runtime options cap the frame capacity a host may negotiate;
	// oversized requests are rejected before any round trip.
	if ceiling := p.bridge.RuntimeOptions().MaxFrameCapacity; ceiling > 0 && req.MaxFrames > ceiling {
		return NewInvalidBufferConfigError(fmt.Sprintf(
			"frame capacity %d exceeds the configured ceiling %d", req.MaxFrames, ceiling))
	}

	var resp ActivationResponse
	if err := p.Call(TagActivate, req, &resp); err != nil {
		return err
	}
	if resp.BufferConfig == nil {
		return nil
	}

	buf, err := OpenAudioShmBuffer(resp.BufferConfig)
	if err != nil {
		return err
	}
	if p.buffers != nil {
		if closeErr := p.buffers.Close(); closeErr != nil {
			_ = buf.Close()
			return closeErr
		}
	}
	p.bufferConfig = resp.BufferConfig
	p.buffers = buf
	p.processBufs = buf.Buffers()

	p.bridge.logger.Debug("Audio buffers mapped",
		"instance_id", uint64(p.id),
		"region", resp.BufferConfig.Name,
		"size", resp.BufferConfig.Size)
	return nil
}

// Deactivate releases the processing state set up by Activate. The shared
// region stays mapped; a following activation with the same parameters reuses
// it without renegotiation.
func (p *PluginProxy) Deactivate() error {
	return p.Call(TagDeactivate, nil, nil)
}

// StartProcessing marks the start of a continuous processing run and opens
// the stable window for bus-layout caching.
func (p *PluginProxy) StartProcessing() error {
	if err := p.Call(TagStartProcessing, nil, nil); err != nil {
		return err
	}
	if p.bridge.cachesEnabled.Load() {
		p.busCache.SetProcessing(true)
	}
	return nil
}

// StopProcessing marks the end of a continuous processing run and closes the
// stable window, dropping the cached bus layout.
func (p *PluginProxy) StopProcessing() error {
	err := p.Call(TagStopProcessing, nil, nil)
	p.busCache.SetProcessing(false)
	return err
}

// Buffers returns the typed channel views over the shared audio region, or
// nil before the first activation. The host writes its input samples here
// before Process and reads the outputs after it returns.
func (p *PluginProxy) Buffers() *ProcessBuffers {
	return p.processBufs
}

// BufferConfig returns the currently negotiated buffer layout, or nil before
// the first activation.
func (p *PluginProxy) BufferConfig() *AudioBufferConfig {
	return p.bufferConfig
}

// Process runs one processing cycle over the shared buffers. Only the frame
// count crosses the wire; the samples are already in place in shared memory.
// Serialized per instance by the audio channel itself.
func (p *PluginProxy) Process(frames uint32) error {
	payload, err := EncodePayload(ProcessRequest{Frames: frames})
	if err != nil {
		return err
	}
	return p.audio.Send(Envelope{Tag: TagProcess, Instance: p.id, Payload: payload}, nil)
}

// BusCount returns the number of audio busses in a direction. Answered from
// the cache while processing is active.
func (p *PluginProxy) BusCount(direction BusDirection) (int32, error) {
	fetch := func() (BusCountResponse, error) {
		var resp BusCountResponse
		err := p.Call(TagBusCount, BusCountRequest{Direction: direction}, &resp)
		return resp, err
	}
	if !p.bridge.cachesEnabled.Load() {
		resp, err := fetch()
		return resp.Count, err
	}
	resp, err := p.busCache.BusCount(direction, fetch)
	return resp.Count, err
}

// BusInfo returns the metadata of one bus. Answered from the cache while
// processing is active.
func (p *PluginProxy) BusInfo(direction BusDirection, index int32) (BusInfo, error) {
	fetch := func() (BusInfo, error) {
		var resp BusInfo
		err := p.Call(TagBusInfo, BusInfoRequest{Direction: direction, Index: index}, &resp)
		return resp, err
	}
	if !p.bridge.cachesEnabled.Load() {
		return fetch()
	}
	return p.busCache.BusInfo(direction, index, fetch)
}

// ParameterCount returns the number of parameters. Cached until the remote
// side announces a restart.
func (p *PluginProxy) ParameterCount() (int32, error) {
	fetch := func() (ParameterCountResponse, error) {
		var resp ParameterCountResponse
		err := p.Call(TagParameterCount, nil, &resp)
		return resp, err
	}
	if !p.bridge.cachesEnabled.Load() {
		resp, err := fetch()
		return resp.Count, err
	}
	resp, err := p.paramCache.ParameterCount(fetch)
	return resp.Count, err
}

// ParameterInfo returns the metadata of one parameter. Cached until the
// remote side announces a restart.
func (p *PluginProxy) ParameterInfo(index int32) (ParameterInfo, error) {
	fetch := func() (ParameterInfo, error) {
		var resp ParameterInfo
		err := p.Call(TagParameterInfo, ParameterInfoRequest{Index: index}, &resp)
		return resp, err
	}
	if !p.bridge.cachesEnabled.Load() {
		return fetch()
	}
	return p.paramCache.ParameterInfo(index, fetch)
}

// InvalidateCaches drops every memoized query answer for this instance.
func (p *PluginProxy) InvalidateCaches() {
	p.busCache.Invalidate()
	p.paramCache.Invalidate()
}

// Destroy tears the remote instance down and releases the proxy's local
// resources. The proxy must not be used afterwards.
func (p *PluginProxy) Destroy() error {
	if !p.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.Call(TagFactoryDestroy, nil, nil)
	p.releaseLocal()

	p.bridge.proxyMu.Lock()
	delete(p.bridge.proxies, p.id)
	p.bridge.proxyMu.Unlock()

	p.bridge.audioMu.Lock()
	if listener, ok := p.bridge.audioLst[p.id]; ok {
		_ = listener.Close()
		delete(p.bridge.audioLst, p.id)
	}
	p.bridge.audioMu.Unlock()

	p.bridge.logger.Info("Plugin instance destroyed", "instance_id", uint64(p.id))
	return err
}

// release is the bridge-teardown path: local resources only, no round trip.
func (p *PluginProxy) release() {
	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}
	p.releaseLocal()
}

func (p *PluginProxy) releaseLocal() {
	_ = p.audio.Close()
	if p.buffers != nil {
		_ = p.buffers.Close()
		p.buffers = nil
		p.processBufs = nil
		p.bufferConfig = nil
	}
}
