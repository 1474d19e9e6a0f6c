// bridge_remote.go: the bridge half living inside the remote plugin process
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// PluginFactory creates the real plugin objects the remote side hosts. The
// bridge core never loads plugin binaries itself; format glue supplies a
// factory and the core wires each created handle into its registry.
type PluginFactory interface {
	CreatePlugin(ctx context.Context) (PluginHandle, error)
}

// PluginFactoryFunc adapts a function to the PluginFactory interface.
type PluginFactoryFunc func(ctx context.Context) (PluginHandle, error)

func (f PluginFactoryFunc) CreatePlugin(ctx context.Context) (PluginHandle, error) {
	return f(ctx)
}

// RemoteBridge is the plugin-process half of a bridge pair. It dials the
// sockets under an endpoint directory created by the native side, serves
// plugin calls arriving on the control and audio channels, and sends host
// callbacks on the callback channel.
type RemoteBridge struct {
	config  BridgeConfig
	logger  Logger
	factory PluginFactory

	endpoint *EndpointBase
	registry *InstanceRegistry

	control  *Channel
	callback *Channel

	controlMux *HandlerMux
	audioMux   *HandlerMux
	recursion  *RecursionCoordinator

	connected atomic.Bool
	closeOnce sync.Once
}

// NewRemoteBridge opens the endpoint directory handed over by the native
// side's launcher. Connect performs the dialing and handshake.
func NewRemoteBridge(endpointDir string, config BridgeConfig, factory PluginFactory, logger any) (*RemoteBridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, NewConfigError("a plugin factory is required", nil)
	}
	internalLogger := NewLogger(logger)

	endpoint, err := OpenEndpointBase(endpointDir)
	if err != nil {
		return nil, err
	}

	bridge := &RemoteBridge{
		config:   config,
		logger:   internalLogger,
		factory:  factory,
		endpoint: endpoint,
		registry: NewInstanceRegistry(config.MaxInstances, internalLogger),
	}
	return bridge, nil
}

// Handlers returns the control-channel mux. Format glue registers its own
// tags here before Serve; the core tags are installed during Connect.
func (b *RemoteBridge) Handlers() *HandlerMux {
	return b.controlMux
}

// Recursion returns the bridge's mutual-recursion coordinator.
func (b *RemoteBridge) Recursion() *RecursionCoordinator {
	return b.recursion
}

// Registry returns the instance registry, for format glue resolving ids in
// its own handlers.
func (b *RemoteBridge) Registry() *InstanceRegistry {
	return b.registry
}

// Connect dials the control and callback sockets and performs the handshake.
// The recursion domains announced by the native side override the local
// configuration, so both halves always coordinate the same domains.
func (b *RemoteBridge) Connect(ctx context.Context) error {
	if !b.connected.CompareAndSwap(false, true) {
		return NewHandshakeError("bridge already connected", nil)
	}

	controlConn, err := dialSocket(b.endpoint.ControlSocketPath(), b.config.ConnectTimeout)
	if err != nil {
		return err
	}
	b.control = NewChannel("control", controlConn, b.config.MaxFrameBytes, b.logger)

	handshake, err := b.performHandshake()
	if err != nil {
		b.control.Close()
		return err
	}

	callbackConn, err := dialSocket(b.endpoint.CallbackSocketPath(), b.config.ConnectTimeout)
	if err != nil {
		b.control.Close()
		return err
	}
	b.callback = NewChannel("callback", callbackConn, b.config.MaxFrameBytes, b.logger)

	b.recursion = NewRecursionCoordinator(b.logger, handshake.RecursionDomains...)
	b.controlMux = NewHandlerMux(b.recursion, b.logger)
	b.audioMux = NewHandlerMux(nil, b.logger)
	if err := b.registerCoreHandlers(); err != nil {
		b.control.Close()
		b.callback.Close()
		return err
	}

	b.logger.Info("Remote bridge connected",
		"endpoint", b.endpoint.Dir(),
		"native_version", handshake.NativeVersion,
		"recursion_domains", len(handshake.RecursionDomains))
	return nil
}

// performHandshake sends the version exchange as the first frame on the
// control connection, before the channel enters its serve loop.
func (b *RemoteBridge) performHandshake() (*HandshakeResponse, error) {
	payload, err := EncodePayload(HandshakeRequest{
		ProtocolVersion: b.config.Handshake.ProtocolVersion,
		MagicCookie:     b.config.Handshake.MagicCookie,
		RemoteVersion:   b.config.Version,
	})
	if err != nil {
		return nil, NewHandshakeError("could not encode handshake", err)
	}
	env := Envelope{Tag: TagHandshake, Payload: payload}

	var resp HandshakeResponse
	if err := b.control.Send(env, &resp); err != nil {
		return nil, NewHandshakeError("handshake rejected by native side", err)
	}
	return &resp, nil
}

// Serve runs the control channel's receive loop on the calling goroutine.
// This is the remote process's main loop: it returns when the native side
// disconnects or a protocol violation tears the channel down.
func (b *RemoteBridge) Serve(ctx context.Context) error {
	return b.control.Serve(ctx, b.controlMux)
}

// registerCoreHandlers installs the lifecycle handlers the core implements
// itself. Query tags and everything format-specific are registered by glue.
func (b *RemoteBridge) registerCoreHandlers() error {
	type registration struct {
		tag MessageTag
		fn  HandlerFunc
	}
	for _, r := range []registration{
		{TagFactoryCreate, b.handleFactoryCreate},
		{TagFactoryDestroy, b.handleFactoryDestroy},
		{TagAudioConnect, b.handleAudioConnect},
		{TagInitialize, b.handleInitialize},
		{TagActivate, b.handleActivate},
		{TagDeactivate, b.handleDeactivate},
		{TagStartProcessing, b.handleStartProcessing},
		{TagStopProcessing, b.handleStopProcessing},
	} {
		if err := b.controlMux.Register(r.tag, r.fn); err != nil {
			return err
		}
	}
	return b.audioMux.Register(TagProcess, b.handleProcess)
}

func (b *RemoteBridge) handleFactoryCreate(ctx context.Context, _ InstanceID, _ json.RawMessage) (any, error) {
	handle, err := b.factory.CreatePlugin(ctx)
	if err != nil {
		return nil, err
	}
	id, err := b.registry.Register(handle, nil)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	return FactoryCreateResponse{InstanceID: id}, nil
}

func (b *RemoteBridge) handleFactoryDestroy(ctx context.Context, id InstanceID, _ json.RawMessage) (any, error) {
	return nil, b.registry.Unregister(id)
}

// handleAudioConnect dials the instance's audio socket, which the native side
// listens on before sending this request, and starts the dedicated worker
// that serves processing calls for the instance.
func (b *RemoteBridge) handleAudioConnect(ctx context.Context, id InstanceID, _ json.RawMessage) (any, error) {
	_, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	release()

	conn, err := dialSocket(b.endpoint.AudioSocketPath(id), b.config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	channel := NewChannel(audioChannelName(id), conn, b.config.MaxFrameBytes, b.logger)

	// AttachWorker starts the worker; it must be started exactly once.
	worker := newAudioWorker(channel, b.audioMux, b.logger)
	if err := b.registry.AttachWorker(id, worker); err != nil {
		channel.Close()
		return nil, err
	}
	return nil, nil
}

func (b *RemoteBridge) handleInitialize(ctx context.Context, id InstanceID, _ json.RawMessage) (any, error) {
	instance, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()

	if !instance.MarkInitialized() {
		return nil, nil
	}
	return nil, instance.Handle().Initialize(ctx)
}

// handleActivate negotiates the shared audio transport, then activates the
// plugin. The remote side sets the region up first; the configuration in the
// response tells the native side to map the same region. An activation with
// parameters identical to the current ones reuses the existing region and
// responds with no configuration.
func (b *RemoteBridge) handleActivate(ctx context.Context, id InstanceID, payload json.RawMessage) (any, error) {
	var req ActivationRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}

	instance, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()

	name := b.endpoint.SharedMemoryName(id, instance.nextBufferGeneration())
	fresh, err := NegotiateBuffers(instance.BufferConfig(), name, req)
	if err != nil {
		return nil, err
	}
	if fresh != nil {
		buf, err := OpenAudioShmBuffer(fresh)
		if err != nil {
			return nil, err
		}
		if err := instance.adoptBuffers(fresh, buf); err != nil {
			_ = buf.Close()
			return nil, err
		}
		b.logger.Debug("Audio buffers negotiated",
			"instance_id", uint64(id), "region", fresh.Name, "size", fresh.Size)
	}

	if err := instance.Handle().Activate(ctx, req); err != nil {
		return nil, err
	}
	return ActivationResponse{BufferConfig: fresh}, nil
}

func (b *RemoteBridge) handleDeactivate(ctx context.Context, id InstanceID, _ json.RawMessage) (any, error) {
	instance, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()
	return nil, instance.Handle().Deactivate(ctx)
}

func (b *RemoteBridge) handleStartProcessing(ctx context.Context, id InstanceID, _ json.RawMessage) (any, error) {
	instance, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()
	return nil, instance.Handle().StartProcessing(ctx)
}

func (b *RemoteBridge) handleStopProcessing(ctx context.Context, id InstanceID, _ json.RawMessage) (any, error) {
	instance, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()
	return nil, instance.Handle().StopProcessing(ctx)
}

// handleProcess runs on the instance's audio worker. The samples are already
// in the shared region; only the frame count crossed the wire.
func (b *RemoteBridge) handleProcess(ctx context.Context, id InstanceID, payload json.RawMessage) (any, error) {
	var req ProcessRequest
	if err := DecodePayload(payload, &req); err != nil {
		return nil, err
	}

	instance, release, err := b.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()

	buffers := instance.ProcessBuffers()
	if buffers == nil {
		return nil, NewInvalidBufferConfigError("processing before activation")
	}
	return nil, instance.Handle().Process(ctx, buffers, req.Frames)
}

// CallHost performs one host callback round trip on the callback channel.
// Format glue uses this for tags without recursion concerns.
func (b *RemoteBridge) CallHost(env Envelope, result any) error {
	return b.callback.Send(env, result)
}

// CallHostGUI performs a host callback that may synchronously trigger a
// nested plugin call back into this flow; while the callback is in flight,
// GUI-domain requests arriving on the control channel run inline here.
func (b *RemoteBridge) CallHostGUI(flow *RecursionFlow, env Envelope, result any) error {
	_, err := b.recursion.ForkAny(flow, DomainGUI, func() (any, error) {
		return nil, b.callback.Send(env, result)
	})
	return err
}

// NotifyRestart tells the native side that plugin metadata changed. The
// native side drops its memoized query answers before answering.
func (b *RemoteBridge) NotifyRestart(id InstanceID) error {
	return b.CallHost(Envelope{Tag: TagHostRestart, Instance: id}, nil)
}

// Close tears the remote half down: every instance (workers joined, handles
// closed, regions released) and both channels.
func (b *RemoteBridge) Close() error {
	b.closeOnce.Do(func() {
		b.registry.Close()
		if b.control != nil {
			_ = b.control.Close()
		}
		if b.callback != nil {
			_ = b.callback.Close()
		}
		b.logger.Info("Remote bridge closed", "endpoint", b.endpoint.Dir())
	})
	return nil
}

// audioWorker serves one instance's audio channel on a dedicated goroutine,
// mirroring the one-audio-thread-per-instance model plugin hosts expect.
type audioWorker struct {
	channel *Channel
	mux     *HandlerMux
	logger  Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newAudioWorker(channel *Channel, mux *HandlerMux, logger Logger) *audioWorker {
	return &audioWorker{
		channel: channel,
		mux:     mux,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the worker's serve loop.
func (w *audioWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		defer close(w.done)
		if err := w.channel.Serve(ctx, w.mux); err != nil {
			w.logger.Error("Audio worker terminated", "error", err)
		}
	}()
}

// Stop closes the worker's channel and joins the serve loop. Must not be
// called from the worker's own goroutine.
func (w *audioWorker) Stop() {
	_ = w.channel.Close()
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}
