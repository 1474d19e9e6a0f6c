// bridge_native.go: the bridge half living inside the real host process
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// FactoryCreateResponse carries the id the remote registry allocated for a
// freshly created instance.
type FactoryCreateResponse struct {
	InstanceID InstanceID `json:"instance_id"`
}

// ProcessRequest triggers one processing cycle over the shared buffers.
type ProcessRequest struct {
	Frames uint32 `json:"frames"`
}

// NativeBridge is the host-side half of a bridge pair. It owns the endpoint
// directory, listens on every socket, and hands out PluginProxy objects whose
// calls it forwards to the remote side. The native side never holds plugin
// state beyond instance ids; everything lives in the remote registry.
type NativeBridge struct {
	config BridgeConfig
	logger Logger

	endpoint         *EndpointBase
	controlListener  net.Listener
	callbackListener net.Listener

	control     *Channel
	callback    *Channel
	callbackMux *HandlerMux
	recursion   *RecursionCoordinator

	proxies  map[InstanceID]*PluginProxy
	proxyMu  sync.RWMutex
	audioLst map[InstanceID]net.Listener
	audioMu  sync.Mutex

	optionsWatcher *RuntimeOptionsWatcher
	cachesEnabled  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected atomic.Bool
	closeOnce sync.Once
}

// NewNativeBridge creates the endpoint directory and starts listening on the
// main-thread sockets. The remote environment must be launched (by the
// external supervisor) with the endpoint directory, then Connect completes
// the pairing.
func NewNativeBridge(config BridgeConfig, logger any) (*NativeBridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	internalLogger := NewLogger(logger)

	endpoint, err := GenerateEndpointBase(config.PluginName)
	if err != nil {
		return nil, err
	}

	controlListener, err := listenSocket(endpoint.ControlSocketPath())
	if err != nil {
		_ = endpoint.Remove()
		return nil, err
	}
	callbackListener, err := listenSocket(endpoint.CallbackSocketPath())
	if err != nil {
		_ = controlListener.Close()
		_ = endpoint.Remove()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	bridge := &NativeBridge{
		config:           config,
		logger:           internalLogger,
		endpoint:         endpoint,
		controlListener:  controlListener,
		callbackListener: callbackListener,
		recursion:        NewRecursionCoordinator(internalLogger, config.RecursionDomains...),
		proxies:          make(map[InstanceID]*PluginProxy),
		audioLst:         make(map[InstanceID]net.Listener),
		ctx:              ctx,
		cancel:           cancel,
	}
	bridge.callbackMux = NewHandlerMux(bridge.recursion, internalLogger)
	bridge.cachesEnabled.Store(true)

	if err := bridge.registerCoreCallbacks(); err != nil {
		cancel()
		_ = controlListener.Close()
		_ = callbackListener.Close()
		_ = endpoint.Remove()
		return nil, err
	}

	internalLogger.Info("Native bridge listening",
		"plugin", config.PluginName, "endpoint", endpoint.Dir())
	return bridge, nil
}

// registerCoreCallbacks installs the callbacks the core reacts to itself.
// Format glue adds the rest through Callbacks.
func (b *NativeBridge) registerCoreCallbacks() error {
	return b.callbackMux.Register(TagHostRestart,
		func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
			b.logger.Info("Restart notification received, invalidating caches",
				"instance_id", uint64(instance))
			b.InvalidateCaches()
			return nil, nil
		})
}

// Endpoint returns the bridge's endpoint base, to be handed to the remote
// environment's launcher.
func (b *NativeBridge) Endpoint() *EndpointBase {
	return b.endpoint
}

// Callbacks returns the mux for remote-to-native calls. Format glue registers
// its callback tags here before Connect; tags whose handlers must run on the
// host's GUI thread register with RegisterDomain(tag, DomainGUI, ...).
func (b *NativeBridge) Callbacks() *HandlerMux {
	return b.callbackMux
}

// Recursion returns the bridge's mutual-recursion coordinator.
func (b *NativeBridge) Recursion() *RecursionCoordinator {
	return b.recursion
}

// Connect accepts the remote side's control and callback connections,
// performs the handshake, and starts the callback receive loop. Blocks until
// the remote side is up or the connect timeout elapses.
func (b *NativeBridge) Connect(ctx context.Context) error {
	if !b.connected.CompareAndSwap(false, true) {
		return NewHandshakeError("bridge already connected", nil)
	}

	controlConn, err := acceptWithTimeout(b.controlListener, b.config.ConnectTimeout)
	if err != nil {
		return err
	}
	b.control = NewChannel("control", controlConn, b.config.MaxFrameBytes, b.logger)

	if err := b.acceptHandshake(); err != nil {
		b.control.Close()
		return err
	}

	callbackConn, err := acceptWithTimeout(b.callbackListener, b.config.ConnectTimeout)
	if err != nil {
		b.control.Close()
		return err
	}
	b.callback = NewChannel("callback", callbackConn, b.config.MaxFrameBytes, b.logger)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.callback.Serve(b.ctx, b.callbackMux); err != nil {
			b.logger.Error("Callback channel terminated", "error", err)
		}
	}()

	b.logger.Info("Native bridge connected", "plugin", b.config.PluginName)
	return nil
}

// acceptHandshake reads and answers the remote side's handshake, the first
// frame on the control connection.
func (b *NativeBridge) acceptHandshake() error {
	data, err := readFrame(b.control.reader, b.config.MaxFrameBytes)
	if err != nil {
		return NewHandshakeError("could not read handshake", err)
	}

	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return NewHandshakeError("malformed handshake envelope", err)
	}
	if env.Tag != TagHandshake {
		return NewHandshakeError("first message was not a handshake", nil).
			WithContext("tag", string(env.Tag))
	}

	var req HandshakeRequest
	if err := DecodePayload(env.Payload, &req); err != nil {
		return NewHandshakeError("malformed handshake payload", err)
	}

	if err := verifyHandshake(b.config.Handshake, req); err != nil {
		reply := Reply{Success: false, Error: err.Error(), Code: ErrorCode(err)}
		if replyData, encErr := encodeMessage(&reply); encErr == nil {
			_ = writeFrame(b.control.conn, replyData, b.config.MaxFrameBytes)
		}
		return err
	}

	payload, err := EncodePayload(HandshakeResponse{
		NativeVersion:    b.config.Version,
		RecursionDomains: b.config.RecursionDomains,
	})
	if err != nil {
		return NewHandshakeError("could not encode handshake response", err)
	}
	replyData, err := encodeMessage(&Reply{Success: true, Payload: payload})
	if err != nil {
		return NewHandshakeError("could not encode handshake reply", err)
	}
	if err := writeFrame(b.control.conn, replyData, b.config.MaxFrameBytes); err != nil {
		return NewHandshakeError("could not write handshake reply", err)
	}

	b.logger.Info("Handshake accepted", "remote_version", req.RemoteVersion)
	return nil
}

// Instantiate asks the remote factory for a new plugin instance and wires its
// dedicated audio channel. Returns the proxy the host talks to.
func (b *NativeBridge) Instantiate() (*PluginProxy, error) {
	var created FactoryCreateResponse
	if err := b.control.Send(Envelope{Tag: TagFactoryCreate}, &created); err != nil {
		return nil, err
	}
	id := created.InstanceID

	// Per-instance audio channels keep one instance's processing call from
	// queueing behind another's. The native side listens first, then asks
	// the remote side to dial.
	audioListener, err := listenSocket(b.endpoint.AudioSocketPath(id))
	if err != nil {
		return nil, err
	}
	b.audioMu.Lock()
	b.audioLst[id] = audioListener
	b.audioMu.Unlock()

	if err := b.control.Send(Envelope{Tag: TagAudioConnect, Instance: id}, nil); err != nil {
		return nil, err
	}
	audioConn, err := acceptWithTimeout(audioListener, b.config.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	proxy := &PluginProxy{
		bridge:     b,
		id:         id,
		audio:      NewChannel(audioChannelName(id), audioConn, b.config.MaxFrameBytes, b.logger),
		busCache:   NewBusInfoCache(),
		paramCache: NewParameterInfoCache(),
	}

	b.proxyMu.Lock()
	b.proxies[id] = proxy
	b.proxyMu.Unlock()

	b.logger.Info("Plugin instance created", "instance_id", uint64(id))
	return proxy, nil
}

func audioChannelName(id InstanceID) string {
	return "audio-" + strconv.FormatUint(uint64(id), 10)
}

// WatchRuntimeOptions starts hot reloading of runtime options from path.
// A reload invalidates all result caches.
func (b *NativeBridge) WatchRuntimeOptions(ctx context.Context, path string) error {
	watcher, err := NewRuntimeOptionsWatcher(path, func(previous, updated *RuntimeOptions) {
		b.cachesEnabled.Store(updated.EnableResultCaches)
		b.InvalidateCaches()
	}, b.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	b.optionsWatcher = watcher
	b.cachesEnabled.Store(watcher.Current().EnableResultCaches)
	return nil
}

// RuntimeOptions returns the active runtime options, or the defaults when no
// watcher is running.
func (b *NativeBridge) RuntimeOptions() RuntimeOptions {
	if b.optionsWatcher != nil {
		return *b.optionsWatcher.Current()
	}
	return DefaultRuntimeOptions
}

// InvalidateCaches drops every proxy's memoized query answers. The next
// query on any proxy performs a fresh round trip.
func (b *NativeBridge) InvalidateCaches() {
	b.proxyMu.RLock()
	defer b.proxyMu.RUnlock()
	for _, proxy := range b.proxies {
		proxy.InvalidateCaches()
	}
}

// ControlStats returns the control channel's counters.
func (b *NativeBridge) ControlStats() ChannelStats {
	return b.control.Stats()
}

// Close tears the bridge down: all channels, listeners, proxies, and the
// endpoint directory. In-flight sends unblock with ConnectionClosed.
func (b *NativeBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()

		b.proxyMu.Lock()
		proxies := make([]*PluginProxy, 0, len(b.proxies))
		for _, proxy := range b.proxies {
			proxies = append(proxies, proxy)
		}
		b.proxies = make(map[InstanceID]*PluginProxy)
		b.proxyMu.Unlock()
		for _, proxy := range proxies {
			proxy.release()
		}

		if b.control != nil {
			_ = b.control.Close()
		}
		if b.callback != nil {
			_ = b.callback.Close()
		}
		_ = b.controlListener.Close()
		_ = b.callbackListener.Close()

		b.audioMu.Lock()
		for _, listener := range b.audioLst {
			_ = listener.Close()
		}
		b.audioLst = make(map[InstanceID]net.Listener)
		b.audioMu.Unlock()

		if b.optionsWatcher != nil {
			_ = b.optionsWatcher.Stop()
		}

		b.wg.Wait()
		err = b.endpoint.Remove()
		b.logger.Info("Native bridge closed", "plugin", b.config.PluginName)
	})
	return err
}
