// Package audiobridge implements the cross-process bridge runtime that lets a
// native audio-plugin host load a proxy for a plugin that actually runs inside
// a separate, ABI-incompatible process. Every host call is forwarded over a
// channel to the remote process, executed against the real plugin, and the
// typed response (plus any callback the plugin makes into the host) is relayed
// back.
//
// Key Features:
//   - Instance registry with monotonically increasing, never-reused ids
//   - Strictly request/response channels over unix domain sockets, one per
//     (thread role, direction) pair, with per-instance audio channels
//   - Mutual-recursion coordination so a nested callback arriving during an
//     outstanding round trip is serviced inline instead of deadlocking
//   - Negotiated shared-memory audio buffers with typed per-bus channel views
//   - Generic result caches that collapse repeated idempotent queries
//   - Hot-reloadable runtime options and structured, pluggable logging
//
// Basic Usage:
//
//	// Native (host) side
//	native, err := audiobridge.NewNativeBridge(audiobridge.DefaultBridgeConfig, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	// launch the remote process with native.Endpoint().Dir(), then:
//	if err := native.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	proxy, err := native.Instantiate()
//
//	// Remote (plugin-hosting) side, in the other process
//	remote, err := audiobridge.NewRemoteBridge(baseDir, audiobridge.DefaultBridgeConfig, factory, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := remote.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	err = remote.Serve(ctx)
//
// The concrete plugin-format call surface is deliberately outside this
// package: format glue registers its own tagged requests and handlers, and the
// core round-trips each one exactly once with at-most-one-in-flight-per-channel
// ordering.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package audiobridge
