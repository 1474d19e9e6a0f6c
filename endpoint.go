// endpoint.go: per-bridge socket endpoints and shared-memory naming
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EndpointBase is the unique per-bridge directory under which every unix
// domain socket lives, usually <runtime dir>/audiobridge-<plugin>-<random>/.
// Shared-memory region names are derived from the directory's base name, so
// the whole bridge's identity hangs off this one path: hand the directory to
// the remote process and it can reach every endpoint deterministically.
type EndpointBase struct {
	dir  string
	name string
}

// GenerateEndpointBase creates a fresh endpoint directory for pluginName.
// Called on the native side before the remote environment is launched.
func GenerateEndpointBase(pluginName string) (*EndpointBase, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}

	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		return nil, NewEndpointError("could not generate endpoint id", err)
	}

	name := fmt.Sprintf("audiobridge-%s-%s", sanitizeEndpointName(pluginName), hex.EncodeToString(random))
	dir := filepath.Join(runtimeDir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, NewEndpointError("could not create endpoint directory", err)
	}

	return &EndpointBase{dir: dir, name: name}, nil
}

// OpenEndpointBase attaches to an endpoint directory created by the native
// side. Called on the remote side with the directory it was handed.
func OpenEndpointBase(dir string) (*EndpointBase, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, NewEndpointError("endpoint directory does not exist", err)
	}
	if !info.IsDir() {
		return nil, NewEndpointError("endpoint path is not a directory", nil)
	}
	return &EndpointBase{dir: dir, name: filepath.Base(dir)}, nil
}

// sanitizeEndpointName keeps plugin names filesystem- and socket-safe.
func sanitizeEndpointName(name string) string {
	if name == "" {
		return "plugin"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
}

// Dir returns the endpoint directory path.
func (e *EndpointBase) Dir() string {
	return e.dir
}

// Name returns the endpoint's base name, shared with region naming.
func (e *EndpointBase) Name() string {
	return e.name
}

// ControlSocketPath is the main-thread native-to-remote channel endpoint.
func (e *EndpointBase) ControlSocketPath() string {
	return filepath.Join(e.dir, "control.sock")
}

// CallbackSocketPath is the main-thread remote-to-native channel endpoint.
func (e *EndpointBase) CallbackSocketPath() string {
	return filepath.Join(e.dir, "callback.sock")
}

// AudioSocketPath is the per-instance audio-thread channel endpoint.
func (e *EndpointBase) AudioSocketPath(id InstanceID) string {
	return filepath.Join(e.dir, fmt.Sprintf("audio-%d.sock", id))
}

// SharedMemoryName derives the audio region name for one negotiated buffer
// generation of an instance. The generation makes every negotiation produce a
// distinct name: region files are unlinked on release, so reusing a name
// would leave the two sides mapping different inodes. The chosen name travels
// to the peer inside the buffer config.
func (e *EndpointBase) SharedMemoryName(id InstanceID, generation uint64) string {
	return fmt.Sprintf("%s-%d-g%d", e.name, id, generation)
}

// Remove deletes the endpoint directory and every socket inside it.
func (e *EndpointBase) Remove() error {
	return os.RemoveAll(e.dir)
}

// listenSocket starts listening on a unix socket path, replacing any stale
// socket file left behind by a crashed predecessor.
func listenSocket(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, NewEndpointError("could not remove stale socket", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, NewEndpointError("could not listen on socket", err)
	}
	return listener, nil
}

// acceptWithTimeout waits for one connection, bounded so a remote process
// that never comes up does not hang the native side forever.
func acceptWithTimeout(listener net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, NewEndpointError("accept failed", r.err)
		}
		return r.conn, nil
	case <-time.After(timeout):
		_ = listener.Close()
		return nil, NewEndpointError("timed out waiting for peer connection", nil)
	}
}

// dialSocket connects to a unix socket, retrying briefly: the listener may
// still be coming up on the other side during bridge startup.
func dialSocket(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", path, timeout)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, NewEndpointError("could not connect to socket", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
