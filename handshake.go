// handshake.go: protocol handshake between the native and remote sides
//
// The first exchange on the control connection carries the protocol version
// and magic cookie. A mismatch means the two halves were built from different
// releases (or something other than our remote host dialed the socket), and
// the bridge must not come up in that state: every later message would be
// undecodable anyway.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

// HandshakeConfig pins the protocol version and magic cookie both sides must
// agree on.
type HandshakeConfig struct {
	// ProtocolVersion is the version of the bridge wire protocol. It must
	// match exactly between the native and remote sides.
	ProtocolVersion uint32 `json:"protocol_version" yaml:"protocol_version"`

	// MagicCookie is a basic verification that the peer really is our
	// remote host. Not a security feature, just a guard against a stray
	// process dialing the socket.
	MagicCookie string `json:"magic_cookie" yaml:"magic_cookie"`
}

// DefaultHandshakeConfig is the handshake configuration for this release.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion: 1,
	MagicCookie:     "agilira-audiobridge-v1",
}

// Validate checks that the HandshakeConfig is complete.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}
	if hc.MagicCookie == "" {
		return NewHandshakeError("magic cookie is required", nil)
	}
	return nil
}

// HandshakeRequest is sent by the remote side as the first message on the
// control connection, before any plugin call crosses the bridge.
type HandshakeRequest struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	MagicCookie     string `json:"magic_cookie"`
	RemoteVersion   string `json:"remote_version"`
}

// HandshakeResponse acknowledges the handshake and tells the remote side
// which recursion domains the native side coordinates.
type HandshakeResponse struct {
	NativeVersion    string            `json:"native_version"`
	RecursionDomains []RecursionDomain `json:"recursion_domains"`
}

// verifyHandshake checks an incoming request against the local config.
func verifyHandshake(config HandshakeConfig, req HandshakeRequest) error {
	if req.ProtocolVersion != config.ProtocolVersion {
		return NewHandshakeError("protocol version mismatch", nil).
			WithContext("local_version", config.ProtocolVersion).
			WithContext("remote_version", req.ProtocolVersion)
	}
	if req.MagicCookie != config.MagicCookie {
		return NewHandshakeError("magic cookie mismatch", nil)
	}
	return nil
}
