// config.go: bridge configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"encoding/json"
	"os"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// BridgeConfig configures one bridge pair. The same config is used on both
// sides; the remote side receives the endpoint directory separately since
// that is generated at native startup.
type BridgeConfig struct {
	// PluginName names the bridged plugin; it only feeds endpoint and log
	// labeling.
	PluginName string `json:"plugin_name" yaml:"plugin_name"`

	// ConnectTimeout bounds bridge startup: accepting the remote side's
	// connections on the native side, dialing on the remote side.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// MaxFrameBytes bounds a single wire message. Zero means unbounded.
	// Chunk/state payloads can be large, so the default is generous.
	MaxFrameBytes uint64 `json:"max_frame_bytes" yaml:"max_frame_bytes"`

	// RecursionDomains lists the domains that participate in mutual
	// recursion. GUI is the known-required one; audio is a configuration
	// point rather than a hardwired exclusion.
	RecursionDomains []RecursionDomain `json:"recursion_domains" yaml:"recursion_domains"`

	// MaxInstances bounds how many plugin instances may be registered at
	// once on the remote side. Zero means unbounded.
	MaxInstances uint64 `json:"max_instances" yaml:"max_instances"`

	// Handshake pins the protocol version and magic cookie.
	Handshake HandshakeConfig `json:"handshake" yaml:"handshake"`

	// Version is reported to the peer during the handshake.
	Version string `json:"version" yaml:"version"`
}

// DefaultBridgeConfig provides reasonable defaults.
var DefaultBridgeConfig = BridgeConfig{
	PluginName:       "plugin",
	ConnectTimeout:   10 * time.Second,
	MaxFrameBytes:    64 << 20,
	RecursionDomains: []RecursionDomain{DomainGUI},
	Handshake:        DefaultHandshakeConfig,
	Version:          "dev",
}

// Validate checks the configuration for completeness.
func (c *BridgeConfig) Validate() error {
	if c.PluginName == "" {
		return NewConfigError("plugin name is required", nil)
	}
	if c.ConnectTimeout <= 0 {
		return NewConfigError("connect timeout must be positive", nil)
	}
	return c.Handshake.Validate()
}

// LoadBridgeConfig reads a bridge configuration file, detecting JSON or YAML
// by extension, and validates it. Missing fields fall back to the defaults.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("could not read configuration file", err)
	}

	config := DefaultBridgeConfig
	switch argus.DetectFormat(path) {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, NewConfigError("could not parse JSON configuration", err)
		}
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, NewConfigError("could not parse YAML configuration", err)
		}
	default:
		return nil, NewConfigError("unsupported configuration format", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
