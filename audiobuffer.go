// audiobuffer.go: negotiated shared audio buffer layout and typed views
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"fmt"
	"math"
)

// SampleKind is the sample representation carried in the shared audio
// buffers. The width varies, so channel access goes through views tagged with
// the kind rather than through untyped pointers.
type SampleKind string

const (
	SampleFloat32 SampleKind = "float32"
	SampleFloat64 SampleKind = "float64"
)

// Width returns the sample size in bytes, or 0 for an unknown kind.
func (k SampleKind) Width() uint64 {
	switch k {
	case SampleFloat32:
		return 4
	case SampleFloat64:
		return 8
	}
	return 0
}

// ActivationRequest carries the activation parameters the buffer layout is
// computed from: sample kind, frame capacity, and the ordered per-bus channel
// counts for each direction.
type ActivationRequest struct {
	SampleKind        SampleKind `json:"sample_kind"`
	SampleRate        float64    `json:"sample_rate"`
	MaxFrames         uint32     `json:"max_frames"`
	InputBusChannels  []uint32   `json:"input_bus_channels"`
	OutputBusChannels []uint32   `json:"output_bus_channels"`
}

// ActivationResponse is the activate call's response. BufferConfig is nil
// when the previously negotiated configuration is still valid, in which case
// the native side keeps its existing mapping.
type ActivationResponse struct {
	BufferConfig *AudioBufferConfig `json:"buffer_config,omitempty"`
}

// AudioBufferConfig is one negotiated shared-memory layout. It is immutable
// once constructed; re-negotiation produces a new config and a new region.
//
// Offsets are in samples, not bytes, laid out inputs first then outputs with
// each channel occupying MaxFrames consecutive samples. The config carries
// the region name and the byte layout is reproducible from the config alone,
// which is what lets both processes map the same region independently.
type AudioBufferConfig struct {
	Name          string     `json:"name"`
	SampleKind    SampleKind `json:"sample_kind"`
	MaxFrames     uint32     `json:"max_frames"`
	InputOffsets  [][]uint32 `json:"input_offsets"`
	OutputOffsets [][]uint32 `json:"output_offsets"`
	Size          uint64     `json:"size"`
}

// ComputeBufferConfig builds the buffer layout for the given activation
// parameters. name identifies the shared region and must be derived
// deterministically from the bridge endpoint base and instance id.
func ComputeBufferConfig(name string, req ActivationRequest) (*AudioBufferConfig, error) {
	width := req.SampleKind.Width()
	if width == 0 {
		return nil, NewInvalidBufferConfigError(fmt.Sprintf("unknown sample kind %q", req.SampleKind))
	}
	if req.MaxFrames == 0 {
		return nil, NewInvalidBufferConfigError("frame capacity must be greater than 0")
	}

	// Offsets are 32-bit sample indices; the whole layout must fit that
	// address space or channel views would alias each other.
	var totalChannels uint64
	for _, channels := range req.InputBusChannels {
		totalChannels += uint64(channels)
	}
	for _, channels := range req.OutputBusChannels {
		totalChannels += uint64(channels)
	}
	if totalChannels > math.MaxUint32 || totalChannels*uint64(req.MaxFrames) > math.MaxUint32 {
		return nil, NewInvalidBufferConfigError(fmt.Sprintf(
			"layout of %d channels x %d frames exceeds the addressable sample space",
			totalChannels, req.MaxFrames))
	}

	offset := uint32(0)
	layoutBusses := func(busChannels []uint32) [][]uint32 {
		offsets := make([][]uint32, len(busChannels))
		for bus, channels := range busChannels {
			offsets[bus] = make([]uint32, channels)
			for channel := range offsets[bus] {
				offsets[bus][channel] = offset
				offset += req.MaxFrames
			}
		}
		return offsets
	}

	inputOffsets := layoutBusses(req.InputBusChannels)
	outputOffsets := layoutBusses(req.OutputBusChannels)

	return &AudioBufferConfig{
		Name:          name,
		SampleKind:    req.SampleKind,
		MaxFrames:     req.MaxFrames,
		InputOffsets:  inputOffsets,
		OutputOffsets: outputOffsets,
		Size:          uint64(offset) * width,
	}, nil
}

// Equal reports whether two configs describe the identical region layout.
// Activation with unchanged parameters must be a cheap idempotent check, so
// this is what short-circuits re-negotiation.
func (c *AudioBufferConfig) Equal(other *AudioBufferConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Name != other.Name || c.SampleKind != other.SampleKind ||
		c.MaxFrames != other.MaxFrames || c.Size != other.Size {
		return false
	}
	return equalOffsets(c.InputOffsets, other.InputOffsets) &&
		equalOffsets(c.OutputOffsets, other.OutputOffsets)
}

// SameLayout reports whether two configs describe the identical byte layout,
// regardless of which region name carries it. Each negotiated region gets a
// fresh name, so idempotence checks must compare the layout, not the name.
func (c *AudioBufferConfig) SameLayout(other *AudioBufferConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.SampleKind != other.SampleKind || c.MaxFrames != other.MaxFrames ||
		c.Size != other.Size {
		return false
	}
	return equalOffsets(c.InputOffsets, other.InputOffsets) &&
		equalOffsets(c.OutputOffsets, other.OutputOffsets)
}

func equalOffsets(a, b [][]uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for bus := range a {
		if len(a[bus]) != len(b[bus]) {
			return false
		}
		for channel := range a[bus] {
			if a[bus][channel] != b[bus][channel] {
				return false
			}
		}
	}
	return true
}

// NegotiateBuffers computes the layout for req and compares it against the
// currently active config. Returns nil when the active layout is identical
// (no reallocation needed, current region and name stay in force); otherwise
// returns the new config for the caller to map and to transmit to the peer.
// name must be unused by any previous region of the instance: the old region
// is unlinked on release, so a successor sharing its name would be mapped
// onto a different inode by whichever side opens last.
func NegotiateBuffers(current *AudioBufferConfig, name string, req ActivationRequest) (*AudioBufferConfig, error) {
	next, err := ComputeBufferConfig(name, req)
	if err != nil {
		return nil, err
	}
	if current.SameLayout(next) {
		return nil, nil
	}
	return next, nil
}

// ProcessBuffers exposes the shared region as per-bus channel views, tagged
// by sample kind. Exactly one of the 32/64-bit slice pairs is populated;
// slices are indexed [bus][channel][frame] and alias the mapped region
// directly.
//
// The buffers carry no locking. One side's audio worker writes while the
// other side reads, and correctness relies on the strict processing-phase
// staging of the audio channel: a buffer is only handed off between defined
// phases, never mutated concurrently by both sides.
type ProcessBuffers struct {
	Kind SampleKind

	Input32  [][][]float32
	Output32 [][][]float32
	Input64  [][][]float64
	Output64 [][][]float64
}

// InputChannelCount returns the channel count of an input bus.
func (p *ProcessBuffers) InputChannelCount(bus int) int {
	if p.Kind == SampleFloat64 {
		return len(p.Input64[bus])
	}
	return len(p.Input32[bus])
}

// OutputChannelCount returns the channel count of an output bus.
func (p *ProcessBuffers) OutputChannelCount(bus int) int {
	if p.Kind == SampleFloat64 {
		return len(p.Output64[bus])
	}
	return len(p.Output32[bus])
}
