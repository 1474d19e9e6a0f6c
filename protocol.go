// protocol.go: tagged message envelopes and length-prefixed wire framing
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
)

// MessageTag identifies one request variant within a channel's closed variant
// set. The tag is carried on the wire so the receiver can determine which
// variant was sent without external context; each tag names exactly one
// response payload type.
//
// Core tags live in this package; concrete plugin-format glue registers its
// own tags alongside them. Dotted names keep the namespaces apart.
type MessageTag string

// Tags for the calls the core itself orchestrates. Everything else crossing
// the bridge is format-specific and registered by the external glue.
const (
	// Control channel (native -> remote, main-thread role)
	TagHandshake       MessageTag = "core.handshake"
	TagFactoryCreate   MessageTag = "core.factory.create"
	TagFactoryDestroy  MessageTag = "core.factory.destroy"
	TagInitialize      MessageTag = "core.instance.initialize"
	TagActivate        MessageTag = "core.instance.activate"
	TagDeactivate      MessageTag = "core.instance.deactivate"
	TagStartProcessing MessageTag = "core.instance.start_processing"
	TagStopProcessing  MessageTag = "core.instance.stop_processing"
	TagAudioConnect    MessageTag = "core.instance.connect_audio"
	TagBusCount        MessageTag = "core.query.bus_count"
	TagBusInfo         MessageTag = "core.query.bus_info"
	TagParameterCount  MessageTag = "core.query.parameter_count"
	TagParameterInfo   MessageTag = "core.query.parameter_info"

	// Audio channel (native -> remote, audio-thread role, per instance)
	TagProcess MessageTag = "core.audio.process"

	// Callback channel (remote -> native)
	TagHostRestart MessageTag = "core.host.restart"
)

// Envelope is the framed request representation. Payload holds the
// variant-specific argument struct, already encoded; decoding it is deferred
// to the handler matched by Tag so the envelope itself stays format-agnostic.
type Envelope struct {
	Tag      MessageTag      `json:"tag"`
	Instance InstanceID      `json:"instance,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Reply is the framed response representation. Exactly one Reply follows each
// Envelope on a channel. A failed handler ships its error message instead of
// a payload; the sender surfaces it as a remote-call error.
type Reply struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// frameHeaderSize is the length prefix preceding every message. The size is
// written as a fixed 64-bit little-endian integer, not a pointer-sized one,
// so a 32-bit remote environment reads the same framing.
const frameHeaderSize = 8

// writeFrame writes one length-prefixed message to w. Not atomic: a channel
// serializes writers, concurrent use of the same conn would interleave frames.
func writeFrame(w io.Writer, payload []byte, limit uint64) error {
	if limit > 0 && uint64(len(payload)) > limit {
		return NewFrameTooLargeError("", uint64(len(payload)), limit)
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed message from r. A frame larger than
// limit is a protocol violation, not something to buffer through.
func readFrame(r io.Reader, limit uint64) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(header[:])
	if limit > 0 && size > limit {
		return nil, NewFrameTooLargeError("", size, limit)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// encodeMessage serializes an envelope or reply for framing.
func encodeMessage(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decodeStrict unmarshals data into v, rejecting unknown fields and trailing
// garbage. Decoding never partially succeeds: any leftover or unexpected
// content means the whole frame is rejected and the channel gets closed.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return NewProtocolViolationError("", "trailing data after message", nil)
	}
	return nil
}

// EncodePayload marshals a variant argument or response struct for an
// envelope. Exposed for format glue building its own requests.
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// DecodePayload unmarshals a variant payload into v with strict decoding.
// Exposed for format glue implementing handlers.
func DecodePayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return NewProtocolViolationError("", "empty payload for variant expecting arguments", nil)
	}
	return decodeStrict(payload, v)
}
