// protocol_test.go: wire framing and strict envelope decoding tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"tag":"core.instance.initialize","instance":7}`)

	require.NoError(t, writeFrame(&buf, payload, 0))

	got, err := readFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, buf.Len(), "no trailing bytes after one frame")
}

func TestFraming_LengthPrefixIsFixedWidthLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("abc")
	require.NoError(t, writeFrame(&buf, payload, 0))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), frameHeaderSize)
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(raw[:frameHeaderSize]),
		"prefix must be a fixed 64-bit little-endian length")
	assert.Equal(t, payload, raw[frameHeaderSize:])
}

func TestFraming_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, nil, 0))

	got, err := readFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFraming_WriteRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, make([]byte, 100), 64)
	require.Error(t, err)
	assert.Equal(t, ErrCodeFrameTooLarge, ErrorCode(err))
	assert.Zero(t, buf.Len(), "nothing written when the frame is rejected")
}

func TestFraming_ReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], 1<<40)
	buf.Write(header[:])

	_, err := readFrame(&buf, 64)
	require.Error(t, err)
	assert.Equal(t, ErrCodeFrameTooLarge, ErrorCode(err),
		"an absurd length prefix must be rejected before allocating")
}

func TestFraming_TruncatedFrameFailsRead(t *testing.T) {
	var buf bytes.Buffer
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], 10)
	buf.Write(header[:])
	buf.WriteString("short")

	_, err := readFrame(&buf, 0)
	require.Error(t, err)
}

func TestDecodeStrict_EnvelopeRoundTrip(t *testing.T) {
	payload, err := EncodePayload(ActivationRequest{
		SampleKind:        SampleFloat32,
		SampleRate:        48000,
		MaxFrames:         512,
		InputBusChannels:  []uint32{2},
		OutputBusChannels: []uint32{2},
	})
	require.NoError(t, err)

	env := Envelope{Tag: TagActivate, Instance: 3, Payload: payload}
	data, err := encodeMessage(&env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, decodeStrict(data, &decoded))
	assert.Equal(t, env.Tag, decoded.Tag)
	assert.Equal(t, env.Instance, decoded.Instance)

	var req ActivationRequest
	require.NoError(t, DecodePayload(decoded.Payload, &req))
	assert.Equal(t, SampleFloat32, req.SampleKind)
	assert.Equal(t, uint32(512), req.MaxFrames)
}

func TestDecodeStrict_RejectsUnknownFields(t *testing.T) {
	var env Envelope
	err := decodeStrict([]byte(`{"tag":"core.handshake","surprise":true}`), &env)
	require.Error(t, err, "a field the receiver does not know must fail the whole frame")
}

func TestDecodeStrict_RejectsTrailingData(t *testing.T) {
	var env Envelope
	err := decodeStrict([]byte(`{"tag":"core.handshake"}{"tag":"again"}`), &env)
	require.Error(t, err)
	assert.Equal(t, ErrCodeProtocolViolation, ErrorCode(err))
}

func TestDecodeStrict_RejectsMalformedJSON(t *testing.T) {
	var env Envelope
	err := decodeStrict([]byte(`{"tag":`), &env)
	require.Error(t, err)
}

func TestDecodePayload_EmptyPayloadIsViolation(t *testing.T) {
	var req ActivationRequest
	err := DecodePayload(nil, &req)
	require.Error(t, err)
	assert.Equal(t, ErrCodeProtocolViolation, ErrorCode(err))
}

func TestReply_FailureCarriesErrorAndCode(t *testing.T) {
	reply := Reply{Success: false, Error: "no such instance", Code: ErrCodeInstanceNotFound}
	data, err := encodeMessage(&reply)
	require.NoError(t, err)

	var decoded Reply
	require.NoError(t, decodeStrict(data, &decoded))
	assert.False(t, decoded.Success)
	assert.Equal(t, "no such instance", decoded.Error)
	assert.Equal(t, ErrCodeInstanceNotFound, decoded.Code)
	assert.Nil(t, decoded.Payload)
}
