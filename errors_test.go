// errors_test.go: error taxonomy and classifier tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_ExtractsCodeFromWrappedError(t *testing.T) {
	err := NewConnectionClosedError("control", io.EOF)
	assert.Equal(t, ErrCodeConnectionClosed, ErrorCode(err))

	wrapped := fmt.Errorf("during teardown: %w", err)
	assert.Equal(t, ErrCodeConnectionClosed, ErrorCode(wrapped))
}

func TestErrorCode_UncodedErrorYieldsEmpty(t *testing.T) {
	assert.Empty(t, ErrorCode(io.EOF))
	assert.Empty(t, ErrorCode(nil))
}

func TestErrorClassifiers(t *testing.T) {
	t.Run("not_found", func(t *testing.T) {
		err := NewInstanceNotFoundError(12)
		assert.True(t, IsNotFound(err))
		assert.False(t, IsConnectionClosed(err))
	})

	t.Run("connection_closed", func(t *testing.T) {
		err := NewConnectionClosedError("audio-3", nil)
		assert.True(t, IsConnectionClosed(err))
		assert.False(t, IsProtocolViolation(err))
	})

	t.Run("protocol_violation_family", func(t *testing.T) {
		assert.True(t, IsProtocolViolation(NewProtocolViolationError("control", "trailing data", nil)))
		assert.True(t, IsProtocolViolation(NewFrameTooLargeError("control", 1024, 64)))
		assert.True(t, IsProtocolViolation(NewUnknownTagError("control", "bogus.tag")))
		assert.False(t, IsProtocolViolation(NewRemoteCallFailedError(TagActivate, "boom")))
	})

	t.Run("reentrancy", func(t *testing.T) {
		err := NewReentrancyError(DomainGUI)
		assert.True(t, IsReentrancyViolation(err))
		assert.Equal(t, ErrCodeReentrancyViolation, ErrorCode(err))
	})

	t.Run("resource_exhaustion", func(t *testing.T) {
		err := NewSharedMemoryError("region-1", "mmap", io.ErrUnexpectedEOF)
		assert.True(t, IsResourceExhaustion(err))
		assert.False(t, IsResourceExhaustion(NewInvalidBufferConfigError("bad")))
	})
}

func TestErrorConstructors_CarryCause(t *testing.T) {
	err := NewSharedMemoryError("region", "truncate", io.ErrClosedPipe)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSharedMemory, ErrorCode(err))
	assert.True(t, IsResourceExhaustion(err))
}

func TestRemoteCallFailedError_CarriesTagAndRemoteMessage(t *testing.T) {
	err := NewRemoteCallFailedError(TagBusInfo, "index out of range")
	assert.Equal(t, ErrCodeRemoteCallFailed, ErrorCode(err))
	assert.Contains(t, err.Error(), "Remote call failed")
}
