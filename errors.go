// errors.go: structured error definitions for the audio bridge runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the bridge runtime. Every failure mode the runtime can
// surface maps to exactly one code; none of these conditions are retried
// automatically because each one indicates either a peer that is gone or a
// logic/protocol defect rather than a transient fault.
const (
	// Instance registry errors (1100-1199)
	ErrCodeInstanceNotFound  = "BRIDGE_1101"
	ErrCodeRegistryExhausted = "BRIDGE_1102"

	// Channel and protocol errors (1200-1299)
	ErrCodeConnectionClosed  = "BRIDGE_1201"
	ErrCodeProtocolViolation = "BRIDGE_1202"
	ErrCodeFrameTooLarge     = "BRIDGE_1203"
	ErrCodeUnknownTag        = "BRIDGE_1204"
	ErrCodeRemoteCallFailed  = "BRIDGE_1205"
	ErrCodeDuplicateHandler  = "BRIDGE_1206"

	// Mutual recursion errors (1300-1399)
	ErrCodeReentrancyViolation = "BRIDGE_1301"

	// Shared memory and audio transport errors (1400-1499)
	ErrCodeSharedMemory        = "BRIDGE_1401"
	ErrCodeInvalidBufferConfig = "BRIDGE_1402"

	// Handshake and configuration errors (1500-1599)
	ErrCodeHandshakeFailed = "BRIDGE_1501"
	ErrCodeInvalidConfig   = "BRIDGE_1502"
	ErrCodeEndpointError   = "BRIDGE_1503"
)

// Registry error constructors

func NewInstanceNotFoundError(id InstanceID) *errors.Error {
	return errors.New(ErrCodeInstanceNotFound, "Instance not found").
		WithUserMessage("The referenced plugin instance is not registered").
		WithContext("instance_id", uint64(id)).
		WithSeverity("error")
}

func NewRegistryExhaustedError(limit uint64) *errors.Error {
	return errors.New(ErrCodeRegistryExhausted, "Instance registry exhausted").
		WithUserMessage("The configured plugin instance limit has been reached").
		WithContext("limit", limit).
		WithSeverity("error")
}

// Channel and protocol error constructors

func NewConnectionClosedError(channel string, cause error) *errors.Error {
	err := errors.New(ErrCodeConnectionClosed, "Connection closed").
		WithUserMessage("The peer process is gone or the socket failed").
		WithContext("channel", channel).
		WithSeverity("error")
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeConnectionClosed, "Connection closed").
			WithContext("channel", channel).
			WithSeverity("error")
	}
	return err
}

func NewProtocolViolationError(channel, detail string, cause error) *errors.Error {
	err := errors.New(ErrCodeProtocolViolation, "Protocol violation").
		WithUserMessage("Received a malformed or unexpected message; the channel has been closed").
		WithContext("channel", channel).
		WithContext("detail", detail).
		WithSeverity("critical")
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeProtocolViolation, "Protocol violation").
			WithContext("channel", channel).
			WithContext("detail", detail).
			WithSeverity("critical")
	}
	return err
}

func NewFrameTooLargeError(channel string, size, limit uint64) *errors.Error {
	return errors.New(ErrCodeFrameTooLarge, "Frame exceeds size limit").
		WithContext("channel", channel).
		WithContext("frame_size", size).
		WithContext("limit", limit).
		WithSeverity("critical")
}

func NewUnknownTagError(channel string, tag MessageTag) *errors.Error {
	return errors.New(ErrCodeUnknownTag, "Unrecognized message tag").
		WithUserMessage("The peer sent a request this side has no handler for").
		WithContext("channel", channel).
		WithContext("tag", string(tag)).
		WithSeverity("critical")
}

func NewRemoteCallFailedError(tag MessageTag, remoteMessage string) *errors.Error {
	return errors.New(ErrCodeRemoteCallFailed, "Remote call failed").
		WithContext("tag", string(tag)).
		WithContext("remote_error", remoteMessage).
		WithSeverity("error")
}

func NewDuplicateHandlerError(tag MessageTag) *errors.Error {
	return errors.New(ErrCodeDuplicateHandler, "Handler already registered").
		WithContext("tag", string(tag)).
		WithSeverity("error")
}

// Mutual recursion error constructors

func NewReentrancyError(domain RecursionDomain) *errors.Error {
	return errors.New(ErrCodeReentrancyViolation, "Recursion domain already forked").
		WithUserMessage("A fork was attempted on a domain that is already forked on this flow; this indicates an unbounded recursive loop").
		WithContext("domain", string(domain)).
		WithSeverity("critical")
}

// Shared memory error constructors

func NewSharedMemoryError(name, operation string, cause error) *errors.Error {
	err := errors.New(ErrCodeSharedMemory, "Shared memory operation failed").
		WithUserMessage("Could not map the shared audio buffer; check memlock limits and available memory").
		WithContext("region", name).
		WithContext("operation", operation).
		WithSeverity("critical")
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeSharedMemory, "Shared memory operation failed").
			WithContext("region", name).
			WithContext("operation", operation).
			WithSeverity("critical")
	}
	return err
}

func NewInvalidBufferConfigError(detail string) *errors.Error {
	return errors.New(ErrCodeInvalidBufferConfig, "Invalid audio buffer configuration").
		WithContext("detail", detail).
		WithSeverity("error")
}

// Handshake and configuration error constructors

func NewHandshakeError(message string, cause error) *errors.Error {
	err := errors.New(ErrCodeHandshakeFailed, "Handshake failed").
		WithUserMessage(message).
		WithSeverity("critical")
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeHandshakeFailed, "Handshake failed").
			WithUserMessage(message).
			WithSeverity("critical")
	}
	return err
}

func NewConfigError(message string, cause error) *errors.Error {
	err := errors.New(ErrCodeInvalidConfig, "Invalid bridge configuration").
		WithUserMessage(message).
		WithSeverity("error")
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeInvalidConfig, "Invalid bridge configuration").
			WithUserMessage(message).
			WithSeverity("error")
	}
	return err
}

func NewEndpointError(message string, cause error) *errors.Error {
	err := errors.New(ErrCodeEndpointError, "Endpoint setup failed").
		WithUserMessage(message).
		WithSeverity("error")
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeEndpointError, "Endpoint setup failed").
			WithUserMessage(message).
			WithSeverity("error")
	}
	return err
}

// ErrorCode extracts the bridge error code from err, or returns an empty
// string when err is not a coded bridge error.
func ErrorCode(err error) string {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return string(coded.Code)
	}
	return ""
}

// IsNotFound reports whether err indicates a lookup of an unregistered
// instance id. This is always a caller or protocol bug, never retried.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeInstanceNotFound
}

// IsConnectionClosed reports whether err indicates the peer process is gone.
// Fatal to the whole bridge.
func IsConnectionClosed(err error) bool {
	return ErrorCode(err) == ErrCodeConnectionClosed
}

// IsProtocolViolation reports whether err indicates a malformed frame,
// unrecognized tag, or response type mismatch.
func IsProtocolViolation(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeProtocolViolation, ErrCodeFrameTooLarge, ErrCodeUnknownTag:
		return true
	}
	return false
}

// IsReentrancyViolation reports whether err indicates a fork attempted on a
// domain already forked on the same flow.
func IsReentrancyViolation(err error) bool {
	return ErrorCode(err) == ErrCodeReentrancyViolation
}

// IsResourceExhaustion reports whether err indicates an allocation failure:
// a shared-memory mapping that could not be established, or an instance
// registration past the configured limit.
func IsResourceExhaustion(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeSharedMemory, ErrCodeRegistryExhausted:
		return true
	}
	return false
}
