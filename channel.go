// channel.go: strictly request/response conduits over connected byte streams
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agilira/go-timecache"
)

// Channel is a single typed request/response conduit bound to one
// (thread role, direction) pair. One side only calls Send, the other only
// runs Serve; the protocol is strictly request/response, never pipelined.
//
// At most one request may be outstanding at a time: a second Send on the same
// channel waits for the first's response before its bytes touch the wire.
// There is no per-call timeout and no cancellation of an in-flight round
// trip; a blocked Send is unblocked only by the response arriving or by the
// channel closing underneath it.
type Channel struct {
	name     string
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame uint64
	logger   Logger

	// sendMu serializes complete send+receive round trips.
	sendMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once

	// Statistics
	requestsSent   atomic.Int64
	requestsServed atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	lastUsedNanos  atomic.Int64
}

// ChannelStats is a point-in-time snapshot of a channel's counters.
type ChannelStats struct {
	Name           string    `json:"name"`
	RequestsSent   int64     `json:"requests_sent"`
	RequestsServed int64     `json:"requests_served"`
	BytesSent      int64     `json:"bytes_sent"`
	BytesReceived  int64     `json:"bytes_received"`
	LastUsed       time.Time `json:"last_used"`
}

// NewChannel wraps an established connection. maxFrame bounds the size of a
// single message in either direction; zero means unbounded.
func NewChannel(name string, conn net.Conn, maxFrame uint64, logger any) *Channel {
	return &Channel{
		name:     name,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		maxFrame: maxFrame,
		logger:   NewLogger(logger),
	}
}

// Name returns the channel's diagnostic name.
func (c *Channel) Name() string {
	return c.name
}

// Send serializes the tagged request, writes it, then synchronously reads and
// decodes exactly one response into result (which may be nil for calls whose
// response carries no payload). The calling goroutine blocks until the peer
// replies or the channel closes.
//
// A response that fails the remote handler surfaces as a remote-call error; a
// response that cannot be decoded as the expected type closes the channel and
// surfaces as a protocol violation.
func (c *Channel) Send(env Envelope, result any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return NewConnectionClosedError(c.name, nil)
	}

	data, err := encodeMessage(&env)
	if err != nil {
		return NewProtocolViolationError(c.name, "request encoding failed", err)
	}

	if err := writeFrame(c.conn, data, c.maxFrame); err != nil {
		return c.failSend(err, "request write failed")
	}
	c.bytesSent.Add(int64(len(data)) + frameHeaderSize)

	replyData, err := readFrame(c.reader, c.maxFrame)
	if err != nil {
		return c.failSend(err, "response read failed")
	}
	c.bytesReceived.Add(int64(len(replyData)) + frameHeaderSize)

	var reply Reply
	if err := decodeStrict(replyData, &reply); err != nil {
		c.Close()
		return NewProtocolViolationError(c.name, "malformed response", err)
	}

	c.requestsSent.Add(1)
	c.touch()

	if !reply.Success {
		return NewRemoteCallFailedError(env.Tag, reply.Error).
			WithContext("remote_code", reply.Code)
	}

	if result != nil {
		if len(reply.Payload) == 0 {
			c.Close()
			return NewProtocolViolationError(c.name, "response missing expected payload", nil)
		}
		if err := decodeStrict(reply.Payload, result); err != nil {
			c.Close()
			return NewProtocolViolationError(c.name, "response type mismatch", err)
		}
	}

	return nil
}

// failSend classifies a transport error during Send. Oversized frames are
// protocol violations; everything else means the peer is gone.
func (c *Channel) failSend(err error, detail string) error {
	c.Close()
	if IsProtocolViolation(err) {
		return err
	}
	c.logger.Debug("Channel send failed", "channel", c.name, "detail", detail, "error", err)
	return NewConnectionClosedError(c.name, err)
}

// Serve runs the channel's receive loop: read one framed message, decode it
// as a tagged request, dispatch by variant tag to the matching handler,
// serialize the handler's response, write it back, loop. The loop terminates
// only when the channel reports closure.
//
// Handler errors are shipped back to the sender as failed replies and do not
// terminate the loop. An unrecognized tag or a malformed frame is a protocol
// violation: the channel is closed and the loop returns the error.
func (c *Channel) Serve(ctx context.Context, mux *HandlerMux) error {
	for {
		data, err := readFrame(c.reader, c.maxFrame)
		if err != nil {
			if isClosureError(err) || c.closed.Load() {
				c.logger.Debug("Channel receive loop terminated", "channel", c.name)
				return nil
			}
			c.Close()
			return NewProtocolViolationError(c.name, "malformed frame", err)
		}
		c.bytesReceived.Add(int64(len(data)) + frameHeaderSize)

		var env Envelope
		if err := decodeStrict(data, &env); err != nil {
			c.Close()
			return NewProtocolViolationError(c.name, "malformed request envelope", err)
		}

		entry, ok := mux.handler(env.Tag)
		if !ok {
			c.Close()
			return NewUnknownTagError(c.name, env.Tag)
		}

		reply := c.invoke(ctx, mux, entry, env)

		replyData, err := encodeMessage(&reply)
		if err != nil {
			c.Close()
			return NewProtocolViolationError(c.name, "response encoding failed", err)
		}
		if err := writeFrame(c.conn, replyData, c.maxFrame); err != nil {
			c.Close()
			if isClosureError(err) {
				return nil
			}
			return NewConnectionClosedError(c.name, err)
		}
		c.bytesSent.Add(int64(len(replyData)) + frameHeaderSize)
		c.requestsServed.Add(1)
		c.touch()
	}
}

// invoke runs one handler, routing through the mutual-recursion coordinator
// when the tag belongs to a recursion domain, and converts the outcome into
// a wire reply.
func (c *Channel) invoke(ctx context.Context, mux *HandlerMux, entry handlerEntry, env Envelope) Reply {
	call := func() (any, error) {
		return entry.fn(ctx, env.Instance, env.Payload)
	}

	var value any
	var err error
	if entry.domain != "" && mux.recursion != nil {
		value, err = mux.recursion.HandleAny(entry.domain, call)
	} else {
		value, err = call()
	}

	if err != nil {
		c.logger.Debug("Handler failed", "channel", c.name, "tag", string(env.Tag), "error", err)
		return Reply{Success: false, Error: err.Error(), Code: ErrorCode(err)}
	}

	reply := Reply{Success: true}
	if value != nil {
		payload, encErr := EncodePayload(value)
		if encErr != nil {
			return Reply{Success: false, Error: encErr.Error(), Code: ErrCodeProtocolViolation}
		}
		reply.Payload = payload
	}
	return reply
}

// Close shuts the channel down. Both a blocked Send and the Serve loop
// observe the closure and unwind; Close is idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.logger.Debug("Channel closed", "channel", c.name)
	})
	return err
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Stats returns a snapshot of the channel's counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Name:           c.name,
		RequestsSent:   c.requestsSent.Load(),
		RequestsServed: c.requestsServed.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		LastUsed:       time.Unix(0, c.lastUsedNanos.Load()),
	}
}

func (c *Channel) touch() {
	c.lastUsedNanos.Store(timecache.CachedTimeNano())
}

// isClosureError reports whether err is one of the shapes a closed or failing
// connection produces.
func isClosureError(err error) bool {
	switch {
	case err == nil:
		return false
	case stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, io.ErrClosedPipe),
		stderrors.Is(err, net.ErrClosed),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}

// HandlerFunc executes one request variant on the receiving side and returns
// the value to serialize as its response. Returning a nil value produces a
// payload-less success reply.
type HandlerFunc func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error)

type handlerEntry struct {
	fn     HandlerFunc
	domain RecursionDomain
}

// HandlerMux maps message tags to handlers. The tag set is closed once the
// bridge is wired: dispatch over it is exhaustive, and receiving a tag with
// no handler is a protocol violation, never silently ignored.
type HandlerMux struct {
	mu        sync.RWMutex
	handlers  map[MessageTag]handlerEntry
	recursion *RecursionCoordinator
	logger    Logger
}

// NewHandlerMux creates an empty mux. recursion may be nil when no tag on
// this mux participates in mutual recursion.
func NewHandlerMux(recursion *RecursionCoordinator, logger any) *HandlerMux {
	return &HandlerMux{
		handlers:  make(map[MessageTag]handlerEntry),
		recursion: recursion,
		logger:    NewLogger(logger),
	}
}

// Register binds a handler to a tag. Registering the same tag twice is an
// error: the variant set is closed, not layered.
func (m *HandlerMux) Register(tag MessageTag, fn HandlerFunc) error {
	return m.RegisterDomain(tag, "", fn)
}

// RegisterDomain binds a handler that participates in mutual recursion for
// the given domain: if a fork for that domain is active when the request
// arrives, the handler runs inline on the forking flow instead of here.
func (m *HandlerMux) RegisterDomain(tag MessageTag, domain RecursionDomain, fn HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[tag]; exists {
		return NewDuplicateHandlerError(tag)
	}
	m.handlers[tag] = handlerEntry{fn: fn, domain: domain}
	m.logger.Debug("Handler registered", "tag", string(tag), "domain", string(domain))
	return nil
}

func (m *HandlerMux) handler(tag MessageTag) (handlerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.handlers[tag]
	return entry, ok
}
