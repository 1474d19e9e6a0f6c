// channel_test.go: request/response channel behavior over in-memory pipes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoPayload is a trivial variant payload for channel tests.
type echoPayload struct {
	Value string `json:"value"`
}

const tagEcho MessageTag = "test.echo"

// pipeChannelPair wires a sending and a serving channel over net.Pipe and
// runs the serve loop until the test ends.
func pipeChannelPair(t *testing.T, mux *HandlerMux, maxFrame uint64) (sender *Channel, serveErr <-chan error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	sender = NewChannel("test-send", clientConn, maxFrame, nil)
	server := NewChannel("test-serve", serverConn, maxFrame, nil)

	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(context.Background(), mux)
	}()
	t.Cleanup(func() {
		sender.Close()
		server.Close()
	})
	return sender, errs
}

func newEchoMux(t *testing.T) *HandlerMux {
	t.Helper()
	mux := NewHandlerMux(nil, nil)
	err := mux.Register(tagEcho, func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
		var req echoPayload
		if err := DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return echoPayload{Value: req.Value}, nil
	})
	require.NoError(t, err)
	return mux
}

func TestChannel_RoundTrip(t *testing.T) {
	sender, _ := pipeChannelPair(t, newEchoMux(t), 0)

	payload, err := EncodePayload(echoPayload{Value: "hello"})
	require.NoError(t, err)

	var resp echoPayload
	require.NoError(t, sender.Send(Envelope{Tag: tagEcho, Payload: payload}, &resp))
	assert.Equal(t, "hello", resp.Value)

	stats := sender.Stats()
	assert.Equal(t, int64(1), stats.RequestsSent)
	assert.Positive(t, stats.BytesSent)
	assert.Positive(t, stats.BytesReceived)
}

func TestChannel_SequentialRoundTripsPreserveOrder(t *testing.T) {
	mux := NewHandlerMux(nil, nil)
	var served []string
	var mu sync.Mutex
	require.NoError(t, mux.Register(tagEcho, func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
		var req echoPayload
		if err := DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		mu.Lock()
		served = append(served, req.Value)
		mu.Unlock()
		return echoPayload{Value: req.Value}, nil
	}))
	sender, _ := pipeChannelPair(t, mux, 0)

	for _, value := range []string{"a", "b", "c"} {
		payload, err := EncodePayload(echoPayload{Value: value})
		require.NoError(t, err)
		var resp echoPayload
		require.NoError(t, sender.Send(Envelope{Tag: tagEcho, Payload: payload}, &resp))
		assert.Equal(t, value, resp.Value)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, served)
}

func TestChannel_AtMostOneOutstandingRequest(t *testing.T) {
	mux := NewHandlerMux(nil, nil)
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	require.NoError(t, mux.Register(tagEcho, func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
		current := inFlight.Add(1)
		for {
			peak := maxInFlight.Load()
			if current <= peak || maxInFlight.CompareAndSwap(peak, current) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}))
	sender, _ := pipeChannelPair(t, mux, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sender.Send(Envelope{Tag: tagEcho, Payload: json.RawMessage(`{"value":"x"}`)}, nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(),
		"a second request must wait for the first's response before hitting the wire")
}

func TestChannel_HandlerErrorBecomesFailedReplyAndLoopSurvives(t *testing.T) {
	mux := NewHandlerMux(nil, nil)
	require.NoError(t, mux.Register(tagEcho, func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
		return nil, NewInstanceNotFoundError(9)
	}))
	sender, serveErr := pipeChannelPair(t, mux, 0)

	err := sender.Send(Envelope{Tag: tagEcho, Payload: json.RawMessage(`{"value":"x"}`)}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeRemoteCallFailed, ErrorCode(err))

	// The serve loop must still be answering; a second call succeeds at the
	// transport level even though the handler fails again.
	err = sender.Send(Envelope{Tag: tagEcho, Payload: json.RawMessage(`{"value":"y"}`)}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeRemoteCallFailed, ErrorCode(err))

	select {
	case err := <-serveErr:
		t.Fatalf("serve loop terminated on a handler error: %v", err)
	default:
	}
}

func TestChannel_UnknownTagClosesChannel(t *testing.T) {
	sender, serveErr := pipeChannelPair(t, newEchoMux(t), 0)

	err := sender.Send(Envelope{Tag: "test.never.registered"}, nil)
	require.Error(t, err, "the serving side closes the channel instead of replying")
	assert.Equal(t, ErrCodeConnectionClosed, ErrorCode(err))

	select {
	case err := <-serveErr:
		require.Error(t, err)
		assert.Equal(t, ErrCodeUnknownTag, ErrorCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not terminate on unknown tag")
	}
}

func TestChannel_CloseUnblocksPendingSend(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	sender := NewChannel("test-send", clientConn, 0, nil)
	t.Cleanup(func() { sender.Close() })

	// Drain the request on the server side but never answer.
	go func() {
		_, _ = readFrame(serverConn, 0)
	}()

	result := make(chan error, 1)
	go func() {
		result <- sender.Send(Envelope{Tag: tagEcho, Payload: json.RawMessage(`{"value":"x"}`)}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sender.Close())

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, IsConnectionClosed(err),
			"a Send pending at closure must surface a connection-closed error, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Send was not unblocked by Close")
	}
}

func TestChannel_SendAfterCloseFailsFast(t *testing.T) {
	clientConn, _ := net.Pipe()
	sender := NewChannel("test-send", clientConn, 0, nil)
	require.NoError(t, sender.Close())

	err := sender.Send(Envelope{Tag: tagEcho}, nil)
	require.Error(t, err)
	assert.True(t, IsConnectionClosed(err))
	assert.True(t, sender.Closed())
}

func TestChannel_OversizedRequestRejected(t *testing.T) {
	clientConn, _ := net.Pipe()
	sender := NewChannel("test-send", clientConn, 64, nil)
	t.Cleanup(func() { sender.Close() })

	big, err := EncodePayload(echoPayload{Value: string(make([]byte, 1024))})
	require.NoError(t, err)

	sendErr := sender.Send(Envelope{Tag: tagEcho, Payload: big}, nil)
	require.Error(t, sendErr)
	assert.True(t, IsProtocolViolation(sendErr))
	assert.Equal(t, ErrCodeFrameTooLarge, ErrorCode(sendErr))
}

func TestChannel_ResponseTypeMismatchIsProtocolViolation(t *testing.T) {
	mux := NewHandlerMux(nil, nil)
	require.NoError(t, mux.Register(tagEcho, func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
		return echoPayload{Value: "unexpected"}, nil
	}))
	sender, _ := pipeChannelPair(t, mux, 0)

	// The sender expects a strictly different shape; decoding must fail and
	// close the channel rather than hand back partial data.
	var wrong struct {
		Count int `json:"count"`
	}
	err := sender.Send(Envelope{Tag: tagEcho, Payload: json.RawMessage(`{"value":"x"}`)}, &wrong)
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err))
	assert.True(t, sender.Closed())
}

func TestChannel_PeerDisconnectSurfacesAsConnectionClosed(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	sender := NewChannel("test-send", clientConn, 0, nil)
	t.Cleanup(func() { sender.Close() })

	go func() {
		_, _ = readFrame(serverConn, 0)
		_ = serverConn.Close()
	}()

	err := sender.Send(Envelope{Tag: tagEcho, Payload: json.RawMessage(`{"value":"x"}`)}, nil)
	require.Error(t, err)
	assert.True(t, IsConnectionClosed(err))
}

func TestHandlerMux_DuplicateRegistrationFails(t *testing.T) {
	mux := NewHandlerMux(nil, nil)
	handler := func(ctx context.Context, instance InstanceID, payload json.RawMessage) (any, error) {
		return nil, nil
	}

	require.NoError(t, mux.Register(tagEcho, handler))
	err := mux.Register(tagEcho, handler)
	require.Error(t, err)
	assert.Equal(t, ErrCodeDuplicateHandler, ErrorCode(err))
}
