package ptyctl

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary plays the pty wrapper side of a net.Pipe.
type fakeBinary struct {
	t    *testing.T
	conn net.Conn
	in   chan map[string]any
}

func newPair(t *testing.T) (*Client, *fakeBinary) {
	t.Helper()
	a, b := net.Pipe()
	fb := &fakeBinary{t: t, conn: b, in: make(chan map[string]any, 16)}
	go func() {
		scanner := bufio.NewScanner(b)
		for scanner.Scan() {
			var req map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				fb.in <- req
			}
		}
	}()
	c := NewClient(a, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = c.Close() })
	return c, fb
}

func (fb *fakeBinary) next() map[string]any {
	select {
	case req := <-fb.in:
		return req
	case <-time.After(2 * time.Second):
		fb.t.Fatal("no request from client")
		return nil
	}
}

func (fb *fakeBinary) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(fb.t, err)
	_, err = fb.conn.Write(append(data, '\n'))
	require.NoError(fb.t, err)
}

func TestInjectResolvesOnTerminalResult(t *testing.T) {
	c, fb := newPair(t)

	done := make(chan InjectResult, 1)
	go func() {
		res, err := c.Inject(context.Background(), "m1", "Alice", "hello", 0)
		require.NoError(t, err)
		done <- res
	}()

	req := fb.next()
	assert.Equal(t, "inject", req["type"])
	assert.Equal(t, "m1", req["id"])
	assert.Equal(t, "Alice", req["from"])
	assert.Equal(t, "hello", req["body"])

	// Interim updates must not resolve the waiter.
	fb.send(map[string]any{"type": "inject_result", "id": "m1", "status": StatusQueued})
	fb.send(map[string]any{"type": "inject_result", "id": "m1", "status": StatusInjecting})
	select {
	case <-done:
		t.Fatal("resolved on interim status")
	case <-time.After(50 * time.Millisecond):
	}

	fb.send(map[string]any{"type": "inject_result", "id": "m1", "status": StatusDelivered, "timestamp": 123})
	res := <-done
	assert.Equal(t, StatusDelivered, res.Status)
	assert.EqualValues(t, 123, res.Timestamp)
}

func TestInjectFailureCarriesError(t *testing.T) {
	c, fb := newPair(t)

	done := make(chan InjectResult, 1)
	go func() {
		res, err := c.Inject(context.Background(), "m2", "Alice", "x", 1)
		require.NoError(t, err)
		done <- res
	}()
	fb.next()
	fb.send(map[string]any{"type": "inject_result", "id": "m2", "status": StatusFailed, "error": "terminal gone"})

	res := <-done
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "terminal gone", res.Error)
}

func TestStatusRoundTrip(t *testing.T) {
	c, fb := newPair(t)

	done := make(chan Status, 1)
	go func() {
		st, err := c.Status(context.Background())
		require.NoError(t, err)
		done <- st
	}()
	req := fb.next()
	assert.Equal(t, "status", req["type"])
	fb.send(map[string]any{"type": "status", "agent_idle": true, "queue_length": 2, "last_output_ms": 1800})

	st := <-done
	assert.True(t, st.AgentIdle)
	assert.Equal(t, 2, st.QueueLength)
	assert.EqualValues(t, 1800, st.LastOutputMs)
}

func TestStatusTimeoutUnregistersWaiter(t *testing.T) {
	c, fb := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := c.Status(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	fb.next() // the request the wrapper never answered

	// A reply to the abandoned request must not be swallowed by its stale
	// waiter; the next caller gets the next reply.
	done := make(chan Status, 1)
	go func() {
		st, err := c.Status(context.Background())
		require.NoError(t, err)
		done <- st
	}()
	fb.next()
	fb.send(map[string]any{"type": "status", "agent_idle": true, "queue_length": 0, "last_output_ms": 5000})

	select {
	case st := <-done:
		assert.True(t, st.AgentIdle)
	case <-time.After(2 * time.Second):
		t.Fatal("status reply routed to the timed-out waiter")
	}
}

func TestBackpressureNotification(t *testing.T) {
	c, fb := newPair(t)

	got := make(chan Backpressure, 1)
	c.OnBackpressure(func(bp Backpressure) { got <- bp })
	fb.send(map[string]any{"type": "backpressure", "queue_length": 9, "accept": false})

	select {
	case bp := <-got:
		assert.False(t, bp.Accept)
		assert.Equal(t, 9, bp.QueueLength)
	case <-time.After(2 * time.Second):
		t.Fatal("backpressure handler never fired")
	}
}

func TestShutdownWaitsForAck(t *testing.T) {
	c, fb := newPair(t)

	done := make(chan error, 1)
	go func() { done <- c.Shutdown(context.Background()) }()
	req := fb.next()
	assert.Equal(t, "shutdown", req["type"])
	fb.send(map[string]any{"type": "shutdown_ack"})

	require.NoError(t, <-done)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	c, fb := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Inject(context.Background(), "m3", "Alice", "x", 0)
		done <- err
	}()
	fb.next()
	require.NoError(t, c.Close())

	assert.ErrorIs(t, <-done, ErrClosed)
}

func TestDialGivesUpAfterRetries(t *testing.T) {
	_, err := Dial(context.Background(), "/nonexistent/ptyctl-test.sock", slog.New(slog.DiscardHandler))
	require.Error(t, err)
}
