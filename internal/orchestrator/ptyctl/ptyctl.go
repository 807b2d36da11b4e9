/*
Package ptyctl speaks the control-socket protocol of the native pty binary:
newline-delimited JSON requests (inject, status, shutdown) and a response
stream that interleaves direct answers with unsolicited backpressure
notifications.
*/
package ptyctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Injection outcome statuses reported by inject_result.
const (
	StatusQueued    = "queued"
	StatusInjecting = "injecting"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

const (
	dialAttempts    = 3
	dialTimeout     = 5 * time.Second
	dialBackoffBase = 250 * time.Millisecond
)

// ErrClosed is returned once the control connection is gone.
var ErrClosed = errors.New("ptyctl: connection closed")

// InjectResult is the terminal answer for one inject request.
type InjectResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Status is the pty binary's self-reported state.
type Status struct {
	AgentIdle    bool   `json:"agent_idle"`
	QueueLength  int    `json:"queue_length"`
	LastOutputMs uint64 `json:"last_output_ms"`
}

// Backpressure notifications pause or resume the orchestrator's queue.
type Backpressure struct {
	QueueLength int  `json:"queue_length"`
	Accept      bool `json:"accept"`
}

// BackpressureFunc receives unsolicited backpressure notifications.
type BackpressureFunc func(bp Backpressure)

type request struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	Body     string `json:"body,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// response is the union of every message the binary can send.
type response struct {
	Type string `json:"type"`

	// inject_result
	ID        string `json:"id,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`

	// status
	AgentIdle    bool   `json:"agent_idle,omitempty"`
	QueueLength  int    `json:"queue_length,omitempty"`
	LastOutputMs uint64 `json:"last_output_ms,omitempty"`

	// backpressure
	Accept bool `json:"accept,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Client is one control-socket connection. Safe for concurrent use.
type Client struct {
	log  *slog.Logger
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu           sync.Mutex
	injectWaits  map[string]chan InjectResult
	statusWaits  []chan Status
	onBackpress  BackpressureFunc
	shutdownAck  chan struct{}
	closed       bool
	shutdownOnce sync.Once
}

// Dial connects to the binary's control socket, retrying with exponential
// backoff while the child is still binding it.
func Dial(ctx context.Context, socketPath string, log *slog.Logger) (*Client, error) {
	var lastErr error
	delay := dialBackoffBase
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "unix", socketPath)
		cancel()
		if err == nil {
			return NewClient(conn, log), nil
		}
		lastErr = err
		if attempt == dialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("ptyctl: dial %s: %w", socketPath, lastErr)
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, log *slog.Logger) *Client {
	c := &Client{
		log:         log,
		conn:        conn,
		enc:         json.NewEncoder(conn),
		injectWaits: make(map[string]chan InjectResult),
		shutdownAck: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnBackpressure installs the unsolicited-notification handler.
func (c *Client) OnBackpressure(fn BackpressureFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBackpress = fn
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Debug("undecodable control message", slog.Any("error", err))
			continue
		}
		c.route(resp)
	}
	c.teardown()
}

func (c *Client) route(resp response) {
	switch resp.Type {
	case "inject_result":
		// Interim queued/injecting updates keep the waiter armed; only a
		// terminal status resolves it.
		if resp.Status != StatusDelivered && resp.Status != StatusFailed {
			return
		}
		c.mu.Lock()
		ch, ok := c.injectWaits[resp.ID]
		if ok {
			delete(c.injectWaits, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- InjectResult{ID: resp.ID, Status: resp.Status, Timestamp: resp.Timestamp, Error: resp.Error}
		}

	case "status":
		c.mu.Lock()
		var ch chan Status
		if len(c.statusWaits) > 0 {
			ch = c.statusWaits[0]
			c.statusWaits = c.statusWaits[1:]
		}
		c.mu.Unlock()
		if ch != nil {
			ch <- Status{AgentIdle: resp.AgentIdle, QueueLength: resp.QueueLength, LastOutputMs: resp.LastOutputMs}
		}

	case "backpressure":
		c.mu.Lock()
		fn := c.onBackpress
		c.mu.Unlock()
		if fn != nil {
			fn(Backpressure{QueueLength: resp.QueueLength, Accept: resp.Accept})
		}

	case "shutdown_ack":
		c.shutdownOnce.Do(func() { close(c.shutdownAck) })

	case "error":
		c.log.Warn("control socket error", slog.String("message", resp.Message))

	default:
		c.log.Debug("unknown control message type", slog.String("type", resp.Type))
	}
}

func (c *Client) write(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("ptyctl: write %s: %w", req.Type, err)
	}
	return nil
}

// Inject asks the binary to type a message into the child and blocks for the
// terminal inject_result.
func (c *Client) Inject(ctx context.Context, id, from, body string, priority int) (InjectResult, error) {
	ch := make(chan InjectResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return InjectResult{}, ErrClosed
	}
	c.injectWaits[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.injectWaits, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{Type: "inject", ID: id, From: from, Body: body, Priority: priority}); err != nil {
		return InjectResult{}, err
	}
	select {
	case <-ctx.Done():
		return InjectResult{}, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return InjectResult{}, ErrClosed
		}
		return res, nil
	}
}

// Status polls the binary's idle and queue state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Status{}, ErrClosed
	}
	c.statusWaits = append(c.statusWaits, ch)
	c.mu.Unlock()

	if err := c.write(request{Type: "status"}); err != nil {
		c.dropStatusWait(ch)
		return Status{}, err
	}
	select {
	case <-ctx.Done():
		// Unregister so the now-orphaned reply cannot be handed to the
		// next caller in line.
		c.dropStatusWait(ch)
		return Status{}, ctx.Err()
	case st, ok := <-ch:
		if !ok {
			return Status{}, ErrClosed
		}
		return st, nil
	}
}

func (c *Client) dropStatusWait(ch chan Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.statusWaits {
		if w == ch {
			c.statusWaits = append(c.statusWaits[:i], c.statusWaits[i+1:]...)
			return
		}
	}
}

// Shutdown requests a graceful child shutdown and waits for the ack.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.write(request{Type: "shutdown"}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdownAck:
		return nil
	}
}

// Close drops the connection and unblocks every waiter.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.teardown()
	return err
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.injectWaits {
		close(ch)
		delete(c.injectWaits, id)
	}
	for _, ch := range c.statusWaits {
		close(ch)
	}
	c.statusWaits = nil
	c.mu.Unlock()
	_ = c.conn.Close()
}
