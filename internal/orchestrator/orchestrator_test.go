package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/internal/orchestrator/parser"
	"github.com/relaymesh/agent-relay/internal/orchestrator/ptyctl"
	"github.com/relaymesh/agent-relay/pkg/relay"
)

type sentCall struct {
	method string
	to     string
	body   string
}

// fakeSender records every outbound relay call.
type fakeSender struct {
	mu     sync.Mutex
	calls  []sentCall
	spawns []relay.SpawnRequest
	ready  int
}

func (f *fakeSender) record(method, to, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{method: method, to: to, body: body})
}

func (f *fakeSender) SendMessage(to, body string, _ ...relay.SendOption) error {
	f.record("message", to, body)
	return nil
}

func (f *fakeSender) SendChannelMessage(ch, body string, _ ...relay.SendOption) error {
	f.record("channel", ch, body)
	return nil
}

func (f *fakeSender) Broadcast(body string, _ ...relay.SendOption) error {
	f.record("broadcast", "*", body)
	return nil
}

func (f *fakeSender) SendLog(level, line string) error {
	f.record("log:"+level, "", line)
	return nil
}

func (f *fakeSender) SignalReady() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready++
	return nil
}

func (f *fakeSender) Spawn(_ context.Context, req relay.SpawnRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns = append(f.spawns, req)
	return nil
}

func (f *fakeSender) Release(_ context.Context, name string) error {
	f.record("release", name, "")
	return nil
}

func (f *fakeSender) snapshot() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

// fakeInjector resolves every injection with a scripted status.
type fakeInjector struct {
	mu     sync.Mutex
	texts  []string
	prios  []int
	status string
	err    error
}

func (f *fakeInjector) Inject(_ context.Context, id, _ string, body string, priority int) (ptyctl.InjectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, body)
	f.prios = append(f.prios, priority)
	if f.err != nil {
		return ptyctl.InjectResult{}, f.err
	}
	status := f.status
	if status == "" {
		status = ptyctl.StatusDelivered
	}
	return ptyctl.InjectResult{ID: id, Status: status}, nil
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *fakeSender, *fakeInjector) {
	t.Helper()
	sender := &fakeSender{}
	inj := &fakeInjector{}
	opts = append([]Option{WithInjector(inj)}, opts...)
	o := New(config.OrchestratorConfig{}, "Alice", "claude", sender, slog.New(slog.DiscardHandler), opts...)
	return o, sender, inj
}

func TestBuildInjectionString(t *testing.T) {
	p := &pendingInject{msg: relay.Message{ID: "abcdef1234", From: "Bob", Body: "ship it"}}
	assert.Equal(t, "Relay message from Bob [abcdef1]: ship it", buildInjectionString(p))
}

func TestBuildInjectionStringThreadAndChannel(t *testing.T) {
	p := &pendingInject{msg: relay.Message{
		ID:         "abcdef1234",
		From:       "Bob",
		OriginalTo: "#dev",
		Thread:     "t-9",
		Body:       "review please",
	}}
	assert.Equal(t, "Relay message from Bob [abcdef1] [thread:t-9] [#dev]: review please",
		buildInjectionString(p))
}

func TestBuildInjectionStringDashboardSender(t *testing.T) {
	p := &pendingInject{msg: relay.Message{
		ID:   "xyz",
		From: "_DashboardUI",
		Data: map[string]any{"senderName": "Pat"},
		Body: "hi",
	}}
	assert.Equal(t, "Relay message from Pat [xyz]: hi", buildInjectionString(p))
}

func TestBuildInjectionStringRetryEscalation(t *testing.T) {
	p := &pendingInject{msg: relay.Message{ID: "m", From: "Bob", Body: "x"}, attempts: 1}
	assert.Contains(t, buildInjectionString(p), "[RETRY] ")

	p.attempts = 2
	assert.Contains(t, buildInjectionString(p), "[URGENT - PLEASE ACKNOWLEDGE] ")
}

func TestBuildInjectionStringImportanceMarkers(t *testing.T) {
	p := &pendingInject{msg: relay.Message{ID: "m", From: "Bob", Body: "now", Importance: 1}}
	assert.Equal(t, "Relay message from Bob [m] [!]: now", buildInjectionString(p))

	p.msg.Importance = 2
	assert.Equal(t, "Relay message from Bob [m] [!!]: now", buildInjectionString(p))
}

func TestInjectPriority(t *testing.T) {
	assert.Equal(t, 2, injectPriority(0))
	assert.Equal(t, 1, injectPriority(1))
	assert.Equal(t, 0, injectPriority(2))
	assert.Equal(t, 0, injectPriority(5))
}

func TestBuildInjectionStringSanitizes(t *testing.T) {
	p := &pendingInject{msg: relay.Message{ID: "m", From: "Bob", Body: "bell\x07 and \x1b[31mcolor"}}
	out := buildInjectionString(p)
	assert.NotContains(t, out, "\x07")
	assert.NotContains(t, out, "\x1b")
}

func TestDispatchRoutesByTarget(t *testing.T) {
	o, sender, _ := newTestOrchestrator(t)

	o.dispatch(parser.Command{Kind: parser.KindMessage, To: "Bob", Body: "direct"})
	o.dispatch(parser.Command{Kind: parser.KindMessage, To: "#dev", Body: "in channel"})
	o.dispatch(parser.Command{Kind: parser.KindMessage, To: "*", Body: "to all"})

	calls := sender.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, sentCall{method: "message", to: "Bob", body: "direct"}, calls[0])
	assert.Equal(t, sentCall{method: "channel", to: "#dev", body: "in channel"}, calls[1])
	assert.Equal(t, sentCall{method: "broadcast", to: "*", body: "to all"}, calls[2])
}

func TestDispatchSpawnDeduped(t *testing.T) {
	o, sender, _ := newTestOrchestrator(t)

	cmd := parser.Command{Kind: parser.KindSpawn, SpawnName: "Worker1", SpawnCLI: "claude", SpawnTask: "build"}
	o.dispatch(cmd)
	o.dispatch(cmd)

	assert.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.spawns) == 1
	}, 2*time.Second, 10*time.Millisecond, "second identical spawn inside the window must be suppressed")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "Worker1", sender.spawns[0].Name)
}

func TestDispatchRelease(t *testing.T) {
	o, sender, _ := newTestOrchestrator(t)

	o.dispatch(parser.Command{Kind: parser.KindRelease, SpawnName: "Worker1"})
	assert.Eventually(t, func() bool {
		for _, c := range sender.snapshot() {
			if c.method == "release" && c.to == "Worker1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainOneInjectsAndArmsEcho(t *testing.T) {
	o, _, inj := newTestOrchestrator(t)
	o.Enqueue(relay.Message{ID: "abcdef1234", From: "Bob", Body: "hello"})

	o.drainOne(context.Background())

	require.Len(t, inj.texts, 1)
	assert.Contains(t, inj.texts[0], "Relay message from Bob")
	assert.Equal(t, 0, o.QueueDepth())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, "[abcdef1]", o.echoMark)
	require.NotNil(t, o.echoPending)
	assert.Equal(t, 0, o.injectTotal, "delivery counts only once the marker echoes")
	assert.Equal(t, 0, o.injectFirstOK)
}

func TestDrainOnePassesImportanceAsPriority(t *testing.T) {
	o, _, inj := newTestOrchestrator(t)
	o.Enqueue(relay.Message{ID: "m1", From: "Bob", Body: "now", Importance: 2})

	o.drainOne(context.Background())

	require.Len(t, inj.prios, 1)
	assert.Equal(t, 0, inj.prios[0], "urgent messages jump the wrapper queue")
}

func TestExpireEchoRequeuesMissedInjection(t *testing.T) {
	o, _, inj := newTestOrchestrator(t)
	o.Enqueue(relay.Message{ID: "abcdef1234", From: "Bob", Body: "hello"})

	o.drainOne(context.Background())
	require.Len(t, inj.texts, 1)

	o.mu.Lock()
	o.echoBy = time.Now().Add(-time.Second)
	o.mu.Unlock()
	o.expireEcho()

	assert.Equal(t, 1, o.QueueDepth(), "unechoed injection goes back to the head")
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.echoMark)
	assert.Equal(t, 0, o.injectTotal)
	require.Len(t, o.queue, 1)
	assert.Equal(t, 1, o.queue[0].attempts)
}

func TestExpireEchoDropsAfterRetryBudget(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	p := &pendingInject{msg: relay.Message{ID: "m1", From: "Bob", Body: "x"}, attempts: maxInjectAttempts - 1}
	o.mu.Lock()
	o.echoMark = p.marker()
	o.echoBy = time.Now().Add(-time.Second)
	o.echoPending = p
	o.mu.Unlock()

	o.expireEcho()

	assert.Equal(t, 0, o.QueueDepth(), "budget exhausted, message dropped")
}

func TestDrainOneRequeuesOnFailure(t *testing.T) {
	o, _, inj := newTestOrchestrator(t)
	inj.err = errors.New("socket gone")
	o.Enqueue(relay.Message{ID: "m1", From: "Bob", Body: "x"})

	o.drainOne(context.Background())
	assert.Equal(t, 1, o.QueueDepth(), "failed injection goes back to the head")

	o.drainOne(context.Background())
	o.drainOne(context.Background())
	assert.Equal(t, 0, o.QueueDepth(), "dropped after the attempt budget")
	assert.Len(t, inj.texts, 3)
	assert.Contains(t, inj.texts[1], "[RETRY] ")
	assert.Contains(t, inj.texts[2], "[URGENT - PLEASE ACKNOWLEDGE] ")
}

func TestCheckEchoClearsMarkerAndCounts(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.mu.Lock()
	o.echoMark = "[abcdef1]"
	o.echoBy = time.Now().Add(time.Second)
	o.echoPending = &pendingInject{msg: relay.Message{ID: "abcdef1234"}}
	o.mu.Unlock()

	o.checkEcho("Relay message from Bob [abcdef1]: hello")

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.echoMark)
	assert.Nil(t, o.echoPending)
	assert.Equal(t, 1, o.injectTotal)
	assert.Equal(t, 1, o.injectFirstOK)
}

func TestHandleResultReadySignaledOnce(t *testing.T) {
	o, sender, _ := newTestOrchestrator(t, WithTask("do the thing"))

	o.handleResult(parser.Result{ReadySignal: true})
	o.handleResult(parser.Result{ReadySignal: true})

	sender.mu.Lock()
	ready := sender.ready
	sender.mu.Unlock()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, o.QueueDepth(), "initial task queued for injection")
}

func TestHandleResultForwardsSummaries(t *testing.T) {
	o, sender, _ := newTestOrchestrator(t)

	o.handleResult(parser.Result{Summaries: []string{`{"done":true}`}})

	calls := sender.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "log:summary", calls[0].method)
	assert.Equal(t, `{"done":true}`, calls[0].body)
}

func TestWrapperArgs(t *testing.T) {
	args := wrapperArgs("Alice", "/tmp/a.sock", 1500*time.Millisecond, []string{"claude", "--verbose"})
	assert.Equal(t, []string{
		"--name", "Alice",
		"--socket", "/tmp/a.sock",
		"--idle-timeout", "1500",
		"--", "claude", "--verbose",
	}, args)
}

func TestStartFailsWithoutWrapper(t *testing.T) {
	sender := &fakeSender{}
	cfg := config.OrchestratorConfig{PTYBinary: filepath.Join(t.TempDir(), "missing-relay-pty")}
	o := New(cfg, "Alice", "claude", sender, slog.New(slog.DiscardHandler))

	err := o.Start(context.Background())
	require.ErrorIs(t, err, ErrWrapperNotFound)
}

func TestControlSocketPathNamespacing(t *testing.T) {
	p := controlSocketPath("ws-1", "Alice")
	assert.Contains(t, p, "ws-1")
	assert.Contains(t, p, "Alice.sock")
	assert.LessOrEqual(t, len(p), maxSockPath)

	long := controlSocketPath(string(make([]byte, 200)), "Alice")
	assert.LessOrEqual(t, len(long), maxSockPath, "oversized workspace id must be hashed down")

	assert.Contains(t, controlSocketPath("", "Alice"), "relay-pty-Alice.sock")
}
