/*
Package orchestrator wraps one agent CLI in a pty, watches its output for
relay commands, and types inbound relay messages into it when the terminal
goes quiet. It is the worker-side counterpart of the daemon: the daemon moves
envelopes, the orchestrator moves text in and out of a live terminal.

The CLI runs under the native pty wrapper, which adds a control socket for
precise idle readings and backpressure. A missing wrapper is a startup error
unless the plain-pipes fallback is enabled, in which case injection degrades
to stdin writes.
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/relaymesh/agent-relay/config"
	"github.com/relaymesh/agent-relay/internal/orchestrator/idle"
	"github.com/relaymesh/agent-relay/internal/orchestrator/parser"
	"github.com/relaymesh/agent-relay/internal/orchestrator/ptyctl"
	"github.com/relaymesh/agent-relay/pkg/relay"
)

const (
	maxInjectAttempts = 3
	echoWindow        = 2 * time.Second
	injectTick        = 100 * time.Millisecond
	stuckInterval     = 30 * time.Second
	spawnDedupe       = 10 * time.Second
)

// ErrWrapperNotFound is returned by Start when the pty wrapper binary cannot
// be located and the plain-pipes fallback is not enabled.
var ErrWrapperNotFound = errors.New("orchestrator: relay-pty wrapper not found")

// Injector types one message into the wrapped terminal. The pty control
// client is the real implementation; tests substitute their own.
type Injector interface {
	Inject(ctx context.Context, id, from, body string, priority int) (ptyctl.InjectResult, error)
}

// relaySender is the slice of the relay client the orchestrator drives.
type relaySender interface {
	SendMessage(to, body string, opts ...relay.SendOption) error
	SendChannelMessage(channel, body string, opts ...relay.SendOption) error
	Broadcast(body string, opts ...relay.SendOption) error
	SendLog(level, line string) error
	SignalReady() error
	Spawn(ctx context.Context, req relay.SpawnRequest) error
	Release(ctx context.Context, name string) error
}

type Orchestrator struct {
	cfg         config.OrchestratorConfig
	workspaceID string
	name        string
	cli         string
	task        string
	log         *slog.Logger

	sender relaySender
	parser *parser.Parser
	idle   *idle.Detector

	cmd   *exec.Cmd
	stdin io.WriteCloser
	ctl   *ptyctl.Client

	mu        sync.Mutex
	queue     []*pendingInject
	accept    bool
	injecting bool
	ready     bool
	forceNext bool
	echoMark    string
	echoBy      time.Time
	echoPending *pendingInject
	lastDrain   time.Time

	injectTotal   int
	injectFirstOK int

	injector  Injector
	spawnSeen *expirable.LRU[string, time.Time]

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkspaceID namespaces the control socket path.
func WithWorkspaceID(id string) Option {
	return func(o *Orchestrator) { o.workspaceID = id }
}

// WithInjector overrides the injection path. Test seam.
func WithInjector(in Injector) Option {
	return func(o *Orchestrator) { o.injector = in }
}

// WithTask sets the initial prompt typed in once the CLI is ready.
func WithTask(task string) Option {
	return func(o *Orchestrator) { o.task = task }
}

// New builds an orchestrator for one agent. name is the relay identity, cli
// the command line to run under the pty.
func New(cfg config.OrchestratorConfig, name, cli string, sender relaySender, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		name:      name,
		cli:       cli,
		log:       log.With(slog.String("agent", name)),
		sender:    sender,
		parser:    parser.New(name),
		idle:      idle.New(),
		accept:    true,
		lastDrain: time.Now(),
		spawnSeen: expirable.NewLRU[string, time.Time](64, nil, spawnDedupe),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue adds an inbound relay message to the injection queue. Wire this to
// the client's OnMessage and OnChannelMessage handlers.
func (o *Orchestrator) Enqueue(msg relay.Message) {
	o.mu.Lock()
	o.queue = append(o.queue, &pendingInject{msg: msg, queuedAt: time.Now()})
	n := len(o.queue)
	o.mu.Unlock()
	o.log.Debug("queued inbound message", slog.String("from", msg.From), slog.Int("depth", n))
}

// QueueDepth reports the number of messages awaiting injection.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Start launches the CLI and the pump, injection, and watchdog loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	stdout, err := o.startProcess(ctx)
	if err != nil {
		return err
	}

	o.wg.Add(1)
	go o.pump(stdout)

	o.wg.Add(1)
	go o.injectLoop(ctx)

	o.wg.Add(1)
	go o.stuckWatch(ctx)

	return nil
}

// Stop shuts the child down, preferring the control socket's graceful path.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopped)
		if o.ctl != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := o.ctl.Shutdown(ctx); err != nil {
				o.log.Debug("graceful shutdown failed", slog.Any("error", err))
			}
			cancel()
			_ = o.ctl.Close()
		}
		if o.cmd != nil && o.cmd.Process != nil {
			_ = o.cmd.Process.Signal(os.Interrupt)
		}
	})
	o.wg.Wait()
}

func (o *Orchestrator) startProcess(ctx context.Context) (io.Reader, error) {
	parts := strings.Fields(o.cli)
	if len(parts) == 0 {
		return nil, errors.New("orchestrator: empty cli command")
	}

	bin := findPTYBinary(o.cfg.PTYBinary)
	if bin != "" {
		sock := controlSocketPath(o.workspaceID, o.name)
		if err := os.MkdirAll(filepath.Dir(sock), 0o755); err != nil {
			return nil, fmt.Errorf("orchestrator: socket dir: %w", err)
		}
		o.cmd = exec.Command(bin, wrapperArgs(o.name, sock, o.idleBeforeInject(), parts)...)
		stdout, err := o.launch()
		if err != nil {
			return nil, err
		}
		ctl, err := ptyctl.Dial(ctx, sock, o.log)
		if err != nil {
			// The wrapper runs fine without its control socket; idle falls
			// back to output-silence heuristics and injection to stdin.
			o.log.Warn("control socket unavailable", slog.Any("error", err))
			if o.injector == nil {
				o.injector = stdinInjector{w: o.stdin}
			}
		} else {
			o.ctl = ctl
			ctl.OnBackpressure(o.onBackpressure)
			if o.injector == nil {
				o.injector = ctl
			}
		}
		return stdout, nil
	}

	if !o.cfg.PipesFallback {
		return nil, fmt.Errorf("%w (looked in %s, $PATH; set orchestrator.pty_binary or orchestrator.pipes_fallback)",
			ErrWrapperNotFound, wrapperSearchHint())
	}

	o.log.Warn("pty wrapper not found, running on pipes")
	o.cmd = exec.Command(parts[0], parts[1:]...)
	stdout, err := o.launch()
	if err != nil {
		return nil, err
	}
	if o.injector == nil {
		o.injector = stdinInjector{w: o.stdin}
	}
	// No wrapper means no ready marker; the CLI is addressable immediately.
	o.markReady()
	return stdout, nil
}

func (o *Orchestrator) launch() (io.Reader, error) {
	o.cmd.Env = append(os.Environ(), "RELAY_AGENT_NAME="+o.name)
	stdout, err := o.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stdout pipe: %w", err)
	}
	o.cmd.Stderr = o.cmd.Stdout
	stdin, err := o.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stdin pipe: %w", err)
	}
	o.stdin = stdin
	if err := o.cmd.Start(); err != nil {
		return nil, fmt.Errorf("orchestrator: start %s: %w", o.cli, err)
	}
	o.log.Info("cli started", slog.String("cli", o.cli), slog.Int("pid", o.cmd.Process.Pid))
	go func() {
		if err := o.cmd.Wait(); err != nil {
			o.log.Warn("cli exited", slog.Any("error", err))
		} else {
			o.log.Info("cli exited")
		}
	}()
	return stdout, nil
}

// pump reads CLI output, feeds the parser, and acts on what it finds.
func (o *Orchestrator) pump(r io.Reader) {
	defer o.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			o.idle.NoteOutput()
			o.checkEcho(parser.StripANSI(string(chunk)))
			o.handleResult(o.parser.Feed(chunk))
		}
		if err != nil {
			return
		}
	}
}

func (o *Orchestrator) handleResult(res parser.Result) {
	if res.PromptIdle {
		o.idle.NotePrompt()
	}
	if res.ReadySignal {
		o.markReady()
	}
	for _, cmd := range res.Commands {
		o.dispatch(cmd)
	}
	for _, s := range res.Summaries {
		if err := o.sender.SendLog("summary", s); err != nil {
			o.log.Debug("summary dropped", slog.Any("error", err))
		}
	}
	for _, s := range res.SessionEnds {
		o.log.Info("session end announced", slog.String("detail", s))
		_ = o.sender.SendLog("session_end", s)
		go o.Stop()
	}
}

func (o *Orchestrator) dispatch(cmd parser.Command) {
	switch cmd.Kind {
	case parser.KindMessage:
		var err error
		switch {
		case cmd.To == "*":
			err = o.sender.Broadcast(cmd.Body, relay.WithThread(cmd.Thread))
		case strings.HasPrefix(cmd.To, "#"):
			err = o.sender.SendChannelMessage(cmd.To, cmd.Body, relay.WithThread(cmd.Thread))
		default:
			err = o.sender.SendMessage(cmd.To, cmd.Body, relay.WithThread(cmd.Thread))
		}
		if err != nil {
			o.log.Warn("outbound send failed", slog.String("to", cmd.To), slog.Any("error", err))
		}

	case parser.KindSpawn:
		key := cmd.SpawnName + "\x00" + cmd.SpawnCLI + "\x00" + cmd.SpawnTask
		if _, seen := o.spawnSeen.Get(key); seen {
			o.log.Debug("duplicate spawn command suppressed", slog.String("name", cmd.SpawnName))
			return
		}
		o.spawnSeen.Add(key, time.Now())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			req := relay.SpawnRequest{Name: cmd.SpawnName, CLI: cmd.SpawnCLI, Task: cmd.SpawnTask}
			if err := o.sender.Spawn(ctx, req); err != nil {
				o.log.Warn("spawn failed", slog.String("name", cmd.SpawnName), slog.Any("error", err))
			}
		}()

	case parser.KindRelease:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.sender.Release(ctx, cmd.SpawnName); err != nil {
				o.log.Warn("release failed", slog.String("name", cmd.SpawnName), slog.Any("error", err))
			}
		}()
	}
}

func (o *Orchestrator) markReady() {
	o.mu.Lock()
	was := o.ready
	o.ready = true
	o.mu.Unlock()
	if was {
		return
	}
	if err := o.sender.SignalReady(); err != nil {
		o.log.Debug("ready signal failed", slog.Any("error", err))
	}
	if o.task != "" {
		o.Enqueue(relay.Message{ID: "task-initial", From: "_System", Body: o.task})
	}
}

func (o *Orchestrator) onBackpressure(bp ptyctl.Backpressure) {
	o.mu.Lock()
	o.accept = bp.Accept
	o.mu.Unlock()
	if !bp.Accept {
		o.log.Debug("injection paused by backpressure", slog.Int("queue", bp.QueueLength))
	}
}

// injectLoop drains the queue one message at a time, only when the terminal
// looks idle and no gate is closed.
func (o *Orchestrator) injectLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(injectTick)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.expireEcho()

		o.mu.Lock()
		gated := len(o.queue) == 0 || !o.accept || o.injecting || !o.ready || o.echoMark != ""
		force := o.forceNext
		o.mu.Unlock()
		if gated {
			continue
		}
		if !force && !o.terminalQuiet(ctx) {
			continue
		}
		o.drainOne(ctx)
	}
}

// terminalQuiet asks the control socket first, then the local detector.
func (o *Orchestrator) terminalQuiet(ctx context.Context) bool {
	if o.ctl != nil {
		stCtx, cancel := context.WithTimeout(ctx, time.Second)
		st, err := o.ctl.Status(stCtx)
		cancel()
		if err == nil {
			o.idle.SetControlIdle(st.AgentIdle)
			idleFor := time.Duration(st.LastOutputMs) * time.Millisecond
			if st.AgentIdle || idleFor >= o.idleBeforeInject() {
				return true
			}
		}
	}
	return o.idle.CheckIdle().IsIdle
}

func (o *Orchestrator) idleBeforeInject() time.Duration {
	if o.cfg.IdleBeforeInject > 0 {
		return o.cfg.IdleBeforeInject
	}
	return 1500 * time.Millisecond
}

func (o *Orchestrator) drainOne(ctx context.Context) {
	o.mu.Lock()
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return
	}
	p := o.queue[0]
	o.queue = o.queue[1:]
	o.injecting = true
	o.forceNext = false
	o.mu.Unlock()

	text := buildInjectionString(p)
	injCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	res, err := o.injector.Inject(injCtx, p.msg.ID, p.msg.From, text, injectPriority(p.msg.Importance))
	cancel()

	o.mu.Lock()
	o.injecting = false
	o.lastDrain = time.Now()
	failed := err != nil || res.Status == ptyctl.StatusFailed
	if failed {
		p.attempts++
		if p.attempts < maxInjectAttempts {
			o.queue = append([]*pendingInject{p}, o.queue...)
		}
	} else if _, pipes := o.injector.(stdinInjector); pipes {
		// Plain pipes have no pty echo to confirm against.
		o.injectTotal++
		if p.attempts == 0 {
			o.injectFirstOK++
		}
	} else {
		// Success is provisional until the marker echoes back through the
		// terminal; expireEcho requeues it otherwise.
		o.echoMark = p.marker()
		o.echoBy = time.Now().Add(echoWindow)
		o.echoPending = p
	}
	dropped := failed && p.attempts >= maxInjectAttempts
	o.mu.Unlock()

	if failed {
		o.log.Warn("injection failed",
			slog.String("id", p.msg.ID),
			slog.Int("attempt", p.attempts),
			slog.Any("error", err))
		if dropped {
			o.log.Error("message dropped after injection retries", slog.String("id", p.msg.ID))
		}
	}
}

// checkEcho confirms the injected line actually reached the terminal by
// watching for its short-id marker in subsequent output. Only an echoed
// injection counts as delivered.
func (o *Orchestrator) checkEcho(out string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.echoMark == "" || !strings.Contains(out, o.echoMark) {
		return
	}
	o.injectTotal++
	if o.echoPending != nil && o.echoPending.attempts == 0 {
		o.injectFirstOK++
	}
	o.echoMark = ""
	o.echoPending = nil
}

// expireEcho treats a marker that never came back within the window as a
// failed injection: the message goes back to the head of the queue for
// another attempt, up to the retry cap.
func (o *Orchestrator) expireEcho() {
	o.mu.Lock()
	if o.echoMark == "" || time.Now().Before(o.echoBy) {
		o.mu.Unlock()
		return
	}
	mark := o.echoMark
	p := o.echoPending
	o.echoMark = ""
	o.echoPending = nil
	var dropped bool
	if p != nil {
		p.attempts++
		if p.attempts < maxInjectAttempts {
			o.queue = append([]*pendingInject{p}, o.queue...)
		} else {
			dropped = true
		}
	}
	o.mu.Unlock()

	o.log.Warn("injection never echoed", slog.String("marker", mark))
	if dropped {
		o.log.Error("message dropped after injection retries", slog.String("id", p.msg.ID))
	}
}

// stuckWatch flags a queue that has not moved in a while and forces the next
// drain past the idle gate. A CLI stuck mid-render otherwise starves the
// queue forever.
func (o *Orchestrator) stuckWatch(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(stuckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.mu.Lock()
		depth := len(o.queue)
		stale := depth > 0 && time.Since(o.lastDrain) >= stuckInterval
		if stale {
			o.forceNext = true
			o.injecting = false
		}
		o.mu.Unlock()
		if stale {
			o.log.Warn("injection queue stuck, forcing next drain", slog.Int("depth", depth))
		}
	}
}

// stdinInjector is the no-wrapper fallback: write the line straight into the
// CLI's stdin.
type stdinInjector struct {
	w io.Writer
}

var _ Injector = stdinInjector{}

func (s stdinInjector) Inject(_ context.Context, id, _, body string, _ int) (ptyctl.InjectResult, error) {
	if _, err := io.WriteString(s.w, body+"\n"); err != nil {
		return ptyctl.InjectResult{ID: id, Status: ptyctl.StatusFailed, Error: err.Error()}, err
	}
	return ptyctl.InjectResult{ID: id, Status: ptyctl.StatusDelivered, Timestamp: time.Now().UnixMilli()}, nil
}
