/*
Package spawner provides the worker-process collaborators the daemon brokers
SPAWN/RELEASE to. Two implementations: an HTTP spawner that delegates to an
external supervisor, and a process spawner that forks worker orchestrators
directly. Both sit behind a short dedupe window so a chatty agent repeating
the same spawn command does not fork twice.
*/
package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/relaymesh/agent-relay/internal/daemon"
)

// dedupeWindow suppresses identical spawn requests arriving back to back.
const dedupeWindow = 10 * time.Second

// Deduper wraps a Spawner and drops repeats of the same (name, cli, task)
// triple inside the window.
type Deduper struct {
	next   daemon.Spawner
	log    *slog.Logger
	recent *expirable.LRU[string, time.Time]
}

var _ daemon.Spawner = (*Deduper)(nil)

func NewDeduper(next daemon.Spawner, log *slog.Logger) *Deduper {
	return &Deduper{
		next:   next,
		log:    log,
		recent: expirable.NewLRU[string, time.Time](128, nil, dedupeWindow),
	}
}

func (d *Deduper) Spawn(ctx context.Context, name, cli, task string) error {
	key := name + "\x00" + cli + "\x00" + task
	if _, seen := d.recent.Get(key); seen {
		d.log.Debug("suppressing duplicate spawn", slog.String("name", name))
		return nil
	}
	d.recent.Add(key, time.Now())
	return d.next.Spawn(ctx, name, cli, task)
}

func (d *Deduper) Release(ctx context.Context, name string) error {
	return d.next.Release(ctx, name)
}

// HTTPSpawner posts spawn and release requests to an external supervisor.
// Calls run through a circuit breaker so a dead supervisor fails fast instead
// of pinning 60s daemon timeouts.
type HTTPSpawner struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

var _ daemon.Spawner = (*HTTPSpawner)(nil)

func NewHTTPSpawner(url string, log *slog.Logger) *HTTPSpawner {
	return &HTTPSpawner{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "spawner",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		log: log,
	}
}

type spawnRequest struct {
	Action string `json:"action"`
	Name   string `json:"name"`
	CLI    string `json:"cli,omitempty"`
	Task   string `json:"task,omitempty"`
}

func (s *HTTPSpawner) Spawn(ctx context.Context, name, cli, task string) error {
	return s.post(ctx, spawnRequest{Action: "spawn", Name: name, CLI: cli, Task: task})
}

func (s *HTTPSpawner) Release(ctx context.Context, name string) error {
	return s.post(ctx, spawnRequest{Action: "release", Name: name})
}

func (s *HTTPSpawner) post(ctx context.Context, payload spawnRequest) error {
	_, err := s.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("spawner: %s %s: status %d", payload.Action, payload.Name, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// ProcessSpawner forks worker orchestrators as child processes of the daemon.
// Each worker is the daemon binary itself in `work` mode, addressed by the
// env names workers already understand.
type ProcessSpawner struct {
	binary     string // path to the daemon binary; defaults to os.Executable
	socketPath string
	log        *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

var _ daemon.Spawner = (*ProcessSpawner)(nil)

func NewProcessSpawner(socketPath string, log *slog.Logger) *ProcessSpawner {
	bin, err := os.Executable()
	if err != nil {
		bin = os.Args[0]
	}
	return &ProcessSpawner{
		binary:     bin,
		socketPath: socketPath,
		log:        log,
		running:    make(map[string]*exec.Cmd),
	}
}

func (s *ProcessSpawner) Spawn(ctx context.Context, name, cli, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[name]; ok {
		return fmt.Errorf("spawner: %s already running", name)
	}

	cmd := exec.Command(s.binary, "work", "--name", name, "--cli", cli, "--task", task)
	cmd.Env = append(os.Environ(),
		"RELAY_SOCKET="+s.socketPath,
		"RELAY_AGENT_NAME="+name,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawner: start %s: %w", name, err)
	}
	s.running[name] = cmd
	s.log.Info("spawned worker",
		slog.String("name", name),
		slog.String("cli", cli),
		slog.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("worker exited", slog.String("name", name), slog.Any("error", err))
		}
	}()
	return nil
}

func (s *ProcessSpawner) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	cmd, ok := s.running[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("spawner: %s not running", name)
	}
	// SIGTERM first; the worker orchestrator handles its own graceful stop.
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
