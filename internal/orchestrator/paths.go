package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxSockPath keeps socket paths under the portable sun_path limit.
const maxSockPath = 100

// controlSocketPath namespaces pty control sockets per workspace so two
// workspaces on one host can run agents with the same name. Long workspace
// ids are hashed down rather than truncated blindly.
func controlSocketPath(workspaceID, agent string) string {
	if workspaceID == "" {
		return filepath.Join(os.TempDir(), "relay-pty-"+agent+".sock")
	}
	p := filepath.Join(os.TempDir(), "relay", workspaceID, "sockets", agent+".sock")
	if len(p) <= maxSockPath {
		return p
	}
	sum := sha256.Sum256([]byte(workspaceID))
	short := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(os.TempDir(), "relay", short, "sockets", agent+".sock")
}

// wrapperArgs builds the relay-pty command line. The wrapper requires --name;
// everything after the "--" separator is the agent CLI verbatim.
func wrapperArgs(agent, socket string, idleTimeout time.Duration, cli []string) []string {
	args := []string{
		"--name", agent,
		"--socket", socket,
		"--idle-timeout", strconv.FormatInt(idleTimeout.Milliseconds(), 10),
		"--",
	}
	return append(args, cli...)
}

func wrapperSearchHint() string {
	return strings.Join([]string{
		filepath.Join("$WORKSPACE", "relay-pty", "target", "release"),
		"/usr/local/bin",
		filepath.Join("node_modules", ".bin"),
	}, ", ")
}

// findPTYBinary locates the native pty wrapper. An explicit path wins; after
// that the workspace build tree, the system install, and PATH are tried in
// order. Empty means the wrapper is unavailable.
func findPTYBinary(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	candidates := []string{
		filepath.Join(os.Getenv("WORKSPACE"), "relay-pty", "target", "release", "relay-pty"),
		"/usr/local/bin/relay-pty",
		filepath.Join("node_modules", ".bin", "relay-pty"),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	if p, err := exec.LookPath("relay-pty"); err == nil {
		return p
	}
	return ""
}
