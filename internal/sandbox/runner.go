// Package sandbox runs one agent turn per conversation inside an isolated,
// time-boxed container and classifies how it ended.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// execCommand is swapped in tests to stub the container engine.
var execCommand = exec.Command

// Config controls how sandbox containers are launched.
type Config struct {
	Engine        string        // container engine binary
	Image         string        // sandbox image
	Label         string        // management label tagging every instance
	Timeout       time.Duration // wall-clock ceiling per run
	KillGrace     time.Duration // grace between TERM and KILL on abort
	Memory        string        // container memory limit, e.g. "2g"
	SharedDir     string        // host dir mounted read-write at /shared
	WorkspaceRoot string        // per-conversation workspaces live under here
	Env           []string      // extra KEY=VALUE pairs injected (credentials)
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Engine:    "docker",
		Image:     "sandclaw-agent:latest",
		Label:     "sandclaw",
		Timeout:   30 * time.Minute,
		KillGrace: 3 * time.Second,
		Memory:    "2g",
	}
}

// HistoryEntry is one prior message replayed into the job payload.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Job describes one sandbox invocation. Ephemeral: constructed per run,
// never persisted.
type Job struct {
	ConversationID string
	Prompt         string
	CallerID       string
	History        []HistoryEntry
	Attachments    []string
}

// jobPayload is the JSON document delivered on the container's stdin.
type jobPayload struct {
	ConversationID string         `json:"conversationId"`
	Prompt         string         `json:"prompt"`
	CallerID       string         `json:"callerId"`
	History        []HistoryEntry `json:"history,omitempty"`
	Attachments    []string       `json:"attachments,omitempty"`
	Workspace      string         `json:"workspace"`
}

type tracked struct {
	name     string
	cmd      *exec.Cmd
	timedOut bool
	aborted  bool
}

// Runner tracks at most one live sandbox per conversation.
type Runner struct {
	cfg Config

	mu    sync.Mutex
	procs map[string]*tracked
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Engine == "" {
		cfg.Engine = "docker"
	}
	if cfg.Label == "" {
		cfg.Label = "sandclaw"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Runner{cfg: cfg, procs: make(map[string]*tracked)}
}

// Run executes one job to completion and returns the parsed reply text.
// Failures carry a *RunError with the terminal classification.
func (r *Runner) Run(ctx context.Context, job Job) (string, error) {
	name := fmt.Sprintf("%s-%s", r.cfg.Label, uuid.NewString()[:8])
	workspace := filepath.Join(r.cfg.WorkspaceRoot, sanitize(job.ConversationID))
	if r.cfg.WorkspaceRoot != "" {
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
	}

	stdin, err := json.Marshal(jobPayload{
		ConversationID: job.ConversationID,
		Prompt:         job.Prompt,
		CallerID:       job.CallerID,
		History:        job.History,
		Attachments:    job.Attachments,
		Workspace:      "/workspace",
	})
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}

	cmd := execCommand(r.cfg.Engine, r.runArgs(name, workspace)...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	tr := &tracked{name: name, cmd: cmd}
	r.mu.Lock()
	if _, busy := r.procs[job.ConversationID]; busy {
		r.mu.Unlock()
		return "", fmt.Errorf("sandbox already running for conversation %s", job.ConversationID)
	}
	r.procs[job.ConversationID] = tr
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.procs, job.ConversationID)
		r.mu.Unlock()
	}()

	slog.Info("sandbox start", "conversation", job.ConversationID, "name", name)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start sandbox: %w", err)
	}

	timer := time.AfterFunc(r.cfg.Timeout, func() {
		r.mu.Lock()
		cur, ok := r.procs[job.ConversationID]
		if ok && cur == tr {
			cur.timedOut = true
		}
		r.mu.Unlock()
		if ok && cur == tr {
			slog.Warn("sandbox timeout", "conversation", job.ConversationID, "name", name)
			r.terminate(tr, true)
		}
	})

	waitErr := cmd.Wait()
	timer.Stop()

	r.mu.Lock()
	timedOut, aborted := tr.timedOut, tr.aborted
	r.mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return "", fmt.Errorf("wait sandbox: %w", waitErr)
		}
	}

	switch kind := classifyExit(exitCode, timedOut, aborted); kind {
	case KindTimeout:
		return "", &RunError{Kind: KindTimeout, ConversationID: job.ConversationID,
			Detail: fmt.Sprintf("exceeded %s", r.cfg.Timeout)}
	case KindAborted:
		return "", &RunError{Kind: KindAborted, ConversationID: job.ConversationID, Detail: "terminated by abort"}
	case KindOOM:
		return "", &RunError{Kind: KindOOM, ConversationID: job.ConversationID, Detail: "killed by memory limit"}
	case KindExit:
		return "", &RunError{Kind: KindExit, ConversationID: job.ConversationID,
			Detail: fmt.Sprintf("exit code %d: %s", exitCode, truncate(stdout.String()+stderr.String(), 2000))}
	}

	reply, err := ParseReply(job.ConversationID, stdout.String())
	if err != nil {
		return "", err
	}
	slog.Info("sandbox done", "conversation", job.ConversationID, "name", name)
	return reply, nil
}

func (r *Runner) runArgs(name, workspace string) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--label", "managed-by=" + r.cfg.Label,
	}
	if r.cfg.Memory != "" {
		args = append(args, "--memory", r.cfg.Memory)
	}
	if r.cfg.SharedDir != "" {
		args = append(args, "-v", r.cfg.SharedDir+":/shared")
	}
	if r.cfg.WorkspaceRoot != "" {
		args = append(args, "-v", workspace+":/workspace")
	}
	for _, kv := range r.cfg.Env {
		args = append(args, "-e", kv)
	}
	return append(args, r.cfg.Image)
}

// terminate signals the container by name, falling back to killing the
// engine process handle directly when the engine call fails.
func (r *Runner) terminate(tr *tracked, force bool) {
	sig := "SIGTERM"
	if force {
		sig = "SIGKILL"
	}
	if err := execCommand(r.cfg.Engine, "kill", "--signal", sig, tr.name).Run(); err != nil {
		if tr.cmd.Process != nil {
			_ = tr.cmd.Process.Kill()
		}
	}
}

// Abort terminates the running job for a conversation: graceful signal
// first, forceful kill after the grace window if it has not exited. Returns
// false when nothing was running.
func (r *Runner) Abort(conversationID string) bool {
	r.mu.Lock()
	tr, ok := r.procs[conversationID]
	if ok {
		tr.aborted = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	slog.Info("sandbox abort", "conversation", conversationID, "name", tr.name)
	r.terminate(tr, false)

	go func() {
		time.Sleep(r.cfg.KillGrace)
		r.mu.Lock()
		cur, still := r.procs[conversationID]
		r.mu.Unlock()
		if still && cur == tr {
			r.terminate(tr, true)
		}
	}()
	return true
}

// KillAll aborts every tracked job, for shutdown.
func (r *Runner) KillAll() {
	r.mu.Lock()
	convs := make([]string, 0, len(r.procs))
	for id := range r.procs {
		convs = append(convs, id)
	}
	r.mu.Unlock()

	for _, id := range convs {
		r.Abort(id)
	}
}

// IsRunning reports whether a sandbox is live for the conversation.
func (r *Runner) IsRunning(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[conversationID]
	return ok
}

// ActiveCount returns the number of live sandboxes.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// CleanupOrphans force-removes sandbox instances left over from a prior
// process, identified by the management label. Called once before accepting
// work.
func (r *Runner) CleanupOrphans(ctx context.Context) {
	out, err := exec.CommandContext(ctx, r.cfg.Engine, "ps", "-aq", "--filter", "label=managed-by="+r.cfg.Label).Output()
	if err != nil {
		slog.Warn("orphan scan failed", "error", err)
		return
	}
	ids := strings.Fields(string(out))
	for _, id := range ids {
		if err := exec.CommandContext(ctx, r.cfg.Engine, "rm", "-f", id).Run(); err != nil {
			slog.Warn("orphan removal failed", "id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Info("removed orphaned sandboxes", "count", len(ids))
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
