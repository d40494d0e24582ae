// Package runtime is the orchestrator: it receives raw inbound messages,
// routes them, drives the group queue and sandbox runner, persists
// conversation state, and owns the shutdown sequence.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sandclaw/sandclaw/internal/access"
	"github.com/sandclaw/sandclaw/internal/bus"
	"github.com/sandclaw/sandclaw/internal/queue"
	"github.com/sandclaw/sandclaw/internal/ratelimit"
	"github.com/sandclaw/sandclaw/internal/router"
	"github.com/sandclaw/sandclaw/internal/sandbox"
	"github.com/sandclaw/sandclaw/internal/scheduler"
	"github.com/sandclaw/sandclaw/internal/store"
)

// exitFn is swapped in tests so the shutdown ceiling can be exercised
// without terminating the test process.
var exitFn = os.Exit

// AgentRunner is the sandbox surface the runtime depends on.
type AgentRunner interface {
	Run(ctx context.Context, job sandbox.Job) (string, error)
	Abort(conversationID string) bool
	KillAll()
	IsRunning(conversationID string) bool
	ActiveCount() int
}

// Config holds runtime settings.
type Config struct {
	HistoryLimit    int           // max messages replayed into a job
	DrainTimeout    time.Duration // bound on waiting for active jobs at shutdown
	ShutdownCeiling time.Duration // wall-clock limit on the whole shutdown sequence
}

// Reply is the runtime's answer to one inbound message.
type Reply struct {
	Action router.Action
	Text   string
	Reason string
}

// Hook is an external teardown step run during shutdown, in registration
// order. Failures are logged and swallowed.
type Hook struct {
	Name string
	Fn   func() error
}

// Runtime wires the components together. All state is owned here; nothing
// is process-global.
type Runtime struct {
	cfg     Config
	store   *store.Store
	access  *access.Manager
	router  *router.Router
	queue   *queue.GroupQueue
	runner  AgentRunner
	limiter *ratelimit.Limiter
	sched   *scheduler.Scheduler
	bus     *bus.MessageBus

	started time.Time

	mu       sync.Mutex
	hooks    []Hook
	adapters map[string]bool

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// New creates a Runtime. The scheduler is attached afterwards via
// SetScheduler since its handler needs the runtime.
func New(cfg Config, st *store.Store, acc *access.Manager, rt *router.Router, q *queue.GroupQueue, runner AgentRunner, lim *ratelimit.Limiter, b *bus.MessageBus) *Runtime {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if cfg.ShutdownCeiling <= 0 {
		cfg.ShutdownCeiling = 60 * time.Second
	}
	return &Runtime{
		cfg:          cfg,
		store:        st,
		access:       acc,
		router:       rt,
		queue:        q,
		runner:       runner,
		limiter:      lim,
		bus:          b,
		started:      time.Now(),
		adapters:     make(map[string]bool),
		shutdownDone: make(chan struct{}),
	}
}

// SetScheduler attaches the task scheduler so shutdown can stop it.
func (r *Runtime) SetScheduler(s *scheduler.Scheduler) {
	r.sched = s
}

// pending is the synchronous half of handling one message: either an
// immediate reply, or a wait closure resolving once the enqueued job ends.
type pending struct {
	reply *Reply
	wait  func(ctx context.Context) *Reply
}

// HandleInbound processes one message to completion and returns the reply.
func (r *Runtime) HandleInbound(ctx context.Context, msg *bus.InboundMessage) (*Reply, error) {
	p, err := r.process(ctx, msg)
	if err != nil {
		return nil, err
	}
	if p.wait != nil {
		return p.wait(ctx), nil
	}
	return p.reply, nil
}

// process routes the message and, for assistant work, persists the prompt
// and enqueues the job. It never blocks on sandbox execution, so a dispatch
// loop calling it sequentially preserves per-conversation enqueue order.
func (r *Runtime) process(ctx context.Context, msg *bus.InboundMessage) (*pending, error) {
	if err := r.store.EnsureConversation(msg.ConversationID, ""); err != nil {
		return nil, err
	}

	d, err := r.router.Route(msg.ConversationID, msg.CallerID, msg.RawText, msg.IsDirect)
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}

	switch d.Action {
	case router.ActionCommand:
		reply, err := r.runCommand(msg.ConversationID, d.Command)
		if err != nil {
			return nil, err
		}
		return &pending{reply: reply}, nil

	case router.ActionAssistant:
		return r.enqueueAssistant(ctx, msg, d)

	default:
		// Untriggered or denied chatter in a multi-party live channel is
		// kept as ambient context for future runs.
		if !msg.IsDirect && msg.Source != "scheduler" {
			content := strings.TrimSpace(msg.RawText)
			if content != "" {
				if msg.AuthorName != "" {
					content = msg.AuthorName + ": " + content
				}
				if _, err := r.store.AppendMessage(msg.ConversationID, store.RoleAmbient, content, msg.Attachments); err != nil {
					slog.Warn("ambient persist failed", "conversation", msg.ConversationID, "error", err)
				}
			}
		}
		return &pending{reply: &Reply{Action: d.Action, Reason: d.Reason, Text: d.Reason}}, nil
	}
}

func (r *Runtime) enqueueAssistant(ctx context.Context, msg *bus.InboundMessage, d router.Decision) (*pending, error) {
	history, err := r.history(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.AppendMessage(msg.ConversationID, store.RoleUser, d.Prompt, msg.Attachments); err != nil {
		return nil, fmt.Errorf("persist prompt: %w", err)
	}

	job := sandbox.Job{
		ConversationID: msg.ConversationID,
		Prompt:         d.Prompt,
		CallerID:       msg.CallerID,
		History:        history,
		Attachments:    msg.Attachments,
	}
	handle := r.queue.Enqueue(ctx, msg.ConversationID, func(jctx context.Context) (string, error) {
		return r.runner.Run(jctx, job)
	})

	wait := func(wctx context.Context) *Reply {
		result, err := handle.Wait(wctx)
		if err != nil {
			return r.replyForFailure(msg.ConversationID, err)
		}
		if _, err := r.store.AppendMessage(msg.ConversationID, store.RoleAssistant, result, nil); err != nil {
			slog.Error("assistant persist failed", "conversation", msg.ConversationID, "error", err)
		}
		return &Reply{Action: router.ActionAssistant, Text: result}
	}
	return &pending{wait: wait}, nil
}

// replyForFailure translates job failures into user-facing replies. An
// explicit abort (or a pending job dropped by stop) is a deliberate action
// and surfaces as a denied "stopped" result, not an error.
func (r *Runtime) replyForFailure(conversationID string, err error) *Reply {
	var re *sandbox.RunError
	switch {
	case errors.Is(err, queue.ErrCancelled):
		return &Reply{Action: router.ActionDenied, Reason: "stopped", Text: "Stopped."}
	case errors.As(err, &re):
		switch re.Kind {
		case sandbox.KindAborted:
			return &Reply{Action: router.ActionDenied, Reason: "stopped", Text: "Stopped."}
		case sandbox.KindTimeout:
			slog.Warn("run timed out", "conversation", conversationID)
			return &Reply{Action: router.ActionAssistant, Text: "The run timed out. Try again with a smaller request."}
		case sandbox.KindOOM:
			slog.Warn("run out of memory", "conversation", conversationID)
			return &Reply{Action: router.ActionAssistant, Text: "The run exceeded its memory limit."}
		}
	}
	slog.Error("run failed", "conversation", conversationID, "error", err)
	return &Reply{Action: router.ActionAssistant, Text: "Something went wrong while handling that request."}
}

func (r *Runtime) history(conversationID string) ([]sandbox.HistoryEntry, error) {
	msgs, err := r.store.MessagesSinceBoundary(conversationID, r.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]sandbox.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, sandbox.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// runCommand executes one reserved command synchronously.
func (r *Runtime) runCommand(conversationID, command string) (*Reply, error) {
	switch command {
	case router.CommandStop:
		return &Reply{Action: router.ActionCommand, Text: r.StopRun(conversationID)}, nil
	case router.CommandCompact:
		text, err := r.Compact(conversationID)
		if err != nil {
			return nil, err
		}
		return &Reply{Action: router.ActionCommand, Text: text}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// StopRun aborts the conversation's active sandbox and drops its queued jobs.
func (r *Runtime) StopRun(conversationID string) string {
	dropped := r.queue.CancelPending(conversationID)
	aborted := r.runner.Abort(conversationID)
	if aborted || dropped > 0 {
		return "Stopped."
	}
	return "No active run."
}

// Compact advances the conversation's session boundary to its latest
// message, logically truncating replayed history.
func (r *Runtime) Compact(conversationID string) (string, error) {
	latest, err := r.store.LatestMessageID(conversationID)
	if err != nil {
		return "", fmt.Errorf("latest message: %w", err)
	}
	if err := r.store.SetBoundary(conversationID, latest); err != nil {
		return "", fmt.Errorf("advance boundary: %w", err)
	}
	return "Context compacted.", nil
}

// HandleScheduledTask runs one due task through the same path as a live
// message, with the task's creator as caller. Non-silent results are posted
// back to the conversation's platform.
func (r *Runtime) HandleScheduledTask(task store.ScheduledTask) error {
	ctx := context.Background()
	reply, err := r.HandleInbound(ctx, &bus.InboundMessage{
		ConversationID: task.ConversationID,
		CallerID:       task.CreatedBy,
		RawText:        task.Prompt,
		IsDirect:       true,
		Source:         "scheduler",
	})
	if err != nil {
		return err
	}
	if reply.Action == router.ActionDenied {
		return fmt.Errorf("task %d denied: %s", task.ID, reply.Reason)
	}
	if !task.Silent && reply.Text != "" && r.bus != nil {
		r.bus.PublishOutbound(&bus.OutboundMessage{
			ConversationID: task.ConversationID,
			Source:         platformOf(task.ConversationID),
			Text:           reply.Text,
		})
	}
	return nil
}

// platformOf extracts the adapter name from a platform-qualified
// conversation id such as "slack:C042".
func platformOf(conversationID string) string {
	if i := strings.Index(conversationID, ":"); i > 0 {
		return conversationID[:i]
	}
	return conversationID
}

// Run is the dispatch loop: it consumes the inbound bus until ctx is
// cancelled. Routing and enqueueing happen synchronously to preserve
// per-conversation order; waiting for results happens concurrently.
func (r *Runtime) Run(ctx context.Context) error {
	slog.Info("runtime dispatch loop started")
	for {
		msg, err := r.bus.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		p, err := r.process(ctx, msg)
		if err != nil {
			slog.Error("inbound processing failed", "conversation", msg.ConversationID, "error", err)
			continue
		}
		if p.wait != nil {
			go func(m *bus.InboundMessage) {
				reply := p.wait(ctx)
				r.publishReply(m, reply)
			}(msg)
			continue
		}
		r.publishReply(msg, p.reply)
	}
}

func (r *Runtime) publishReply(msg *bus.InboundMessage, reply *Reply) {
	if reply == nil || reply.Text == "" || reply.Action == router.ActionIgnore {
		return
	}
	r.bus.PublishOutbound(&bus.OutboundMessage{
		ConversationID: msg.ConversationID,
		Source:         msg.Source,
		TraceID:        msg.TraceID,
		Text:           reply.Text,
	})
}

// RegisterShutdownHook appends an external teardown step (adapter
// disconnect, HTTP listener stop). Hooks run in registration order.
func (r *Runtime) RegisterShutdownHook(name string, fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, Hook{Name: name, Fn: fn})
}

// SetAdapterStatus records per-adapter connectivity for health reporting.
func (r *Runtime) SetAdapterStatus(name string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = connected
}

// Health is the introspection snapshot.
type Health struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	QueueActive   int             `json:"queue_active"`
	QueuePending  int             `json:"queue_pending"`
	SandboxActive int             `json:"sandbox_active"`
	Adapters      map[string]bool `json:"adapters"`
}

// Health returns the current introspection snapshot.
func (r *Runtime) Health() Health {
	r.mu.Lock()
	adapters := make(map[string]bool, len(r.adapters))
	for k, v := range r.adapters {
		adapters[k] = v
	}
	r.mu.Unlock()

	return Health{
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		QueueActive:   r.queue.ActiveCount(),
		QueuePending:  r.queue.PendingCount(),
		SandboxActive: r.runner.ActiveCount(),
		Adapters:      adapters,
	}
}

// Shutdown runs the ordered teardown sequence exactly once; later calls
// return immediately. Each step is best-effort and logged. If the whole
// sequence exceeds the configured ceiling the process is terminated.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		slog.Info("shutdown starting")
		force := time.AfterFunc(r.cfg.ShutdownCeiling, func() {
			slog.Error("shutdown exceeded ceiling, terminating", "ceiling", r.cfg.ShutdownCeiling)
			exitFn(1)
		})
		defer force.Stop()

		// 1. Stop timers: task scheduler and rate-limiter sweep.
		if r.sched != nil {
			r.sched.Stop()
		}
		if r.limiter != nil {
			r.limiter.Stop()
		}

		// 2. Drop everything not yet started.
		if n := r.queue.CancelAll(); n > 0 {
			slog.Info("cancelled pending work", "count", n)
		}

		// 3. Terminate running sandboxes.
		r.runner.KillAll()

		// 4. Bounded drain of active jobs.
		if !r.queue.WaitForActive(r.cfg.DrainTimeout) {
			slog.Warn("active jobs did not drain in time", "timeout", r.cfg.DrainTimeout)
		}

		// 5. External hooks, registration order, failures swallowed.
		r.mu.Lock()
		hooks := make([]Hook, len(r.hooks))
		copy(hooks, r.hooks)
		r.mu.Unlock()
		for _, h := range hooks {
			if err := h.Fn(); err != nil {
				slog.Warn("shutdown hook failed", "hook", h.Name, "error", err)
			}
		}

		// 6. Close storage last.
		if err := r.store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}

		close(r.shutdownDone)
		slog.Info("shutdown complete")
	})
	<-r.shutdownDone
}

// ShutdownDone is closed once the shutdown sequence has completed.
func (r *Runtime) ShutdownDone() <-chan struct{} {
	return r.shutdownDone
}
