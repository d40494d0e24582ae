package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandclaw/sandclaw/internal/access"
	"github.com/sandclaw/sandclaw/internal/bus"
	"github.com/sandclaw/sandclaw/internal/queue"
	"github.com/sandclaw/sandclaw/internal/ratelimit"
	"github.com/sandclaw/sandclaw/internal/router"
	"github.com/sandclaw/sandclaw/internal/sandbox"
	"github.com/sandclaw/sandclaw/internal/store"
	"github.com/sandclaw/sandclaw/internal/trigger"
)

type stubRunner struct {
	mu       sync.Mutex
	runFn    func(job sandbox.Job) (string, error)
	running  map[string]bool
	aborted  []string
	killAlls atomic.Int32
	lastJob  sandbox.Job
}

func newStubRunner(runFn func(job sandbox.Job) (string, error)) *stubRunner {
	if runFn == nil {
		runFn = func(job sandbox.Job) (string, error) { return "ok", nil }
	}
	return &stubRunner{runFn: runFn, running: make(map[string]bool)}
}

func (s *stubRunner) Run(ctx context.Context, job sandbox.Job) (string, error) {
	s.mu.Lock()
	s.running[job.ConversationID] = true
	s.lastJob = job
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ConversationID)
		s.mu.Unlock()
	}()
	return s.runFn(job)
}

func (s *stubRunner) Abort(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, conversationID)
	return s.running[conversationID]
}

func (s *stubRunner) KillAll() { s.killAlls.Add(1) }

func (s *stubRunner) IsRunning(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[conversationID]
}

func (s *stubRunner) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

type fixture struct {
	rt     *Runtime
	st     *store.Store
	bus    *bus.MessageBus
	runner *stubRunner
}

func newFixture(t *testing.T, runFn func(job sandbox.Job) (string, error)) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/runtime.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	acc := access.NewManager(st, []string{"system"}, []string{"admin1"})
	lim := ratelimit.New(ratelimit.Config{Limit: 100, Window: time.Minute})
	rtr := router.New(st, acc, lim, trigger.Config{
		Patterns: []string{"@Bot", "Bot"},
		Mode:     trigger.ModeMention,
	})
	q := queue.New(3)
	runner := newStubRunner(runFn)
	b := bus.NewMessageBus()

	rt := New(Config{
		HistoryLimit:    50,
		DrainTimeout:    time.Second,
		ShutdownCeiling: 10 * time.Second,
	}, st, acc, rtr, q, runner, lim, b)

	return &fixture{rt: rt, st: st, bus: b, runner: runner}
}

func inbound(conv, caller, text string, direct bool) *bus.InboundMessage {
	return &bus.InboundMessage{
		ConversationID: conv,
		CallerID:       caller,
		RawText:        text,
		IsDirect:       direct,
		Source:         "slack",
	}
}

func TestEndToEndMentionScenario(t *testing.T) {
	f := newFixture(t, func(job sandbox.Job) (string, error) {
		return "Summary: all quiet", nil
	})

	reply, err := f.rt.HandleInbound(context.Background(), inbound("g1", "u1", "@Bot summarize this", false))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Action != router.ActionAssistant {
		t.Fatalf("action = %s", reply.Action)
	}
	if reply.Text != "Summary: all quiet" {
		t.Errorf("reply = %q", reply.Text)
	}

	msgs, err := f.st.MessagesSinceBoundary("g1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("log has %d rows, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != "summarize this" {
		t.Errorf("row 0 = %s %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].Content != "Summary: all quiet" {
		t.Errorf("row 1 = %s %q", msgs[1].Role, msgs[1].Content)
	}
}

func TestStopWithNoActiveRun(t *testing.T) {
	f := newFixture(t, nil)

	// Member lacks stop-run; grant it via the seed admin.
	if err := f.rt.GrantRole("g1", "admin1", "u1", "admin"); err != nil {
		t.Fatal(err)
	}

	reply, err := f.rt.HandleInbound(context.Background(), inbound("g1", "u1", "@Bot stop", false))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Action != router.ActionCommand || reply.Text != "No active run." {
		t.Errorf("reply = %+v", reply)
	}

	msgs, _ := f.st.MessagesSinceBoundary("g1", 0)
	if len(msgs) != 0 {
		t.Errorf("stop left %d rows in the log", len(msgs))
	}
}

func TestAbortedRunBecomesStopped(t *testing.T) {
	f := newFixture(t, func(job sandbox.Job) (string, error) {
		return "", &sandbox.RunError{Kind: sandbox.KindAborted, ConversationID: job.ConversationID, Detail: "terminated"}
	})

	reply, err := f.rt.HandleInbound(context.Background(), inbound("g1", "u1", "@Bot long task", false))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Action != router.ActionDenied || reply.Reason != "stopped" {
		t.Errorf("reply = %+v, want denied/stopped", reply)
	}
}

func TestRunFailureGivesGenericNotice(t *testing.T) {
	f := newFixture(t, func(job sandbox.Job) (string, error) {
		return "", &sandbox.RunError{Kind: sandbox.KindExit, ConversationID: job.ConversationID, Detail: "exit code 2"}
	})

	reply, err := f.rt.HandleInbound(context.Background(), inbound("g1", "u1", "@Bot do it", false))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text == "" || reply.Text == "exit code 2" {
		t.Errorf("failure notice = %q, want generic text, not raw detail", reply.Text)
	}

	// The failed turn must not add an assistant row.
	msgs, _ := f.st.MessagesSinceBoundary("g1", 0)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Errorf("log = %+v", msgs)
	}
}

func TestAmbientPersistence(t *testing.T) {
	f := newFixture(t, nil)

	// Untriggered group chatter is captured as ambient with author prefix.
	reply, err := f.rt.HandleInbound(context.Background(), &bus.InboundMessage{
		ConversationID: "g1",
		CallerID:       "u1",
		AuthorName:     "Dana",
		RawText:        "lunch at noon?",
		IsDirect:       false,
		Source:         "slack",
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Action != router.ActionIgnore {
		t.Fatalf("action = %s", reply.Action)
	}

	msgs, _ := f.st.MessagesSinceBoundary("g1", 0)
	if len(msgs) != 1 || msgs[0].Role != store.RoleAmbient {
		t.Fatalf("log = %+v", msgs)
	}
	if msgs[0].Content != "Dana: lunch at noon?" {
		t.Errorf("ambient content = %q", msgs[0].Content)
	}
}

func TestHistoryReplaysSinceBoundary(t *testing.T) {
	f := newFixture(t, func(job sandbox.Job) (string, error) {
		return "done", nil
	})
	ctx := context.Background()

	if _, err := f.rt.HandleInbound(ctx, inbound("g1", "u1", "@Bot first question", false)); err != nil {
		t.Fatal(err)
	}

	// Second turn sees the first turn's rows as history.
	if _, err := f.rt.HandleInbound(ctx, inbound("g1", "u1", "@Bot second question", false)); err != nil {
		t.Fatal(err)
	}
	f.runner.mu.Lock()
	hist := f.runner.lastJob.History
	f.runner.mu.Unlock()
	if len(hist) != 2 {
		t.Fatalf("history = %+v, want the first turn's 2 rows", hist)
	}
	if hist[0].Content != "first question" || hist[1].Content != "done" {
		t.Errorf("history = %+v", hist)
	}

	// Compact, then the next turn starts from an empty window.
	if _, err := f.rt.Compact("g1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rt.HandleInbound(ctx, inbound("g1", "u1", "@Bot third question", false)); err != nil {
		t.Fatal(err)
	}
	f.runner.mu.Lock()
	hist = f.runner.lastJob.History
	f.runner.mu.Unlock()
	if len(hist) != 0 {
		t.Errorf("history after compact = %+v, want empty", hist)
	}
}

func TestCompactCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.rt.HandleInbound(ctx, inbound("g1", "u1", "@Bot hello", false)); err != nil {
		t.Fatal(err)
	}
	reply, err := f.rt.HandleInbound(ctx, inbound("g1", "u1", "@Bot compact", false))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Action != router.ActionCommand || reply.Text != "Context compacted." {
		t.Errorf("reply = %+v", reply)
	}
	msgs, _ := f.st.MessagesSinceBoundary("g1", 0)
	if len(msgs) != 0 {
		t.Errorf("window not empty after compact: %+v", msgs)
	}
}

func TestScheduledTaskPublishesResult(t *testing.T) {
	f := newFixture(t, func(job sandbox.Job) (string, error) {
		return "report ready", nil
	})

	err := f.rt.HandleScheduledTask(store.ScheduledTask{
		ID:             1,
		ConversationID: "slack:C42",
		Prompt:         "compile the weekly report",
		CreatedBy:      "u1",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan *bus.OutboundMessage, 1)
	go func() {
		f.bus.Subscribe("slack", func(m *bus.OutboundMessage) { got <- m })
		_ = f.bus.DispatchOutbound(ctx)
	}()

	select {
	case m := <-got:
		if m.ConversationID != "slack:C42" || m.Text != "report ready" {
			t.Errorf("outbound = %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("no outbound message for non-silent task")
	}
}

func TestSilentTaskSuppressesResult(t *testing.T) {
	f := newFixture(t, nil)

	err := f.rt.HandleScheduledTask(store.ScheduledTask{
		ID:             1,
		ConversationID: "slack:C42",
		Prompt:         "housekeeping",
		CreatedBy:      "u1",
		Silent:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := f.bus.OutboundSize(); n != 0 {
		t.Errorf("silent task published %d outbound messages", n)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	f.rt.Shutdown()
	f.rt.Shutdown() // second call is a no-op and must not block or re-run steps

	if n := f.runner.killAlls.Load(); n != 1 {
		t.Errorf("KillAll ran %d times, want exactly 1", n)
	}

	select {
	case <-f.rt.ShutdownDone():
	default:
		t.Error("ShutdownDone not closed")
	}
}

func TestShutdownConcurrentCallsRunOnce(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.rt.Shutdown()
		}()
	}
	wg.Wait()

	if n := f.runner.killAlls.Load(); n != 1 {
		t.Errorf("KillAll ran %d times under concurrent shutdown", n)
	}
}

func TestShutdownHookOrderAndFailureIsolation(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	var order []string
	f.rt.RegisterShutdownHook("first", func() error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		return context.DeadlineExceeded // any error: must be swallowed
	})
	f.rt.RegisterShutdownHook("second", func() error {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return nil
	})

	f.rt.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("hook order = %v", order)
	}
}

func TestManagementPermissions(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.st.EnsureConversation("g1", "")

	// Member cannot manage tasks.
	if _, err := f.rt.CreateTask("g1", "u1", "*/5 * * * *", "ping", false); err == nil {
		t.Error("member created a task without manage-tasks")
	}

	// Seed admin can.
	task, err := f.rt.CreateTask("g1", "admin1", "*/5 * * * *", "ping", false)
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := f.rt.ListTasks("g1", "admin1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Errorf("tasks = %+v", tasks)
	}

	// Pause, resume, delete round-trip.
	if err := f.rt.SetTaskActive("g1", "admin1", task.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := f.rt.SetTaskActive("g1", "admin1", task.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := f.rt.DeleteTask("g1", "admin1", task.ID); err != nil {
		t.Fatal(err)
	}

	// Tasks are scoped to their conversation.
	task2, _ := f.rt.CreateTask("g1", "admin1", "*/5 * * * *", "other", false)
	_ = f.st.EnsureConversation("g2", "")
	if err := f.rt.DeleteTask("g2", "admin1", task2.ID); err == nil {
		t.Error("task deleted through the wrong conversation")
	}
}

func TestWhoami(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.st.EnsureConversation("g1", "")

	info, err := f.rt.Whoami("g1", "admin1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Role != access.RoleAdmin {
		t.Errorf("role = %q", info.Role)
	}
	if len(info.Permissions) != len(access.All()) {
		t.Errorf("permissions = %v", info.Permissions)
	}
}

func TestGrantRoleRejectsSystem(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.st.EnsureConversation("g1", "")

	if err := f.rt.GrantRole("g1", "admin1", "u1", "system"); err == nil {
		t.Error("system role must not be assignable")
	}
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.SetAdapterStatus("slack", true)
	f.rt.SetAdapterStatus("whatsapp", false)

	h := f.rt.Health()
	if h.QueueActive != 0 || h.SandboxActive != 0 {
		t.Errorf("health = %+v", h)
	}
	if !h.Adapters["slack"] || h.Adapters["whatsapp"] {
		t.Errorf("adapters = %v", h.Adapters)
	}
}
