package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandclaw/sandclaw/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/sched.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	_ = st.EnsureConversation("g1", "")
	return st
}

func TestTickDispatchesDueTask(t *testing.T) {
	st := testStore(t)

	var fired atomic.Int32
	s := New(Config{PollInterval: time.Minute}, st, func(task store.ScheduledTask) error {
		fired.Add(1)
		return nil
	})

	id, err := st.CreateTask(&store.ScheduledTask{
		ConversationID: "g1",
		CronExpr:       "*/5 * * * *",
		Prompt:         "check in",
		Active:         true,
		NextRun:        time.Now().Add(-time.Second).UnixMilli(),
		CreatedBy:      "u1",
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.tick(now)

	if fired.Load() != 1 {
		t.Fatalf("handler fired %d times, want 1", fired.Load())
	}

	// The next run must already be in the future.
	task, err := st.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.NextRun <= now.UnixMilli() {
		t.Errorf("next_run = %d, not advanced past %d", task.NextRun, now.UnixMilli())
	}

	// A second tick at the same instant must not re-pick the task.
	s.tick(now)
	if fired.Load() != 1 {
		t.Errorf("task re-picked: handler fired %d times", fired.Load())
	}
}

func TestNextRunPersistedBeforeHandler(t *testing.T) {
	st := testStore(t)

	id, _ := st.CreateTask(&store.ScheduledTask{
		ConversationID: "g1",
		CronExpr:       "* * * * *",
		Prompt:         "p",
		Active:         true,
		NextRun:        1,
		CreatedBy:      "u1",
	})

	now := time.Now()
	var nextRunAtHandlerTime int64
	s := New(Config{PollInterval: time.Minute}, st, func(task store.ScheduledTask) error {
		stored, err := st.GetTask(id)
		if err != nil {
			t.Error(err)
			return err
		}
		nextRunAtHandlerTime = stored.NextRun
		return nil
	})

	s.tick(now)
	if nextRunAtHandlerTime <= now.UnixMilli() {
		t.Errorf("next_run was %d when the handler ran; must be persisted first", nextRunAtHandlerTime)
	}
}

func TestHandlerFailureDoesNotStopTick(t *testing.T) {
	st := testStore(t)

	for i := 0; i < 3; i++ {
		_, err := st.CreateTask(&store.ScheduledTask{
			ConversationID: "g1",
			CronExpr:       "* * * * *",
			Prompt:         "p",
			Active:         true,
			NextRun:        int64(i + 1),
			CreatedBy:      "u1",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var calls atomic.Int32
	s := New(Config{PollInterval: time.Minute}, st, func(task store.ScheduledTask) error {
		calls.Add(1)
		return errors.New("handler boom")
	})

	s.tick(time.Now())
	if calls.Load() != 3 {
		t.Errorf("handler called %d times, want 3 (failures must not stop the tick)", calls.Load())
	}
}

func TestInvalidCronDeactivatesTask(t *testing.T) {
	st := testStore(t)

	id, _ := st.CreateTask(&store.ScheduledTask{
		ConversationID: "g1",
		CronExpr:       "not a cron",
		Prompt:         "p",
		Active:         true,
		NextRun:        1,
		CreatedBy:      "u1",
	})

	var fired atomic.Int32
	s := New(Config{PollInterval: time.Minute}, st, func(store.ScheduledTask) error {
		fired.Add(1)
		return nil
	})

	s.tick(time.Now())
	if fired.Load() != 0 {
		t.Error("handler fired for a task with an unparseable cron")
	}
	task, err := st.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Active {
		t.Error("task with invalid cron left active (would busy-loop)")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	st := testStore(t)
	s := New(Config{PollInterval: 10 * time.Millisecond}, st, func(store.ScheduledTask) error { return nil })

	s.Stop() // stop before start is a no-op
	s.Start()
	s.Start() // second start is a no-op
	s.Stop()
	s.Stop() // double stop must not panic
	s.Start()
	s.Stop()
}

func TestNextRunComputation(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)

	got, err := NextRun("*/5 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC).UnixMilli()
	if got != want {
		t.Errorf("NextRun = %d, want %d", got, want)
	}

	if _, err := NextRun("61 * * * *", from); err == nil {
		t.Error("invalid cron accepted")
	}
}
