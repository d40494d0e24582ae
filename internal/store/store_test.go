package store

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnsureConversation("slack:C1", "general"); err != nil {
		t.Fatal(err)
	}
	// Second ensure must not reset the title.
	if err := s.EnsureConversation("slack:C1", ""); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetConversation("slack:C1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Title != "general" {
		t.Errorf("title = %q, want %q", c.Title, "general")
	}
	if c.BoundaryMsgID != 0 {
		t.Errorf("boundary = %d, want 0", c.BoundaryMsgID)
	}
}

func TestMessagesSinceBoundary(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnsureConversation("g1", ""); err != nil {
		t.Fatal(err)
	}

	id1, err := s.AppendMessage("g1", RoleUser, "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	id2, _ := s.AppendMessage("g1", RoleAssistant, "second", nil)
	if id2 <= id1 {
		t.Fatalf("message ids not increasing: %d then %d", id1, id2)
	}

	msgs, err := s.MessagesSinceBoundary("g1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("wrong order: %q, %q", msgs[0].Content, msgs[1].Content)
	}

	// Advancing the boundary hides prior history without deleting rows.
	if err := s.SetBoundary("g1", id1); err != nil {
		t.Fatal(err)
	}
	msgs, err = s.MessagesSinceBoundary("g1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "second" {
		t.Errorf("after boundary: got %d messages, want only %q", len(msgs), "second")
	}
}

func TestMessageAttachmentsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_ = s.EnsureConversation("g1", "")

	if _, err := s.AppendMessage("g1", RoleUser, "see files", []string{"/tmp/a.png", "/tmp/b.pdf"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.MessagesSinceBoundary("g1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || len(msgs[0].Attachments) != 2 {
		t.Fatalf("attachments lost: %+v", msgs)
	}
	if msgs[0].Attachments[1] != "/tmp/b.pdf" {
		t.Errorf("attachment[1] = %q", msgs[0].Attachments[1])
	}
}

func TestScheduledTaskQueries(t *testing.T) {
	s := openTestStore(t)
	_ = s.EnsureConversation("g1", "")

	id, err := s.CreateTask(&ScheduledTask{
		ConversationID: "g1",
		CronExpr:       "*/5 * * * *",
		Prompt:         "daily summary",
		Active:         true,
		NextRun:        1000,
		CreatedBy:      "u1",
	})
	if err != nil {
		t.Fatal(err)
	}

	due, err := s.DueTasks(2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due tasks = %+v, want task %d", due, id)
	}

	// Not due before next_run.
	due, _ = s.DueTasks(500)
	if len(due) != 0 {
		t.Errorf("got %d due tasks before next_run", len(due))
	}

	// Paused tasks are never due.
	if err := s.SetTaskActive(id, false); err != nil {
		t.Fatal(err)
	}
	due, _ = s.DueTasks(2000)
	if len(due) != 0 {
		t.Errorf("paused task still reported due")
	}

	if err := s.SetTaskActive(id, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskNextRun(id, 9000); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.NextRun != 9000 {
		t.Errorf("next_run = %d, want 9000", task.NextRun)
	}

	if err := s.DeleteTask(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTask(id); err == nil {
		t.Error("deleted task still readable")
	}
}

func TestRoleGrants(t *testing.T) {
	s := openTestStore(t)
	_ = s.EnsureConversation("g1", "")

	// EnsureRole never downgrades.
	if err := s.SetRole("g1", "u1", "admin", "seed"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureRole("g1", "u1", "member", ""); err != nil {
		t.Fatal(err)
	}
	role, err := s.GetRole("g1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if role != "admin" {
		t.Errorf("role = %q, want admin (EnsureRole must not downgrade)", role)
	}

	if err := s.RevokeRole("g1", "u1"); err != nil {
		t.Fatal(err)
	}
	role, _ = s.GetRole("g1", "u1")
	if role != "" {
		t.Errorf("role after revoke = %q, want empty", role)
	}
}

func TestConfigUpsert(t *testing.T) {
	s := openTestStore(t)
	_ = s.EnsureConversation("g1", "")

	if err := s.SetConfig("g1", "trigger_mode", "mention", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfig("g1", "trigger_mode", "prefix", "u2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetConfig("g1", "trigger_mode")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "prefix" {
		t.Errorf("value = %q (ok=%v), want prefix", v, ok)
	}

	entries, err := s.ListConfig("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].UpdatedBy != "u2" {
		t.Errorf("entries = %+v", entries)
	}

	// Unset key reads as absent, not an error.
	_, ok, err = s.GetConfig("g1", "missing")
	if err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}

	// An explicitly empty value is still present.
	if err := s.SetConfig("g1", "empty", "", "u1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err = s.GetConfig("g1", "empty")
	if err != nil || !ok || v != "" {
		t.Errorf("empty value: v=%q ok=%v err=%v", v, ok, err)
	}
}
