package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubEngine replaces the container engine with a shell script. Engine kill
// invocations are routed to a failing command so termination exercises the
// direct process-handle fallback.
func stubEngine(t *testing.T, script string) {
	t.Helper()
	orig := execCommand
	execCommand = func(name string, args ...string) *exec.Cmd {
		if len(args) > 0 && args[0] == "kill" {
			return exec.Command("false")
		}
		return exec.Command("sh", "-c", script)
	}
	t.Cleanup(func() { execCommand = orig })
}

func testRunner(timeout time.Duration) *Runner {
	return NewRunner(Config{
		Engine:    "docker",
		Image:     "test",
		Label:     "sandclaw-test",
		Timeout:   timeout,
		KillGrace: 50 * time.Millisecond,
	})
}

func runKind(t *testing.T, err error) Kind {
	t.Helper()
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("error is not a RunError: %v", err)
	}
	return re.Kind
}

func TestRunSuccess(t *testing.T) {
	stubEngine(t, `printf '%s' 'diag noise <<<SANDCLAW_REPLY>>>{"reply":"hi there"}<<<END_SANDCLAW_REPLY>>> trailing'`)
	r := testRunner(time.Second)

	reply, err := r.Run(context.Background(), Job{ConversationID: "g1", Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after run", r.ActiveCount())
	}
}

func TestRunMissingReplyFieldDefaults(t *testing.T) {
	stubEngine(t, `printf '%s' '<<<SANDCLAW_REPLY>>>{"status":"ok"}<<<END_SANDCLAW_REPLY>>>'`)
	r := testRunner(time.Second)

	reply, err := r.Run(context.Background(), Job{ConversationID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Done." {
		t.Errorf("reply = %q, want Done.", reply)
	}
}

func TestRunParseFailure(t *testing.T) {
	stubEngine(t, `echo "no markers here"`)
	r := testRunner(time.Second)

	_, err := r.Run(context.Background(), Job{ConversationID: "g1"})
	if runKind(t, err) != KindParse {
		t.Errorf("kind = %v, want parse", runKind(t, err))
	}
}

func TestRunOOMClassification(t *testing.T) {
	stubEngine(t, `exit 137`)
	r := testRunner(time.Second)

	_, err := r.Run(context.Background(), Job{ConversationID: "g1"})
	if runKind(t, err) != KindOOM {
		t.Errorf("kind = %v, want oom", runKind(t, err))
	}
}

func TestRunGenericExitCarriesOutput(t *testing.T) {
	stubEngine(t, `echo "boom detail" >&2; exit 3`)
	r := testRunner(time.Second)

	_, err := r.Run(context.Background(), Job{ConversationID: "g1"})
	var re *RunError
	if !errors.As(err, &re) || re.Kind != KindExit {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(re.Detail, "boom detail") {
		t.Errorf("detail missing output: %q", re.Detail)
	}
}

func TestRunTimeout(t *testing.T) {
	stubEngine(t, `sleep 10`)
	r := testRunner(60 * time.Millisecond)

	start := time.Now()
	_, err := r.Run(context.Background(), Job{ConversationID: "g1"})
	if runKind(t, err) != KindTimeout {
		t.Errorf("kind = %v, want timeout", runKind(t, err))
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout enforcement took %s", elapsed)
	}
}

func TestAbortClassification(t *testing.T) {
	stubEngine(t, `sleep 10`)
	r := testRunner(time.Minute)

	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, runErr = r.Run(context.Background(), Job{ConversationID: "g1"})
	}()

	// Wait until the job is tracked, then abort it.
	deadline := time.Now().Add(time.Second)
	for !r.IsRunning("g1") {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !r.Abort("g1") {
		t.Fatal("Abort returned false for a running job")
	}

	wg.Wait()
	if runKind(t, runErr) != KindAborted {
		t.Errorf("kind = %v, want aborted", runKind(t, runErr))
	}
}

func TestAbortWithNothingRunning(t *testing.T) {
	r := testRunner(time.Second)
	if r.Abort("g1") {
		t.Error("Abort on idle conversation should return false")
	}
}

func TestOneJobPerConversation(t *testing.T) {
	stubEngine(t, `sleep 10`)
	r := testRunner(time.Minute)

	go r.Run(context.Background(), Job{ConversationID: "g1"}) //nolint:errcheck

	deadline := time.Now().Add(time.Second)
	for !r.IsRunning("g1") {
		if time.Now().After(deadline) {
			t.Fatal("first job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := r.Run(context.Background(), Job{ConversationID: "g1"})
	if err == nil {
		t.Error("second concurrent run for same conversation must fail")
	}

	r.Abort("g1")
}

func TestClassifyExitPriority(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		timedOut bool
		aborted  bool
		want     Kind
	}{
		{"clean exit", 0, false, false, KindNone},
		{"oom code", 137, false, false, KindOOM},
		{"generic nonzero", 1, false, false, KindExit},
		{"timeout wins over clean exit", 0, true, false, KindTimeout},
		{"timeout wins over abort", 137, true, true, KindTimeout},
		{"abort wins over oom code", 137, false, true, KindAborted},
		{"abort wins over clean exit", 0, false, true, KindAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyExit(tt.exitCode, tt.timedOut, tt.aborted); got != tt.want {
				t.Errorf("classifyExit(%d, %v, %v) = %v, want %v",
					tt.exitCode, tt.timedOut, tt.aborted, got, tt.want)
			}
		})
	}
}
