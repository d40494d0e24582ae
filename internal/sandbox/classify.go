package sandbox

import "fmt"

// Kind tags one terminal failure outcome of a sandbox run.
type Kind int

const (
	KindNone Kind = iota
	KindTimeout
	KindAborted
	KindOOM
	KindExit
	KindParse
)

// oomExitCode is the conventional exit status of a process killed by SIGKILL
// under memory pressure (128 + 9).
const oomExitCode = 137

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAborted:
		return "aborted"
	case KindOOM:
		return "oom"
	case KindExit:
		return "exit"
	case KindParse:
		return "parse"
	default:
		return "none"
	}
}

// RunError is a tagged sandbox failure. Callers branch on Kind rather than
// matching message strings.
type RunError struct {
	Kind           Kind
	ConversationID string
	Detail         string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("sandbox %s (conversation %s): %s", e.Kind, e.ConversationID, e.Detail)
}

// classifyExit maps a finished process to a failure kind, in strict priority
// order: timeout beats aborted beats OOM beats a generic non-zero exit. A
// timeout or abort wins even when the exit code is 0.
func classifyExit(exitCode int, timedOut, aborted bool) Kind {
	switch {
	case timedOut:
		return KindTimeout
	case aborted:
		return KindAborted
	case exitCode == oomExitCode:
		return KindOOM
	case exitCode != 0:
		return KindExit
	default:
		return KindNone
	}
}
