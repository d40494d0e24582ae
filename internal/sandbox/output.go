package sandbox

import (
	"encoding/json"
	"strings"
)

// Sentinel markers bracketing the sandbox's JSON result on stdout. Anything
// outside the markers is diagnostic output and ignored.
const (
	replyOpen  = "<<<SANDCLAW_REPLY>>>"
	replyClose = "<<<END_SANDCLAW_REPLY>>>"
)

// defaultReply is used when the payload is valid JSON but omits the reply field.
const defaultReply = "Done."

// ParseReply extracts the sentinel-bracketed `{reply}` payload from raw
// stdout. Missing markers or malformed JSON between them is a parse failure,
// reported separately from process-exit failures.
func ParseReply(conversationID, stdout string) (string, error) {
	start := strings.Index(stdout, replyOpen)
	if start < 0 {
		return "", &RunError{Kind: KindParse, ConversationID: conversationID, Detail: "missing reply marker"}
	}
	rest := stdout[start+len(replyOpen):]
	end := strings.Index(rest, replyClose)
	if end < 0 {
		return "", &RunError{Kind: KindParse, ConversationID: conversationID, Detail: "missing closing reply marker"}
	}

	var payload struct {
		Reply *string `json:"reply"`
	}
	body := strings.TrimSpace(rest[:end])
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return "", &RunError{Kind: KindParse, ConversationID: conversationID, Detail: "malformed reply payload: " + err.Error()}
	}
	if payload.Reply == nil {
		return defaultReply, nil
	}
	return *payload.Reply, nil
}

// FormatReply wraps text in the sentinel markers, for the in-sandbox side of
// the contract and for tests.
func FormatReply(text string) string {
	raw, _ := json.Marshal(map[string]string{"reply": text})
	return replyOpen + string(raw) + replyClose
}
