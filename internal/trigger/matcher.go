// Package trigger decides whether raw inbound text addresses the assistant
// and strips the addressing token from the prompt when it does.
package trigger

import (
	"sort"
	"strings"
	"unicode"
)

// Mode selects how patterns are applied to inbound text.
type Mode string

const (
	ModePrefix  Mode = "prefix"
	ModeMention Mode = "mention"
	ModeAlways  Mode = "always"
)

// Config is the per-conversation trigger configuration.
type Config struct {
	Patterns      []string
	Mode          Mode
	CaseSensitive bool
}

// Result of a trigger match. Prompt carries the stripped text when Matched.
type Result struct {
	Matched bool
	Prompt  string
}

// Match applies cfg to raw text. In direct one-on-one channels the trigger is
// advisory: non-empty text that matches no pattern is still accepted as-is.
// In multi-party channels a pattern match is mandatory.
func Match(raw string, cfg Config, isDirect bool) Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{}
	}

	switch cfg.Mode {
	case ModeAlways:
		return Result{Matched: true, Prompt: text}
	case ModePrefix:
		if prompt, ok := matchPrefix(text, orderedPatterns(cfg.Patterns), cfg.CaseSensitive); ok {
			return Result{Matched: true, Prompt: prompt}
		}
	default: // mention
		if prompt, ok := matchMention(text, orderedPatterns(cfg.Patterns), cfg.CaseSensitive); ok {
			return Result{Matched: true, Prompt: prompt}
		}
	}

	if isDirect {
		return Result{Matched: true, Prompt: text}
	}
	return Result{}
}

// orderedPatterns returns non-empty patterns longest-first so "@Name" is
// never shadowed by its "Name" substring.
func orderedPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i]) > len(out[j])
	})
	return out
}

// matchPrefix requires the pattern at the start of the text, immediately
// followed by whitespace or end-of-string. "Pixel art" does not match "Pi".
func matchPrefix(text string, patterns []string, caseSensitive bool) (string, bool) {
	for _, p := range patterns {
		if len(text) < len(p) {
			continue
		}
		head := text[:len(p)]
		if !equalFold(head, p, caseSensitive) {
			continue
		}
		rest := text[len(p):]
		if rest == "" {
			return "", true
		}
		if !startsWithSpace(rest) {
			continue
		}
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// matchMention requires the pattern as a whole whitespace-bounded token
// anywhere in the text. The token is removed and the surrounding fragments
// rejoined with a single space; if removal empties the text, the original is
// kept so a bare trigger is not discarded.
func matchMention(text string, patterns []string, caseSensitive bool) (string, bool) {
	for _, p := range patterns {
		idx := findToken(text, p, caseSensitive)
		if idx < 0 {
			continue
		}
		before := strings.TrimSpace(text[:idx])
		after := strings.TrimSpace(text[idx+len(p):])
		var prompt string
		switch {
		case before == "":
			prompt = after
		case after == "":
			prompt = before
		default:
			prompt = before + " " + after
		}
		if prompt == "" {
			prompt = text
		}
		return prompt, true
	}
	return "", false
}

// findToken returns the byte offset of pattern as a standalone token, or -1.
func findToken(text, pattern string, caseSensitive bool) int {
	haystack, needle := text, pattern
	if !caseSensitive {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}
	for from := 0; from <= len(haystack)-len(needle); {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return -1
		}
		idx := from + i
		end := idx + len(needle)
		startOK := idx == 0 || endsWithSpace(haystack[:idx])
		endOK := end == len(haystack) || startsWithSpace(haystack[end:])
		if startOK && endOK {
			return idx
		}
		from = idx + 1
	}
	return -1
}

func equalFold(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func startsWithSpace(s string) bool {
	for _, r := range s {
		return unicode.IsSpace(r)
	}
	return false
}

func endsWithSpace(s string) bool {
	runes := []rune(s)
	return len(runes) > 0 && unicode.IsSpace(runes[len(runes)-1])
}
