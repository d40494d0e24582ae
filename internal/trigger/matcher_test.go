package trigger

import "testing"

func TestMentionMode(t *testing.T) {
	cfg := Config{Patterns: []string{"@Bot", "Bot"}, Mode: ModeMention}

	tests := []struct {
		name    string
		text    string
		matched bool
		prompt  string
	}{
		{"token at start", "@Bot summarize this", true, "summarize this"},
		{"token in middle", "hey @Bot what's up", true, "hey what's up"},
		{"token at end", "need you Bot", true, "need you"},
		{"bare trigger keeps original", "@Bot", true, "@Bot"},
		{"embedded substring no match", "robots are cool", false, ""},
		{"no token", "just chatting", false, ""},
		{"empty", "   ", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Match(tt.text, cfg, false)
			if res.Matched != tt.matched {
				t.Fatalf("Matched = %v, want %v", res.Matched, tt.matched)
			}
			if res.Prompt != tt.prompt {
				t.Errorf("Prompt = %q, want %q", res.Prompt, tt.prompt)
			}
		})
	}
}

func TestLongestPatternFirst(t *testing.T) {
	cfg := Config{Patterns: []string{"Pi", "@Pi"}, Mode: ModeMention}

	res := Match("@Pi hello", cfg, false)
	if !res.Matched {
		t.Fatal("expected match")
	}
	if res.Prompt != "hello" {
		t.Errorf("Prompt = %q, want %q (must strip @Pi, not the bare Pi inside it)", res.Prompt, "hello")
	}
}

func TestPrefixMode(t *testing.T) {
	cfg := Config{Patterns: []string{"Pi"}, Mode: ModePrefix}

	tests := []struct {
		name    string
		text    string
		matched bool
		prompt  string
	}{
		{"prefix with space", "Pi draw a cat", true, "draw a cat"},
		{"prefix at end of string", "Pi", true, ""},
		{"no boundary", "Pixel art", false, ""},
		{"mid-text", "ask Pi something", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Match(tt.text, cfg, false)
			if res.Matched != tt.matched {
				t.Fatalf("Matched = %v, want %v", res.Matched, tt.matched)
			}
			if res.Prompt != tt.prompt {
				t.Errorf("Prompt = %q, want %q", res.Prompt, tt.prompt)
			}
		})
	}
}

func TestAlwaysMode(t *testing.T) {
	cfg := Config{Mode: ModeAlways}

	res := Match("  anything at all  ", cfg, false)
	if !res.Matched || res.Prompt != "anything at all" {
		t.Errorf("always mode: %+v", res)
	}
	if Match("", cfg, false).Matched {
		t.Error("empty text must never match, even in always mode")
	}
	if Match("   ", cfg, true).Matched {
		t.Error("whitespace-only text must never match, even direct")
	}
}

func TestDirectChannelFallback(t *testing.T) {
	cfg := Config{Patterns: []string{"@Bot"}, Mode: ModeMention}

	// No pattern match, but direct channels accept the full trimmed text.
	res := Match("what's the weather", cfg, true)
	if !res.Matched {
		t.Fatal("direct channel should match without a trigger")
	}
	if res.Prompt != "what's the weather" {
		t.Errorf("Prompt = %q", res.Prompt)
	}

	// Same text in a multi-party channel is ignored.
	if Match("what's the weather", cfg, false).Matched {
		t.Error("group channel must require the trigger")
	}
}

func TestCaseSensitivity(t *testing.T) {
	insensitive := Config{Patterns: []string{"@Bot"}, Mode: ModeMention}
	if !Match("@bot hello", insensitive, false).Matched {
		t.Error("case-insensitive config should match @bot")
	}

	sensitive := Config{Patterns: []string{"@Bot"}, Mode: ModeMention, CaseSensitive: true}
	if Match("@bot hello", sensitive, false).Matched {
		t.Error("case-sensitive config must not match @bot")
	}
	if !Match("@Bot hello", sensitive, false).Matched {
		t.Error("case-sensitive config should match exact case")
	}
}

func TestMentionStrippingIsIdempotent(t *testing.T) {
	cfg := Config{Patterns: []string{"@Bot"}, Mode: ModeMention}

	res := Match("@Bot do the thing", cfg, false)
	if !res.Matched {
		t.Fatal("expected match")
	}
	// The stripped prompt must not still contain the standalone token.
	if again := Match(res.Prompt, cfg, false); again.Matched {
		t.Errorf("prompt %q still matches the trigger", res.Prompt)
	}
}
