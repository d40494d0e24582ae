// Package router turns one raw inbound message into a single routing
// decision: ignore, assistant, command, or denied.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandclaw/sandclaw/internal/access"
	"github.com/sandclaw/sandclaw/internal/ratelimit"
	"github.com/sandclaw/sandclaw/internal/store"
	"github.com/sandclaw/sandclaw/internal/trigger"
)

// Action is the outcome of routing one message.
type Action string

const (
	ActionIgnore    Action = "ignore"
	ActionAssistant Action = "assistant"
	ActionCommand   Action = "command"
	ActionDenied    Action = "denied"
)

// Reserved command words, matched against the stripped prompt after
// lower-casing and trimming.
const (
	CommandStop    = "stop"
	CommandCompact = "compact"
)

// commandPermissions maps each reserved command to the permission it needs.
var commandPermissions = map[string]access.Permission{
	CommandStop:    access.PermStopRun,
	CommandCompact: access.PermSendPrompt,
}

// Per-conversation config keys read by the router.
const (
	KeyTriggerPatterns = "trigger_patterns"
	KeyTriggerMode     = "trigger_mode"
	KeyTriggerCase     = "trigger_case_sensitive"
	KeyRateLimit       = "rate_limit"
)

// Decision is one routing outcome. Prompt is set for assistant, Command for
// command, Reason for denied.
type Decision struct {
	Action  Action
	Role    string
	Prompt  string
	Command string
	Reason  string
}

// Router composes the trigger matcher, permission model, and rate limiter.
type Router struct {
	store   *store.Store
	access  *access.Manager
	limiter *ratelimit.Limiter
	trigger trigger.Config
}

// New creates a Router. defaults is the process-wide trigger configuration,
// overridden per conversation through group config.
func New(st *store.Store, acc *access.Manager, lim *ratelimit.Limiter, defaults trigger.Config) *Router {
	return &Router{store: st, access: acc, limiter: lim, trigger: defaults}
}

// Route decides what to do with raw text from callerID in conversationID.
// Trigger matching runs before any permission check: an unauthorized caller
// whose message never matches the trigger is silently ignored, leaking
// nothing about the assistant's presence.
func (r *Router) Route(conversationID, callerID, rawText string, isDirect bool) (Decision, error) {
	role, err := r.access.ResolveRole(conversationID, callerID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve role: %w", err)
	}

	cfg, err := r.triggerConfig(conversationID)
	if err != nil {
		return Decision{}, fmt.Errorf("load trigger config: %w", err)
	}

	match := trigger.Match(rawText, cfg, isDirect)
	if !match.Matched {
		return Decision{Action: ActionIgnore, Role: role}, nil
	}

	// Reserved commands are checked before the generic prompt permission so
	// a stop-only role can still stop runs it cannot start.
	word := strings.ToLower(strings.TrimSpace(match.Prompt))
	if perm, isCommand := commandPermissions[word]; isCommand {
		ok, err := r.access.HasPermission(conversationID, role, perm)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{
				Action: ActionDenied,
				Role:   role,
				Reason: fmt.Sprintf("you need the %s permission to use %q", perm, word),
			}, nil
		}
		return Decision{Action: ActionCommand, Role: role, Command: word}, nil
	}

	ok, err := r.access.HasPermission(conversationID, role, access.PermSendPrompt)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{
			Action: ActionDenied,
			Role:   role,
			Reason: "you do not have permission to talk to the assistant here",
		}, nil
	}

	if r.limiter != nil {
		override, err := r.rateOverride(conversationID)
		if err != nil {
			return Decision{}, err
		}
		if !r.limiter.Allow(conversationID, callerID, override) {
			return Decision{
				Action: ActionDenied,
				Role:   role,
				Reason: "rate limit exceeded, try again shortly",
			}, nil
		}
	}

	return Decision{Action: ActionAssistant, Role: role, Prompt: match.Prompt}, nil
}

// triggerConfig merges the conversation's overrides over process defaults.
func (r *Router) triggerConfig(conversationID string) (trigger.Config, error) {
	cfg := r.trigger

	if v, ok, err := r.store.GetConfig(conversationID, KeyTriggerPatterns); err != nil {
		return cfg, err
	} else if ok {
		var patterns []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		cfg.Patterns = patterns
	}

	if v, ok, err := r.store.GetConfig(conversationID, KeyTriggerMode); err != nil {
		return cfg, err
	} else if ok {
		switch trigger.Mode(strings.ToLower(strings.TrimSpace(v))) {
		case trigger.ModePrefix:
			cfg.Mode = trigger.ModePrefix
		case trigger.ModeMention:
			cfg.Mode = trigger.ModeMention
		case trigger.ModeAlways:
			cfg.Mode = trigger.ModeAlways
		}
	}

	if v, ok, err := r.store.GetConfig(conversationID, KeyTriggerCase); err != nil {
		return cfg, err
	} else if ok {
		cfg.CaseSensitive = v == "1" || strings.EqualFold(v, "true")
	}

	return cfg, nil
}

func (r *Router) rateOverride(conversationID string) (int, error) {
	v, ok, err := r.store.GetConfig(conversationID, KeyRateLimit)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 0, nil
	}
	return n, nil
}
