// Package access implements per-conversation role resolution and the
// permission model gating every command and prompt.
package access

import (
	"fmt"
	"strings"

	"github.com/sandclaw/sandclaw/internal/store"
)

// Built-in roles. Any other role name is a custom label whose permissions
// come entirely from a per-conversation override.
const (
	RoleSystem = "system"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Permission is one fine-grained capability. The enumeration is closed:
// unknown tokens in stored permission lists are silently dropped.
type Permission string

const (
	PermSendPrompt   Permission = "send-prompt"
	PermStopRun      Permission = "stop-run"
	PermManageTasks  Permission = "manage-tasks"
	PermManageRoles  Permission = "manage-roles"
	PermManageConfig Permission = "manage-config"
)

// configKeyPerms prefixes the per-role permission override in group_config.
const configKeyPerms = "perms."

// configKeySeeded marks that seed admins were granted for a conversation.
const configKeySeeded = "seed_admins_applied"

// All returns every permission in the closed enumeration.
func All() []Permission {
	return []Permission{PermSendPrompt, PermStopRun, PermManageTasks, PermManageRoles, PermManageConfig}
}

func valid(p Permission) bool {
	switch p {
	case PermSendPrompt, PermStopRun, PermManageTasks, PermManageRoles, PermManageConfig:
		return true
	}
	return false
}

// Set is a permission set.
type Set map[Permission]bool

// Manager resolves caller roles and role permission sets against the store.
type Manager struct {
	store         *store.Store
	systemCallers map[string]bool
	seedAdmins    []string
}

// NewManager creates a Manager. systemCallers are internal identities
// (scheduler, management surface) that bypass storage entirely; seedAdmins
// receive the admin role on first contact with any conversation.
func NewManager(st *store.Store, systemCallers, seedAdmins []string) *Manager {
	sys := make(map[string]bool, len(systemCallers))
	for _, id := range systemCallers {
		if id != "" {
			sys[id] = true
		}
	}
	return &Manager{store: st, systemCallers: sys, seedAdmins: seedAdmins}
}

// ResolveRole returns the caller's role in the conversation. System callers
// short-circuit without touching storage. Seed admins are granted on first
// sight of the conversation, recorded once so repeated calls stay cheap.
// Every other caller gets a default member record if absent.
func (m *Manager) ResolveRole(conversationID, callerID string) (string, error) {
	if m.systemCallers[callerID] {
		return RoleSystem, nil
	}

	if len(m.seedAdmins) > 0 {
		_, seeded, err := m.store.GetConfig(conversationID, configKeySeeded)
		if err != nil {
			return "", fmt.Errorf("check seed marker: %w", err)
		}
		if !seeded {
			for _, id := range m.seedAdmins {
				if err := m.store.SetRole(conversationID, id, RoleAdmin, "seed"); err != nil {
					return "", fmt.Errorf("seed admin %s: %w", id, err)
				}
			}
			if err := m.store.SetConfig(conversationID, configKeySeeded, "1", "seed"); err != nil {
				return "", fmt.Errorf("record seed marker: %w", err)
			}
		}
	}

	if err := m.store.EnsureRole(conversationID, callerID, RoleMember, ""); err != nil {
		return "", fmt.Errorf("ensure member record: %w", err)
	}
	role, err := m.store.GetRole(conversationID, callerID)
	if err != nil {
		return "", err
	}
	if role == "" {
		role = RoleMember
	}
	return role, nil
}

// RolePermissions returns the permission set for a role in a conversation.
// A stored override (comma list) replaces the built-in default entirely,
// including clearing a default role down to nothing.
func (m *Manager) RolePermissions(conversationID, role string) (Set, error) {
	if role == RoleSystem {
		return fullSet(), nil
	}

	raw, ok, err := m.store.GetConfig(conversationID, configKeyPerms+role)
	if err != nil {
		return nil, err
	}
	if ok {
		return ParseList(raw), nil
	}

	switch role {
	case RoleAdmin:
		return fullSet(), nil
	case RoleMember:
		return Set{PermSendPrompt: true}, nil
	default:
		return Set{}, nil
	}
}

// HasPermission reports whether the role holds the permission in this
// conversation.
func (m *Manager) HasPermission(conversationID, role string, p Permission) (bool, error) {
	if role == RoleSystem {
		return true, nil
	}
	perms, err := m.RolePermissions(conversationID, role)
	if err != nil {
		return false, err
	}
	return perms[p], nil
}

// SetRolePermissions stores a role's permission override as a comma list.
// Unknown tokens are dropped before persisting.
func (m *Manager) SetRolePermissions(conversationID, role, list, updatedBy string) error {
	perms := ParseList(list)
	tokens := make([]string, 0, len(perms))
	for _, p := range All() {
		if perms[p] {
			tokens = append(tokens, string(p))
		}
	}
	return m.store.SetConfig(conversationID, configKeyPerms+role, strings.Join(tokens, ","), updatedBy)
}

// ParseList parses a comma-separated permission list, silently discarding
// tokens outside the closed enumeration.
func ParseList(raw string) Set {
	out := Set{}
	for _, tok := range strings.Split(raw, ",") {
		p := Permission(strings.TrimSpace(tok))
		if valid(p) {
			out[p] = true
		}
	}
	return out
}

func fullSet() Set {
	out := Set{}
	for _, p := range All() {
		out[p] = true
	}
	return out
}
