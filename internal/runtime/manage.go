package runtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sandclaw/sandclaw/internal/access"
	"github.com/sandclaw/sandclaw/internal/router"
	"github.com/sandclaw/sandclaw/internal/scheduler"
	"github.com/sandclaw/sandclaw/internal/store"
)

// ErrDenied is returned by management operations when the caller lacks the
// required permission.
var ErrDenied = errors.New("permission denied")

// ErrNotFound is returned when a referenced task does not exist in the
// caller's conversation.
var ErrNotFound = errors.New("not found")

// authorize resolves the caller's role and checks one permission.
func (r *Runtime) authorize(conversationID, callerID string, p access.Permission) (string, error) {
	role, err := r.access.ResolveRole(conversationID, callerID)
	if err != nil {
		return "", err
	}
	ok, err := r.access.HasPermission(conversationID, role, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s requires %s", ErrDenied, callerID, p)
	}
	return role, nil
}

// CallerInfo describes the calling identity and its effective permissions.
type CallerInfo struct {
	CallerID    string   `json:"caller_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Whoami reports the caller's own role and permission set. No permission is
// required to read one's own identity.
func (r *Runtime) Whoami(conversationID, callerID string) (*CallerInfo, error) {
	role, err := r.access.ResolveRole(conversationID, callerID)
	if err != nil {
		return nil, err
	}
	perms, err := r.access.RolePermissions(conversationID, role)
	if err != nil {
		return nil, err
	}
	out := &CallerInfo{CallerID: callerID, Role: role}
	for _, p := range access.All() {
		if perms[p] {
			out.Permissions = append(out.Permissions, string(p))
		}
	}
	return out, nil
}

// --- Scheduled tasks ---

// ListTasks returns the conversation's tasks. Requires manage-tasks.
func (r *Runtime) ListTasks(conversationID, callerID string) ([]store.ScheduledTask, error) {
	if _, err := r.authorize(conversationID, callerID, access.PermManageTasks); err != nil {
		return nil, err
	}
	return r.store.ListTasks(conversationID)
}

// CreateTask validates the cron expression, computes the first run, and
// persists the task. Requires manage-tasks.
func (r *Runtime) CreateTask(conversationID, callerID, cronExpr, prompt string, silent bool) (*store.ScheduledTask, error) {
	if _, err := r.authorize(conversationID, callerID, access.PermManageTasks); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("task prompt must not be empty")
	}
	next, err := scheduler.NextRun(cronExpr, time.Now())
	if err != nil {
		return nil, err
	}
	task := &store.ScheduledTask{
		ConversationID: conversationID,
		CronExpr:       cronExpr,
		Prompt:         prompt,
		Active:         true,
		Silent:         silent,
		NextRun:        next,
		CreatedBy:      callerID,
	}
	id, err := r.store.CreateTask(task)
	if err != nil {
		return nil, err
	}
	task.ID = id
	return task, nil
}

// SetTaskActive pauses or resumes a task. Requires manage-tasks. On resume
// the next run is recomputed from now so a long-paused task does not fire
// immediately for every missed slot.
func (r *Runtime) SetTaskActive(conversationID, callerID string, taskID int64, active bool) error {
	if _, err := r.authorize(conversationID, callerID, access.PermManageTasks); err != nil {
		return err
	}
	task, err := r.taskInConversation(conversationID, taskID)
	if err != nil {
		return err
	}
	if active {
		next, err := scheduler.NextRun(task.CronExpr, time.Now())
		if err != nil {
			return err
		}
		if err := r.store.SetTaskNextRun(taskID, next); err != nil {
			return err
		}
	}
	return r.store.SetTaskActive(taskID, active)
}

// DeleteTask removes a task. Requires manage-tasks.
func (r *Runtime) DeleteTask(conversationID, callerID string, taskID int64) error {
	if _, err := r.authorize(conversationID, callerID, access.PermManageTasks); err != nil {
		return err
	}
	if _, err := r.taskInConversation(conversationID, taskID); err != nil {
		return err
	}
	return r.store.DeleteTask(taskID)
}

func (r *Runtime) taskInConversation(conversationID string, taskID int64) (*store.ScheduledTask, error) {
	task, err := r.store.GetTask(taskID)
	if err != nil || task.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: task %d", ErrNotFound, taskID)
	}
	return task, nil
}

// --- Conversation config ---

// reservedConfigKey guards entries managed through dedicated operations.
func reservedConfigKey(key string) bool {
	return strings.HasPrefix(key, "perms.") || key == "seed_admins_applied"
}

// ListConfig returns the conversation's config overrides. Requires
// manage-config.
func (r *Runtime) ListConfig(conversationID, callerID string) ([]store.ConfigEntry, error) {
	if _, err := r.authorize(conversationID, callerID, access.PermManageConfig); err != nil {
		return nil, err
	}
	return r.store.ListConfig(conversationID)
}

// SetConfig upserts one override (trigger patterns, mode, case sensitivity,
// rate limit). Requires manage-config.
func (r *Runtime) SetConfig(conversationID, callerID, key, value string) error {
	if _, err := r.authorize(conversationID, callerID, access.PermManageConfig); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" || reservedConfigKey(key) {
		return fmt.Errorf("config key %q is not settable", key)
	}
	return r.store.SetConfig(conversationID, key, value, callerID)
}

// --- Roles and permission lists ---

// ListRoles returns every role grant in the conversation. Requires
// manage-roles.
func (r *Runtime) ListRoles(conversationID, callerID string) ([]store.RoleGrant, error) {
	if _, err := r.authorize(conversationID, callerID, access.PermManageRoles); err != nil {
		return nil, err
	}
	return r.store.ListRoles(conversationID)
}

// GrantRole assigns a role to a caller. The system role is not assignable.
// Requires manage-roles.
func (r *Runtime) GrantRole(conversationID, callerID, targetID, role string) error {
	if _, err := r.authorize(conversationID, callerID, access.PermManageRoles); err != nil {
		return err
	}
	role = strings.TrimSpace(role)
	if role == "" || role == access.RoleSystem {
		return fmt.Errorf("role %q is not assignable", role)
	}
	return r.store.SetRole(conversationID, targetID, role, callerID)
}

// RevokeRole removes a caller's grant; they fall back to the default role.
// Requires manage-roles.
func (r *Runtime) RevokeRole(conversationID, callerID, targetID string) error {
	if _, err := r.authorize(conversationID, callerID, access.PermManageRoles); err != nil {
		return err
	}
	return r.store.RevokeRole(conversationID, targetID)
}

// GetRolePermissions returns a role's effective permission list. Requires
// manage-roles.
func (r *Runtime) GetRolePermissions(conversationID, callerID, role string) ([]string, error) {
	if _, err := r.authorize(conversationID, callerID, access.PermManageRoles); err != nil {
		return nil, err
	}
	perms, err := r.access.RolePermissions(conversationID, role)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range access.All() {
		if perms[p] {
			out = append(out, string(p))
		}
	}
	return out, nil
}

// SetRolePermissions replaces a role's permission list with a comma list;
// unknown tokens are silently dropped. Requires manage-roles.
func (r *Runtime) SetRolePermissions(conversationID, callerID, role, list string) error {
	if _, err := r.authorize(conversationID, callerID, access.PermManageRoles); err != nil {
		return err
	}
	if role == access.RoleSystem {
		return errors.New("system role permissions are immutable")
	}
	return r.access.SetRolePermissions(conversationID, role, list, callerID)
}

// --- Run control ---

// StopRunChecked is the management-surface stop. Requires stop-run.
func (r *Runtime) StopRunChecked(conversationID, callerID string) (string, error) {
	if _, err := r.authorize(conversationID, callerID, access.PermStopRun); err != nil {
		return "", err
	}
	return r.StopRun(conversationID), nil
}

// CompactChecked is the management-surface compact. Requires the same
// permission as the chat command.
func (r *Runtime) CompactChecked(conversationID, callerID string) (string, error) {
	if _, err := r.authorize(conversationID, callerID, commandPermission(router.CommandCompact)); err != nil {
		return "", err
	}
	return r.Compact(conversationID)
}

func commandPermission(cmd string) access.Permission {
	if cmd == router.CommandStop {
		return access.PermStopRun
	}
	return access.PermSendPrompt
}
