// Package gateway exposes health introspection and the management API over
// HTTP. Caller identity and conversation scope arrive out-of-band in the
// X-Caller-ID and X-Conversation-ID headers; every operation is subject to
// the same permission checks as chat-originated commands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sandclaw/sandclaw/internal/runtime"
)

// Server wraps the HTTP listener.
type Server struct {
	rt   *runtime.Runtime
	http *http.Server
}

// New creates a gateway server listening on addr.
func New(addr string, rt *runtime.Runtime) *Server {
	s := &Server{rt: rt}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("GET /api/v1/whoami", s.scoped(s.handleWhoami))
	mux.HandleFunc("GET /api/v1/tasks", s.scoped(s.handleListTasks))
	mux.HandleFunc("POST /api/v1/tasks", s.scoped(s.handleCreateTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/pause", s.scoped(s.handleTaskActive(false)))
	mux.HandleFunc("POST /api/v1/tasks/{id}/resume", s.scoped(s.handleTaskActive(true)))
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.scoped(s.handleDeleteTask))
	mux.HandleFunc("GET /api/v1/config", s.scoped(s.handleListConfig))
	mux.HandleFunc("PUT /api/v1/config", s.scoped(s.handleSetConfig))
	mux.HandleFunc("GET /api/v1/roles", s.scoped(s.handleListRoles))
	mux.HandleFunc("POST /api/v1/roles", s.scoped(s.handleGrantRole))
	mux.HandleFunc("DELETE /api/v1/roles/{caller}", s.scoped(s.handleRevokeRole))
	mux.HandleFunc("GET /api/v1/permissions/{role}", s.scoped(s.handleGetPermissions))
	mux.HandleFunc("PUT /api/v1/permissions/{role}", s.scoped(s.handleSetPermissions))
	mux.HandleFunc("POST /api/v1/stop", s.scoped(s.handleStop))
	mux.HandleFunc("POST /api/v1/compact", s.scoped(s.handleCompact))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until Stop is called.
func (s *Server) Start() error {
	slog.Info("gateway listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// scope is the (caller, conversation) pair every management call runs under.
type scope struct {
	CallerID       string
	ConversationID string
}

func (s *Server) scoped(fn func(http.ResponseWriter, *http.Request, scope)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc := scope{
			CallerID:       r.Header.Get("X-Caller-ID"),
			ConversationID: r.Header.Get("X-Conversation-ID"),
		}
		if sc.CallerID == "" || sc.ConversationID == "" {
			writeError(w, http.StatusBadRequest, "X-Caller-ID and X-Conversation-ID headers are required")
			return
		}
		fn(w, r, sc)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Health())
}

func (s *Server) handleWhoami(w http.ResponseWriter, _ *http.Request, sc scope) {
	info, err := s.rt.Whoami(sc.ConversationID, sc.CallerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request, sc scope) {
	tasks, err := s.rt.ListTasks(sc.ConversationID, sc.CallerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, sc scope) {
	var body struct {
		Cron   string `json:"cron"`
		Prompt string `json:"prompt"`
		Silent bool   `json:"silent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := s.rt.CreateTask(sc.ConversationID, sc.CallerID, body.Cron, body.Prompt, body.Silent)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskActive(active bool) func(http.ResponseWriter, *http.Request, scope) {
	return func(w http.ResponseWriter, r *http.Request, sc scope) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		if err := s.rt.SetTaskActive(sc.ConversationID, sc.CallerID, id, active); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, sc scope) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := s.rt.DeleteTask(sc.ConversationID, sc.CallerID, id); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConfig(w http.ResponseWriter, _ *http.Request, sc scope) {
	entries, err := s.rt.ListConfig(sc.ConversationID, sc.CallerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request, sc scope) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.rt.SetConfig(sc.ConversationID, sc.CallerID, body.Key, body.Value); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRoles(w http.ResponseWriter, _ *http.Request, sc scope) {
	roles, err := s.rt.ListRoles(sc.ConversationID, sc.CallerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request, sc scope) {
	var body struct {
		CallerID string `json:"caller_id"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.rt.GrantRole(sc.ConversationID, sc.CallerID, body.CallerID, body.Role); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request, sc scope) {
	if err := s.rt.RevokeRole(sc.ConversationID, sc.CallerID, r.PathValue("caller")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPermissions(w http.ResponseWriter, r *http.Request, sc scope) {
	perms, err := s.rt.GetRolePermissions(sc.ConversationID, sc.CallerID, r.PathValue("role"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": r.PathValue("role"), "permissions": perms})
}

func (s *Server) handleSetPermissions(w http.ResponseWriter, r *http.Request, sc scope) {
	var body struct {
		Permissions string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.rt.SetRolePermissions(sc.ConversationID, sc.CallerID, r.PathValue("role"), body.Permissions); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request, sc scope) {
	text, err := s.rt.StopRunChecked(sc.ConversationID, sc.CallerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": text})
}

func (s *Server) handleCompact(w http.ResponseWriter, _ *http.Request, sc scope) {
	text, err := s.rt.CompactChecked(sc.ConversationID, sc.CallerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": text})
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runtime.ErrDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, runtime.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway response encode failed", "error", err)
	}
}
