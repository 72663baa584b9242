// Package httpapi implements the control HTTP surface (spec.md §6):
// shared-token authenticated POST endpoints for server lifecycle, usage,
// and file management, plus the console WebSocket mount.
//
// Grounded on the teacher's warden/api.go APIServer (mux construction,
// http.Server with explicit timeouts, ListenAndServe/Shutdown shape),
// generalized from the teacher's ad-hoc path-splitting
// (handleQueueAction) to a real router.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"hightide/internal/agenterr"
	"hightide/internal/console"
	"hightide/internal/registry"
	"hightide/internal/remoteapi"
)

// Server is the control HTTP surface.
type Server struct {
	registry *registry.Registry
	remote   *remoteapi.Client
	console  *console.Hub
	token    string
	logger   *log.Logger

	httpServer *http.Server
}

// New constructs a Server bound to addr, per spec.md §6's route table.
func New(addr, token string, reg *registry.Registry, remote *remoteapi.Client, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[httpapi] ", log.LstdFlags|log.Lmsgprefix)
	}

	s := &Server{
		registry: reg,
		remote:   remote,
		console:  console.New(reg, remote, logger),
		token:    token,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/status", s.handleStatusCheck).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/delete", s.handleDelete).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/status", s.handleServerStatus).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/usage", s.handleUsage).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/action", s.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/filemanager/{op}", s.handleFileManager).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/servers/console", s.console.ServeHTTP).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("HTTP API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// baseRequest is embedded by every POST body to carry the shared token
// (spec.md §6 "All requests authenticated by body.token == config.token").
type baseRequest struct {
	Token    string `json:"token"`
	ServerID string `json:"serverId"`
	UserUUID string `json:"userUuid"`
}

func (s *Server) decodeAndAuth(w http.ResponseWriter, r *http.Request, dst interface{ base() *baseRequest }) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.decode", err))
		return false
	}
	b := dst.base()
	if b.Token == "" {
		writeError(w, agenterr.New(agenterr.KindAuthMissing, "httpapi.auth", fmt.Errorf("token is required")))
		return false
	}
	if b.Token != s.token {
		writeError(w, agenterr.New(agenterr.KindAuthRejected, "httpapi.auth", fmt.Errorf("token mismatch")))
		return false
	}
	return true
}

func (s *Server) requireServerAndUser(w http.ResponseWriter, b *baseRequest) bool {
	if b.ServerID == "" || b.UserUUID == "" {
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.auth", fmt.Errorf("serverId and userUuid are required")))
		return false
	}
	return true
}

func (s *Server) requirePermission(w http.ResponseWriter, b *baseRequest) bool {
	if !s.requireServerAndUser(w, b) {
		return false
	}
	if !s.remote.HasPermission(b.UserUUID, b.ServerID) {
		writeError(w, agenterr.New(agenterr.KindAuthRejected, "httpapi.auth", fmt.Errorf("permission denied")))
		return false
	}
	return true
}

func (s *Server) requireAdmin(w http.ResponseWriter, b *baseRequest) bool {
	if b.UserUUID == "" {
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.auth", fmt.Errorf("userUuid is required")))
		return false
	}
	if !s.remote.IsAdmin(b.UserUUID) {
		writeError(w, agenterr.New(agenterr.KindAuthRejected, "httpapi.auth", fmt.Errorf("admin permission required")))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := agenterr.As(err)
	status := http.StatusInternalServerError
	if ok {
		status = agenterr.HTTPStatus(kind)
	}
	writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
}

type statusCheckRequest struct {
	baseRequest
}

func (r *statusCheckRequest) base() *baseRequest { return &r.baseRequest }

// handleStatusCheck is a liveness probe: token-valid requests always
// succeed regardless of serverId/userUuid.
func (s *Server) handleStatusCheck(w http.ResponseWriter, r *http.Request) {
	var body statusCheckRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
