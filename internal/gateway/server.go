package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jujucub/claps/pkg/protocol"
)

// DefaultBindAddr is the loopback-only address the gateway listens on
// (spec §4.2: "binds to 127.0.0.1 on an ephemeral or configured port").
const DefaultBindAddr = "127.0.0.1:0"

// Server hosts the loopback auth-gateway endpoints and an optional
// mounted sub-handler for the HTTP channel adapter's own REST surface
// (spec §6: "a mounted /api/v1/* sub-router, which authenticates with a
// Bearer header reading the same token").
type Server struct {
	gw        *Gateway
	tokenPath string

	mu        sync.RWMutex
	token     string
	mounted   http.Handler

	httpSrv  *http.Server
	listener net.Listener
	mux      *http.ServeMux
}

// NewServer builds a Server bound to addr (use DefaultBindAddr for an
// ephemeral loopback port), backed by gw, persisting its bearer token to
// tokenPath (mode 0600; pass "" to skip persistence, e.g. in tests).
func NewServer(addr string, gw *Gateway, tokenPath string) (*Server, error) {
	if addr == "" {
		addr = DefaultBindAddr
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	if tokenPath != "" {
		if err := writeTokenFile(tokenPath, token); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	s := &Server{
		gw:        gw,
		tokenPath: tokenPath,
		token:     token,
		listener:  ln,
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.httpSrv = &http.Server{Handler: s.mux}
	return s, nil
}

// Addr returns the bound loopback address, e.g. for building
// APPROVAL_SERVER_URL for the agent subprocess's environment.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Token returns the current bearer token, for tests and for components
// in the same process that need to call back into the gateway directly.
func (s *Server) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Mount installs h to serve everything under "/api/v1/", wrapped with
// the same Bearer-token authentication as the rest of the gateway. The
// serve command calls this once with the HTTP channel adapter.
func (s *Server) Mount(h http.Handler) {
	s.mu.Lock()
	s.mounted = h
	s.mu.Unlock()
}

// Serve runs the HTTP server until the listener is closed or ctx is
// canceled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop shuts the server down and deletes the persisted token file (spec
// §4.2, §5: "the gateway deletes its token file on shutdown").
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown error", "error", err)
	}
	return deleteTokenFile(s.tokenPath)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /set-task", s.authed(s.handleSetTask))
	s.mux.HandleFunc("POST /approve", s.authed(s.handleApprove))
	s.mux.HandleFunc("POST /notify-tool", s.authed(s.handleNotifyTool))
	s.mux.HandleFunc("POST /ask", s.authed(s.handleAsk))
	s.mux.HandleFunc("/api/v1/", s.authed(s.handleMounted))
}

// authed wraps h requiring a valid X-Auth-Token or "Bearer <token>"
// Authorization header (spec §4.2: "every endpoint but /health requires
// the gateway's bearer token").
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		candidate := r.Header.Get("X-Auth-Token")
		if candidate == "" {
			auth := r.Header.Get("Authorization")
			candidate = strings.TrimPrefix(auth, "Bearer ")
		}
		s.mu.RLock()
		want := s.token
		s.mu.RUnlock()
		if !constantTimeEqual(want, candidate) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing auth token"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setTaskRequest struct {
	TaskID            string         `json:"taskId"`
	Source            string         `json:"source"`
	RequestedByUserID string         `json:"requestedByUserId"`
	GitHub            map[string]any `json:"github,omitempty"`
	Slack             map[string]any `json:"slack,omitempty"`
	Line              map[string]any `json:"line,omitempty"`
	HTTP              map[string]any `json:"http,omitempty"`
}

func (s *Server) handleSetTask(w http.ResponseWriter, r *http.Request) {
	var req setTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	meta := metadataFromRequest(req)
	s.gw.SetCurrentTaskId(req.TaskID, meta, req.RequestedByUserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

// approveRequest mirrors the agent hook's wire contract (spec §4.2,
// §6): {tool_name, tool_input}.
type approveRequest struct {
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	decision, err := s.gw.Approve(r.Context(), req.RequestID, req.ToolName, req.ToolInput)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	permission := protocol.DecisionDeny
	if decision.Allow {
		permission = protocol.DecisionAllow
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissionDecision": permission,
		"message":            decision.Comment,
	})
}

type notifyToolRequest struct {
	EventType string         `json:"eventType"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

func (s *Server) handleNotifyTool(w http.ResponseWriter, r *http.Request) {
	var req notifyToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.gw.NotifyTool(r.Context(), req.EventType, req.ToolName, req.ToolInput); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type askRequest struct {
	RequestID string   `json:"requestId"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Context   string   `json:"context"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	answer, err := s.gw.Ask(r.Context(), req.RequestID, req.Question, req.Options)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (s *Server) handleMounted(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.mounted
	s.mu.RUnlock()
	if h == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no handler mounted at /api/v1"})
		return
	}
	h.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
