// Package stub is a minimal agent hub. It serves the SSE session endpoint
// and answers wait_notify calls. Notifications are posted to /notify.
package stub

import (
	"encoding/json"
	"fmt"
	"github.com/agenthub/waitprobe/internal/config"
	"github.com/agenthub/waitprobe/internal/jsonrpc"
	"github.com/agenthub/waitprobe/internal/mcp"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"
	"net/http"
	"sync"
	"time"
)

type Server struct {
	mode     string
	sessions sync.Map // session id -> time opened
	notifier *Notifier
	logger   zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Server)

// WithTokenMode selects how /sse announces the session: config.TokenModeLine
// writes the bare id, config.TokenModeEndpoint sends an SSE endpoint event.
func WithTokenMode(mode string) Option {
	return func(s *Server) { s.mode = mode }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		mode:     config.TokenModeLine,
		notifier: NewNotifier(),
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notifier exposes the wait registry.
func (s *Server) Notifier() *Notifier { return s.notifier }

// Router returns the hub's routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/sse", s.SSE).Methods(http.MethodGet)
	router.HandleFunc("/message", s.HandleMessage).Methods(http.MethodPost)
	router.HandleFunc("/notify", s.HandleNotify).Methods(http.MethodPost)
	return router
}

// Close releases every open stream and pending wait. Call it before
// http.Server.Shutdown, which does not interrupt long-lived handlers.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// SessionCount returns the number of open SSE sessions.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) SSE(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()

	// Registered before the id is written so a fast client cannot race it.
	s.sessions.Store(sessionID, time.Now())
	defer s.sessions.Delete(sessionID)

	switch s.mode {
	case config.TokenModeEndpoint:
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData("/message?sessionId=" + sessionID)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error().Err(err).Msg("failed to write endpoint event")
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error().Err(err).Msg("failed to flush endpoint event")
			return
		}

	default:
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s\n", sessionID)
		flusher.Flush()
	}

	s.logger.Info().Str("session_id", sessionID).Msg("session opened")

	select {
	case <-r.Context().Done():
	case <-s.done:
	}

	s.logger.Info().Str("session_id", sessionID).Msg("session closed")
}

func (s *Server) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "Missing sessionId parameter", http.StatusBadRequest)
		return
	}

	if _, ok := s.sessions.Load(sessionID); !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var req jsonrpc.IncomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error"))
		return
	}

	if req.JSONRPC != jsonrpc.Version {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\""))
		return
	}

	if req.Method != mcp.MethodToolsCall {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found: "+req.Method))
		return
	}

	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params"))
		return
	}
	if params.Name != mcp.ToolWaitNotify {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Unknown tool: "+params.Name))
		return
	}

	args, err := mcp.ParseWaitNotifyArgs(params.Arguments)
	if err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewResult(req.ID, mcp.ErrorResult(err.Error())))
		return
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("agent_id", args.AgentID).
		Int("timeout_sec", args.TimeoutSec).
		Msg("wait_notify")

	result, err := mcp.TextResult(s.wait(r, args))
	if err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, jsonrpc.NewResult(req.ID, result))
}

type waitOutcome struct {
	HasNew  bool   `json:"has_new"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) wait(r *http.Request, args mcp.WaitNotifyArgs) waitOutcome {
	ch := s.notifier.Register(args.AgentID)
	defer s.notifier.Unregister(args.AgentID, ch)

	timer := time.NewTimer(time.Duration(args.TimeoutSec) * time.Second)
	defer timer.Stop()

	select {
	case n, ok := <-ch:
		if !ok {
			return waitOutcome{Status: "cancelled", Message: "Wait superseded by another waiter"}
		}
		return waitOutcome{
			HasNew:  true,
			Status:  "new_messages",
			Message: fmt.Sprintf("New message on topic %d: %s", n.TopicID, n.Message),
		}
	case <-timer.C:
		return waitOutcome{
			Status:  "timeout",
			Message: fmt.Sprintf("No new messages within %d seconds", args.TimeoutSec),
		}
	case <-r.Context().Done():
	case <-s.done:
	}
	return waitOutcome{Status: "cancelled", Message: "Wait operation cancelled"}
}

func (s *Server) HandleNotify(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "Error unmarshalling request body", http.StatusBadRequest)
		return
	}
	n.Timestamp = time.Now()

	delivered := 0
	if n.AgentID == "" {
		delivered = s.notifier.NotifyAll(n)
	} else if s.notifier.Notify(n.AgentID, n) {
		delivered = 1
	}

	s.logger.Info().Str("agent_id", n.AgentID).Int("delivered", delivered).Msg("notify")
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
