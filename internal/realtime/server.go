package realtime

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agent-console/internal/monitoring"
	"agent-console/internal/protocol"
	"agent-console/internal/session"
	"agent-console/internal/watcher"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Sessions is the part of the session registry the server drives.
type Sessions interface {
	Create(id, provider, workDir, prompt string) (session.Summary, error)
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	RecordActivity(id string)
	Terminate(id string, keepOutput bool) (string, bool)
	Get(id string) (session.Summary, bool)
	List() []session.Summary
	Output(id string) (string, bool)
	WorkDir(id string) (string, error)
}

// Options configures a Server. Zero values disable the optional parts.
type Options struct {
	StaticDir string
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// RateLimit and Burst configure the API token bucket; zero disables it.
	RateLimit rate.Limit
	Burst     int
}

// Server routes websocket messages and REST calls to the session registry
// and the workspace watcher. Session events reach clients through the Hub.
type Server struct {
	sessions Sessions
	hub      *Hub
	files    *watcher.Watcher

	staticDir string
	metrics   *monitoring.Metrics
	gatherer  prometheus.Gatherer
	limiter   *rate.Limiter
	log       *zap.Logger
}

// New creates a new realtime server.
func New(sessions Sessions, hub *Hub, files *watcher.Watcher, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		sessions:  sessions,
		hub:       hub,
		files:     files,
		staticDir: opts.StaticDir,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		log:       log.Named("realtime"),
	}
	if opts.RateLimit > 0 && opts.Burst > 0 {
		s.limiter = rate.NewLimiter(opts.RateLimit, opts.Burst)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	api := http.NewServeMux()
	api.HandleFunc("POST /sessions", s.handleCreateSession)
	api.HandleFunc("GET /sessions", s.handleListSessions)
	api.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	api.HandleFunc("GET /sessions/{id}/output", s.handleGetOutput)
	api.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	api.HandleFunc("POST /sessions/{id}/resize", s.handleResize)
	api.HandleFunc("POST /sessions/{id}/activity", s.handleActivity)
	api.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.Handle("/sessions", rateLimit(s.limiter, api))
	mux.Handle("/sessions/", rateLimit(s.limiter, api))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Static file serving.
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	var handler http.Handler = corsMiddleware(mux)
	if s.metrics != nil {
		handler = monitoring.Middleware(s.metrics, handler)
	}
	return handler
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func rateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	s.hub.Close()
}

// handleWebSocket upgrades an HTTP connection to WebSocket and replays the
// current sessions to the new client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := newClient(conn, s)
	s.replay(c)
	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}

// replay sends every registered session's summary and buffered output.
func (s *Server) replay(c *client) {
	for _, sum := range s.sessions.List() {
		c.sendMessage(protocol.TypeSessionUpdate, summaryPayload(sum))
		if out, ok := s.sessions.Output(sum.ID); ok && out != "" {
			c.sendMessage(protocol.TypeSessionBuffer, protocol.SessionBufferPayload{
				SessionID: sum.ID,
				Data:      out,
			})
		}
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), "")
		return
	}
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(msg.Type).Inc()
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreate(c, msg)
	case protocol.TypeSessionInput:
		s.handleWSInput(c, msg)
	case protocol.TypeSessionResize:
		s.handleWSResize(c, msg)
	case protocol.TypeSessionKill:
		s.handleWSKill(c, msg)
	case protocol.TypeSessionActivity:
		var p protocol.SessionIDPayload
		msg.Decode(&p)
		s.sessions.RecordActivity(p.SessionID)
	case protocol.TypeSessionRequestOutput:
		s.handleWSRequestOutput(c, msg)
	case protocol.TypeFilesRequestTree:
		s.handleWSFilesTree(c, msg)
	case protocol.TypeAgentRequestConfig:
		s.handleWSAgentConfig(c, msg)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var p protocol.SessionCreatePayload
	msg.Decode(&p)

	if _, err := s.createSession(p); err != nil {
		code, _ := classify(err)
		s.sendError(c, code, err.Error(), p.SessionID)
	}
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message) {
	var p protocol.SessionInputPayload
	msg.Decode(&p)

	if err := s.sessions.Write(p.SessionID, []byte(p.Data)); err != nil {
		code, _ := classify(err)
		s.sendError(c, code, err.Error(), p.SessionID)
	}
}

func (s *Server) handleWSResize(c *client, msg *protocol.Message) {
	var p protocol.SessionResizePayload
	msg.Decode(&p)

	if err := s.sessions.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
		code, _ := classify(err)
		s.sendError(c, code, err.Error(), p.SessionID)
	}
}

func (s *Server) handleWSKill(c *client, msg *protocol.Message) {
	var p protocol.SessionKillPayload
	msg.Decode(&p)

	out, found := s.terminateSession(p.SessionID, p.KeepOutput)
	if !found {
		s.sendError(c, protocol.ErrSessionNotFound, "session not found: "+p.SessionID, p.SessionID)
		return
	}
	if p.KeepOutput {
		c.sendMessage(protocol.TypeSessionBuffer, protocol.SessionBufferPayload{
			SessionID: p.SessionID,
			Data:      out,
		})
	}
}

func (s *Server) handleWSRequestOutput(c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	msg.Decode(&p)

	out, ok := s.sessions.Output(p.SessionID)
	if !ok {
		s.sendError(c, protocol.ErrSessionNotFound, "session not found: "+p.SessionID, p.SessionID)
		return
	}
	c.sendMessage(protocol.TypeSessionBuffer, protocol.SessionBufferPayload{
		SessionID: p.SessionID,
		Data:      out,
	})
}

func (s *Server) handleWSFilesTree(c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	msg.Decode(&p)

	workDir, err := s.sessions.WorkDir(p.SessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error(), p.SessionID)
		return
	}

	c.sendMessage(protocol.TypeFilesTree, protocol.FilesTreePayload{
		SessionID: p.SessionID,
		Tree:      s.files.BuildFileTree(workDir, watcher.MaxTreeDepth),
	})
}

func (s *Server) handleWSAgentConfig(c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	msg.Decode(&p)

	sum, ok := s.sessions.Get(p.SessionID)
	if !ok {
		s.sendError(c, protocol.ErrSessionNotFound, "session not found: "+p.SessionID, p.SessionID)
		return
	}

	var files []protocol.ConfigFile
	if prov, err := session.LookupProvider(sum.Provider); err == nil {
		files = watcher.ReadAgentConfig(sum.WorkDir, prov.ConfigDir)
	}
	c.sendMessage(protocol.TypeAgentConfig, protocol.AgentConfigPayload{
		SessionID: p.SessionID,
		Provider:  sum.Provider,
		Files:     files,
	})
}

// createSession registers a session, generating an id when none is given,
// starts watching its workspace and announces it to every client.
func (s *Server) createSession(p protocol.SessionCreatePayload) (session.Summary, error) {
	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	sum, err := s.sessions.Create(id, p.Provider, p.WorkDir, p.Prompt)
	if err != nil {
		return session.Summary{}, err
	}

	if err := s.files.Watch(sum.ID, sum.WorkDir); err != nil {
		s.log.Warn("failed to start file watcher", zap.String("session_id", sum.ID), zap.Error(err))
	} else if cur, ok := s.sessions.Get(sum.ID); !ok || cur.Status == session.StatusTerminated {
		s.files.Unwatch(sum.ID)
	}

	s.hub.broadcast(protocol.TypeSessionUpdate, summaryPayload(sum))
	return sum, nil
}

// terminateSession reports found=false only for ids that are not
// registered at all.
func (s *Server) terminateSession(id string, keepOutput bool) (output string, found bool) {
	if _, ok := s.sessions.Get(id); !ok {
		return "", false
	}
	out, _ := s.sessions.Terminate(id, keepOutput)
	return out, true
}

func (s *Server) sendError(c *client, code, message, sessionID string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
