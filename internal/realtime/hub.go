package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"agent-console/internal/monitoring"
	"agent-console/internal/protocol"
	"agent-console/internal/session"
)

// Hub tracks connected websocket clients and fans session events out to
// them. It implements session.Notifier and is handed to the registry
// before the Server exists.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	log     *zap.Logger
	metrics *monitoring.Metrics
}

var _ session.Notifier = (*Hub)(nil)

// NewHub creates an empty hub. metrics may be nil.
func NewHub(log *zap.Logger, metrics *monitoring.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.Named("hub"),
		metrics: metrics,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok && h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
	c.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// broadcast sends a message to all connected clients. Clients whose send
// buffer is full miss the message.
func (h *Hub) broadcast(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			h.log.Debug("client buffer full, dropping message", zap.String("type", msgType))
		}
	}
}

// SessionOutput broadcasts a chunk of terminal output.
func (h *Hub) SessionOutput(id string, data []byte) {
	h.broadcast(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
		SessionID: id,
		Data:      string(data),
	})
}

// SessionStatus broadcasts a status change.
func (h *Hub) SessionStatus(id string, status session.Status) {
	h.broadcast(protocol.TypeSessionStatus, protocol.SessionStatusPayload{
		SessionID: id,
		Status:    string(status),
	})
}

// SessionExit broadcasts process exit details.
func (h *Hub) SessionExit(id string, exit session.ExitStatus) {
	h.broadcast(protocol.TypeSessionExit, protocol.SessionExitPayload{
		SessionID: id,
		ExitCode:  exit.Code,
		Signal:    exit.Signal,
	})
}

// FilesUpdated is the watcher callback.
func (h *Hub) FilesUpdated(sessionID string, fileCount int) {
	h.broadcast(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
}

func encode(msgType string, payload any) ([]byte, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func summaryPayload(s session.Summary) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:             s.ID,
		Provider:       s.Provider,
		WorkDir:        s.WorkDir,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExitCode:       s.ExitCode,
	}
}
