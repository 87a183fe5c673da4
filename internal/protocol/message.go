package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", m.Type, err)
	}
	return nil
}

// Server → Client message types.
const (
	TypeSessionUpdate = "session.update"
	TypeSessionOutput = "session.output"
	TypeSessionStatus = "session.status"
	TypeSessionExit   = "session.exit"
	TypeSessionBuffer = "session.buffer"
	TypeFilesUpdate   = "files.update"
	TypeFilesTree     = "files.tree"
	TypeAgentConfig   = "agent.config"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate        = "session.create"
	TypeSessionInput         = "session.input"
	TypeSessionResize        = "session.resize"
	TypeSessionKill          = "session.kill"
	TypeSessionActivity      = "session.activity"
	TypeSessionRequestOutput = "session.requestOutput"
	TypeFilesRequestTree     = "files.requestTree"
	TypeAgentRequestConfig   = "agent.requestConfig"
)

// Error codes.
const (
	ErrDuplicateSession  = "DUPLICATE_SESSION"
	ErrUnknownProvider   = "UNKNOWN_PROVIDER"
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrUnavailable       = "UNAVAILABLE"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	WorkDir        string    `json:"workDir"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExitCode       *int      `json:"exitCode,omitempty"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type SessionExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
}

// SessionBufferPayload carries a session's whole buffered output, sent on
// request and when a client connects.
type SessionBufferPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type FilesTreePayload struct {
	SessionID string     `json:"sessionId"`
	Tree      []FileNode `json:"tree"`
}

type AgentConfigPayload struct {
	SessionID string       `json:"sessionId"`
	Provider  string       `json:"provider"`
	Files     []ConfigFile `json:"files"`
}

type ConfigFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

// SessionCreatePayload starts a session. SessionID is generated when empty.
type SessionCreatePayload struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`
	WorkDir   string `json:"workDir"`
	Prompt    string `json:"prompt"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type SessionKillPayload struct {
	SessionID  string `json:"sessionId"`
	KeepOutput bool   `json:"keepOutput"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// FileNode represents a file or directory in the tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
