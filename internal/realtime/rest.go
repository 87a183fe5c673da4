package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"agent-console/internal/protocol"
)

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type statusBody struct {
	Status string  `json:"status"`
	Output *string `json:"output,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: protocol.ErrInvalidMessage})
}

func notFound(w http.ResponseWriter, id string) {
	writeJSON(w, http.StatusNotFound, errorBody{
		Error: "session not found: " + id,
		Code:  protocol.ErrSessionNotFound,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	switch {
	case req.Provider == "":
		badRequest(w, "provider is required")
		return
	case req.WorkDir == "":
		badRequest(w, "workDir is required")
		return
	case req.Prompt == "":
		badRequest(w, "prompt is required")
		return
	}

	sum, err := s.createSession(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, ok := s.sessions.Get(id)
	if !ok {
		notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, ok := s.sessions.Output(id)
	if !ok {
		notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SessionBufferPayload{SessionID: id, Data: out})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Data == "" {
		badRequest(w, "data is required")
		return
	}

	if err := s.sessions.Write(id, []byte(req.Data)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "sent"})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		badRequest(w, "cols and rows must be positive")
		return
	}

	if err := s.sessions.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "resized"})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.sessions.RecordActivity(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	keepOutput := false
	if v := r.URL.Query().Get("keepOutput"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "keepOutput must be a boolean")
			return
		}
		keepOutput = b
	}

	out, found := s.terminateSession(id, keepOutput)
	if !found {
		notFound(w, id)
		return
	}

	body := statusBody{Status: "terminated"}
	if keepOutput {
		body.Output = &out
	}
	writeJSON(w, http.StatusOK, body)
}
