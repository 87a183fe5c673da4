package realtime

import (
	"errors"
	"net/http"

	"agent-console/internal/protocol"
	"agent-console/internal/session"
)

var errorMappings = []struct {
	err    error
	code   string
	status int
}{
	{session.ErrDuplicateSession, protocol.ErrDuplicateSession, http.StatusConflict},
	{session.ErrUnknownProvider, protocol.ErrUnknownProvider, http.StatusBadRequest},
	{session.ErrSessionNotFound, protocol.ErrSessionNotFound, http.StatusNotFound},
	{session.ErrSessionTerminated, protocol.ErrSessionTerminated, http.StatusGone},
	{session.ErrSessionLimit, protocol.ErrMaxSessions, http.StatusTooManyRequests},
	{session.ErrRegistryClosed, protocol.ErrUnavailable, http.StatusServiceUnavailable},
}

// classify maps a registry error onto a protocol error code and HTTP
// status. Anything unrecognized is treated as a spawn failure.
func classify(err error) (code string, status int) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.code, m.status
		}
	}
	return protocol.ErrSpawnFailed, http.StatusInternalServerError
}
