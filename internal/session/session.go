package session

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// Summary is the externally visible snapshot of a session.
type Summary struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	WorkDir        string    `json:"workDir"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExitCode       *int      `json:"exitCode,omitempty"`
}

// ExitStatus describes how the process behind a terminal ended.
// Signal is empty unless the process was killed by a signal.
type ExitStatus struct {
	Code   int    `json:"exitCode"`
	Signal string `json:"signal,omitempty"`
}

// entry holds the mutable state of one supervised process. All fields
// below id are guarded by Registry.mu.
type entry struct {
	id        string
	provider  string
	workDir   string
	prompt    string
	command   string
	createdAt time.Time

	term         Terminal
	status       Status
	output       *OutputBuffer
	lastActivity time.Time
	exit         *ExitStatus
	terminatedAt time.Time
	startTimer   *time.Timer
}

func (e *entry) summary() Summary {
	s := Summary{
		ID:             e.id,
		Provider:       e.provider,
		WorkDir:        e.workDir,
		Status:         e.status,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivity,
	}
	if e.exit != nil {
		code := e.exit.Code
		s.ExitCode = &code
	}
	return s
}

// touch advances lastActivity, never moving it backwards.
func (e *entry) touch(now time.Time) {
	if now.After(e.lastActivity) {
		e.lastActivity = now
	}
}

// expired reports whether a terminated entry has outlived its grace period.
func (e *entry) expired(now time.Time, grace time.Duration) bool {
	return e.status == StatusTerminated && now.Sub(e.terminatedAt) >= grace
}
