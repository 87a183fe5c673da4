package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxBufferSize   = 10 * 1024 * 1024 // 10 MiB
	defaultIdleTimeout     = 5 * time.Minute
	defaultCleanupInterval = 30 * time.Second
	defaultGracePeriod     = 5 * time.Second
	defaultStartupDelay    = 500 * time.Millisecond
	defaultCols            = 120
	defaultRows            = 30
)

// commandTerminator submits the initial command line to the shell.
const commandTerminator = "\r"

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	Spawner  Spawner
	Notifier Notifier
	Logger   *zap.Logger

	// Shell overrides the platform default shell.
	Shell string
	// MaxSessions caps the number of non-terminated sessions; 0 disables the cap.
	MaxSessions     int
	MaxBufferSize   int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	GracePeriod     time.Duration
	StartupDelay    time.Duration
	Cols            uint16
	Rows            uint16

	// Now is the clock used for activity and expiry bookkeeping.
	Now func() time.Time
}

// Registry owns every supervised session. All reads and writes of session
// state go through its mutex, whether they come from callers, terminal
// output, or the cleanup monitor.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	spawner Spawner
	events  *dispatcher
	monitor *Monitor
	log     *zap.Logger
	now     func() time.Time

	shell         string
	maxSessions   int
	maxBufferSize int
	idleTimeout   time.Duration
	gracePeriod   time.Duration
	startupDelay  time.Duration
	cols, rows    uint16
}

// NewRegistry creates a registry. The idle cleanup monitor is not started;
// call StartMonitor once the application is ready.
func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session")

	r := &Registry{
		sessions:      make(map[string]*entry),
		spawner:       opts.Spawner,
		log:           log,
		now:           opts.Now,
		shell:         opts.Shell,
		maxSessions:   opts.MaxSessions,
		maxBufferSize: opts.MaxBufferSize,
		idleTimeout:   opts.IdleTimeout,
		gracePeriod:   opts.GracePeriod,
		startupDelay:  opts.StartupDelay,
		cols:          opts.Cols,
		rows:          opts.Rows,
	}
	if r.spawner == nil {
		r.spawner = NewPTYSpawner(log)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.maxBufferSize <= 0 {
		r.maxBufferSize = defaultMaxBufferSize
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = defaultIdleTimeout
	}
	if r.gracePeriod <= 0 {
		r.gracePeriod = defaultGracePeriod
	}
	if r.startupDelay <= 0 {
		r.startupDelay = defaultStartupDelay
	}
	if r.cols == 0 {
		r.cols = defaultCols
	}
	if r.rows == 0 {
		r.rows = defaultRows
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	r.events = newDispatcher(notifier, log, maxPendingOutput)

	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	r.monitor = newMonitor(r, interval, log)

	return r
}

// Create spawns a shell for a new session and schedules the provider's
// command to be typed into it once the shell has had time to start.
func (r *Registry) Create(id, provider, workDir, prompt string) (Summary, error) {
	if id == "" {
		return Summary{}, errors.New("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Summary{}, ErrRegistryClosed
	}

	now := r.now()
	if _, ok := r.lookupLocked(id, now); ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	command, err := BuildCommand(provider, prompt)
	if err != nil {
		return Summary{}, err
	}

	if r.maxSessions > 0 && r.activeLocked() >= r.maxSessions {
		return Summary{}, fmt.Errorf("%w (%d)", ErrSessionLimit, r.maxSessions)
	}

	term, err := r.spawner.Spawn(SpawnOptions{
		Shell: r.shell,
		Dir:   workDir,
		Env:   []string{"AGENT_CONSOLE_SESSION=" + id},
		Cols:  r.cols,
		Rows:  r.rows,
	})
	if err != nil {
		r.log.Warn("spawn failed",
			zap.String("session_id", id),
			zap.String("work_dir", workDir),
			zap.Error(err))
		return Summary{}, fmt.Errorf("spawn terminal: %w", err)
	}

	e := &entry{
		id:           id,
		provider:     provider,
		workDir:      workDir,
		prompt:       prompt,
		command:      command,
		createdAt:    now,
		term:         term,
		output:       NewOutputBuffer(r.maxBufferSize),
		lastActivity: now,
	}
	r.sessions[id] = e
	r.setStatusLocked(e, StatusStarting)

	go r.pump(e, term)
	e.startTimer = time.AfterFunc(r.startupDelay, func() {
		r.sendCommand(e)
	})

	r.log.Info("session created",
		zap.String("session_id", id),
		zap.String("provider", provider),
		zap.String("work_dir", workDir))

	return e.summary(), nil
}

// sendCommand types the provider command into the shell if the session is
// still the registered one and has not moved on from Starting.
func (r *Registry) sendCommand(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[e.id] != e || e.status != StatusStarting {
		return
	}

	e.touch(r.now())
	r.setStatusLocked(e, StatusRunning)
	if err := e.term.Write([]byte(e.command + commandTerminator)); err != nil {
		r.log.Warn("send command failed", zap.String("session_id", e.id), zap.Error(err))
	}
}

// pump forwards terminal events into the registry until the terminal is
// finished. Output must be drained even after termination so the terminal's
// reader never stalls.
func (r *Registry) pump(e *entry, term Terminal) {
	for chunk := range term.Output() {
		r.handleOutput(e, chunk)
	}
	if st, ok := <-term.Exited(); ok {
		r.handleExit(e, st)
	}
}

func (r *Registry) handleOutput(e *entry, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.status == StatusTerminated {
		return
	}

	if evicted := e.output.Append(chunk); evicted > 0 {
		r.log.Debug("output buffer trimmed",
			zap.String("session_id", e.id),
			zap.Int("evicted", evicted))
	}
	r.events.enqueue(event{kind: eventOutput, id: e.id, data: chunk})
	e.touch(r.now())
}

func (r *Registry) handleExit(e *entry, st ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.status == StatusTerminated {
		return
	}

	e.exit = &st
	if e.startTimer != nil {
		e.startTimer.Stop()
	}
	if e.status == StatusStarting || e.status == StatusRunning {
		r.setStatusLocked(e, StatusCompleted)
	}
	r.events.enqueue(event{kind: eventExit, id: e.id, exit: st})

	r.log.Info("session process exited",
		zap.String("session_id", e.id),
		zap.Int("exit_code", st.Code),
		zap.String("signal", st.Signal))
}

// Write forwards input to the session's terminal. Writing to a Completed or
// Idle session puts it back to Running.
func (r *Registry) Write(id string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.status == StatusTerminated {
		return fmt.Errorf("%w: %s", ErrSessionTerminated, id)
	}

	e.touch(r.now())
	if e.status == StatusIdle || e.status == StatusCompleted {
		r.setStatusLocked(e, StatusRunning)
	}
	if err := e.term.Write(data); err != nil {
		r.log.Warn("terminal write failed", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

// Resize changes the terminal dimensions. Resizing a terminated session is
// a no-op.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.status == StatusTerminated {
		return nil
	}

	if err := e.term.Resize(cols, rows); err != nil {
		r.log.Warn("terminal resize failed",
			zap.String("session_id", id),
			zap.Uint16("cols", cols),
			zap.Uint16("rows", rows),
			zap.Error(err))
	}
	return nil
}

// RecordActivity marks the session as observed without driving it. An Idle
// session goes back to Completed. Unknown ids are ignored.
func (r *Registry) RecordActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	if !ok || e.status == StatusTerminated {
		return
	}

	e.touch(r.now())
	if e.status == StatusIdle {
		r.setStatusLocked(e, StatusCompleted)
	}
}

// Terminate kills the session's process. The session stays visible as
// Terminated for the grace period. The buffered output is returned only
// when keepOutput is set; ok is false if the session is unknown.
func (r *Registry) Terminate(id string, keepOutput bool) (output string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, found := r.lookupLocked(id, now)
	if !found {
		return "", false
	}
	if e.status != StatusTerminated {
		r.terminateLocked(e, now, "requested")
	}
	if !keepOutput {
		return "", false
	}
	return e.output.String(), true
}

func (r *Registry) terminateLocked(e *entry, now time.Time, reason string) {
	if e.startTimer != nil {
		e.startTimer.Stop()
	}
	if err := e.term.Kill(); err != nil {
		r.log.Warn("terminal kill failed", zap.String("session_id", e.id), zap.Error(err))
	}
	e.term = nil
	e.terminatedAt = now
	r.setStatusLocked(e, StatusTerminated)

	r.log.Info("session terminated",
		zap.String("session_id", e.id),
		zap.String("reason", reason))
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	if !ok {
		return Summary{}, false
	}
	return e.summary(), true
}

// List returns snapshots of all registered sessions, oldest first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := make([]Summary, 0, len(r.sessions))
	for id := range r.sessions {
		if e, ok := r.lookupLocked(id, now); ok {
			result = append(result, e.summary())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// IsActive reports whether id is registered and not terminated.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	return ok && e.status != StatusTerminated
}

// ActiveCount returns the number of registered, non-terminated sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Output returns a copy of the session's buffered output.
func (r *Registry) Output(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	if !ok {
		return "", false
	}
	return e.output.String(), true
}

// WorkDir returns the working directory a session was started in.
func (r *Registry) WorkDir(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id, r.now())
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.workDir, nil
}

// StartMonitor starts the idle cleanup monitor. It is a no-op if the
// monitor is already running.
func (r *Registry) StartMonitor() {
	r.monitor.Start()
}

// StopMonitor stops the idle cleanup monitor. Registered sessions are left
// untouched.
func (r *Registry) StopMonitor() {
	r.monitor.Stop()
}

// Shutdown stops the monitor, terminates every session without keeping its
// output, and flushes pending notifications.
func (r *Registry) Shutdown() {
	r.monitor.Stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	now := r.now()
	for _, e := range r.sessions {
		if e.status != StatusTerminated {
			r.terminateLocked(e, now, "shutdown")
		}
	}
	r.mu.Unlock()

	r.events.close()
}

// sweep applies idle transitions and drops expired entries. It works from a
// snapshot of ids and re-checks each entry under the lock.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.reap(id, now)
	}
}

func (r *Registry) reap(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return
	}

	switch e.status {
	case StatusTerminated:
		if e.expired(now, r.gracePeriod) {
			delete(r.sessions, id)
			r.log.Debug("session removed", zap.String("session_id", id))
		}
	case StatusCompleted, StatusIdle:
		idle := now.Sub(e.lastActivity)
		if idle >= r.idleTimeout {
			r.terminateLocked(e, now, "idle timeout")
			return
		}
		// The first tick after completion always marks the session Idle.
		if e.status == StatusCompleted {
			r.setStatusLocked(e, StatusIdle)
		}
	}
}

// lookupLocked returns the registered entry for id, dropping it instead if
// its grace period has run out.
func (r *Registry) lookupLocked(id string, now time.Time) (*entry, bool) {
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if e.expired(now, r.gracePeriod) {
		delete(r.sessions, id)
		return nil, false
	}
	return e, true
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.sessions {
		if e.status != StatusTerminated {
			n++
		}
	}
	return n
}

func (r *Registry) setStatusLocked(e *entry, status Status) {
	if e.status == status {
		return
	}
	e.status = status
	r.events.enqueue(event{kind: eventStatus, id: e.id, status: status})
}
