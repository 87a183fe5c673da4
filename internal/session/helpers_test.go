package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testStartupDelay = 10 * time.Millisecond
	testIdleTimeout  = 5 * time.Minute
	testGracePeriod  = 5 * time.Second
)

type fakeTerminal struct {
	mu       sync.Mutex
	writes   []string
	sizes    [][2]uint16
	killed   bool
	killErr  error
	writeErr error

	output   chan []byte
	exited   chan ExitStatus
	finished sync.Once
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		output: make(chan []byte),
		exited: make(chan ExitStatus, 1),
	}
}

func (t *fakeTerminal) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, string(data))
	return t.writeErr
}

func (t *fakeTerminal) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes = append(t.sizes, [2]uint16{cols, rows})
	return nil
}

func (t *fakeTerminal) Kill() error {
	t.mu.Lock()
	t.killed = true
	err := t.killErr
	t.mu.Unlock()

	go t.finish(ExitStatus{Code: -1, Signal: "killed"})
	return err
}

func (t *fakeTerminal) Output() <-chan []byte { return t.output }
func (t *fakeTerminal) Exited() <-chan ExitStatus { return t.exited }

// emit blocks until the registry has received the chunk.
func (t *fakeTerminal) emit(s string) {
	t.output <- []byte(s)
}

func (t *fakeTerminal) finish(st ExitStatus) {
	t.finished.Do(func() {
		close(t.output)
		t.exited <- st
		close(t.exited)
	})
}

func (t *fakeTerminal) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

func (t *fakeTerminal) wasKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

type fakeSpawner struct {
	mu        sync.Mutex
	opts      []SpawnOptions
	terminals []*fakeTerminal
	err       error
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	t := newFakeTerminal()
	s.opts = append(s.opts, opts)
	s.terminals = append(s.terminals, t)
	return t, nil
}

func (s *fakeSpawner) last() *fakeTerminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminals[len(s.terminals)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) SessionOutput(id string, data []byte) {
	n.record(fmt.Sprintf("output:%s:%s", id, data))
}

func (n *recordingNotifier) SessionStatus(id string, status Status) {
	n.record(fmt.Sprintf("status:%s:%s", id, status))
}

func (n *recordingNotifier) SessionExit(id string, exit ExitStatus) {
	n.record(fmt.Sprintf("exit:%s:%d", id, exit.Code))
}

func (n *recordingNotifier) record(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, s)
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type testEnv struct {
	reg      *Registry
	spawner  *fakeSpawner
	clock    *fakeClock
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, tweak ...func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		spawner:  &fakeSpawner{},
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
	}
	opts := Options{
		Spawner:      env.spawner,
		Notifier:     env.notifier,
		IdleTimeout:  testIdleTimeout,
		GracePeriod:  testGracePeriod,
		StartupDelay: testStartupDelay,
		Now:          env.clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	env.reg = NewRegistry(opts)
	t.Cleanup(env.reg.Shutdown)
	return env
}

func (env *testEnv) status(t *testing.T, id string) Status {
	t.Helper()
	s, ok := env.reg.Get(id)
	require.True(t, ok, "session %s not registered", id)
	return s.Status
}

func (env *testEnv) waitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := env.reg.Get(id)
		return ok && s.Status == want
	}, time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

// createRunning creates a session and waits for the startup command.
func (env *testEnv) createRunning(t *testing.T, id string) *fakeTerminal {
	t.Helper()
	_, err := env.reg.Create(id, "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)
	env.waitStatus(t, id, StatusRunning)
	return env.spawner.last()
}

// createCompleted creates a session whose process has already exited.
func (env *testEnv) createCompleted(t *testing.T, id string) *fakeTerminal {
	t.Helper()
	term := env.createRunning(t, id)
	term.finish(ExitStatus{Code: 0})
	env.waitStatus(t, id, StatusCompleted)
	return term
}

var errBoom = errors.New("boom")
