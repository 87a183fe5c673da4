package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateStartsThenRuns(t *testing.T) {
	env := newTestEnv(t)

	sum, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)
	assert.Equal(t, "s1", sum.ID)
	assert.Equal(t, "gemini", sum.Provider)
	assert.Equal(t, StatusStarting, sum.Status)
	assert.Nil(t, sum.ExitCode)
	assert.Equal(t, env.clock.Now(), sum.CreatedAt)

	env.waitStatus(t, "s1", StatusRunning)

	term := env.spawner.last()
	assert.Equal(t, []string{`gemini -p "hello"` + "\r"}, term.written())
	assert.Equal(t, "/tmp/proj", env.spawner.opts[0].Dir)
	assert.Contains(t, env.spawner.opts[0].Env, "AGENT_CONSOLE_SESSION=s1")
}

func TestRegistry_CreateEscapesPrompt(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reg.Create("s1", "claude", "/tmp/proj", "say \"hi\" to $USER")
	require.NoError(t, err)
	env.waitStatus(t, "s1", StatusRunning)

	written := env.spawner.last().written()
	require.Len(t, written, 1)
	assert.Equal(t, `claude -p "say \"hi\" to \$USER"`+"\r", written[0])
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)

	_, err = env.reg.Create("s1", "claude", "/tmp/other", "again")
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Len(t, env.spawner.terminals, 1)
}

func TestRegistry_CreateDuplicateDuringGracePeriod(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)
	env.reg.Terminate("s1", false)

	env.clock.Advance(testGracePeriod - time.Millisecond)
	_, err = env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	assert.ErrorIs(t, err, ErrDuplicateSession)

	env.clock.Advance(time.Millisecond)
	sum, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, sum.Status)
}

func TestRegistry_CreateUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reg.Create("s1", "cursor", "/tmp/proj", "hello")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Empty(t, env.spawner.terminals)

	_, ok := env.reg.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_CreateSpawnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.spawner.err = errBoom

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	assert.ErrorIs(t, err, errBoom)

	_, ok := env.reg.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_CreateRequiresID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Create("", "gemini", "/tmp/proj", "hello")
	assert.Error(t, err)
}

func TestRegistry_SessionLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxSessions = 1 })

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)

	_, err = env.reg.Create("s2", "gemini", "/tmp/proj", "hello")
	assert.ErrorIs(t, err, ErrSessionLimit)

	env.reg.Terminate("s1", false)
	_, err = env.reg.Create("s2", "gemini", "/tmp/proj", "hello")
	assert.NoError(t, err)
}

func TestRegistry_StartupCommandSkippedAfterTerminate(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.StartupDelay = 50 * time.Millisecond })

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)
	term := env.spawner.last()
	env.reg.Terminate("s1", false)

	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, term.written())
	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
}

func TestRegistry_StartupCommandSkippedForReplacedSession(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.StartupDelay = 50 * time.Millisecond })

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "first")
	require.NoError(t, err)
	first := env.spawner.last()
	env.reg.Terminate("s1", false)
	env.clock.Advance(testGracePeriod)

	_, err = env.reg.Create("s1", "gemini", "/tmp/proj", "second")
	require.NoError(t, err)
	second := env.spawner.last()

	env.waitStatus(t, "s1", StatusRunning)
	assert.Empty(t, first.written())
	assert.Equal(t, []string{`gemini -p "second"` + "\r"}, second.written())
}

func TestRegistry_ExitWhileStarting(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.StartupDelay = 50 * time.Millisecond })

	_, err := env.reg.Create("s1", "gemini", "/tmp/proj", "hello")
	require.NoError(t, err)
	term := env.spawner.last()
	term.finish(ExitStatus{Code: 127})

	env.waitStatus(t, "s1", StatusCompleted)
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, term.written())
	sum, _ := env.reg.Get("s1")
	require.NotNil(t, sum.ExitCode)
	assert.Equal(t, 127, *sum.ExitCode)
}

func TestRegistry_OutputIsBufferedAndNotified(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")

	env.clock.Advance(time.Second)
	term.emit("abc")
	term.emit("def")

	require.Eventually(t, func() bool {
		out, _ := env.reg.Output("s1")
		return out == "abcdef"
	}, time.Second, 5*time.Millisecond)

	sum, _ := env.reg.Get("s1")
	assert.Equal(t, env.clock.Now(), sum.LastActivityAt)

	require.Eventually(t, func() bool {
		events := env.notifier.snapshot()
		return len(events) >= 4 && events[len(events)-1] == "output:s1:def"
	}, time.Second, 5*time.Millisecond)
	events := env.notifier.snapshot()
	assert.Equal(t, "output:s1:abc", events[len(events)-2])
}

func TestRegistry_OutputBufferBound(t *testing.T) {
	const limit = 64
	env := newTestEnv(t, func(o *Options) { o.MaxBufferSize = limit })
	term := env.createRunning(t, "s1")

	var last string
	for i := 0; i < 50; i++ {
		last = strings.Repeat(string(rune('a'+i%26)), 1+i%9)
		term.emit(last)
	}
	term.emit("THE-END")

	require.Eventually(t, func() bool {
		out, _ := env.reg.Output("s1")
		return strings.HasSuffix(out, "THE-END")
	}, time.Second, 5*time.Millisecond)

	out, ok := env.reg.Output("s1")
	require.True(t, ok)
	assert.LessOrEqual(t, len(out), limit)
}

func TestRegistry_ExitCompletesSession(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")

	term.finish(ExitStatus{Code: 0})
	env.waitStatus(t, "s1", StatusCompleted)

	sum, _ := env.reg.Get("s1")
	require.NotNil(t, sum.ExitCode)
	assert.Equal(t, 0, *sum.ExitCode)
	assert.True(t, env.reg.IsActive("s1"))

	require.Eventually(t, func() bool {
		events := env.notifier.snapshot()
		return len(events) > 0 && events[len(events)-1] == "exit:s1:0"
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_IdleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createCompleted(t, "s1")
	start := env.clock.Now()

	// First tick after completion marks it idle even with no elapsed time.
	env.reg.sweep(start)
	assert.Equal(t, StatusIdle, env.status(t, "s1"))

	env.reg.sweep(start.Add(testIdleTimeout - time.Second))
	assert.Equal(t, StatusIdle, env.status(t, "s1"))

	env.clock.Advance(testIdleTimeout)
	env.reg.sweep(env.clock.Now())
	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
	assert.False(t, env.reg.IsActive("s1"))

	env.clock.Advance(testGracePeriod)
	env.reg.sweep(env.clock.Now())
	assert.Empty(t, env.reg.List())
	_, ok := env.reg.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_CompletedPastTimeoutTerminatesDirectly(t *testing.T) {
	env := newTestEnv(t)
	term := env.createCompleted(t, "s1")

	env.clock.Advance(testIdleTimeout)
	env.reg.sweep(env.clock.Now())

	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
	assert.True(t, term.wasKilled())
}

func TestRegistry_IdleTimeoutMeasuredFromLastActivity(t *testing.T) {
	env := newTestEnv(t)
	env.createCompleted(t, "s1")

	env.reg.sweep(env.clock.Now())
	require.Equal(t, StatusIdle, env.status(t, "s1"))

	env.clock.Advance(4 * time.Minute)
	env.reg.RecordActivity("s1")
	require.Equal(t, StatusCompleted, env.status(t, "s1"))

	env.clock.Advance(2 * time.Minute)
	env.reg.sweep(env.clock.Now())
	assert.Equal(t, StatusIdle, env.status(t, "s1"))

	env.clock.Advance(3 * time.Minute)
	env.reg.sweep(env.clock.Now())
	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
}

func TestRegistry_RunningSessionsAreNotReaped(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "s1")

	env.clock.Advance(time.Hour)
	env.reg.sweep(env.clock.Now())

	assert.Equal(t, StatusRunning, env.status(t, "s1"))
}

func TestRegistry_WriteReengagesIdleSession(t *testing.T) {
	env := newTestEnv(t)
	term := env.createCompleted(t, "s1")
	env.reg.sweep(env.clock.Now())
	require.Equal(t, StatusIdle, env.status(t, "s1"))

	require.NoError(t, env.reg.Write("s1", []byte("continue\r")))

	assert.Equal(t, StatusRunning, env.status(t, "s1"))
	assert.Contains(t, term.written(), "continue\r")
}

func TestRegistry_WriteReengagesCompletedSession(t *testing.T) {
	env := newTestEnv(t)
	env.createCompleted(t, "s1")

	require.NoError(t, env.reg.Write("s1", []byte("x")))
	assert.Equal(t, StatusRunning, env.status(t, "s1"))
}

func TestRegistry_RecordActivityOnIdleSession(t *testing.T) {
	env := newTestEnv(t)
	env.createCompleted(t, "s1")
	env.reg.sweep(env.clock.Now())
	require.Equal(t, StatusIdle, env.status(t, "s1"))

	env.clock.Advance(time.Minute)
	env.reg.RecordActivity("s1")

	assert.Equal(t, StatusCompleted, env.status(t, "s1"))
	sum, _ := env.reg.Get("s1")
	assert.Equal(t, env.clock.Now(), sum.LastActivityAt)
}

func TestRegistry_RecordActivityLeavesRunningAlone(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "s1")

	env.reg.RecordActivity("s1")
	assert.Equal(t, StatusRunning, env.status(t, "s1"))
}

func TestRegistry_RecordActivityUnknownIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.reg.RecordActivity("missing")
	assert.Empty(t, env.reg.List())
}

func TestRegistry_WriteErrors(t *testing.T) {
	env := newTestEnv(t)

	err := env.reg.Write("missing", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	env.createRunning(t, "s1")
	env.reg.Terminate("s1", false)

	err = env.reg.Write("s1", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestRegistry_WriteFailureIsNotPropagated(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")
	term.mu.Lock()
	term.writeErr = errBoom
	term.mu.Unlock()

	assert.NoError(t, env.reg.Write("s1", []byte("x")))
	assert.Equal(t, StatusRunning, env.status(t, "s1"))
}

func TestRegistry_Resize(t *testing.T) {
	env := newTestEnv(t)

	err := env.reg.Resize("missing", 100, 40)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	term := env.createRunning(t, "s1")
	require.NoError(t, env.reg.Resize("s1", 100, 40))
	term.mu.Lock()
	assert.Equal(t, [][2]uint16{{100, 40}}, term.sizes)
	term.mu.Unlock()

	env.reg.Terminate("s1", false)
	assert.NoError(t, env.reg.Resize("s1", 80, 24))
}

func TestRegistry_TerminateKeepOutput(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")
	term.emit("abc")
	require.Eventually(t, func() bool {
		out, _ := env.reg.Output("s1")
		return out == "abc"
	}, time.Second, 5*time.Millisecond)

	out, ok := env.reg.Terminate("s1", true)
	require.True(t, ok)
	assert.Equal(t, "abc", out)
	assert.True(t, term.wasKilled())

	assert.Equal(t, StatusTerminated, env.status(t, "s1"))

	env.clock.Advance(testGracePeriod)
	_, ok = env.reg.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_TerminateWithoutOutput(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "s1")

	out, ok := env.reg.Terminate("s1", false)
	assert.False(t, ok)
	assert.Empty(t, out)
	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
}

func TestRegistry_TerminateUnknown(t *testing.T) {
	env := newTestEnv(t)
	out, ok := env.reg.Terminate("missing", true)
	assert.False(t, ok)
	assert.Empty(t, out)
}

func TestRegistry_TerminateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "s1")

	env.reg.Terminate("s1", false)
	env.reg.Terminate("s1", false)

	require.Eventually(t, func() bool {
		events := env.notifier.snapshot()
		return len(events) > 0 && events[len(events)-1] == "status:s1:terminated"
	}, time.Second, 5*time.Millisecond)

	count := 0
	for _, ev := range env.notifier.snapshot() {
		if ev == "status:s1:terminated" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRegistry_TerminateSurvivesKillFailure(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")
	term.mu.Lock()
	term.killErr = errBoom
	term.mu.Unlock()

	env.reg.Terminate("s1", false)

	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
	assert.False(t, env.reg.IsActive("s1"))
}

func TestRegistry_TerminatedIsAbsorbing(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "s1")

	env.reg.mu.Lock()
	e := env.reg.sessions["s1"]
	env.reg.mu.Unlock()

	env.reg.Terminate("s1", false)
	env.reg.handleOutput(e, []byte("late"))
	env.reg.handleExit(e, ExitStatus{Code: 1})
	env.reg.RecordActivity("s1")
	env.reg.sweep(env.clock.Now())

	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
	out, _ := env.reg.Output("s1")
	assert.Empty(t, out)

	// Allow any queued events to flush, then check nothing followed termination.
	time.Sleep(20 * time.Millisecond)
	events := env.notifier.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "status:s1:terminated", events[len(events)-1])
}

func TestRegistry_StatusNotificationOrder(t *testing.T) {
	env := newTestEnv(t)
	env.createCompleted(t, "s1")
	env.reg.sweep(env.clock.Now())
	env.reg.Terminate("s1", false)

	want := []string{
		"status:s1:starting",
		"status:s1:running",
		"status:s1:completed",
		"status:s1:idle",
		"status:s1:terminated",
	}
	require.Eventually(t, func() bool {
		var statuses []string
		for _, ev := range env.notifier.snapshot() {
			if strings.HasPrefix(ev, "status:") {
				statuses = append(statuses, ev)
			}
		}
		return assert.ObjectsAreEqual(want, statuses)
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_LastActivityNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")
	before, _ := env.reg.Get("s1")

	env.clock.Advance(-time.Minute)
	require.NoError(t, env.reg.Write("s1", []byte("x")))
	term.emit("y")
	env.reg.RecordActivity("s1")

	require.Eventually(t, func() bool {
		out, _ := env.reg.Output("s1")
		return out == "y"
	}, time.Second, 5*time.Millisecond)

	after, _ := env.reg.Get("s1")
	assert.False(t, after.LastActivityAt.Before(before.LastActivityAt))
}

func TestRegistry_ListAndIsActive(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reg.Create("a", "gemini", "/tmp/a", "one")
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.reg.Create("b", "claude", "/tmp/b", "two")
	require.NoError(t, err)

	list := env.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	env.reg.Terminate("a", false)
	assert.False(t, env.reg.IsActive("a"))
	assert.True(t, env.reg.IsActive("b"))
	assert.False(t, env.reg.IsActive("missing"))
	assert.Equal(t, 1, env.reg.ActiveCount())
	assert.Len(t, env.reg.List(), 2)

	dir, err := env.reg.WorkDir("b")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b", dir)
	_, err = env.reg.WorkDir("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_OutputUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, ok := env.reg.Output("missing")
	assert.False(t, ok)
}

func TestRegistry_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.createRunning(t, "s1")
	t2 := env.createCompleted(t, "s2")
	env.reg.StartMonitor()

	env.reg.Shutdown()

	assert.True(t, t1.wasKilled())
	assert.True(t, t2.wasKilled())
	assert.Equal(t, StatusTerminated, env.status(t, "s1"))
	assert.Equal(t, StatusTerminated, env.status(t, "s2"))
	assert.False(t, env.reg.monitor.Running())

	_, err := env.reg.Create("s3", "gemini", "/tmp/proj", "hello")
	assert.ErrorIs(t, err, ErrRegistryClosed)

	// A second shutdown is harmless.
	env.reg.Shutdown()
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	env := newTestEnv(t)
	term := env.createRunning(t, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = env.reg.Write("s1", []byte("x"))
				env.reg.RecordActivity("s1")
				env.reg.sweep(env.clock.Now())
				env.reg.List()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			term.emit("o")
		}
	}()
	wg.Wait()

	assert.Equal(t, StatusRunning, env.status(t, "s1"))
}
