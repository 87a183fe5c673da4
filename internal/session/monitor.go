package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor periodically sweeps a Registry: completed sessions become idle,
// sessions idle for too long are terminated, and terminated sessions are
// removed once their grace period has passed.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newMonitor(reg *Registry, interval time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		reg:      reg,
		interval: interval,
		log:      log.Named("monitor"),
	}
}

// Start launches the sweep loop. Calling Start on a running monitor does
// nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)

	m.log.Info("idle monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	m.log.Info("idle monitor stopped")
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("idle sweep panicked", zap.Any("panic", r))
		}
	}()
	m.reg.sweep(m.reg.now())
}
