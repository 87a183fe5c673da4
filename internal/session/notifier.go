package session

import (
	"sync"

	"go.uber.org/zap"
)

// Notifier receives session events. Calls for one session arrive in the
// order the events happened; a Notifier may call back into the Registry.
// Calls are made from a single goroutine, so a slow Notifier delays every
// other one and output events queued behind it may be dropped.
type Notifier interface {
	SessionOutput(id string, data []byte)
	SessionStatus(id string, status Status)
	SessionExit(id string, exit ExitStatus)
}

type multiNotifier []Notifier

// Notifiers returns a Notifier that forwards every event to each of ns.
func Notifiers(ns ...Notifier) Notifier {
	flat := make(multiNotifier, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			flat = append(flat, n)
		}
	}
	return flat
}

func (m multiNotifier) SessionOutput(id string, data []byte) {
	for _, n := range m {
		n.SessionOutput(id, data)
	}
}

func (m multiNotifier) SessionStatus(id string, status Status) {
	for _, n := range m {
		n.SessionStatus(id, status)
	}
}

func (m multiNotifier) SessionExit(id string, exit ExitStatus) {
	for _, n := range m {
		n.SessionExit(id, exit)
	}
}

type eventKind int

const (
	eventOutput eventKind = iota
	eventStatus
	eventExit
)

type event struct {
	kind   eventKind
	id     string
	data   []byte
	status Status
	exit   ExitStatus
}

// maxPendingOutput bounds the output events waiting for a slow Notifier.
const maxPendingOutput = 4096

// dispatcher delivers events to a Notifier from a single goroutine, in the
// order they were queued. Queuing never blocks. Once maxOutput output events
// are waiting, further output is dropped; status and exit events are always
// kept.
type dispatcher struct {
	log       *zap.Logger
	notifier  Notifier
	maxOutput int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []event
	outputs int
	dropped int
	closed  bool
	done    chan struct{}
}

func newDispatcher(n Notifier, log *zap.Logger, maxOutput int) *dispatcher {
	if maxOutput <= 0 {
		maxOutput = maxPendingOutput
	}
	d := &dispatcher{
		log:       log,
		notifier:  n,
		maxOutput: maxOutput,
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(ev event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if ev.kind == eventOutput {
		if d.outputs >= d.maxOutput {
			d.dropped++
			return
		}
		d.outputs++
	}
	d.pending = append(d.pending, ev)
	d.cond.Signal()
}

// close delivers whatever is queued, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		batch := d.pending
		d.pending = nil
		d.outputs = 0
		dropped := d.dropped
		d.dropped = 0
		closed := d.closed
		d.mu.Unlock()

		if dropped > 0 {
			d.log.Warn("notifier backlog full, dropped output events", zap.Int("dropped", dropped))
		}

		for _, ev := range batch {
			d.deliver(ev)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (d *dispatcher) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notifier panicked",
				zap.String("session_id", ev.id),
				zap.Any("panic", r))
		}
	}()

	switch ev.kind {
	case eventOutput:
		d.notifier.SessionOutput(ev.id, ev.data)
	case eventStatus:
		d.notifier.SessionStatus(ev.id, ev.status)
	case eventExit:
		d.notifier.SessionExit(ev.id, ev.exit)
	}
}

type nopNotifier struct{}

func (nopNotifier) SessionOutput(string, []byte) {}
func (nopNotifier) SessionStatus(string, Status) {}
func (nopNotifier) SessionExit(string, ExitStatus) {}
