package session

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ytmd-tools/ytmdctl/internal/models"
)

// delivery is one unit of fan-out work: a snapshot plus the recipients it was
// addressed to when it was published. Recipients are resolved at publish time,
// never at drain time, so a listener that subscribes while the queue is
// backed up cannot receive broadcasts published before its registration.
type delivery struct {
	recipients []Listener
	snapshot   models.Snapshot
}

// dispatcher decouples listener invocation from the websocket read loop. One
// goroutine drains an unbounded FIFO, so publishing never blocks and each
// frame is fully fanned out before the next one is processed. A listener that
// panics is contained and logged without disturbing the others.
type dispatcher struct {
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	stopped bool
	done    chan struct{}
}

func newDispatcher(logger *log.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// broadcast enqueues a snapshot for delivery to the given recipients, which
// the caller captured together with the snapshot mutation.
func (d *dispatcher) broadcast(recipients []Listener, snap models.Snapshot) {
	if len(recipients) == 0 {
		return
	}
	d.enqueue(delivery{recipients: recipients, snapshot: snap})
}

// replay enqueues the cached snapshot for one newly registered listener.
func (d *dispatcher) replay(l Listener, snap models.Snapshot) {
	d.enqueue(delivery{recipients: []Listener{l}, snapshot: snap})
}

func (d *dispatcher) enqueue(item delivery) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, item)
	d.mu.Unlock()
	d.cond.Signal()
}

// stop drains everything already queued, then joins the dispatch goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.cond.Signal()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		for _, l := range item.recipients {
			d.invoke(l, item.snapshot)
		}
	}
}

// invoke calls one listener, containing any panic so the remaining listeners
// and the publishing path are unaffected.
func (d *dispatcher) invoke(l Listener, snap models.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener callback failed", "panic", r)
		}
	}()
	l.OnState(snap)
}
