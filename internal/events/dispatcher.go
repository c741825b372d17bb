package events

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// DefaultBuffer is the dispatcher channel size used when none is configured.
const DefaultBuffer = 256

// Dispatcher decouples publishers from sinks. Publish never blocks: events are
// queued on a buffered channel and a single goroutine fans them out. When the
// buffer is full the event is dropped.
type Dispatcher struct {
	ch      chan Event
	done    chan struct{}
	sinks   []Sink
	dropped atomic.Uint64
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	d := &Dispatcher{
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
		sinks: append([]Sink(nil), sinks...),
	}
	go d.run()
	return d
}

// Publish implements Sink.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		n := d.dropped.Add(1)
		log.Debugf("[Events] Buffer full, dropped %s event (%d dropped so far)", e.Kind, n)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events, delivers what is already queued and waits for
// the delivery goroutine to exit.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
	})
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			deliver(s, e)
		}
	}
}

func deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Events] Sink %T panicked handling %s: %v", s, e.Kind, r)
		}
	}()
	s.Publish(e)
}
