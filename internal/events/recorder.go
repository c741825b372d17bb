package events

import "sync"

// Recorder keeps every event it receives. It is meant for tests and debugging.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

// Publish implements Sink.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	evs := r.Events()
	kinds := make([]Kind, len(evs))
	for i, e := range evs {
		kinds[i] = e.Kind
	}
	return kinds
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// OfKind returns the payloads of all recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Payload {
	var out []Payload
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e.Payload)
		}
	}
	return out
}
