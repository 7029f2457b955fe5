package events

import "sync"

// Recorder keeps the most recent events of a hub so they can be read back
// by sequence number
type Recorder struct {
	mu       sync.Mutex
	capacity int
	buf      []Event
	stop     func()
}

// NewRecorder starts recording every event emitted on hub, keeping at most
// capacity of them
func NewRecorder(hub *Hub, capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	r := &Recorder{capacity: capacity, buf: make([]Event, 0, capacity)}
	r.stop = hub.SubscribeAll(r.add)
	return r
}

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.capacity {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, ev)
}

// Since returns up to limit events with a sequence above cursor, oldest first
func (r *Recorder) Since(cursor uint64, limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Event{}
	for _, ev := range r.buf {
		if ev.Sequence <= cursor {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Close stops recording
func (r *Recorder) Close() {
	r.stop()
}
