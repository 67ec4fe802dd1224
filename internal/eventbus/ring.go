package eventbus

// ring is a fixed-capacity event buffer: appends drop the oldest entry on
// overflow. Callers synchronize access.
type ring struct {
	buf   []*Event
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]*Event, capacity)}
}

func (r *ring) push(e *Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the buffered events oldest-first.
func (r *ring) snapshot() []*Event {
	out := make([]*Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// since returns buffered events with Seq greater than the given cursor,
// oldest-first.
func (r *ring) since(seq uint64) []*Event {
	out := make([]*Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

func (r *ring) len() int { return r.count }
