package actor

import "time"

// window is the bounded, time-ordered set of recently processed event ids.
// It is owned by one actor goroutine and never locked.
type window struct {
	size  int
	ttl   time.Duration
	order []windowEntry
	seen  map[string]struct{}
}

type windowEntry struct {
	id string
	at time.Time
}

func newWindow(size int, ttl time.Duration) *window {
	if size <= 0 {
		size = 500
	}
	return &window{size: size, ttl: ttl, seen: make(map[string]struct{}, size)}
}

func (w *window) contains(id string, now time.Time) bool {
	w.expire(now)
	_, ok := w.seen[id]
	return ok
}

func (w *window) add(id string, at time.Time) {
	if _, ok := w.seen[id]; ok {
		return
	}
	w.order = append(w.order, windowEntry{id: id, at: at})
	w.seen[id] = struct{}{}
	for len(w.order) > w.size {
		delete(w.seen, w.order[0].id)
		w.order = w.order[1:]
	}
}

func (w *window) expire(now time.Time) {
	if w.ttl <= 0 {
		return
	}
	cutoff := now.Add(-w.ttl)
	n := 0
	for n < len(w.order) && w.order[n].at.Before(cutoff) {
		delete(w.seen, w.order[n].id)
		n++
	}
	if n > 0 {
		w.order = w.order[n:]
	}
}

func (w *window) len() int { return len(w.order) }
