package realtime

import "sync"

// Hub fans store changes out to subscribers. Stores enqueue deliveries while
// holding their own write lock, which fixes delivery order to write order,
// and call Drain after releasing it. Callbacks may write back into the store:
// their deliveries are queued behind the current ones.
type Hub struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	next     uint64
	queue    []delivery
	draining bool
}

// Subscription is one registered listener.
type Subscription struct {
	hub       *Hub
	id        uint64
	path      string
	segs      []string
	fn        func(Snapshot)
	last      string
	delivered bool
	cancelled bool
}

type delivery struct {
	sub   *Subscription
	value any
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Add registers fn for path.
func (h *Hub) Add(path string, fn func(Snapshot)) (*Subscription, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	s := &Subscription{hub: h, id: h.next, path: JoinPath(segs...), segs: segs, fn: fn}
	h.subs[s.id] = s
	return s, nil
}

// Path returns the subscribed path.
func (s *Subscription) Path() string { return s.path }

// Segments returns the subscribed path split into segments.
func (s *Subscription) Segments() []string { return s.segs }

// Cancel stops further deliveries.
func (s *Subscription) Cancel() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	s.cancelled = true
	delete(h.subs, s.id)
}

// Affected returns the subscriptions whose subtree overlaps any of the
// changed paths.
func (h *Hub) Affected(changed [][]string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Subscription
	for _, s := range h.subs {
		for _, c := range changed {
			if Overlaps(s.segs, c) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// All returns every live subscription.
func (h *Hub) All() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Enqueue schedules value for delivery to s. The value must not be shared
// with the store.
func (h *Hub) Enqueue(s *Subscription, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, delivery{sub: s, value: value})
}

// Drain delivers queued values. If another goroutine is already draining it
// returns immediately and that goroutine delivers the queue. Values equal to
// the last one a subscriber saw are skipped.
func (h *Hub) Drain() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.queue) > 0 {
		d := h.queue[0]
		h.queue = h.queue[1:]
		s := d.sub
		if s.cancelled {
			continue
		}
		key := canonical(d.value)
		if s.delivered && s.last == key {
			continue
		}
		s.delivered = true
		s.last = key
		h.mu.Unlock()
		s.fn(Snapshot{Path: s.path, Value: d.value})
		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}
