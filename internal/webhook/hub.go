package webhook

import "sync"

// Hub fans lifecycle notifications out to in-process waiters keyed by run id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns a channel that receives a value whenever runID is
// published. Notifications coalesce; a slow reader sees at most one pending.
func (h *Hub) Subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[runID], ch)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
		})
	}
}

// Publish wakes every subscriber of runID and returns how many there were.
func (h *Hub) Publish(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[runID]
	for ch := range set {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(set)
}
