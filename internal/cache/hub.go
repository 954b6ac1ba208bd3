package cache

import "sync"

// hub fans hash changes out to subscribers. The mutex guards only the
// subscriber set.
type hub struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan string]struct{})}
}

func (h *hub) subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// publish replaces any undelivered value with v. It never blocks.
func (h *hub) publish(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
