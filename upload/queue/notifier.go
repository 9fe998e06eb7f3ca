package queue

import "sync"

// notifier delivers callbacks one at a time in posting order. The goroutine
// that finds the notifier idle drains it; callbacks posted meanwhile, including
// from inside a callback, are queued behind it.
type notifier struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
	onIdle   func()
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	n.pending = append(n.pending, fn)
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	n.mu.Unlock()

	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.draining = false
			n.mu.Unlock()
			if n.onIdle != nil {
				n.onIdle()
			}
			return
		}
		next := n.pending[0]
		n.pending = n.pending[1:]
		n.mu.Unlock()

		next()
	}
}

func (n *notifier) busy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.draining
}
