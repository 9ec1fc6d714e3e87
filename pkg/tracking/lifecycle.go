package tracking

import "sync"

// LifecycleNotifier fans out app foreground transitions to registered
// listeners. The platform glue calls NotifyForegrounded; the session
// registers on Start and unregisters on teardown.
type LifecycleNotifier struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

// NewLifecycleNotifier creates an empty notifier.
func NewLifecycleNotifier() *LifecycleNotifier {
	return &LifecycleNotifier{listeners: make(map[int]func())}
}

// Register adds a foreground listener and returns its unregister
// function. Unregistering twice is a no-op.
func (n *LifecycleNotifier) Register(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// NotifyForegrounded invokes every registered listener. Listeners run
// outside the notifier lock so they may unregister themselves.
func (n *LifecycleNotifier) NotifyForegrounded() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
