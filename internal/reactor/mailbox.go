package reactor

import (
	"sync"
	"time"
)

// Mailbox hands closures from other goroutines to the reactor thread.
type Mailbox struct {
	r    *Reactor
	id   DispatcherID
	hint time.Duration

	mu     sync.Mutex
	queue  []func()
	closed bool
}

// NewMailbox installs a dispatcher on r that runs posted closures. It must
// be called on the reactor thread.
func NewMailbox(r *Reactor) *Mailbox {
	m := &Mailbox{r: r, hint: r.cfg.DispatcherHint}
	m.id = r.AddDispatcher(m.dispatch)
	return m
}

// Post queues fn for the reactor thread and wakes the poll. It reports false
// once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.r.Wake()
	return true
}

// Call posts fn and waits for it to run. It must not be called from the
// reactor thread.
func (m *Mailbox) Call(fn func()) bool {
	done := make(chan struct{})
	if !m.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Close stops accepting posts, runs what is still queued and removes the
// dispatcher. Reactor thread only.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
	m.r.RemoveDispatcher(m.id)
}

// Pending is the number of queued closures.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox) dispatch() time.Duration {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, fn := range batch {
		fn()
	}

	if m.Pending() > 0 {
		return 0
	}
	return m.hint
}
