package ratelimit

import "sync"

// fifoMutex is a mutual-exclusion lock with strict FIFO handoff. sync.Mutex
// does not guarantee arrival-order wakeups, and the bucket contract requires
// that concurrent consumers drain tokens in the order they arrived.
type fifoMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

func (m *fifoMutex) Lock() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	<-ch
}

func (m *fifoMutex) Unlock() {
	m.mu.Lock()
	if len(m.waiters) > 0 {
		// Hand the lock to the oldest waiter without releasing it.
		ch := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		close(ch)
		return
	}
	m.locked = false
	m.mu.Unlock()
}
