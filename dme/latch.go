package dme

import "sync"

// latch is a one-shot completion signal, rearmed at the start of every new
// request_cs attempt. fire is idempotent and edge-triggered: only the
// handler that pushes the reply count over the threshold actually closes
// the channel.
type latch struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// arm resets the latch for a new attempt. Must be called with the node
// mutex held, mirroring the RequestState reset in spec.md §4.3 step 1.
func (l *latch) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch = make(chan struct{})
	l.fired = false
}

// fire trips the latch exactly once. Safe to call multiple times.
func (l *latch) fire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return
	}
	l.fired = true
	close(l.ch)
}

// wait returns the current arming's channel, which is closed when the
// latch fires.
func (l *latch) wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}
