package app

import "sync"

// Cleanup collects teardown functions and runs them once, in reverse
// registration order. Both the normal exit path and the signal path
// may call Run; only the first invocation does anything.
type Cleanup struct {
	mu   sync.Mutex
	fns  []func()
	done bool
}

// Add registers fn. Registration after Run is a no-op.
func (c *Cleanup) Add(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.fns = append(c.fns, fn)
}

// Run executes the registered functions LIFO. Idempotent.
func (c *Cleanup) Run() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
