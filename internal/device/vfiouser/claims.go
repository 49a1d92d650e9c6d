package vfiouser

import (
	"context"
	"sync"
)

// claims serializes operations on the same target names. A claim on several
// keys is taken all at once, so overlapping claims cannot deadlock.
type claims struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newClaims() *claims {
	return &claims{held: make(map[string]chan struct{})}
}

// acquire blocks until none of keys is held, then holds all of them. The
// returned func releases them.
func (c *claims) acquire(ctx context.Context, keys ...string) (func(), error) {
	for {
		c.mu.Lock()
		var busy chan struct{}
		for _, k := range keys {
			if ch, ok := c.held[k]; ok {
				busy = ch
				break
			}
		}
		if busy == nil {
			done := make(chan struct{})
			for _, k := range keys {
				c.held[k] = done
			}
			c.mu.Unlock()
			return func() { c.release(keys, done) }, nil
		}
		c.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *claims) release(keys []string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if c.held[k] == done {
			delete(c.held, k)
		}
	}
	close(done)
}
