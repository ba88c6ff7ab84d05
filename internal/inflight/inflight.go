// Package inflight counts work that a graceful shutdown waits for: API
// requests and calls outstanding on the extension.
package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter is safe for concurrent use. The zero value is ready.
type Counter struct {
	mu   sync.Mutex
	n    int64
	idle chan struct{} // closed while n == 0
}

// Hold registers one unit of work and returns its release func. Calling
// release more than once has no further effect.
func (c *Counter) Hold() (release func()) {
	c.add(1)
	var once sync.Once
	return func() { once.Do(func() { c.add(-1) }) }
}

func (c *Counter) add(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleLocked()
	was := c.n
	c.n += d
	if c.n < 0 {
		c.n = 0
	}
	switch {
	case was == 0 && c.n > 0:
		c.idle = make(chan struct{})
	case was > 0 && c.n == 0:
		close(c.idle)
	}
}

func (c *Counter) idleLocked() chan struct{} {
	if c.idle == nil {
		c.idle = make(chan struct{})
		if c.n == 0 {
			close(c.idle)
		}
	}
	return c.idle
}

// Load returns the number of held units.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitForZero blocks until nothing is held or ctx is done. It reports
// whether the counter reached zero.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.idleLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware holds the counter for the duration of each request.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer c.Hold()()
			next.ServeHTTP(w, r)
		})
	}
}
