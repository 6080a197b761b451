//go:build linux || darwin

package eventloop

import (
	"go.uber.org/atomic"

	"github.com/fzft/go-event-loop/poller"
)

// connRegistry is the single point of truth for the handle→connection
// mapping. It owns every live Conn from insert until remove. Only the loop
// thread mutates it; the count is atomic so other goroutines may observe it.
type connRegistry struct {
	conns map[int]*Conn
	poll  poller.Poller
	count atomic.Int64
}

func newConnRegistry(p poller.Poller) *connRegistry {
	return &connRegistry{conns: make(map[int]*Conn), poll: p}
}

// insert registers the fd with the multiplexer for read readiness and
// stores the connection. The poller's own bookkeeping rejects duplicate
// handles, so a stale entry can never be overwritten silently.
func (r *connRegistry) insert(c *Conn) error {
	if _, ok := r.conns[c.fd]; ok {
		return poller.ErrDuplicateHandle
	}
	if err := r.poll.Register(c.fd, poller.Read); err != nil {
		return err
	}
	r.conns[c.fd] = c
	r.count.Inc()
	return nil
}

// remove unregisters the fd and returns ownership of the connection to the
// caller, which is responsible for closing the handle exactly once.
func (r *connRegistry) remove(fd int) (*Conn, bool) {
	c, ok := r.conns[fd]
	if !ok {
		return nil, false
	}
	delete(r.conns, fd)
	r.count.Dec()
	// Unregister can only fail if the subscription is already gone, in
	// which case there is nothing left to release.
	_ = r.poll.Unregister(fd)
	return c, true
}

// lookup borrows the connection for the duration of one dispatch. The
// reference must not be retained across loop iterations.
func (r *connRegistry) lookup(fd int) (*Conn, bool) {
	c, ok := r.conns[fd]
	return c, ok
}

func (r *connRegistry) len() int { return len(r.conns) }

// each visits every live connection. Used by the idle sweep.
func (r *connRegistry) each(f func(*Conn)) {
	for _, c := range r.conns {
		f(c)
	}
}
