// Package poller abstracts the platform readiness-notification facility
// (epoll on Linux, kqueue on Darwin) behind a uniform register/wait surface.
// Backends are selected at compile time through build tags.
//
// All backends are edge-triggered: readiness is reported once per state
// transition, so the consumer must drain a ready fd until it would block.
package poller

import "errors"

// Interest is the set of readiness conditions a registration subscribes to.
// Error and hangup conditions are always reported and cannot be masked.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

func (i Interest) Readable() bool { return i&Read != 0 }
func (i Interest) Writable() bool { return i&Write != 0 }

// Ready describes one readiness event produced by a single Wait call.
type Ready struct {
	FD       int
	Readable bool
	Writable bool
	// Err reports an error or hangup condition on the fd. The owner is
	// expected to tear the fd down; no further events are meaningful.
	Err bool
}

var (
	// ErrDuplicateHandle is returned by Register when the fd already holds
	// a live subscription. The original registration is left untouched.
	ErrDuplicateHandle = errors.New("poller: handle already registered")
	// ErrNotRegistered is returned by Modify and Unregister for an fd with
	// no live subscription.
	ErrNotRegistered = errors.New("poller: handle not registered")
	// ErrClosed is returned once the poller backend has been closed.
	ErrClosed = errors.New("poller: closed")
)

// Poller is the capability interface over the platform backend.
//
// Wait fills ready with at most len(ready) events and returns the count.
// timeoutMs < 0 blocks indefinitely, 0 polls, otherwise bounds the wait in
// milliseconds. Interruption by a signal is retried internally and never
// surfaces to the caller; any other wait failure is fatal for the backend.
//
// Wake interrupts a concurrent Wait from another goroutine. It is the only
// method safe to call off the owning thread.
type Poller interface {
	Register(fd int, interest Interest) error
	Modify(fd int, interest Interest) error
	Unregister(fd int) error
	Wait(ready []Ready, timeoutMs int) (int, error)
	Wake() error
	Close() error
}

// registry tracks live subscriptions so duplicate registrations and
// modifications of unknown fds fail before touching the kernel.
type registry struct {
	set map[int]Interest
}

func newRegistry() registry {
	return registry{set: make(map[int]Interest)}
}

func (r *registry) add(fd int, interest Interest) error {
	if _, ok := r.set[fd]; ok {
		return ErrDuplicateHandle
	}
	r.set[fd] = interest
	return nil
}

// mod records the new interest set and reports whether it differs from the
// current one, letting backends skip no-op kernel calls.
func (r *registry) mod(fd int, interest Interest) (bool, error) {
	cur, ok := r.set[fd]
	if !ok {
		return false, ErrNotRegistered
	}
	if cur == interest {
		return false, nil
	}
	r.set[fd] = interest
	return true, nil
}

func (r *registry) del(fd int) error {
	if _, ok := r.set[fd]; !ok {
		return ErrNotRegistered
	}
	delete(r.set, fd)
	return nil
}

func (r *registry) forget(fd int) {
	delete(r.set, fd)
}
