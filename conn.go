//go:build linux || darwin

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/fzft/go-event-loop/internal/ring"
	"github.com/fzft/go-event-loop/poller"
)

// State is a connection lifecycle state. Inbound connections enter the
// registry already Connected; outbound ones pass through Connecting until
// the nonblocking connect completes.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is a nonblocking socket owned by the loop's registry from insertion
// until removal. All methods must be called on the loop thread.
type Conn struct {
	fd         int
	remoteAddr string
	state      State
	loop       *Loop
	in         *ring.Buffer
	out        *ring.Buffer
	handler    Handler
	onConnect  func(*Conn) // outbound connect completion, nil for inbound
	lastActive time.Time

	// readParked: the read buffer is full and the handler declined to
	// consume; delivery resumes when Discard frees space. retryQueued
	// guards against queueing the fd for retry twice in one iteration.
	readParked  bool
	retryQueued bool
}

func newConn(fd int, remoteAddr string, l *Loop) *Conn {
	return &Conn{
		fd:         fd,
		remoteAddr: remoteAddr,
		state:      StateDisconnected,
		loop:       l,
		in:         ring.New(l.opts.readBufSize),
		out:        ring.New(l.opts.writeBufSize),
		handler:    l.opts.defaultHandler,
		lastActive: time.Now(),
	}
}

func (c *Conn) Fd() int            { return c.fd }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }
func (c *Conn) State() State       { return c.state }

// SetHandler installs the per-connection event handler. Typically called
// from an AddListener onAccept callback.
func (c *Conn) SetHandler(h Handler) {
	if h != nil {
		c.handler = h
	}
}

// Buffered reports how many received bytes await consumption.
func (c *Conn) Buffered() int { return c.in.Len() }

// Peek returns up to n received bytes without consuming them.
func (c *Conn) Peek(n int) []byte { return c.in.Peek(n) }

// Discard consumes n received bytes. Freeing space on a connection that was
// parked with a full read buffer resumes delivery on the next iteration.
func (c *Conn) Discard(n int) int {
	n = c.in.Discard(n)
	if n > 0 && c.readParked {
		c.readParked = false
		c.loop.queueRetry(c)
	}
	return n
}

// Write queues data for delivery. It attempts a direct write first and
// buffers only the unsent remainder, arming write interest so the loop
// flushes it when the socket unblocks. Bytes that do not fit the bounded
// write buffer are rejected with ErrWriteBufferFull and nothing is queued
// beyond what the direct write already sent.
func (c *Conn) Write(data []byte) error {
	if c.state != StateConnected {
		return ErrConnClosed
	}
	if len(data) == 0 {
		return nil
	}
	c.lastActive = time.Now()

	// A non-empty out buffer means write interest is already armed; keep
	// ordering by appending behind the pending bytes.
	if c.out.Len() > 0 {
		if _, err := c.out.Write(data); err != nil {
			return ErrWriteBufferFull
		}
		return nil
	}

	n, err := unix.Write(c.fd, data)
	if n < 0 {
		n = 0
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return err
	}
	if n == len(data) {
		return nil
	}
	if _, werr := c.out.Write(data[n:]); werr != nil {
		return ErrWriteBufferFull
	}
	return c.loop.poll.Modify(c.fd, poller.Read|poller.Write)
}

// Close transitions the connection to Closing and schedules its removal at
// the end of the current loop iteration. The fd is closed exactly once; a
// second Close is a programming error.
func (c *Conn) Close() error {
	if c.state == StateClosed || c.state == StateClosing {
		return ErrConnClosed
	}
	c.state = StateClosing
	c.loop.scheduleRemove(c.fd)
	return nil
}

// flush drains the out buffer to the socket. It reports whether everything
// pending was written; on full drain write interest is dropped.
func (c *Conn) flush() (bool, error) {
	for c.out.Len() > 0 {
		chunk := c.out.Peek(c.out.Len())
		n, err := unix.Write(c.fd, chunk)
		if n > 0 {
			c.out.Discard(n)
			c.lastActive = time.Now()
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false, nil
			}
			return false, err
		}
	}
	return true, c.loop.poll.Modify(c.fd, poller.Read)
}

// closeFD releases the underlying handle. Guarded so a connection handle is
// never closed twice.
func (c *Conn) closeFD() error {
	if c.state == StateClosed {
		return ErrConnClosed
	}
	c.state = StateClosed
	return unix.Close(c.fd)
}
