//go:build linux || darwin

// Package eventloop is a single-threaded, priority-based network and timer
// event loop over an edge-triggered readiness multiplexer (epoll/kqueue).
//
// Exactly one goroutine executes Run; readiness dispatch, timer firing and
// acceptance all happen sequentially on that goroutine, so no locking is
// needed around loop state. The only cross-goroutine operations are Stop
// and Post, which hand work to the loop through a thread-safe queue drained
// at the start of each iteration.
package eventloop

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-event-loop/log"
	"github.com/fzft/go-event-loop/poller"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateClosed
)

// Loop owns the multiplexer, timer queue and connection registry.
// Configure it (AddListener, AddTimer, Connect) and then call Run, which
// blocks the calling goroutine until Stop or a fatal multiplexer error.
type Loop struct {
	opts      options
	poll      poller.Poller
	reg       *connRegistry
	timers    *timerQueue
	listeners map[int]*listener
	state     atomic.Int32
	stopReq   atomic.Bool

	ready   []poller.Ready
	scratch []byte

	// again holds fds of parked connections whose handlers freed read
	// buffer space through Discard; they are retried next iteration since
	// the backend will not re-signal a consumed readiness edge.
	again []int
	// dead holds fds queued for end-of-iteration removal. Removing
	// mid-iteration would invalidate dispatch of later events.
	dead []int

	tasksMu sync.Mutex
	tasks   *queue.Queue
}

func New(opts ...Option) (*Loop, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p, err := poller.New()
	if err != nil {
		return nil, errors.Wrap(err, "create poller")
	}
	l := &Loop{
		opts:      o,
		poll:      p,
		timers:    newTimerQueue(),
		listeners: make(map[int]*listener),
		ready:     make([]poller.Ready, o.maxEvents),
		scratch:   make([]byte, o.readBufSize),
		tasks:     queue.New(),
	}
	l.reg = newConnRegistry(p)
	return l, nil
}

// AddListener binds and listens on addr and registers the listening socket
// for read readiness. onAccept runs on the loop thread for every accepted
// connection, typically to install its Handler.
func (l *Loop) AddListener(addr string, onAccept func(*Conn)) error {
	fd, err := openListener(addr)
	if err != nil {
		return err
	}
	if err := l.poll.Register(fd, poller.Read); err != nil {
		unix.Close(fd)
		return err
	}
	bound := localAddr(fd)
	if bound == "" {
		bound = addr
	}
	l.listeners[fd] = &listener{fd: fd, addr: bound, onAccept: onAccept}
	log.Logger.Info("listening", zap.String("addr", bound), zap.Int("fd", fd))
	return nil
}

// ListenerAddrs reports the bound address of every listener, with
// kernel-assigned ports resolved.
func (l *Loop) ListenerAddrs() []string {
	addrs := make([]string, 0, len(l.listeners))
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.addr)
	}
	return addrs
}

// Connect starts a nonblocking outbound connection. A connect that cannot
// complete immediately leaves the connection Connecting until write
// readiness confirms the result; onConnect runs once it is Connected.
func (l *Loop) Connect(addr string, onConnect func(*Conn)) error {
	fd, inProgress, err := dialSocket(addr)
	if err != nil {
		return err
	}
	c := newConn(fd, addr, l)
	c.onConnect = onConnect
	if inProgress {
		c.state = StateConnecting
	} else {
		c.state = StateConnected
	}
	if err := l.reg.insert(c); err != nil {
		unix.Close(fd)
		return err
	}
	if inProgress {
		// Completion is reported through write readiness.
		if err := l.poll.Modify(fd, poller.Read|poller.Write); err != nil {
			l.reg.remove(fd)
			unix.Close(fd)
			return err
		}
		return nil
	}
	if onConnect != nil {
		onConnect(c)
	}
	return nil
}

// AddTimer schedules cb to fire once after delay. A non-positive delay
// fires on the next loop iteration.
func (l *Loop) AddTimer(delay time.Duration, cb func()) TimerID {
	return l.timers.add(time.Now().Add(delay), cb, false, 0)
}

// AddPeriodicTimer schedules cb after delay and every interval thereafter.
// Re-arming is anchored to the scheduled deadline, so the cadence does not
// drift with loop load.
func (l *Loop) AddPeriodicTimer(delay, interval time.Duration, cb func()) TimerID {
	if interval <= 0 {
		return l.AddTimer(delay, cb)
	}
	return l.timers.add(time.Now().Add(delay), cb, true, interval)
}

// CancelTimer removes a pending timer. Best effort: cancelling a timer that
// already fired does nothing.
func (l *Loop) CancelTimer(id TimerID) {
	l.timers.cancel(id)
}

// Post hands fn to the loop thread; it runs at the start of the next
// iteration. Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.tasksMu.Lock()
	l.tasks.Add(fn)
	l.tasksMu.Unlock()
	_ = l.poll.Wake()
}

// Stop requests a cooperative shutdown. The loop finishes the current
// iteration's readiness and timer processing, then Run returns. Safe to
// call from handlers, timer callbacks, or other goroutines.
func (l *Loop) Stop() {
	l.stopReq.Store(true)
	if l.state.Load() == stateRunning {
		_ = l.poll.Wake()
	}
}

// NumConns reports the number of live registered connections. Safe to read
// from any goroutine.
func (l *Loop) NumConns() int64 {
	return l.reg.count.Load()
}

// Run executes the loop on the calling goroutine until Stop is invoked or
// the multiplexer fails fatally. Per-connection I/O errors never escalate
// here; they close the one connection and are reported through OnError.
// Timer callback panics are not recovered and unwind through Run.
func (l *Loop) Run() error {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		if l.state.Load() == stateClosed {
			return ErrLoopClosed
		}
		return ErrLoopRunning
	}
	defer l.state.Store(stateClosed)
	defer l.closeGracefully()

	if l.opts.idleTimeout > 0 {
		interval := l.opts.idleTimeout / 2
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		l.AddPeriodicTimer(interval, interval, l.sweepIdle)
	}

	for {
		l.drainTasks()

		n, err := l.poll.Wait(l.ready, l.waitTimeout())
		if err != nil {
			// Signal interruptions are retried inside Wait; anything that
			// reaches here means the backend itself is gone.
			return errors.Wrap(err, "readiness wait")
		}

		// Connections resumed after a full-buffer park come first: the
		// edge-triggered backend will not re-signal them.
		if len(l.again) > 0 {
			pending := l.again
			l.again = nil
			for _, fd := range pending {
				if c, ok := l.reg.lookup(fd); ok {
					c.retryQueued = false
					if c.state == StateConnected {
						l.handleReadable(c)
					}
				}
			}
		}

		for i := 0; i < n; i++ {
			l.dispatch(&l.ready[i])
		}

		l.timers.popExpired(time.Now())
		l.processRemovals()

		// Cooperative stop: checked once per iteration, never mid-dispatch.
		if l.stopReq.Load() {
			return nil
		}
	}
}

// waitTimeout bounds the multiplexer wait by the nearer of "next timer
// deadline" and "work already pending". No pending timers and no pending
// work means the loop may block until I/O activity.
func (l *Loop) waitTimeout() int {
	if l.stopReq.Load() || len(l.again) > 0 || l.pendingTasks() {
		return 0
	}
	deadline, ok := l.timers.nextDeadline()
	if !ok {
		return -1
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	// Round up so the wait never wakes a hair before the deadline.
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// queueRetry marks a connection for a read retry at the start of the next
// iteration. A fd already queued is not queued twice.
func (l *Loop) queueRetry(c *Conn) {
	if c.retryQueued {
		return
	}
	c.retryQueued = true
	l.again = append(l.again, c.fd)
}

func (l *Loop) pendingTasks() bool {
	l.tasksMu.Lock()
	defer l.tasksMu.Unlock()
	return l.tasks.Length() > 0
}

func (l *Loop) drainTasks() {
	l.tasksMu.Lock()
	var fns []func()
	for l.tasks.Length() > 0 {
		fns = append(fns, l.tasks.Remove().(func()))
	}
	l.tasksMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) dispatch(r *poller.Ready) {
	if ln, ok := l.listeners[r.FD]; ok {
		if r.Err {
			// A failed listener would otherwise sit registered forever.
			log.Logger.Error("listener failed, removing",
				zap.Int("fd", ln.fd), zap.String("addr", ln.addr))
			if err := l.poll.Unregister(ln.fd); err != nil {
				log.Logger.Warn("unregister listener",
					zap.Int("fd", ln.fd), zap.Error(err))
			}
			unix.Close(ln.fd)
			delete(l.listeners, r.FD)
			return
		}
		if r.Readable {
			l.acceptAll(ln)
		}
		return
	}
	c, ok := l.reg.lookup(r.FD)
	if !ok || c.state == StateClosing || c.state == StateClosed {
		// Removed or queued for removal earlier this iteration.
		return
	}
	if c.state == StateConnecting {
		if r.Writable || r.Err {
			l.finishConnect(c, r.Err)
		}
		if c.state != StateConnected {
			return
		}
	}
	if r.Readable {
		l.handleReadable(c)
		if c.state != StateConnected {
			return
		}
	}
	if r.Writable {
		l.handleWritable(c)
		if c.state != StateConnected {
			return
		}
	}
	if r.Err {
		// Hangup with nothing readable left; the read path above already
		// handled the data-bearing case.
		c.handler.OnError(c, ErrHangup)
		l.closeConn(c)
	}
}

// handleReadable drains an edge-triggered fd: keep reading until the socket
// would block, delivering to the handler after every chunk. N arriving
// bytes against a read buffer of capacity B reach the handler across
// ceil(N/B) calls without needing another readiness edge. A full buffer is
// redelivered to the handler before the next kernel read; only a handler
// that then consumes nothing gets the connection parked, and a later
// Discard resumes it.
func (l *Loop) handleReadable(c *Conn) {
	for {
		free := c.in.Free()
		if free == 0 {
			if c.handler.OnReadable(c) == CloseConn {
				l.closeConn(c)
				return
			}
			if c.state != StateConnected {
				return
			}
			if c.in.Free() == 0 {
				// Handler is not consuming. Parking avoids spinning on a
				// connection that cannot make progress; the data stays in
				// the kernel and ring buffers.
				c.readParked = true
				return
			}
			continue
		}
		if free > len(l.scratch) {
			free = len(l.scratch)
		}
		n, err := unix.Read(c.fd, l.scratch[:free])
		if n > 0 {
			c.lastActive = time.Now()
			_, _ = c.in.Write(l.scratch[:n])
			if c.handler.OnReadable(c) == CloseConn {
				l.closeConn(c)
				return
			}
			if c.state != StateConnected {
				return
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.handler.OnError(c, errorKind(err))
			l.closeConn(c)
			return
		}
		if n == 0 {
			// Zero-byte read: peer closed.
			l.closeConn(c)
			return
		}
	}
}

func (l *Loop) handleWritable(c *Conn) {
	drained, err := c.flush()
	if err != nil {
		c.handler.OnError(c, errorKind(err))
		l.closeConn(c)
		return
	}
	if !drained {
		return
	}
	if c.handler.OnWritable(c) == WriteContinue &&
		c.state == StateConnected && c.out.Len() == 0 {
		// Handler wants another writability pass but queued nothing new
		// (a Write inside the callback re-arms on its own).
		if err := l.poll.Modify(c.fd, poller.Read|poller.Write); err != nil {
			c.handler.OnError(c, ErrReset)
			l.closeConn(c)
		}
	}
}

func (l *Loop) finishConnect(c *Conn, errEvent bool) {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if errEvent || err != nil || soErr != 0 {
		log.Logger.Debug("connect failed",
			zap.Int("fd", c.fd), zap.String("remote", c.remoteAddr))
		c.handler.OnError(c, ErrReset)
		l.closeConn(c)
		return
	}
	c.state = StateConnected
	if err := l.poll.Modify(c.fd, poller.Read); err != nil {
		c.handler.OnError(c, ErrReset)
		l.closeConn(c)
		return
	}
	if c.onConnect != nil {
		c.onConnect(c)
	}
}

// closeConn marks the connection Closing and queues it for removal at the
// end of the iteration. Later events for the same fd in this iteration are
// skipped by dispatch.
func (l *Loop) closeConn(c *Conn) {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	c.state = StateClosing
	l.scheduleRemove(c.fd)
}

func (l *Loop) scheduleRemove(fd int) {
	l.dead = append(l.dead, fd)
}

func (l *Loop) processRemovals() {
	for _, fd := range l.dead {
		c, ok := l.reg.remove(fd)
		if !ok {
			continue
		}
		if err := c.closeFD(); err != nil {
			log.Logger.Debug("close fd", zap.Int("fd", fd), zap.Error(err))
		}
	}
	l.dead = l.dead[:0]
}

func (l *Loop) sweepIdle() {
	cutoff := time.Now().Add(-l.opts.idleTimeout)
	l.reg.each(func(c *Conn) {
		if c.state == StateConnected && c.lastActive.Before(cutoff) {
			c.handler.OnError(c, ErrTimeout)
			l.closeConn(c)
		}
	})
}

// closeGracefully releases everything after the loop exits: listeners
// first so no new connections arrive, then connections, then the backend.
func (l *Loop) closeGracefully() {
	var errs MultiError
	for fd := range l.listeners {
		if err := l.poll.Unregister(fd); err != nil {
			errs = append(errs, err)
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
		delete(l.listeners, fd)
	}
	var fds []int
	l.reg.each(func(c *Conn) { fds = append(fds, c.fd) })
	for _, fd := range fds {
		c, ok := l.reg.remove(fd)
		if !ok {
			continue
		}
		if err := c.closeFD(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.poll.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errs.orNil(); err != nil {
		log.Logger.Warn("shutdown cleanup", zap.Error(err))
	}
}

func errorKind(err error) ErrorKind {
	switch err {
	case unix.ECONNRESET, unix.EPIPE:
		return ErrReset
	case unix.ETIMEDOUT:
		return ErrTimeout
	}
	return ErrReset
}
