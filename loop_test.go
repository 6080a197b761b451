//go:build linux || darwin

package eventloop

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzft/go-event-loop/internal/ring"
	"github.com/fzft/go-event-loop/poller"
)

type testHandler struct {
	onRead  func(*Conn) ReadOutcome
	onWrite func(*Conn) WriteOutcome
	onErr   func(*Conn, ErrorKind)
}

func (h *testHandler) OnReadable(c *Conn) ReadOutcome {
	if h.onRead != nil {
		return h.onRead(c)
	}
	return Continue
}

func (h *testHandler) OnWritable(c *Conn) WriteOutcome {
	if h.onWrite != nil {
		return h.onWrite(c)
	}
	return WriteDrained
}

func (h *testHandler) OnError(c *Conn, kind ErrorKind) {
	if h.onErr != nil {
		h.onErr(c, kind)
	}
}

func dialLoop(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEchoSmoke(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.AddListener("127.0.0.1:0", nil))
	addr := l.ListenerAddrs()[0]

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	conn := dialLoop(t, addr)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Equal(t, int64(1), l.NumConns(), "connection should survive the echo")

	l.Stop()
	require.NoError(t, <-done)
}

func TestAcceptBurst(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.AddListener("127.0.0.1:0", nil))
	addr := l.ListenerAddrs()[0]

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	const burst = 50
	for i := 0; i < burst; i++ {
		dialLoop(t, addr)
	}

	assert.Eventually(t, func() bool { return l.NumConns() == burst },
		3*time.Second, 10*time.Millisecond,
		"all %d connections should land in the registry, no drops", burst)

	l.Stop()
	require.NoError(t, <-done)
}

// A single burst of N bytes against a read buffer of capacity B reaches the
// handler across ceil(N/B) calls off one readiness edge.
func TestEdgeTriggeredDrainCompleteness(t *testing.T) {
	l, err := New(WithReadBufferSize(4))
	require.NoError(t, err)

	chunks := make(chan []byte, 16)
	h := &testHandler{onRead: func(c *Conn) ReadOutcome {
		data := c.Peek(c.Buffered())
		c.Discard(len(data))
		chunks <- append([]byte(nil), data...)
		return Continue
	}}
	require.NoError(t, l.AddListener("127.0.0.1:0", func(c *Conn) { c.SetHandler(h) }))
	addr := l.ListenerAddrs()[0]

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	conn := dialLoop(t, addr)
	payload := []byte("abcdefgh")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	var got []byte
	calls := 0
	deadline := time.After(2 * time.Second)
	for len(got) < len(payload) {
		select {
		case chunk := <-chunks:
			got = append(got, chunk...)
			calls++
		case <-deadline:
			t.Fatalf("only %d/%d bytes delivered", len(got), len(payload))
		}
	}
	assert.Equal(t, payload, got)
	assert.GreaterOrEqual(t, calls, 2, "8 bytes through a 4-byte buffer takes at least two reads")

	l.Stop()
	require.NoError(t, <-done)
}

// A handler that declines to consume on its first call still sees the rest
// of the burst: a full read buffer is redelivered before the next kernel
// read instead of starving the connection.
func TestFullReadBufferRedeliversToHandler(t *testing.T) {
	l, err := New(WithReadBufferSize(4))
	require.NoError(t, err)

	calls := 0
	var acc []byte
	complete := make(chan []byte, 1)
	h := &testHandler{onRead: func(c *Conn) ReadOutcome {
		calls++
		if calls == 1 {
			// Leave everything buffered.
			return Continue
		}
		data := c.Peek(c.Buffered())
		c.Discard(len(data))
		acc = append(acc, data...)
		if len(acc) == 8 {
			complete <- acc
		}
		return Continue
	}}
	require.NoError(t, l.AddListener("127.0.0.1:0", func(c *Conn) { c.SetHandler(h) }))
	addr := l.ListenerAddrs()[0]

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	conn := dialLoop(t, addr)
	_, err = conn.Write([]byte("abcdefgh"))
	require.NoError(t, err)

	select {
	case got := <-complete:
		assert.Equal(t, []byte("abcdefgh"), got)
	case <-time.After(2 * time.Second):
		t.Fatalf("burst never completed: %d/8 bytes over %d handler calls", len(acc), calls)
	}

	l.Stop()
	require.NoError(t, <-done)
}

// A connection whose handler never consumes inside OnReadable is parked
// rather than busy-polled; consuming through Discard elsewhere (here a
// timer callback) resumes delivery.
func TestParkedReadResumesOnDiscard(t *testing.T) {
	l, err := New(WithReadBufferSize(4))
	require.NoError(t, err)

	var acc []byte
	var parked *Conn
	h := &testHandler{onRead: func(c *Conn) ReadOutcome {
		parked = c
		return Continue
	}}
	require.NoError(t, l.AddListener("127.0.0.1:0", func(c *Conn) { c.SetHandler(h) }))
	addr := l.ListenerAddrs()[0]

	l.AddPeriodicTimer(30*time.Millisecond, 30*time.Millisecond, func() {
		if parked == nil {
			return
		}
		data := parked.Peek(parked.Buffered())
		acc = append(acc, data...)
		parked.Discard(len(data))
		if len(acc) == 8 {
			l.Stop()
		}
	})
	l.AddTimer(2*time.Second, l.Stop)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	conn := dialLoop(t, addr)
	_, err = conn.Write([]byte("abcdefgh"))
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, []byte("abcdefgh"), acc)
}

func TestRetryQueueDeduplicates(t *testing.T) {
	l := &Loop{}
	c := &Conn{fd: 5}
	l.queueRetry(c)
	l.queueRetry(c)
	assert.Equal(t, []int{5}, l.again)
}

func TestWriteContinueRearmsWriteInterest(t *testing.T) {
	fp := newFakePoller()
	l := &Loop{poll: fp, reg: newConnRegistry(fp)}

	outcomes := []WriteOutcome{WriteContinue, WriteDrained}
	h := &testHandler{onWrite: func(c *Conn) WriteOutcome {
		out := outcomes[0]
		outcomes = outcomes[1:]
		return out
	}}
	c := &Conn{fd: 9, state: StateConnected, loop: l,
		in: ring.New(8), out: ring.New(8), handler: h}
	require.NoError(t, l.reg.insert(c))

	l.handleWritable(c)
	assert.Equal(t, poller.Read|poller.Write, fp.registered[9],
		"WriteContinue re-arms write interest")

	l.handleWritable(c)
	assert.Equal(t, poller.Read, fp.registered[9],
		"WriteDrained leaves write interest dropped")
}

func TestListenerErrorUnregisters(t *testing.T) {
	fp := newFakePoller()
	l := &Loop{poll: fp, reg: newConnRegistry(fp), listeners: map[int]*listener{}}

	fd, err := openListener("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, fp.Register(fd, poller.Read))
	l.listeners[fd] = &listener{fd: fd, addr: "127.0.0.1:0"}

	l.dispatch(&poller.Ready{FD: fd, Err: true})

	assert.Empty(t, l.listeners)
	assert.Equal(t, []int{fd}, fp.unregistered)
}

func TestHandlerCloseStopsDispatch(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	reads := 0
	errs := 0
	h := &testHandler{
		onRead: func(c *Conn) ReadOutcome {
			reads++
			c.Discard(c.Buffered())
			return CloseConn
		},
		onErr: func(c *Conn, kind ErrorKind) { errs++ },
	}
	require.NoError(t, l.AddListener("127.0.0.1:0", func(c *Conn) { c.SetHandler(h) }))
	addr := l.ListenerAddrs()[0]

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	conn := dialLoop(t, addr)
	_, err = conn.Write([]byte("bye"))
	require.NoError(t, err)

	// The server closes; the client observes EOF.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return l.NumConns() == 0 },
		2*time.Second, 10*time.Millisecond)

	l.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, 1, reads, "no dispatch after the handler closed the connection")
	assert.Equal(t, 0, errs)
}

func TestTimerOrderingThroughLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var order []int
	l.AddTimer(30*time.Millisecond, func() { order = append(order, 3) })
	l.AddTimer(10*time.Millisecond, func() { order = append(order, 1) })
	l.AddTimer(20*time.Millisecond, func() { order = append(order, 2) })
	l.AddTimer(60*time.Millisecond, l.Stop)

	require.NoError(t, l.Run())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPeriodicTimerCadence(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	count := 0
	l.AddPeriodicTimer(10*time.Millisecond, 20*time.Millisecond, func() { count++ })
	l.AddTimer(205*time.Millisecond, l.Stop)

	require.NoError(t, l.Run())
	// Scheduled at 10, 30, 50, ..., 190ms: ten fires, minus scheduler jitter.
	assert.GreaterOrEqual(t, count, 8)
	assert.LessOrEqual(t, count, 11)
}

func TestCancelTimer(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	fired := false
	id := l.AddTimer(30*time.Millisecond, func() { fired = true })
	l.CancelTimer(id)
	l.AddTimer(80*time.Millisecond, l.Stop)

	require.NoError(t, l.Run())
	assert.False(t, fired)

	// Cancel after the loop finished: weak guarantee, harmless no-op.
	l.CancelTimer(id)
}

func TestStopFromTimerFinishesIteration(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	secondFired := false
	deadline := 10 * time.Millisecond
	l.AddTimer(deadline, l.Stop)
	l.AddTimer(deadline, func() { secondFired = true })

	require.NoError(t, l.Run())
	assert.True(t, secondFired,
		"a timer due in the same batch still fires after Stop is requested")
}

func TestPostRunsOnLoopThread(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("posted task never ran")
	}

	l.Stop()
	require.NoError(t, <-done)
}

func TestOutboundConnect(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.AddListener("127.0.0.1:0", nil)) // echo
	addr := l.ListenerAddrs()[0]

	echoed := make(chan string, 1)
	h := &testHandler{onRead: func(c *Conn) ReadOutcome {
		data := c.Peek(c.Buffered())
		c.Discard(len(data))
		echoed <- string(data)
		return Continue
	}}
	require.NoError(t, l.Connect(addr, func(c *Conn) {
		c.SetHandler(h)
		assert.Equal(t, StateConnected, c.State())
		assert.NoError(t, c.Write([]byte("hello")))
	}))

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case msg := <-echoed:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo on outbound connection")
	}

	l.Stop()
	require.NoError(t, <-done)
}

func TestIdleConnectionsSwept(t *testing.T) {
	l, err := New(WithIdleTimeout(50 * time.Millisecond))
	require.NoError(t, err)

	kinds := make(chan ErrorKind, 1)
	h := &testHandler{onErr: func(c *Conn, kind ErrorKind) { kinds <- kind }}
	require.NoError(t, l.AddListener("127.0.0.1:0", func(c *Conn) { c.SetHandler(h) }))
	addr := l.ListenerAddrs()[0]

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	conn := dialLoop(t, addr)
	assert.Eventually(t, func() bool { return l.NumConns() == 1 },
		time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return l.NumConns() == 0 },
		2*time.Second, 10*time.Millisecond, "idle connection should be closed")

	select {
	case kind := <-kinds:
		assert.Equal(t, ErrTimeout, kind)
	case <-time.After(time.Second):
		t.Fatal("no timeout reported to the handler")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	l.Stop()
	require.NoError(t, <-done)
}

func TestRunTwiceFails(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, l.Run(), ErrLoopRunning)

	l.Stop()
	require.NoError(t, <-done)
}
