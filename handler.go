//go:build linux || darwin

package eventloop

import (
	"go.uber.org/zap"

	"github.com/fzft/go-event-loop/log"
)

// ReadOutcome is returned by OnReadable to tell the loop whether the
// connection should stay open.
type ReadOutcome int

const (
	Continue ReadOutcome = iota
	CloseConn
)

// WriteOutcome is returned by OnWritable after a flush. WriteDrained leaves
// write interest dropped; WriteContinue re-arms it so the handler receives
// another OnWritable when the socket is next writable.
type WriteOutcome int

const (
	WriteContinue WriteOutcome = iota
	WriteDrained
)

// Handler receives connection events on the loop thread. Implementations
// must not block: a handler that never returns stalls the entire loop.
//
// OnReadable is invoked after bytes have been appended to the connection's
// read buffer; the handler consumes them via Conn.Peek/Discard. OnWritable
// is invoked when a previously blocked write buffer drains. OnError reports
// a connection-level failure; the loop closes the connection afterwards
// regardless of what the handler does.
type Handler interface {
	OnReadable(c *Conn) ReadOutcome
	OnWritable(c *Conn) WriteOutcome
	OnError(c *Conn, kind ErrorKind)
}

// EchoHandler echoes every received byte back to the peer. It is the
// handler connections get when the application never installs one.
type EchoHandler struct{}

func (EchoHandler) OnReadable(c *Conn) ReadOutcome {
	data := c.Peek(c.Buffered())
	c.Discard(len(data))
	if err := c.Write(data); err != nil {
		log.Logger.Warn("echo write failed", zap.Int("fd", c.Fd()), zap.Error(err))
		return CloseConn
	}
	return Continue
}

func (EchoHandler) OnWritable(c *Conn) WriteOutcome {
	return WriteDrained
}

func (EchoHandler) OnError(c *Conn, kind ErrorKind) {
	log.Logger.Debug("connection error", zap.Int("fd", c.Fd()), zap.Stringer("kind", kind))
}
