//go:build linux || darwin

package eventloop

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-event-loop/log"
)

// listener is a bound, listening socket registered with the loop for read
// readiness. Accepted connections are inserted into the registry already
// Connected and handed to onAccept.
type listener struct {
	fd       int
	addr     string
	onAccept func(*Conn)
}

// acceptAll drains every pending inbound connection. The backend is
// edge-triggered and signals only once per readiness edge, so stopping
// before EAGAIN would strand connections in the backlog.
func (l *Loop) acceptAll(ln *listener) {
	for {
		connFd, sa, err := unix.Accept(ln.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.ECONNABORTED || err == unix.EINTR {
				// Peer gave up, or a signal landed mid-accept; keep draining.
				continue
			}
			log.Logger.Error("accept failed", zap.String("addr", ln.addr), zap.Error(err))
			return
		}
		if err := unix.SetNonblock(connFd, true); err != nil {
			log.Logger.Error("set nonblock failed", zap.Int("fd", connFd), zap.Error(err))
			unix.Close(connFd)
			continue
		}
		c := newConn(connFd, sockaddrString(sa), l)
		c.state = StateConnected
		if err := l.reg.insert(c); err != nil {
			log.Logger.Error("register accepted conn failed", zap.Int("fd", connFd), zap.Error(err))
			unix.Close(connFd)
			continue
		}
		log.Logger.Debug("accepted connection",
			zap.Int("fd", connFd), zap.String("remote", c.remoteAddr))
		if ln.onAccept != nil {
			ln.onAccept(c)
		}
	}
}
