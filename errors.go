package eventloop

import (
	"errors"
	"strings"
)

var (
	// ErrLoopRunning is returned by Run when the loop is already running.
	ErrLoopRunning = errors.New("eventloop: already running")
	// ErrLoopClosed is returned when the loop has finished running and its
	// resources are released.
	ErrLoopClosed = errors.New("eventloop: closed")
	// ErrConnClosed marks a second Close of the same connection. Closing a
	// handle twice is a programming error, never a silent no-op.
	ErrConnClosed = errors.New("eventloop: connection already closed")
	// ErrWriteBufferFull is returned by Conn.Write when the pending bytes do
	// not fit in the bounded write buffer.
	ErrWriteBufferFull = errors.New("eventloop: write buffer full")
)

// ErrorKind classifies per-connection failures handed to Handler.OnError.
// These are always recovered locally by closing the one connection; they
// never escalate out of Run.
type ErrorKind int

const (
	ErrReset ErrorKind = iota
	ErrHangup
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrReset:
		return "reset"
	case ErrHangup:
		return "hangup"
	case ErrTimeout:
		return "timeout"
	}
	return "unknown"
}

// MultiError aggregates independent failures from teardown paths where
// stopping at the first error would leak the remaining fds.
type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

func (m MultiError) orNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}
