//go:build linux || darwin

package eventloop

import "time"

const (
	defaultBufSize   = 8 * 1024
	defaultMaxEvents = 1024
)

type options struct {
	readBufSize    int
	writeBufSize   int
	maxEvents      int
	idleTimeout    time.Duration
	defaultHandler Handler
}

func defaultOptions() options {
	return options{
		readBufSize:    defaultBufSize,
		writeBufSize:   defaultBufSize,
		maxEvents:      defaultMaxEvents,
		defaultHandler: EchoHandler{},
	}
}

type Option func(*options)

// WithReadBufferSize bounds each connection's read buffer. Sizes round up
// to the next power of two.
func WithReadBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBufSize = n
		}
	}
}

// WithWriteBufferSize bounds each connection's pending-write buffer.
func WithWriteBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.writeBufSize = n
		}
	}
}

// WithMaxEvents caps how many readiness events a single wait call returns.
func WithMaxEvents(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

// WithIdleTimeout closes connections with no read or write activity for d.
// Zero disables the sweep.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithDefaultHandler sets the handler connections start with before an
// onAccept callback installs its own.
func WithDefaultHandler(h Handler) Option {
	return func(o *options) {
		if h != nil {
			o.defaultHandler = h
		}
	}
}
