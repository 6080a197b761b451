//go:build linux

package poller

import (
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
)

type epollPoller struct {
	epfd   int
	wakeFd int // eventfd, registered for read so Wake interrupts Wait
	reg    registry
	events []unix.EpollEvent
	closed atomic.Bool
}

func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	return &epollPoller{epfd: epfd, wakeFd: wakeFd, reg: newRegistry()}, nil
}

func epollFlags(interest Interest) uint32 {
	var flags uint32 = unix.EPOLLET
	if interest.Readable() {
		flags |= readEvents
	}
	if interest.Writable() {
		flags |= writeEvents
	}
	return flags
}

func (p *epollPoller) Register(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.reg.add(fd, interest); err != nil {
		return err
	}
	ev := &unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.reg.forget(fd)
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}
	changed, err := p.reg.mod(fd, interest)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	ev := &unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev))
}

func (p *epollPoller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.reg.del(fd); err != nil {
		return err
	}
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (p *epollPoller) Wait(ready []Ready, timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if len(p.events) < len(ready) {
		p.events = make([]unix.EpollEvent, len(ready))
	}
	events := p.events[:len(ready)]
	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, events, timeoutMs)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			// A signal interrupted the wait; retry rather than surface it.
			continue
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		ev := &events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		r := Ready{FD: fd}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r.Err = true
		}
		if ev.Events&readEvents != 0 {
			r.Readable = true
		}
		if ev.Events&writeEvents != 0 {
			r.Writable = true
		}
		ready[out] = r
		out++
	}
	return out, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	if p.closed.Load() {
		return nil
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakeFd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
