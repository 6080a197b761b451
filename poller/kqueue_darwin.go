//go:build darwin

package poller

import (
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	wakeR  int // pipe read end, registered with the kqueue
	wakeW  int // pipe write end, used by Wake
	reg    registry
	events []unix.Kevent_t
	closed atomic.Bool
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	var pipeFds [2]int
	if err := unix.Pipe(pipeFds[:]); err != nil {
		unix.Close(kq)
		return nil, os.NewSyscallError("pipe", err)
	}
	wakeR, wakeW := pipeFds[0], pipeFds[1]
	_ = unix.SetNonblock(wakeR, true)
	_ = unix.SetNonblock(wakeW, true)
	kev := unix.Kevent_t{
		Ident:  uint64(wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(wakeR)
		unix.Close(wakeW)
		unix.Close(kq)
		return nil, os.NewSyscallError("kevent", err)
	}
	return &kqueuePoller{kq: kq, wakeR: wakeR, wakeW: wakeW, reg: newRegistry()}, nil
}

func kqueueChanges(fd int, interest Interest, changes []unix.Kevent_t) []unix.Kevent_t {
	if interest.Readable() {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR,
		})
	}
	if interest.Writable() {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR,
		})
	}
	return changes
}

func (p *kqueuePoller) Register(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.reg.add(fd, interest); err != nil {
		return err
	}
	changes := kqueueChanges(fd, interest, nil)
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		p.reg.forget(fd)
		return os.NewSyscallError("kevent add", err)
	}
	return nil
}

// Modify drops both filters and re-adds the requested ones; kqueue has no
// single modify operation. EV_DELETE of a missing filter is tolerated.
func (p *kqueuePoller) Modify(fd int, interest Interest) error {
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
	drop := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, drop, nil, nil)
	changes := kqueueChanges(fd, interest, nil)
	if len(changes) == 0 {
		return nil
	}
	_, err = unix.Kevent(p.kq, changes, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

func (p *kqueuePoller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.reg.del(fd); err != nil {
		return err
	}
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) Wait(ready []Ready, timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if len(p.events) < len(ready) {
		p.events = make([]unix.Kevent_t, len(ready))
	}
	events := p.events[:len(ready)]

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	var n int
	for {
		var err error
		n, err = unix.Kevent(p.kq, nil, events, ts)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return 0, os.NewSyscallError("kevent wait", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		ev := &events[i]
		fd := int(ev.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		r := Ready{FD: fd}
		switch ev.Filter {
		case unix.EVFILT_READ:
			r.Readable = true
		case unix.EVFILT_WRITE:
			r.Writable = true
		}
		if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
			r.Err = true
		}
		ready[out] = r
		out++
	}
	return out, nil
}

func (p *kqueuePoller) drainWake() {
	var buf [16]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *kqueuePoller) Wake() error {
	if p.closed.Load() {
		return nil
	}
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wakeW, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
