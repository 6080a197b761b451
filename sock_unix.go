//go:build linux || darwin

package eventloop

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tcpSockaddr resolves address into a unix.Sockaddr plus the matching
// socket family. Unspecified hosts (":8080") bind all IPv4 interfaces.
func tcpSockaddr(address string) (unix.Sockaddr, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, err
	}
	if addr.IP != nil && addr.IP.To4() == nil {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], addr.IP.To16())
		sa.Port = addr.Port
		return &sa, unix.AF_INET6, nil
	}
	var sa unix.SockaddrInet4
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	sa.Port = addr.Port
	return &sa, unix.AF_INET, nil
}

// openListener creates a nonblocking listening socket bound to address.
func openListener(address string) (int, error) {
	sa, family, err := tcpSockaddr(address)
	if err != nil {
		return -1, errors.Wrapf(err, "resolve %s", address)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %s", address)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "listen %s", address)
	}
	return fd, nil
}

// dialSocket creates a nonblocking socket and starts a connect to address.
// inProgress reports that the connect has not completed yet and completion
// must be detected through write readiness.
func dialSocket(address string) (fd int, inProgress bool, err error) {
	sa, family, err := tcpSockaddr(address)
	if err != nil {
		return -1, false, errors.Wrapf(err, "resolve %s", address)
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, errors.Wrap(err, "set nonblock")
	}
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, errors.Wrapf(err, "connect %s", address)
	}
}

// localAddr reports the bound address of a socket, resolving kernel-chosen
// ports after a bind to port 0.
func localAddr(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

// sockaddrString renders the peer address of an accepted socket.
func sockaddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
		return (&net.TCPAddr{IP: ip, Port: addr.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}).String()
	}
	return ""
}
