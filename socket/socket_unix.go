//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

// Package socket is a thin handle over native stream sockets. Every socket it
// creates is non-blocking and close-on-exec.
package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Socket is a native socket descriptor.
type Socket int

// Invalid marks the absence of a socket.
const Invalid Socket = -1

func FromFD(fd int) Socket {
	return Socket(fd)
}

func (s Socket) FD() int {
	return int(s)
}

func (s Socket) Valid() bool {
	return s >= 0
}

func (s Socket) String() string {
	return fmt.Sprintf("sock(%d)", int(s))
}

// IsTemporary reports whether err means the operation would block.
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func prepare(fd int) error {
	unix.CloseOnExec(fd)
	return os.NewSyscallError("setnonblock", unix.SetNonblock(fd, true))
}

// Pair returns two connected stream sockets.
func Pair() (Socket, Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return Invalid, Invalid, os.NewSyscallError("socketpair", err)
	}
	for _, fd := range fds {
		if err := prepare(fd); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return Invalid, Invalid, err
		}
	}
	return Socket(fds[0]), Socket(fds[1]), nil
}

func sockaddr(addr string) (unix.Sockaddr, int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	if tcp.IP == nil || tcp.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa.Addr[:], tcp.IP.To4())
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	return sa, unix.AF_INET6, nil
}

// Listen opens a listening TCP socket bound to addr.
func Listen(addr string, backlog int) (Socket, error) {
	sa, family, err := sockaddr(addr)
	if err != nil {
		return Invalid, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return Invalid, os.NewSyscallError("socket", err)
	}
	if err = prepare(fd); err == nil {
		err = os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	}
	if err == nil {
		err = os.NewSyscallError("bind", unix.Bind(fd, sa))
	}
	if err == nil {
		err = os.NewSyscallError("listen", unix.Listen(fd, backlog))
	}
	if err != nil {
		unix.Close(fd)
		return Invalid, err
	}
	return Socket(fd), nil
}

// Connect starts a non-blocking connect to addr. The connection may still be
// in progress on return: wait for send readiness, then check Err.
func Connect(addr string) (Socket, error) {
	sa, family, err := sockaddr(addr)
	if err != nil {
		return Invalid, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return Invalid, os.NewSyscallError("socket", err)
	}
	if err := prepare(fd); err != nil {
		unix.Close(fd)
		return Invalid, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return Invalid, os.NewSyscallError("connect", err)
	}
	return Socket(fd), nil
}

// Accept returns Invalid and a nil error when no connection is pending.
func (s Socket) Accept() (Socket, error) {
	fd, _, err := unix.Accept(int(s))
	if err != nil {
		if IsTemporary(err) || err == unix.ECONNABORTED {
			return Invalid, nil
		}
		return Invalid, os.NewSyscallError("accept", err)
	}
	if err := prepare(fd); err != nil {
		unix.Close(fd)
		return Invalid, err
	}
	return Socket(fd), nil
}

// TryRecv reads without blocking: 0 and a nil error when nothing is
// buffered, io.EOF once the peer closed.
func (s Socket) TryRecv(b []byte) (int, error) {
	n, err := unix.Read(int(s), b)
	if err != nil {
		if IsTemporary(err) {
			return 0, nil
		}
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// TrySend writes without blocking, 0 and a nil error when the send buffer
// is full.
func (s Socket) TrySend(b []byte) (int, error) {
	n, err := unix.Write(int(s), b)
	if err != nil {
		if IsTemporary(err) {
			return 0, nil
		}
		return 0, os.NewSyscallError("write", err)
	}
	return n, nil
}

func (s Socket) block(events int16) error {
	fds := []unix.PollFd{{Fd: int32(s), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return os.NewSyscallError("poll", err)
	}
}

// Recv blocks the calling goroutine until some data arrived.
func (s Socket) Recv(b []byte) (int, error) {
	for {
		n, err := s.TryRecv(b)
		if n > 0 || err != nil || len(b) == 0 {
			return n, err
		}
		if err := s.block(unix.POLLIN); err != nil {
			return 0, err
		}
	}
}

// Send blocks the calling goroutine until all of b is written.
func (s Socket) Send(b []byte) (int, error) {
	sent := 0
	for sent < len(b) {
		n, err := s.TrySend(b[sent:])
		if err != nil {
			return sent, err
		}
		sent += n
		if n == 0 {
			if err := s.block(unix.POLLOUT); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func (s Socket) SetNonblock(nonblocking bool) error {
	return os.NewSyscallError("setnonblock", unix.SetNonblock(int(s), nonblocking))
}

// Err returns the pending socket error (SO_ERROR), nil if none.
func (s Socket) Err() error {
	v, err := unix.GetsockoptInt(int(s), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (s Socket) LocalAddr() (net.Addr, error) {
	sa, err := unix.Getsockname(int(s))
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return netAddr(sa)
}

func (s Socket) RemoteAddr() (net.Addr, error) {
	sa, err := unix.Getpeername(int(s))
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return netAddr(sa)
}

func netAddr(sa unix.Sockaddr) (net.Addr, error) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}, nil
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: addr.Name, Net: "unix"}, nil
	}
	return nil, fmt.Errorf("socket: unsupported address family %T", sa)
}

func (s Socket) Close() error {
	return os.NewSyscallError("close", unix.Close(int(s)))
}
