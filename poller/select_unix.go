//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

package poller

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// selectLimit is FD_SETSIZE.
const selectLimit = int(unsafe.Sizeof(unix.FdSet{})) * 8

type selectBackend struct {
	rset  unix.FdSet
	wset  unix.FdSet
	fds   map[int]Events
	maxfd int
	ready []readyFD
}

func newSelect() *selectBackend {
	return &selectBackend{fds: make(map[int]Events), maxfd: -1}
}

func (s *selectBackend) kind() Backend {
	return BackendSelect
}

func (s *selectBackend) support(events Events) bool {
	return events&(EventClear|EventOneshot) == 0
}

func (s *selectBackend) set(fd int, events Events) {
	s.rset.Clear(fd)
	s.wset.Clear(fd)
	if events&EventRecv != 0 {
		s.rset.Set(fd)
	}
	if events&EventSend != 0 {
		s.wset.Set(fd)
	}
}

func (s *selectBackend) insert(fd int, events Events) error {
	if fd >= selectLimit {
		return ErrFDOutOfRange
	}
	if _, ok := s.fds[fd]; ok {
		return os.NewSyscallError("select insert", unix.EEXIST)
	}
	s.fds[fd] = events
	s.set(fd, events)
	if fd > s.maxfd {
		s.maxfd = fd
	}
	return nil
}

func (s *selectBackend) remove(fd int, _ Events) error {
	if _, ok := s.fds[fd]; !ok {
		return os.NewSyscallError("select remove", unix.ENOENT)
	}
	delete(s.fds, fd)
	s.rset.Clear(fd)
	s.wset.Clear(fd)
	if fd == s.maxfd {
		s.maxfd = -1
		for other := range s.fds {
			if other > s.maxfd {
				s.maxfd = other
			}
		}
	}
	return nil
}

func (s *selectBackend) modify(fd int, _, events Events) error {
	if _, ok := s.fds[fd]; !ok {
		return os.NewSyscallError("select modify", unix.ENOENT)
	}
	s.fds[fd] = events
	s.set(fd, events)
	return nil
}

func (s *selectBackend) wait(timeout time.Duration, deliver func(fd int, events Events)) error {
	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(int64(timeout))
		tv = &t
	}
	rset, wset := s.rset, s.wset
	n, err := unix.Select(s.maxfd+1, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("select", err)
	}
	if n <= 0 {
		return nil
	}

	s.ready = s.ready[:0]
	for fd := 0; fd <= s.maxfd; fd++ {
		readable, writable := rset.IsSet(fd), wset.IsSet(fd)
		if !readable && !writable {
			continue
		}
		// select does not report socket errors, ask for them
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		failed := err != nil || soerr != 0
		s.ready = append(s.ready, readyFD{fd, fromSelect(readable, writable, failed)})
	}
	for _, r := range s.ready {
		deliver(r.fd, r.events)
	}
	return nil
}

func (s *selectBackend) close() error {
	s.fds = nil
	s.rset.Zero()
	s.wset.Zero()
	return nil
}

func fromSelect(readable, writable, failed bool) Events {
	var events Events
	if readable {
		events |= EventRecv
	}
	if writable {
		events |= EventSend
	}
	if failed {
		events |= EventError | EventRecvSend
	}
	return events
}
