//go:build linux
// +build linux

package poller

import (
	"os"
	"time"

	"github.com/fzft/go-coroutine/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

var platformBackends = []Backend{BackendEpoll, BackendPoll, BackendSelect}

func newPlatformBackend(b Backend, limit int) (backend, error) {
	if b == BackendEpoll {
		e, err := newEpoll(limit)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, ErrUnsupportedBackend
}

type epoll struct {
	fd     int
	events []unix.EpollEvent
	limit  int
}

func newEpoll(limit int) (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, growStep(limit)),
		limit:  limit,
	}, nil
}

func (e *epoll) kind() Backend {
	return BackendEpoll
}

func (e *epoll) support(events Events) bool {
	return true
}

func (e *epoll) insert(fd int, events Events) error {
	ev := unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (e *epoll) remove(fd int, _ Events) error {
	// kernels before 2.6.9 require a non-nil event for EPOLL_CTL_DEL
	var ev unix.EpollEvent
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, &ev))
}

func (e *epoll) modify(fd int, _, events Events) error {
	ev := unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev))
}

func (e *epoll) wait(timeout time.Duration, deliver func(fd int, events Events)) error {
	n, err := unix.EpollWait(e.fd, e.events, durationToMsec(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &e.events[i]
		deliver(int(ev.Fd), fromEpoll(ev.Events))
	}

	// full buffer: more events may be pending than we could observe
	if n == len(e.events) && n < e.limit {
		size := nextSize(n, e.limit)
		e.events = make([]unix.EpollEvent, size)
		log.Logger.Debug("epoll events grown", zap.Int("size", size))
	}
	return nil
}

func (e *epoll) close() error {
	return os.NewSyscallError("close", unix.Close(e.fd))
}

func epollEvents(events Events) uint32 {
	var ev uint32
	if events&EventRecv != 0 {
		ev |= unix.EPOLLIN
	}
	if events&EventSend != 0 {
		ev |= unix.EPOLLOUT
	}
	if events&EventClear != 0 {
		ev |= unix.EPOLLET | unix.EPOLLRDHUP
	}
	if events&EventOneshot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func fromEpoll(ev uint32) Events {
	var events Events
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		events |= EventRecv
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= EventSend
	}
	if ev&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && events&EventRecvSend == 0 {
		events |= EventRecvSend
	}
	if ev&unix.EPOLLRDHUP != 0 {
		events |= EventEOF
	}
	return events
}
