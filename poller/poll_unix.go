//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

package poller

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type readyFD struct {
	fd     int
	events Events
}

// pollBackend keeps a pollfd vector; index maps an fd to its position.
type pollBackend struct {
	fds   []unix.PollFd
	index map[int]int
	ready []readyFD
}

func newPoll() *pollBackend {
	return &pollBackend{index: make(map[int]int)}
}

func (p *pollBackend) kind() Backend {
	return BackendPoll
}

// support: level-triggered only. EventClear degrades to level-triggered,
// EventOneshot is refused.
func (p *pollBackend) support(events Events) bool {
	return events&(EventClear|EventOneshot) == 0
}

func (p *pollBackend) insert(fd int, events Events) error {
	if _, ok := p.index[fd]; ok {
		return os.NewSyscallError("poll insert", unix.EEXIST)
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(events)})
	return nil
}

func (p *pollBackend) remove(fd int, _ Events) error {
	i, ok := p.index[fd]
	if !ok {
		return os.NewSyscallError("poll remove", unix.ENOENT)
	}
	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.index[int(p.fds[i].Fd)] = i
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)
	return nil
}

func (p *pollBackend) modify(fd int, _, events Events) error {
	i, ok := p.index[fd]
	if !ok {
		return os.NewSyscallError("poll modify", unix.ENOENT)
	}
	p.fds[i].Events = pollEvents(events)
	return nil
}

func (p *pollBackend) wait(timeout time.Duration, deliver func(fd int, events Events)) error {
	n, err := unix.Poll(p.fds, durationToMsec(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return nil
	}

	// callbacks may reshape p.fds, so collect first
	p.ready = p.ready[:0]
	for i := range p.fds {
		if p.fds[i].Revents != 0 {
			p.ready = append(p.ready, readyFD{int(p.fds[i].Fd), fromPoll(p.fds[i].Revents)})
			p.fds[i].Revents = 0
		}
	}
	for _, r := range p.ready {
		deliver(r.fd, r.events)
	}
	return nil
}

func (p *pollBackend) close() error {
	p.fds, p.index = nil, nil
	return nil
}

func pollEvents(events Events) int16 {
	var ev int16
	if events&EventRecv != 0 {
		ev |= unix.POLLIN
	}
	if events&EventSend != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPoll(revents int16) Events {
	var events Events
	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		events |= EventRecv
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventSend
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 && events&EventRecvSend == 0 {
		events |= EventRecvSend
	}
	return events
}
