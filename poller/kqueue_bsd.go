//go:build darwin || freebsd || openbsd || dragonfly
// +build darwin freebsd openbsd dragonfly

package poller

import (
	"os"
	"time"

	"github.com/fzft/go-coroutine/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var platformBackends = []Backend{BackendKqueue, BackendPoll, BackendSelect}

func newPlatformBackend(b Backend, limit int) (backend, error) {
	if b == BackendKqueue {
		k, err := newKqueue(limit)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
	return nil, ErrUnsupportedBackend
}

type kqueue struct {
	fd     int
	events []unix.Kevent_t
	limit  int
	ready  []readyFD
	index  map[int]int
}

func newKqueue(limit int) (*kqueue, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	return &kqueue{
		fd:     fd,
		events: make([]unix.Kevent_t, growStep(limit)),
		limit:  limit,
		index:  make(map[int]int),
	}, nil
}

func (k *kqueue) kind() Backend {
	return BackendKqueue
}

func (k *kqueue) support(events Events) bool {
	return true
}

func (k *kqueue) submit(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	for {
		_, err := unix.Kevent(k.fd, changes, nil, nil)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.ENOENT:
			// deleting a filter a oneshot delivery already dropped
			return nil
		}
		return os.NewSyscallError("kevent", err)
	}
}

func (k *kqueue) insert(fd int, events Events) error {
	return k.submit(kqueueChanges(fd, EventNone, events))
}

func (k *kqueue) remove(fd int, events Events) error {
	return k.submit(kqueueChanges(fd, events, EventNone))
}

// modify submits only the difference between the old and new masks.
func (k *kqueue) modify(fd int, old, events Events) error {
	return k.submit(kqueueChanges(fd, old, events))
}

func (k *kqueue) wait(timeout time.Duration, deliver func(fd int, events Events)) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(k.fd, nil, k.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("kevent", err)
	}

	k.ready = mergeKevents(k.ready[:0], k.index, k.events[:n])
	for _, r := range k.ready {
		deliver(r.fd, r.events)
	}

	if n == len(k.events) && n < k.limit {
		size := nextSize(n, k.limit)
		k.events = make([]unix.Kevent_t, size)
		log.Logger.Debug("kqueue events grown", zap.Int("size", size))
	}
	return nil
}

func (k *kqueue) close() error {
	return os.NewSyscallError("close", unix.Close(k.fd))
}

// mergeKevents folds the read and write filters of one fd, which arrive as
// separate entries in any order, into a single readyFD.
func mergeKevents(ready []readyFD, index map[int]int, evs []unix.Kevent_t) []readyFD {
	for fd := range index {
		delete(index, fd)
	}
	for i := range evs {
		fd := int(evs[i].Ident)
		events := fromKevent(int(evs[i].Filter), int(evs[i].Flags))
		if at, ok := index[fd]; ok {
			ready[at].events |= events
			continue
		}
		index[fd] = len(ready)
		ready = append(ready, readyFD{fd, events})
	}
	return ready
}

func kqueueFlags(events Events) int {
	flags := unix.EV_ADD | unix.EV_ENABLE
	if events&EventClear != 0 {
		flags |= unix.EV_CLEAR
	}
	if events&EventOneshot != 0 {
		flags |= unix.EV_ONESHOT
	}
	return flags
}

// kqueueChanges computes the kevent changes turning the registration old
// into events. When the flags differ, or either side is oneshot, every
// wanted filter is re-added since EV_ADD on an existing filter updates it.
func kqueueChanges(fd int, old, events Events) []unix.Kevent_t {
	adds := events &^ old
	if (old^events)&(EventClear|EventOneshot) != 0 || (old|events)&EventOneshot != 0 {
		adds = events
	}
	dels := old &^ events

	var changes []unix.Kevent_t
	change := func(filter, flags int) {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, filter, flags)
		changes = append(changes, ev)
	}
	if adds&EventRecv != 0 {
		change(unix.EVFILT_READ, kqueueFlags(events))
	}
	if adds&EventSend != 0 {
		change(unix.EVFILT_WRITE, kqueueFlags(events))
	}
	if dels&EventRecv != 0 {
		change(unix.EVFILT_READ, unix.EV_DELETE)
	}
	if dels&EventSend != 0 {
		change(unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	return changes
}

func fromKevent(filter, flags int) Events {
	var events Events
	switch filter {
	case unix.EVFILT_READ:
		events |= EventRecv
	case unix.EVFILT_WRITE:
		events |= EventSend
	}
	if flags&unix.EV_EOF != 0 {
		events |= EventEOF
	}
	if flags&unix.EV_ERROR != 0 {
		events |= EventError
		if events&EventRecvSend == 0 {
			events |= EventRecvSend
		}
	}
	return events
}
