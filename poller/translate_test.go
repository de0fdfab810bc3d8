//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestPollEvents(t *testing.T) {
	assert.Equal(t, int16(unix.POLLIN), pollEvents(EventRecv|EventClear))
	assert.Equal(t, int16(unix.POLLIN|unix.POLLOUT), pollEvents(EventRecvSend))
	assert.Equal(t, int16(0), pollEvents(EventNone))
}

func TestFromPoll(t *testing.T) {
	assert.Equal(t, EventRecv, fromPoll(unix.POLLIN))
	assert.Equal(t, EventSend, fromPoll(unix.POLLOUT))
	assert.Equal(t, EventRecvSend, fromPoll(unix.POLLHUP))
	assert.Equal(t, EventRecv, fromPoll(unix.POLLIN|unix.POLLHUP))
	assert.Equal(t, EventRecvSend|EventError, fromPoll(unix.POLLERR))
	assert.Equal(t, EventRecvSend|EventError, fromPoll(unix.POLLNVAL))
}

func TestFromSelect(t *testing.T) {
	assert.Equal(t, EventRecv, fromSelect(true, false, false))
	assert.Equal(t, EventRecvSend, fromSelect(true, true, false))
	assert.Equal(t, EventRecvSend|EventError, fromSelect(false, true, true))
}

func TestSelectLimit(t *testing.T) {
	s := newSelect()
	assert.ErrorIs(t, s.insert(selectLimit, EventRecv), ErrFDOutOfRange)
	assert.NoError(t, s.insert(3, EventRecv))
	assert.NoError(t, s.insert(9, EventSend))
	assert.Equal(t, 9, s.maxfd)
	assert.NoError(t, s.remove(9, EventSend))
	assert.Equal(t, 3, s.maxfd)
	assert.Error(t, s.remove(9, EventSend))
}

func TestPollSwapRemove(t *testing.T) {
	p := newPoll()
	for _, fd := range []int{4, 5, 6} {
		assert.NoError(t, p.insert(fd, EventRecv))
	}
	assert.Error(t, p.insert(5, EventRecv))
	assert.NoError(t, p.remove(4, EventRecv))
	assert.Len(t, p.fds, 2)
	assert.Equal(t, int32(6), p.fds[0].Fd)
	assert.Equal(t, 0, p.index[6])
	assert.NoError(t, p.modify(5, EventRecv, EventSend))
	assert.Equal(t, int16(unix.POLLOUT), p.fds[p.index[5]].Events)
}
