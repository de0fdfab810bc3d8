//go:build linux
// +build linux

package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollEvents(t *testing.T) {
	assert.Equal(t, uint32(unix.EPOLLIN), epollEvents(EventRecv))
	assert.Equal(t, uint32(unix.EPOLLIN|unix.EPOLLOUT), epollEvents(EventRecvSend))
	assert.Equal(t, uint32(unix.EPOLLIN|unix.EPOLLET|unix.EPOLLRDHUP), epollEvents(EventRecv|EventClear))
	assert.Equal(t, uint32(unix.EPOLLOUT|unix.EPOLLONESHOT), epollEvents(EventSend|EventOneshot))
}

func TestFromEpoll(t *testing.T) {
	tests := []struct {
		ev   uint32
		want Events
	}{
		{unix.EPOLLIN, EventRecv},
		{unix.EPOLLOUT, EventSend},
		{unix.EPOLLIN | unix.EPOLLOUT, EventRecvSend},
		{unix.EPOLLHUP, EventRecvSend},
		{unix.EPOLLERR, EventRecvSend | EventError},
		{unix.EPOLLIN | unix.EPOLLHUP, EventRecv},
		{unix.EPOLLIN | unix.EPOLLRDHUP, EventRecv | EventEOF},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fromEpoll(tt.ev), "0x%x", tt.ev)
	}
}

func TestEpollGrowth(t *testing.T) {
	p, err := New(nil, WithBackend(BackendEpoll), WithFDLimit(256))
	require.NoError(t, err)
	defer p.Close()

	e := p.backend.(*epoll)
	assert.Equal(t, growStep(256), len(e.events))

	for i := 0; i < 45; i++ {
		a, b := newPair(t)
		require.NoError(t, p.Insert(b, EventRecv, i))
		_, err := a.TrySend([]byte("x"))
		require.NoError(t, err)
	}
	n, err := p.Wait(collect(new([]delivery)), 0)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, 80, len(e.events))

	n, err = p.Wait(collect(new([]delivery)), 0)
	require.NoError(t, err)
	assert.Equal(t, 45, n)
	assert.Equal(t, 80, len(e.events))
}
