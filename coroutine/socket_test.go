package coroutine

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (socket.Socket, string) {
	t.Helper()
	ln, err := socket.Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	addr, err := ln.LocalAddr()
	require.NoError(t, err)
	return ln, addr.String()
}

func TestEcho(t *testing.T) {
	eachBackend(t, func(t *testing.T, opts ...Option) {
		ln, addr := listen(t)
		s := New(opts...)
		const clients = 4
		replies := make([]string, clients)

		require.NoError(t, s.Spawn(func(any) {
			defer Close(ln)
			for i := 0; i < clients; i++ {
				conn, err := Accept(ln, time.Second)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, Start(func(priv any) {
					conn := priv.(socket.Socket)
					defer Close(conn)
					buf := make([]byte, 64)
					n, err := Recv(conn, buf, time.Second)
					if assert.NoError(t, err) {
						_, err = Send(conn, buf[:n], time.Second)
						assert.NoError(t, err)
					}
				}, conn))
			}
		}, nil, 0))

		for i := 0; i < clients; i++ {
			require.NoError(t, s.Spawn(func(priv any) {
				i := priv.(int)
				conn, err := Connect(addr, time.Second)
				if !assert.NoError(t, err) {
					return
				}
				defer Close(conn)
				msg := fmt.Sprintf("ping %d", i)
				_, err = Send(conn, []byte(msg), time.Second)
				assert.NoError(t, err)

				buf := make([]byte, 64)
				n, err := Recv(conn, buf, time.Second)
				assert.NoError(t, err)
				replies[i] = string(buf[:n])
			}, i, 0))
		}

		run(t, s)
		for i, reply := range replies {
			assert.Equal(t, fmt.Sprintf("ping %d", i), reply)
		}
	})
}

func TestConnectRefused(t *testing.T) {
	ln, addr := listen(t)
	require.NoError(t, ln.Close())

	s := New()
	require.NoError(t, s.Spawn(func(any) {
		conn, err := Connect(addr, time.Second)
		assert.Error(t, err)
		assert.False(t, conn.Valid())
		if io := s.io.Load(); io != nil {
			assert.Equal(t, 0, io.poller.Len())
		}
	}, nil, 0))
	run(t, s)
}

func TestRecvEOF(t *testing.T) {
	a, b := pair(t)
	s := New()
	require.NoError(t, s.Spawn(func(any) {
		n, err := Recv(b, make([]byte, 8), time.Second)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, io.EOF)
	}, nil, 0))
	require.NoError(t, s.Spawn(func(any) {
		assert.NoError(t, Sleep(20*time.Millisecond))
		assert.NoError(t, a.Close())
	}, nil, 0))
	run(t, s)
}

func TestCloseDropsRegistration(t *testing.T) {
	a, b, err := socket.Pair()
	require.NoError(t, err)
	defer a.Close()

	s := New()
	require.NoError(t, s.Spawn(func(any) {
		_, err := Wait(b, poller.EventRecv, 10*time.Millisecond)
		assert.NoError(t, err)
		assert.Equal(t, 1, s.io.Load().poller.Len())
		assert.NoError(t, Close(b))
		assert.Equal(t, 0, s.io.Load().poller.Len())
		assert.False(t, Self().wait.sock.Valid())
	}, nil, 0))
	run(t, s)
}

func TestCloseFromAnotherCoroutine(t *testing.T) {
	eachBackend(t, func(t *testing.T, opts ...Option) {
		a, b, err := socket.Pair()
		require.NoError(t, err)
		defer a.Close()
		fd := b.FD()

		s := New(opts...)
		var waiter *Coroutine
		require.NoError(t, s.Spawn(func(any) {
			waiter = Self()
			got, err := Wait(b, poller.EventRecv, 10*time.Millisecond)
			assert.NoError(t, err)
			assert.Zero(t, got)
			assert.NoError(t, Sleep(60*time.Millisecond))
			assert.False(t, Self().wait.sock.Valid())
		}, nil, 0))
		require.NoError(t, s.Spawn(func(any) {
			assert.NoError(t, Sleep(30*time.Millisecond))
			assert.Equal(t, b, waiter.wait.sock)
			assert.NoError(t, Close(b))
			assert.False(t, waiter.wait.sock.Valid())

			c, d, err := socket.Pair()
			if !assert.NoError(t, err) {
				return
			}
			defer Close(c)
			defer Close(d)
			reused := c
			if d.FD() == fd {
				reused = d
			}
			_, err = Wait(reused, poller.EventRecv, 10*time.Millisecond)
			assert.NoError(t, err)
		}, nil, 0))
		run(t, s)
	})
}

func TestCloseResumesBlockedWaiter(t *testing.T) {
	a, b, err := socket.Pair()
	require.NoError(t, err)
	defer a.Close()

	s := New()
	require.NoError(t, s.Spawn(func(any) {
		start := time.Now()
		_, err := Wait(b, poller.EventRecv, time.Second)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.False(t, Self().wait.sock.Valid())
	}, nil, 0))
	require.NoError(t, s.Spawn(func(any) {
		assert.NoError(t, Sleep(10*time.Millisecond))
		assert.NoError(t, Close(b))
		assert.Equal(t, 0, s.io.Load().poller.Len())
	}, nil, 0))
	run(t, s)
}
