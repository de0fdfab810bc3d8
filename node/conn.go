package node

import (
	"errors"
	"net"
	"time"

	"github.com/fzft/go-coroutine/coroutine"
	"github.com/fzft/go-coroutine/socket"
)

// ErrIdle is returned by Read when the peer sent nothing within the idle
// timeout.
var ErrIdle = errors.New("node: connection idle")

// Conn is one accepted connection. Its methods suspend the calling
// coroutine instead of blocking the thread.
type Conn interface {
	// Read returns the next chunk sent by the peer, io.EOF once it closed.
	Read() (data []byte, err error)

	// Write sends all of data.
	Write(data []byte) (err error)

	Close() error

	Fd() int
	Ip() string
}

type coroutineConn struct {
	sock socket.Socket
	ip   string
	idle time.Duration
	buf  []byte
}

func newConn(sock socket.Socket, idle time.Duration, size int) *coroutineConn {
	c := &coroutineConn{sock: sock, idle: idle, buf: make([]byte, size)}
	if c.idle <= 0 {
		c.idle = -1
	}
	if addr, err := sock.RemoteAddr(); err == nil {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			c.ip = tcp.IP.String()
		} else {
			c.ip = addr.String()
		}
	}
	return c
}

// Read hands out the internal buffer, valid until the next Read.
func (c *coroutineConn) Read() ([]byte, error) {
	n, err := coroutine.Recv(c.sock, c.buf, c.idle)
	if errors.Is(err, coroutine.ErrTimeout) {
		return nil, ErrIdle
	}
	if err != nil {
		return nil, err
	}
	return c.buf[:n], nil
}

func (c *coroutineConn) Write(data []byte) error {
	_, err := coroutine.Send(c.sock, data, c.idle)
	if errors.Is(err, coroutine.ErrTimeout) {
		return ErrIdle
	}
	return err
}

func (c *coroutineConn) Close() error {
	return coroutine.Close(c.sock)
}

func (c *coroutineConn) Fd() int {
	return c.sock.FD()
}

func (c *coroutineConn) Ip() string {
	return c.ip
}
