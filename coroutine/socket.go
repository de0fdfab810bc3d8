package coroutine

import (
	"time"

	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
)

// The helpers below try the non-blocking call first and suspend the
// running coroutine in Wait while it would block. timeout applies to each
// wait; ErrTimeout reports it.

func waitReady(sock socket.Socket, events poller.Events, timeout time.Duration) error {
	got, err := Wait(sock, events, timeout)
	if err != nil {
		return err
	}
	if got == 0 {
		return ErrTimeout
	}
	return nil
}

// Recv reads what is available, suspending until something is.
func Recv(sock socket.Socket, b []byte, timeout time.Duration) (int, error) {
	for {
		n, err := sock.TryRecv(b)
		if n > 0 || err != nil || len(b) == 0 {
			return n, err
		}
		if err := waitReady(sock, poller.EventRecv, timeout); err != nil {
			return 0, err
		}
	}
}

// Send writes all of b.
func Send(sock socket.Socket, b []byte, timeout time.Duration) (int, error) {
	sent := 0
	for sent < len(b) {
		n, err := sock.TrySend(b[sent:])
		if err != nil {
			return sent, err
		}
		sent += n
		if n == 0 {
			if err := waitReady(sock, poller.EventSend, timeout); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func Accept(sock socket.Socket, timeout time.Duration) (socket.Socket, error) {
	for {
		conn, err := sock.Accept()
		if conn.Valid() || err != nil {
			return conn, err
		}
		if err := waitReady(sock, poller.EventAccept, timeout); err != nil {
			return socket.Invalid, err
		}
	}
}

func Connect(addr string, timeout time.Duration) (socket.Socket, error) {
	sock, err := socket.Connect(addr)
	if err != nil {
		return socket.Invalid, err
	}
	if err = waitReady(sock, poller.EventConn, timeout); err == nil {
		err = sock.Err()
	}
	if err != nil {
		_ = Close(sock)
		return socket.Invalid, err
	}
	return sock, nil
}

// Close drops the registration of sock before closing it, so a socket
// reusing the descriptor is not mistaken for it. The coroutine holding the
// registration need not be the one closing.
func Close(sock socket.Socket) error {
	if s := Current(); s != nil {
		if io := s.io.Load(); io != nil {
			io.drop(sock)
		}
	}
	return sock.Close()
}
