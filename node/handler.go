package node

import (
	"errors"
	"io"

	"github.com/fzft/go-coroutine/log"
	"go.uber.org/zap"
)

// Handler serves one connection until it returns. It runs inside the
// connection's coroutine.
type Handler interface {
	Serve(conn Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn Conn) error

func (f HandlerFunc) Serve(conn Conn) error {
	return f(conn)
}

// EchoHandler writes back everything it reads.
type EchoHandler struct{}

func (EchoHandler) Serve(conn Conn) error {
	for {
		data, err := conn.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		log.Logger.Debug("read data", zap.Int("fd", conn.Fd()), zap.Int("len", len(data)))
		if err := conn.Write(data); err != nil {
			return err
		}
	}
}
