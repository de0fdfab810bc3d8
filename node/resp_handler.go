package node

import (
	"errors"
	"io"
	"strings"

	"github.com/fzft/go-coroutine/resp"
)

// RespHandler answers the connection commands of redis clients, so
// redis-cli and redis-benchmark can drive the server.
type RespHandler struct{}

func (RespHandler) Serve(conn Conn) error {
	var pending, out []byte
	for {
		data, err := conn.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		pending = append(pending, data...)

		in, quit := pending, false
		out = out[:0]
		for len(in) > 0 && !quit {
			frame, rest, err := resp.Parse(in)
			if errors.Is(err, resp.ErrIncomplete) {
				break
			}
			if err != nil {
				out = resp.Append(out, resp.Error{Message: "ERR " + err.Error()})
				_ = conn.Write(out)
				return err
			}
			in = rest

			var reply resp.Node
			if reply, quit = respCommand(frame); reply != nil {
				out = resp.Append(out, reply)
			}
		}
		pending = append(pending[:0], in...)

		if len(out) > 0 {
			if err := conn.Write(out); err != nil {
				return err
			}
		}
		if quit {
			return nil
		}
	}
}

func respCommand(frame resp.Node) (reply resp.Node, quit bool) {
	args, err := resp.Args(frame)
	if err != nil {
		return resp.Error{Message: "ERR " + err.Error()}, false
	}
	if len(args) == 0 {
		return nil, false
	}

	switch name := strings.ToUpper(args[0]); name {
	case "PING":
		switch len(args) {
		case 1:
			return resp.SimpleString{Value: "PONG"}, false
		case 2:
			return resp.BlobString{Value: args[1]}, false
		}
	case "ECHO":
		if len(args) == 2 {
			return resp.BlobString{Value: args[1]}, false
		}
	case "QUIT":
		return resp.SimpleString{Value: "OK"}, true
	case "COMMAND":
		return resp.Array{}, false
	default:
		return resp.Error{Message: "ERR unknown command '" + args[0] + "'"}, false
	}
	return resp.Error{Message: "ERR wrong number of arguments for '" + strings.ToLower(args[0]) + "' command"}, false
}
