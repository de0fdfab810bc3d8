// Package resp reads and writes the RESP2 framing spoken by redis clients.
package resp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const CRLF string = "\r\n"

const (
	TypeArray   byte = '*'
	TypeBlob    byte = '$'
	TypeSimple  byte = '+'
	TypeError   byte = '-'
	TypeInteger byte = ':'
)

// maxBlob bounds a single bulk string.
const maxBlob = 512 << 20

var (
	// ErrIncomplete asks for more input, nothing was consumed.
	ErrIncomplete = errors.New("resp: incomplete frame")
	ErrProtocol   = errors.New("resp: protocol error")
)

type Node interface{}

type BlobString struct {
	Value string
}

type SimpleString struct {
	Value string
}

type Error struct {
	Message string
}

type Integer struct {
	Value int
}

// Null is the nil bulk string or array.
type Null struct{}

type Array struct {
	Elements []Node
}

func line(data []byte) ([]byte, []byte, error) {
	i := bytes.Index(data, []byte(CRLF))
	if i < 0 {
		return nil, nil, ErrIncomplete
	}
	return data[:i], data[i+2:], nil
}

func length(head []byte) (int, error) {
	n, err := strconv.Atoi(string(head))
	if err != nil {
		return 0, fmt.Errorf("%w: bad length %q", ErrProtocol, head)
	}
	return n, nil
}

// Parse decodes the first frame of data and returns the rest.
func Parse(data []byte) (Node, []byte, error) {
	if len(data) == 0 {
		return nil, data, ErrIncomplete
	}
	head, rest, err := line(data)
	if err != nil {
		return nil, data, err
	}

	switch data[0] {
	case TypeSimple:
		return SimpleString{Value: string(head[1:])}, rest, nil

	case TypeError:
		return Error{Message: string(head[1:])}, rest, nil

	case TypeInteger:
		n, err := strconv.Atoi(string(head[1:]))
		if err != nil {
			return nil, data, fmt.Errorf("%w: bad integer %q", ErrProtocol, head[1:])
		}
		return Integer{Value: n}, rest, nil

	case TypeBlob:
		n, err := length(head[1:])
		if err != nil {
			return nil, data, err
		}
		if n < 0 {
			return Null{}, rest, nil
		}
		if n > maxBlob {
			return nil, data, fmt.Errorf("%w: bulk of %d bytes", ErrProtocol, n)
		}
		if len(rest) < n+2 {
			return nil, data, ErrIncomplete
		}
		if string(rest[n:n+2]) != CRLF {
			return nil, data, fmt.Errorf("%w: bulk not terminated", ErrProtocol)
		}
		return BlobString{Value: string(rest[:n])}, rest[n+2:], nil

	case TypeArray:
		n, err := length(head[1:])
		if err != nil {
			return nil, data, err
		}
		if n < 0 {
			return Null{}, rest, nil
		}
		array := Array{Elements: make([]Node, 0, n)}
		for i := 0; i < n; i++ {
			var elem Node
			if elem, rest, err = Parse(rest); err != nil {
				return nil, data, err
			}
			array.Elements = append(array.Elements, elem)
		}
		return array, rest, nil
	}

	// inline command, as typed into telnet
	return Array{Elements: inline(head)}, rest, nil
}

func inline(head []byte) []Node {
	fields := bytes.Fields(head)
	elems := make([]Node, len(fields))
	for i, f := range fields {
		elems[i] = BlobString{Value: string(f)}
	}
	return elems
}

// Args flattens a command frame into its words.
func Args(n Node) ([]string, error) {
	array, ok := n.(Array)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got %T", ErrProtocol, n)
	}
	args := make([]string, len(array.Elements))
	for i, elem := range array.Elements {
		switch e := elem.(type) {
		case BlobString:
			args[i] = e.Value
		case SimpleString:
			args[i] = e.Value
		case Integer:
			args[i] = strconv.Itoa(e.Value)
		default:
			return nil, fmt.Errorf("%w: argument %d is %T", ErrProtocol, i, elem)
		}
	}
	return args, nil
}

// Append encodes n onto b.
func Append(b []byte, n Node) []byte {
	switch v := n.(type) {
	case SimpleString:
		b = append(b, TypeSimple)
		b = append(b, v.Value...)
	case Error:
		b = append(b, TypeError)
		b = append(b, v.Message...)
	case Integer:
		b = append(b, TypeInteger)
		b = strconv.AppendInt(b, int64(v.Value), 10)
	case BlobString:
		b = append(b, TypeBlob)
		b = strconv.AppendInt(b, int64(len(v.Value)), 10)
		b = append(b, CRLF...)
		b = append(b, v.Value...)
	case Array:
		b = append(b, TypeArray)
		b = strconv.AppendInt(b, int64(len(v.Elements)), 10)
		b = append(b, CRLF...)
		for _, elem := range v.Elements {
			b = Append(b, elem)
		}
		return b
	case Null:
		b = append(b, "$-1"...)
	default:
		panic(fmt.Sprintf("resp: cannot encode %T", n))
	}
	return append(b, CRLF...)
}

// ConvertToRESP encodes a command the way clients send it.
func ConvertToRESP(command string, arguments ...string) []byte {
	array := Array{Elements: make([]Node, 0, len(arguments)+1)}
	array.Elements = append(array.Elements, BlobString{Value: command})
	for _, arg := range arguments {
		array.Elements = append(array.Elements, BlobString{Value: arg})
	}
	return Append(nil, array)
}
