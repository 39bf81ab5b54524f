// Package resp implements the line-oriented wire codec spoken by livelock
// clients: RESP tagged values (integers, floats, bulk strings, arrays) plus
// space-separated inline commands.
package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxPayload is the default upper bound for a single command in bytes (64KB).
const DefaultMaxPayload = 64 * 1024

// Common errors returned while decoding commands.
var (
	// ErrProtocol is returned for malformed frames. The connection cannot be
	// resynchronised after it, so callers must drop it.
	ErrProtocol = errors.New("resp protocol error")

	// ErrPayloadTooLarge is returned when a frame exceeds the configured max payload.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrProtocol)
)

// Reader decodes client commands from a byte stream.
type Reader struct {
	rd         *bufio.Reader
	maxPayload int
}

// NewReader wraps rd. A non-positive maxPayload selects DefaultMaxPayload.
func NewReader(rd io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	br, ok := rd.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(rd)
	}
	return &Reader{rd: br, maxPayload: maxPayload}
}

// ReadCommand reads the next command and returns its words, verb first.
//
// A RESP array is a command whose elements are its words. A lone RESP scalar
// is a one-word command. Any other line is an inline command split on
// whitespace. Empty lines and null arrays are skipped.
func (r *Reader) ReadCommand() ([][]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}

		switch line[0] {
		case '*':
			args, err := r.readArray(line)
			if err != nil {
				return nil, err
			}
			if len(args) == 0 {
				continue
			}
			return args, nil
		case '$', ':', ',':
			value, err := r.readScalar(line)
			if err != nil {
				return nil, err
			}
			return [][]byte{value}, nil
		default:
			fields := bytes.Fields(line)
			if len(fields) == 0 {
				continue
			}
			return fields, nil
		}
	}
}

func (r *Reader) readArray(header []byte) ([][]byte, error) {
	count, err := parseInt(header[1:])
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, nil
	}
	if count > int64(r.maxPayload) {
		return nil, ErrPayloadTooLarge
	}

	args := make([][]byte, 0, count)
	total := 0
	for i := int64(0); i < count; i++ {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] == '*' {
			// Commands are flat; nested arrays are not valid arguments.
			return nil, ErrProtocol
		}
		value, err := r.readScalar(line)
		if err != nil {
			return nil, err
		}
		total += len(value)
		if total > r.maxPayload {
			return nil, ErrPayloadTooLarge
		}
		args = append(args, value)
	}
	return args, nil
}

// readScalar decodes the value introduced by line. Integers and floats are
// returned as their decimal text; a null bulk string is returned as nil.
func (r *Reader) readScalar(line []byte) ([]byte, error) {
	switch line[0] {
	case ':':
		n, err := parseInt(line[1:])
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, n, 10), nil
	case ',':
		text := bytes.TrimSpace(line[1:])
		if _, err := strconv.ParseFloat(string(text), 64); err != nil {
			return nil, ErrProtocol
		}
		return append([]byte(nil), text...), nil
	case '$':
		return r.readBulk(line)
	default:
		return nil, ErrProtocol
	}
}

func (r *Reader) readBulk(header []byte) ([]byte, error) {
	length, err := parseInt(header[1:])
	if err != nil {
		return nil, err
	}
	if length == -1 {
		return nil, nil
	}
	if length < -1 {
		return nil, ErrProtocol
	}
	if length > int64(r.maxPayload) {
		return nil, ErrPayloadTooLarge
	}

	data := make([]byte, length+2)
	if _, err := io.ReadFull(r.rd, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if data[length] != '\r' || data[length+1] != '\n' {
		return nil, ErrProtocol
	}
	return data[:length], nil
}

// readLine returns the next CRLF-terminated line without its terminator.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.rd.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > r.maxPayload+2 {
			return nil, ErrPayloadTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if len(buf) < 2 || buf[len(buf)-2] != '\r' {
		return nil, ErrProtocol
	}
	return buf[:len(buf)-2], nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(b)), 10, 64)
	if err != nil {
		return 0, ErrProtocol
	}
	return n, nil
}
