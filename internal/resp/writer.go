package resp

import (
	"io"
	"strconv"
)

// maxRetainedBuffer caps the capacity kept between flushes, so one large
// reply does not pin its buffer for the life of the connection.
const maxRetainedBuffer = 64 * 1024

// Writer encodes replies into a pending buffer. Nothing reaches the
// underlying writer until Flush, and Discard drops a partly written reply.
type Writer struct {
	wr  io.Writer
	buf []byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		wr:  w,
		buf: make([]byte, 0, 512),
	}
}

// WriteSimpleString writes +msg.
func (w *Writer) WriteSimpleString(msg string) {
	w.buf = append(w.buf, '+')
	w.buf = append(w.buf, msg...)
	w.buf = append(w.buf, '\r', '\n')
}

// WriteError writes -msg.
func (w *Writer) WriteError(msg string) {
	w.buf = append(w.buf, '-')
	w.buf = append(w.buf, msg...)
	w.buf = append(w.buf, '\r', '\n')
}

// WriteBulk writes data as a bulk string.
func (w *Writer) WriteBulk(data []byte) {
	w.writeHeader('$', int64(len(data)))
	w.buf = append(w.buf, data...)
	w.buf = append(w.buf, '\r', '\n')
}

// WriteBulkString writes s as a bulk string.
func (w *Writer) WriteBulkString(s string) {
	w.writeHeader('$', int64(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, '\r', '\n')
}

// WriteNull writes a null bulk string.
func (w *Writer) WriteNull() {
	w.buf = append(w.buf, "$-1\r\n"...)
}

// WriteInt writes an integer.
func (w *Writer) WriteInt(n int64) {
	w.writeHeader(':', n)
}

// WriteFloat writes a float in its shortest exact decimal form.
func (w *Writer) WriteFloat(f float64) {
	w.buf = append(w.buf, ',')
	w.buf = strconv.AppendFloat(w.buf, f, 'f', -1, 64)
	w.buf = append(w.buf, '\r', '\n')
}

// WriteArrayHeader starts an array of n elements. The caller writes the elements.
func (w *Writer) WriteArrayHeader(n int) {
	w.writeHeader('*', int64(n))
}

// Pending returns the number of bytes written since the last Flush or Discard.
func (w *Writer) Pending() int {
	return len(w.buf)
}

// Discard drops everything written since the last Flush.
func (w *Writer) Discard() {
	w.reset()
}

// Flush writes the pending bytes to the underlying writer.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.wr.Write(w.buf)
	w.reset()
	return err
}

func (w *Writer) reset() {
	if cap(w.buf) > maxRetainedBuffer {
		w.buf = make([]byte, 0, 512)
		return
	}
	w.buf = w.buf[:0]
}

func (w *Writer) writeHeader(prefix byte, n int64) {
	w.buf = append(w.buf, prefix)
	w.buf = strconv.AppendInt(w.buf, n, 10)
	w.buf = append(w.buf, '\r', '\n')
}
