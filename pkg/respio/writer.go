package respio

import (
	"bufio"
	"io"
	"strconv"
)

type RespWriter struct {
	writer *bufio.Writer
}

func NewRespWriter(w io.Writer) *RespWriter {
	return &RespWriter{
		writer: bufio.NewWriterSize(w, DefaultBufferSize),
	}
}

// WriteStatus writes a status response (e.g., "OK")
func (w *RespWriter) WriteStatus(status string) error {
	if err := w.writer.WriteByte(RespStatus); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(status); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteError writes an error response
func (w *RespWriter) WriteError(msg string) error {
	if err := w.writer.WriteByte(RespError); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(msg); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) WriteInt64(n int64) error {
	if err := w.writer.WriteByte(RespInt); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteBulkString writes a bulk string. A nil slice writes the nil bulk.
func (w *RespWriter) WriteBulkString(b []byte) error {
	if b == nil {
		return w.writeNullBulk()
	}
	if err := w.writer.WriteByte(RespString); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}
	if _, err := w.writer.Write(b); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteArray writes an array of replies. A nil slice writes the nil array.
func (w *RespWriter) WriteArray(array []*Reply) error {
	if array == nil {
		return w.writeNullArray()
	}
	if err := w.writer.WriteByte(RespArray); err != nil {
		logger.Error(err, "RespWriter WriteArray error", "Len", len(array))
		return err
	}
	if _, err := w.writer.WriteString(strconv.Itoa(len(array))); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}
	for _, elem := range array {
		if err := w.WriteReply(elem); err != nil {
			return err
		}
	}
	return nil
}

// WriteReply writes a complete reply to the underlying bufio.Writer.
func (w *RespWriter) WriteReply(p *Reply) error {
	switch p.Type {
	case RespStatus:
		return w.WriteStatus(string(p.Data))
	case RespError:
		return w.WriteError(string(p.Data))
	case RespInt:
		return w.WriteInt64(p.Integer)
	case RespString:
		if p.Data == nil {
			// Preserve the empty-vs-nil distinction for round trips.
			return w.WriteBulkString([]byte{})
		}
		return w.WriteBulkString(p.Data)
	case RespArray:
		return w.WriteArray(p.Array)
	case RespNil:
		return w.writeNullBulk()
	default:
		logger.Info("RespWriter Unknown reply type", "type", p.Type)
		return ErrInvalidSyntax
	}
}

func (w *RespWriter) writeCRLF() error {
	_, err := w.writer.WriteString(CRLF)
	return err
}

func (w *RespWriter) writeNullBulk() error {
	_, err := w.writer.WriteString(Nil)
	return err
}

func (w *RespWriter) writeNullArray() error {
	_, err := w.writer.WriteString(NilArray)
	return err
}

// Flush writes any buffered data to the underlying io.Writer
func (w *RespWriter) Flush() error {
	return w.writer.Flush()
}

// AppendCommand appends a request to dst in wire form: an array of bulk
// strings, one per argument. The returned slice may be a grown copy of dst.
func AppendCommand(dst []byte, args ...string) []byte {
	dst = append(dst, RespArray)
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, CRLF...)
	for _, arg := range args {
		dst = append(dst, RespString)
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, CRLF...)
		dst = append(dst, arg...)
		dst = append(dst, CRLF...)
	}
	return dst
}

// FormatCommand renders a request as a fresh byte slice.
func FormatCommand(args ...string) []byte {
	return AppendCommand(nil, args...)
}
