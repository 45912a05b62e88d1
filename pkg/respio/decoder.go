package respio

import (
	"fmt"
	"strconv"
)

// frame is one level of an array under construction. The frame stack is the
// arena the ReadTask parent references point into: frames are inspectable at
// any time and freeing the bottom frame's object releases the whole
// in-progress tree, because every child is attached to its parent at
// creation time.
type frame struct {
	obj      any
	elements int
	filled   int
}

// Decoder is the incremental reply decoder. Bytes are handed to it with Feed
// as they arrive from the transport; GetReply consumes buffered bytes and
// produces at most one completed top-level value per call. The decoder is
// restartable at any byte boundary: when the buffered bytes do not hold a
// complete step it returns nothing and resumes from the same position on the
// next call.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	builder ReplyBuilder
	buf     []byte
	pos     int
	stack   []frame
	err     error
}

// NewDecoder returns a decoder bound to the given builder. A nil builder
// selects the default TreeBuilder.
func NewDecoder(builder ReplyBuilder) *Decoder {
	if builder == nil {
		builder = TreeBuilder{}
	}
	return &Decoder{
		builder: builder,
		buf:     make([]byte, 0, DefaultBufferSize),
	}
}

// Feed appends bytes to the read buffer. It never blocks and never fails.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Err returns the sticky protocol error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Buffered returns the number of unconsumed buffered bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// GetReply attempts to produce one completed top-level value from the
// buffered bytes. It returns (obj, nil) on success, (nil, nil) when more
// bytes are needed, and (nil, err) on a malformed stream. After a protocol
// error the decoder refuses further progress and holds its buffer unchanged;
// the stream cannot be resynchronized and the owner should disconnect.
func (d *Decoder) GetReply() (any, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		if d.pos >= len(d.buf) {
			d.compact()
			return nil, nil
		}
		obj, ok, err := d.step()
		if err != nil {
			d.err = err
			return nil, err
		}
		if !ok {
			// Partial element. Cursor and stack are untouched, the next
			// Feed resumes exactly here.
			return nil, nil
		}
		if obj != nil {
			d.consume()
			return obj, nil
		}
	}
}

// GetTreeReply is GetReply for decoders using the default TreeBuilder. With
// a builder producing anything else it returns ErrNotTreeReply instead.
func (d *Decoder) GetTreeReply() (*Reply, error) {
	obj, err := d.GetReply()
	if obj == nil || err != nil {
		return nil, err
	}
	reply, ok := obj.(*Reply)
	if !ok {
		d.builder.Free(obj)
		return nil, fmt.Errorf("%w: got %T", ErrNotTreeReply, obj)
	}
	return reply, nil
}

// Reset discards buffered bytes and frees any in-progress construction
// state through the builder. Completed values already returned by GetReply
// are never touched.
func (d *Decoder) Reset() {
	if len(d.stack) > 0 {
		d.builder.Free(d.stack[0].obj)
		d.stack = d.stack[:0]
	}
	d.buf = d.buf[:0]
	d.pos = 0
	d.err = nil
}

// Close releases the decoder. It behaves like Reset; the decoder must not be
// used afterwards.
func (d *Decoder) Close() {
	d.Reset()
	d.buf = nil
}

// step decodes a single element at the cursor. It returns (topLevel, true,
// nil) when the element completed a top-level value, (nil, true, nil) when
// it made progress inside a container, and (nil, false, nil) when the
// buffered bytes do not hold a complete element. The cursor is only
// advanced when the element completes.
func (d *Decoder) step() (any, bool, error) {
	task := d.currentTask()
	sigil := d.buf[d.pos]
	switch sigil {
	case RespStatus, RespError:
		line, next, err := d.readLine(d.pos + 1)
		if err != nil || line == nil {
			return nil, false, err
		}
		task.Type = sigil
		obj := d.builder.CreateString(task, line)
		d.pos = next
		return d.complete(obj), true, nil

	case RespInt:
		line, next, err := d.readLine(d.pos + 1)
		if err != nil || line == nil {
			return nil, false, err
		}
		n, err := decodeInt64(line)
		if err != nil {
			return nil, false, err
		}
		task.Type = sigil
		obj := d.builder.CreateInteger(task, n)
		d.pos = next
		return d.complete(obj), true, nil

	case RespString:
		line, next, err := d.readLine(d.pos + 1)
		if err != nil || line == nil {
			return nil, false, err
		}
		length, err := decodeInt64(line)
		if err != nil {
			return nil, false, err
		}
		if length == -1 {
			// Nil bulk string. The nil constructor runs, not the string one.
			task.Type = RespNil
			obj := d.builder.CreateNil(task)
			d.pos = next
			return d.complete(obj), true, nil
		}
		if length < -1 {
			return nil, false, ErrInvalidSyntax
		}
		if length > MaxBulkSize {
			return nil, false, ErrTooLarge
		}
		end := next + int(length)
		if end+2 > len(d.buf) {
			// Wait for the payload plus its trailing CRLF.
			return nil, false, nil
		}
		if d.buf[end] != '\r' || d.buf[end+1] != '\n' {
			return nil, false, ErrBadCRLFEnd
		}
		task.Type = sigil
		obj := d.builder.CreateString(task, d.buf[next:end])
		d.pos = end + 2
		return d.complete(obj), true, nil

	case RespArray:
		line, next, err := d.readLine(d.pos + 1)
		if err != nil || line == nil {
			return nil, false, err
		}
		count, err := decodeInt64(line)
		if err != nil {
			return nil, false, err
		}
		switch {
		case count == -1:
			task.Type = RespNil
			obj := d.builder.CreateNil(task)
			d.pos = next
			return d.complete(obj), true, nil
		case count < -1:
			return nil, false, ErrInvalidSyntax
		case count > MaxArrayElements:
			return nil, false, ErrTooLarge
		case count == 0:
			// Empty arrays are born complete.
			task.Type = sigil
			obj := d.builder.CreateArray(task, 0)
			d.pos = next
			return d.complete(obj), true, nil
		default:
			task.Type = sigil
			obj := d.builder.CreateArray(task, int(count))
			d.stack = append(d.stack, frame{obj: obj, elements: int(count)})
			d.pos = next
			return nil, true, nil
		}

	default:
		return nil, false, fmt.Errorf("%w: unexpected sigil %q", ErrInvalidSyntax, sigil)
	}
}

// currentTask builds the ReadTask for the element at the cursor.
func (d *Decoder) currentTask() *ReadTask {
	if len(d.stack) == 0 {
		return &ReadTask{Parent: nil, Idx: -1}
	}
	top := &d.stack[len(d.stack)-1]
	return &ReadTask{Parent: top.obj, Idx: top.filled}
}

// complete records that one element finished. Containers whose arity is now
// satisfied complete their parents in turn. The return value is the finished
// top-level object, or nil while containers remain open.
func (d *Decoder) complete(obj any) any {
	for len(d.stack) > 0 {
		top := &d.stack[len(d.stack)-1]
		top.filled++
		if top.filled < top.elements {
			return nil
		}
		obj = top.obj
		d.stack = d.stack[:len(d.stack)-1]
	}
	return obj
}

// readLine scans for a CRLF-terminated line starting at from. It returns the
// line content (without CRLF) and the cursor position past it, or a nil line
// when the terminator has not arrived yet. A bare LF is a protocol error.
func (d *Decoder) readLine(from int) ([]byte, int, error) {
	for i := from; i < len(d.buf); i++ {
		if d.buf[i] != '\n' {
			continue
		}
		if i == from || d.buf[i-1] != '\r' {
			return nil, 0, ErrBadCRLFEnd
		}
		return d.buf[from : i-1], i + 1, nil
	}
	return nil, 0, nil
}

// consume discards the committed prefix after a top-level reply was handed
// out, then reclaims buffer space.
func (d *Decoder) consume() {
	d.compact()
}

func (d *Decoder) compact() {
	if d.pos == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.pos:])
	d.buf = d.buf[:n]
	d.pos = 0
}

// decodeInt64 parses a decimal line. Small numbers take the fast path.
func decodeInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, ErrInvalidSyntax
	}
	if len(b) < 10 { // Fast path for small numbers
		var neg, i = false, 0
		switch b[0] {
		case '-':
			neg = true
			fallthrough
		case '+':
			i++
		}
		if len(b) != i {
			var n int64
			for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
				n = int64(b[i]-'0') + n*10
			}
			if len(b) == i {
				if neg {
					n = -n
				}
				return n, nil
			}
		}
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSyntax, err)
	}
	return n, nil
}
