package eventloop

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"

	"github.com/pzhenzhou/redpipe/pkg/client"
	"github.com/pzhenzhou/redpipe/pkg/common"
	"github.com/pzhenzhou/redpipe/pkg/respio"
)

var (
	logger = common.InitLogger().WithName("eventloop")

	ErrLoopConnClosed = errors.New("redpipe: event-loop connection closed")
)

// DisconnectFunc is invoked once when a loop connection goes away, with the
// transport or protocol error that ended it (nil on clean close).
type DisconnectFunc func(pc *PipeConn, err error)

// Loop drives non-blocking pipelined connections off a gnet client engine.
// Decoding and callback dispatch happen on the event-loop goroutine; command
// issuance may happen from any single caller goroutine per connection, the
// ordering between issue and dispatch is preserved by gnet's async-write
// task queue.
type Loop struct {
	gnet.BuiltinEventEngine
	cli *gnet.Client
}

func NewLoop(opts ...gnet.Option) (*Loop, error) {
	l := &Loop{}
	cli, err := gnet.NewClient(l, opts...)
	if err != nil {
		return nil, err
	}
	l.cli = cli
	return l, nil
}

func (l *Loop) Start() error {
	return l.cli.Start()
}

func (l *Loop) Stop() error {
	return l.cli.Stop()
}

// Dial opens a pipelined connection on the loop. A nil builder selects the
// default tree builder.
func (l *Loop) Dial(addr string, builder respio.ReplyBuilder, onDisconnect DisconnectFunc) (*PipeConn, error) {
	gc, err := l.cli.Dial("tcp", addr)
	if err != nil {
		logger.Error(err, "Loop failed to dial", "Addr", addr)
		return nil, err
	}
	if builder == nil {
		builder = respio.TreeBuilder{}
	}
	pc := &PipeConn{
		gc:           gc,
		dec:          respio.NewDecoder(builder),
		builder:      builder,
		onDisconnect: onDisconnect,
	}
	gc.SetContext(pc)
	return pc, nil
}

// PipeConn is one pipelined connection living on a Loop. Its callback queue
// is mutated only on the event-loop goroutine: Issue hands the push to the
// async-write completion callback, which gnet runs on the loop in write
// order, so FIFO alignment between commands and replies holds without locks.
type PipeConn struct {
	gc           gnet.Conn
	dec          *respio.Decoder
	builder      respio.ReplyBuilder
	queue        client.CallbackQueue
	onDisconnect DisconnectFunc
	err          error
	// closed flips on the loop goroutine but is checked by Issue from the
	// caller goroutine, so it is the one cross-goroutine field.
	closed atomic.Bool
}

// Err returns the failure that ended the connection, if any. Loop-affine:
// read it from callbacks or after Stop.
func (p *PipeConn) Err() error {
	return p.err
}

// Pending is loop-affine like Err.
func (p *PipeConn) Pending() int {
	return p.queue.Len()
}

// Issue formats a command, queues it for asynchronous write, and registers
// (fn, privdata) for its reply. A nil fn still occupies a queue slot so the
// pipeline stays aligned.
func (p *PipeConn) Issue(fn client.ReplyCallback, privdata any, args ...string) error {
	return p.IssueFormatted(respio.FormatCommand(args...), fn, privdata)
}

// IssueFormatted is Issue for pre-formatted request bytes.
func (p *PipeConn) IssueFormatted(raw []byte, fn client.ReplyCallback, privdata any) error {
	if p.closed.Load() {
		if p.err != nil {
			return p.err
		}
		return ErrLoopConnClosed
	}
	return p.gc.AsyncWrite(raw, func(c gnet.Conn, err error) error {
		if err != nil {
			logger.Error(err, "PipeConn async write failed")
			p.err = err
			return nil
		}
		p.queue.Push(fn, privdata)
		return nil
	})
}

// Close tears the connection down. Pending callbacks are abandoned.
func (p *PipeConn) Close() error {
	return p.gc.Close()
}

// drain dispatches every completed reply against the callback queue.
// Replies are whatever the connection's builder produced and are released
// through that builder after the callback returns.
func (p *PipeConn) drain() error {
	for {
		obj, err := p.dec.GetReply()
		if err != nil {
			return err
		}
		if obj == nil {
			return nil
		}
		fn, privdata, ok := p.queue.PopFront()
		if !ok {
			desync := fmt.Errorf("%w: unmatched reply %v", client.ErrPipelineDesync, obj)
			p.builder.Free(obj)
			return desync
		}
		if fn != nil {
			fn(obj, privdata)
		}
		p.builder.Free(obj)
	}
}

func (l *Loop) OnTraffic(c gnet.Conn) gnet.Action {
	pc, ok := c.Context().(*PipeConn)
	if !ok {
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		pc.err = err
		return gnet.Close
	}
	pc.dec.Feed(buf)
	if err := pc.drain(); err != nil {
		// Desynchronized or malformed stream. Fatal for the connection.
		pc.err = err
		return gnet.Close
	}
	return gnet.None
}

func (l *Loop) OnClose(c gnet.Conn, err error) gnet.Action {
	pc, ok := c.Context().(*PipeConn)
	if !ok {
		return gnet.None
	}
	if !pc.closed.CompareAndSwap(false, true) {
		return gnet.None
	}
	if err != nil && pc.err == nil {
		pc.err = err
	}
	pc.queue.Reset()
	pc.dec.Close()
	if pc.onDisconnect != nil {
		pc.onDisconnect(pc, pc.err)
	}
	return gnet.None
}
