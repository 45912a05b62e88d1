package client

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sys/unix"

	"github.com/pzhenzhou/redpipe/pkg/common"
	"github.com/pzhenzhou/redpipe/pkg/metrics"
	"github.com/pzhenzhou/redpipe/pkg/respio"
)

var (
	logger = common.InitLogger().WithName("client")
)

var (
	// ErrConnFailed any operation on a failed or disconnected Conn returns this error.
	ErrConnFailed = errors.New("redpipe: connection is failed or closed")
	// ErrBlockingOnly is returned when Command is called on a non-blocking Conn.
	ErrBlockingOnly = errors.New("redpipe: Command requires a blocking connection")
	// ErrNonBlockingOnly is returned when CommandWithCallback is called on a blocking Conn.
	ErrNonBlockingOnly = errors.New("redpipe: CommandWithCallback requires a non-blocking connection")
	// ErrPipelineDesync a reply arrived with no pending callback to match it.
	ErrPipelineDesync = errors.New("redpipe: pipeline desynchronized")
	// ErrBuilderMismatch is returned by the typed command helpers when the
	// configured builder does not produce *respio.Reply.
	ErrBuilderMismatch = errors.New("redpipe: reply builder does not produce *respio.Reply, use CommandAny")
)

// ErrorKind classifies the failure recorded on a Conn.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrKindIO
	ErrKindProtocol
	ErrKindPipeline
)

type connState int

const (
	stateUnconnected connState = iota
	stateConnected
	stateFailed
	stateDisconnected
)

const (
	// nonBlockPollBudget bounds how long a non-blocking read or write may
	// touch the socket. The caller's readiness poll decides when to call;
	// the deadline is only a guard against a peer that stalls mid-frame.
	nonBlockPollBudget = time.Millisecond
	readChunkSize      = 16 * common.KB
)

// Options configures Connect.
type Options struct {
	// DialTimeout bounds the TCP dial. Zero means no timeout.
	DialTimeout time.Duration
	// Builder is the reply builder bound to the decoder. Nil selects the
	// default tree builder. With a non-tree builder, use CommandAny and
	// the callback APIs; the typed Command helpers return
	// ErrBuilderMismatch.
	Builder respio.ReplyBuilder
}

// Conn is one logical connection: socket, pending output bytes, one reply
// decoder, and the callback queue. A Conn is driven by a single goroutine;
// callers that share one across goroutines must serialize access.
//
// Lifecycle: unconnected -> connected -> {failed, disconnected}. Both end
// states are terminal. There is no reconnect; create a new Conn.
type Conn struct {
	Id       string
	conn     net.Conn
	blocking bool
	state    connState

	errKind ErrorKind
	err     error

	obuf    []byte
	dec     *respio.Decoder
	builder respio.ReplyBuilder
	queue   CallbackQueue
	scratch [readChunkSize]byte

	onDisconnect    hookSlot
	onCommand       hookSlot
	onFree          hookSlot
	disconnectFired bool

	created    time.Time
	middleware *metrics.ClientMetricsMiddleware
}

// Connect dials addr and returns a blocking Conn. On failure the returned
// Conn is non-nil and carries the dial error in its error field, so callers
// that only propagate the error and callers that inspect the Conn both see
// the same failure.
func Connect(addr string, opts *Options) (*Conn, error) {
	return connect(addr, opts, true)
}

// ConnectNonBlock dials addr and returns a non-blocking Conn. No operation
// on it blocks; the caller polls transport readiness and drives
// FlushOutput / ReadAvailable / DispatchReadyReplies.
func ConnectNonBlock(addr string, opts *Options) (*Conn, error) {
	return connect(addr, opts, false)
}

func connect(addr string, opts *Options, blocking bool) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	builder := opts.Builder
	if builder == nil {
		builder = respio.TreeBuilder{}
	}
	c := &Conn{
		Id:       shortuuid.New(),
		blocking: blocking,
		created:  time.Now(),
		dec:      respio.NewDecoder(builder),
		builder:  builder,
	}
	dialer := &net.Dialer{
		Timeout: opts.DialTimeout,
		Control: func(network, address string, rc syscall.RawConn) error {
			var ctrlErr error
			err := rc.Control(func(fd uintptr) {
				// Set SO_REUSEADDR to avoid "address already in use" errors
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
					ctrlErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					logger.Error(ctrlErr, "Failed to set SO_REUSEADDR")
					return
				}
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					ctrlErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					logger.Error(ctrlErr, "Failed to set SO_REUSEPORT")
					return
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	netConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		logger.Error(err, "Failed to connect", "Addr", addr)
		c.state = stateFailed
		c.errKind = ErrKindIO
		c.err = err
		return c, err
	}
	c.conn = netConn
	c.state = stateConnected
	return c, nil
}

// SetMetricsMiddleware attaches a metrics middleware. Pass nil to detach.
func (c *Conn) SetMetricsMiddleware(m *metrics.ClientMetricsMiddleware) {
	c.middleware = m
	if m != nil && c.state == stateConnected {
		m.OnConnectionOpen()
	}
}

// Err returns the recorded failure, or nil while the Conn is usable. It is
// non-nil exactly when the Conn is in a failed state.
func (c *Conn) Err() error {
	return c.err
}

// ErrKind classifies Err.
func (c *Conn) ErrKind() ErrorKind {
	return c.errKind
}

func (c *Conn) IsBlocking() bool {
	return c.blocking
}

func (c *Conn) Connected() bool {
	return c.state == stateConnected
}

func (c *Conn) RemoteAddr() net.Addr {
	if c.conn != nil {
		return c.conn.RemoteAddr()
	}
	return nil
}

// Age returns how long ago the Conn was created.
func (c *Conn) Age() time.Duration {
	return time.Since(c.created)
}

// Pending returns the number of issued non-blocking commands whose reply has
// not been delivered yet.
func (c *Conn) Pending() int {
	return c.queue.Len()
}

func (c *Conn) usable() error {
	if c.state != stateConnected {
		if c.err != nil {
			return c.err
		}
		return ErrConnFailed
	}
	return nil
}

// appendCommand formats args into the pending-output buffer and fires the
// command hook.
func (c *Conn) appendCommand(args []string) {
	c.obuf = respio.AppendCommand(c.obuf, args...)
	if c.middleware != nil && len(args) > 0 {
		c.middleware.TrackCommand(args[0])
	}
	c.onCommand.fire(c)
}

// Command issues a command on a blocking Conn: the request is written out in
// full and the call suspends until one complete reply is decoded. The caller
// owns the returned reply and releases it with respio.ReleaseReply. With a
// non-tree builder configured, Command returns ErrBuilderMismatch; use
// CommandAny.
//
// An error reply from the server is returned as a value, not as an error.
func (c *Conn) Command(args ...string) (*respio.Reply, error) {
	obj, err := c.CommandAny(args...)
	if err != nil {
		return nil, err
	}
	return c.asTreeReply(obj)
}

// CommandAny is Command for any builder: the returned value is whatever the
// configured builder produced and the caller releases it through that
// builder's Free.
func (c *Conn) CommandAny(args ...string) (any, error) {
	if !c.blocking {
		return nil, ErrBlockingOnly
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	start := time.Now()
	c.appendCommand(args)
	if err := c.flushAll(); err != nil {
		return nil, err
	}
	obj, err := c.blockForReply()
	if err != nil {
		return nil, err
	}
	if c.middleware != nil && len(args) > 0 {
		c.middleware.TrackLatency(args[0], start)
	}
	return obj, nil
}

// CommandFormatted issues pre-formatted request bytes on a blocking Conn.
func (c *Conn) CommandFormatted(raw []byte) (*respio.Reply, error) {
	obj, err := c.CommandFormattedAny(raw)
	if err != nil {
		return nil, err
	}
	return c.asTreeReply(obj)
}

// CommandFormattedAny is CommandFormatted for any builder.
func (c *Conn) CommandFormattedAny(raw []byte) (any, error) {
	if !c.blocking {
		return nil, ErrBlockingOnly
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.obuf = append(c.obuf, raw...)
	c.onCommand.fire(c)
	if err := c.flushAll(); err != nil {
		return nil, err
	}
	return c.blockForReply()
}

// asTreeReply narrows a builder-produced value for the typed helpers. A
// non-tree value is released through the builder so it cannot leak.
func (c *Conn) asTreeReply(obj any) (*respio.Reply, error) {
	reply, ok := obj.(*respio.Reply)
	if !ok {
		c.builder.Free(obj)
		return nil, ErrBuilderMismatch
	}
	return reply, nil
}

// CommandWithCallback issues a command on a non-blocking Conn and registers
// (fn, privdata) for its reply. Replies are matched to callbacks in strict
// issuance order; a nil fn still occupies a queue slot so the pipeline stays
// aligned, the reply is then discarded on dispatch.
func (c *Conn) CommandWithCallback(fn ReplyCallback, privdata any, args ...string) error {
	if c.blocking {
		return ErrNonBlockingOnly
	}
	if err := c.usable(); err != nil {
		return err
	}
	c.appendCommand(args)
	c.queue.Push(fn, privdata)
	return nil
}

// AppendFormatted is the pre-formatted bytes variant of CommandWithCallback.
func (c *Conn) AppendFormatted(raw []byte, fn ReplyCallback, privdata any) error {
	if c.blocking {
		return ErrNonBlockingOnly
	}
	if err := c.usable(); err != nil {
		return err
	}
	c.obuf = append(c.obuf, raw...)
	c.onCommand.fire(c)
	c.queue.Push(fn, privdata)
	return nil
}

// FlushOutput writes pending output bytes. done reports whether the buffer
// drained completely; on a partial write the remainder is retained for the
// next call. In non-blocking mode the write is bounded by a short deadline
// and never waits for the peer.
func (c *Conn) FlushOutput() (done bool, err error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	if len(c.obuf) == 0 {
		return true, nil
	}
	if !c.blocking {
		_ = c.conn.SetWriteDeadline(time.Now().Add(nonBlockPollBudget))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	n, werr := c.conn.Write(c.obuf)
	if n > 0 {
		c.obuf = c.obuf[:copy(c.obuf, c.obuf[n:])]
	}
	if werr != nil && !common.IsTimeout(werr) {
		c.fail(ErrKindIO, werr)
		return false, werr
	}
	return len(c.obuf) == 0, nil
}

// flushAll blocks until the output buffer is fully written.
func (c *Conn) flushAll() error {
	for {
		done, err := c.FlushOutput()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ReadAvailable reads from the transport and feeds the decoder. In
// non-blocking mode it takes whatever the socket already holds and returns;
// in blocking mode it waits for at least one byte. End-of-stream or a
// transport error marks the Conn failed and fires the disconnect hook.
func (c *Conn) ReadAvailable() error {
	if err := c.usable(); err != nil {
		return err
	}
	if !c.blocking {
		_ = c.conn.SetReadDeadline(time.Now().Add(nonBlockPollBudget))
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	n, err := c.conn.Read(c.scratch[:])
	if n > 0 {
		c.dec.Feed(c.scratch[:n])
	}
	if err != nil && !common.IsTimeout(err) {
		c.fail(ErrKindIO, err)
		return err
	}
	return nil
}

// DispatchReadyReplies drains the decoder, invoking the oldest pending
// callback for each completed reply and releasing the reply afterwards. It
// stops when no complete reply is buffered. A reply with no pending
// callback means the pipeline lost alignment; the Conn is marked failed and
// the reply is surfaced in the returned error rather than dropped.
func (c *Conn) DispatchReadyReplies() error {
	for {
		obj, err := c.dec.GetReply()
		if err != nil {
			c.fail(ErrKindProtocol, err)
			return err
		}
		if obj == nil {
			return nil
		}
		fn, privdata, ok := c.queue.PopFront()
		if !ok {
			desync := fmt.Errorf("%w: unmatched reply %v", ErrPipelineDesync, obj)
			c.builder.Free(obj)
			c.fail(ErrKindPipeline, desync)
			return desync
		}
		if fn != nil {
			fn(obj, privdata)
		}
		c.builder.Free(obj)
		if c.middleware != nil {
			c.middleware.TrackDispatch()
		}
	}
}

// blockForReply runs the read-decode loop until one top-level reply is
// available. Blocking mode only; the suspension happens in the transport
// read, not in the decoder.
func (c *Conn) blockForReply() (any, error) {
	for {
		obj, err := c.dec.GetReply()
		if err != nil {
			c.fail(ErrKindProtocol, err)
			return nil, err
		}
		if obj != nil {
			return obj, nil
		}
		if err := c.ReadAvailable(); err != nil {
			return nil, err
		}
	}
}

// fail records the first failure and tears the connection down. The
// disconnect hook fires exactly once per Conn lifetime no matter how many
// failure paths run.
func (c *Conn) fail(kind ErrorKind, err error) {
	if c.state == stateFailed || c.state == stateDisconnected {
		return
	}
	c.state = stateFailed
	c.errKind = kind
	c.err = err
	if c.middleware != nil {
		c.middleware.TrackError(kind.String())
	}
	c.fireDisconnect()
	c.closeTransport()
}

func (c *Conn) fireDisconnect() {
	if c.disconnectFired {
		return
	}
	c.disconnectFired = true
	c.onDisconnect.fire(c)
}

func (c *Conn) closeTransport() {
	if c.conn != nil {
		if closeErr := c.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			logger.Info("Conn transport close", "connId", c.Id, "error", closeErr)
		}
		if c.middleware != nil {
			c.middleware.OnConnectionClose()
		}
		c.conn = nil
	}
}

// Disconnect invokes the disconnect hook immediately (at most once per Conn
// lifetime) and closes the transport. Safe on an already failed Conn.
func (c *Conn) Disconnect() {
	if c.state == stateDisconnected {
		return
	}
	c.fireDisconnect()
	c.closeTransport()
	if c.state != stateFailed {
		c.state = stateDisconnected
	}
}

// Free invokes the free hook, then releases the output buffer, decoder, and
// callback queue. Pending callbacks are abandoned, not invoked with a
// synthetic reply. The Conn must not be used afterwards.
func (c *Conn) Free() {
	c.onFree.fire(c)
	c.closeTransport()
	if c.state != stateFailed {
		c.state = stateDisconnected
	}
	c.obuf = nil
	c.queue.Reset()
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}

func (k ErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindPipeline:
		return "pipeline"
	default:
		return "none"
	}
}
