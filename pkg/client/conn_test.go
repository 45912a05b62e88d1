package client

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzhenzhou/redpipe/pkg/respio"
)

// fixtureServer accepts one connection and hands it to handler. Handlers
// decode incoming commands with the same decoder the client uses, so the
// tests exercise both directions of the codec.
type fixtureServer struct {
	lis  net.Listener
	done chan struct{}
}

func startFixture(t *testing.T, handler func(conn net.Conn)) *fixtureServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fixtureServer{lis: lis, done: make(chan struct{})}
	go func() {
		defer close(srv.done)
		conn, acceptErr := lis.Accept()
		if acceptErr != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handler(conn)
	}()
	t.Cleanup(func() {
		_ = lis.Close()
		<-srv.done
	})
	return srv
}

func (s *fixtureServer) Addr() string {
	return s.lis.Addr().String()
}

// readCommand decodes one inbound command array from conn.
func readCommand(conn net.Conn, dec *respio.Decoder) (*respio.Reply, error) {
	buf := make([]byte, 4*1024)
	for {
		cmd, err := dec.GetTreeReply()
		if err != nil {
			return nil, err
		}
		if cmd != nil {
			return cmd, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// echoHandler answers PING, ECHO, MISSING (nil reply), and FAIL (error
// reply) until the client goes away.
func echoHandler(conn net.Conn) {
	dec := respio.NewDecoder(nil)
	defer dec.Close()
	w := respio.NewRespWriter(conn)
	for {
		cmd, err := readCommand(conn, dec)
		if err != nil {
			return
		}
		name := strings.ToUpper(string(cmd.Array[0].Data))
		switch name {
		case "PING":
			_ = w.WriteStatus("PONG")
		case "ECHO":
			_ = w.WriteBulkString(cmd.Array[1].Data)
		case "MISSING":
			_ = w.WriteBulkString(nil)
		case "PAIR":
			_ = w.WriteArray([]*respio.Reply{
				{Type: respio.RespString, Data: []byte("a")},
				{Type: respio.RespInt, Integer: 7},
			})
		case "FAIL":
			_ = w.WriteError("ERR boom")
		default:
			_ = w.WriteError("ERR unknown command '" + name + "'")
		}
		respio.ReleaseReply(cmd)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// pumpUntil drives the non-blocking cycle until cond holds or the deadline
// passes.
func pumpUntil(t *testing.T, c *Conn, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "pump timed out")
		_, err := c.FlushOutput()
		require.NoError(t, err)
		require.NoError(t, c.ReadAvailable())
		require.NoError(t, c.DispatchReadyReplies())
	}
}

func TestConn_BlockingCommand(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := Connect(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()
	assert.True(t, conn.IsBlocking())
	assert.True(t, conn.Connected())

	reply, err := conn.Command("PING")
	require.NoError(t, err)
	assert.Equal(t, byte(respio.RespStatus), reply.Type)
	assert.Equal(t, "PONG", string(reply.Data))
	respio.ReleaseReply(reply)

	reply, err = conn.Command("ECHO", "hello world")
	require.NoError(t, err)
	assert.Equal(t, byte(respio.RespString), reply.Type)
	assert.Equal(t, "hello world", string(reply.Data))
	respio.ReleaseReply(reply)

	reply, err = conn.Command("MISSING")
	require.NoError(t, err)
	assert.True(t, reply.IsNil())
	respio.ReleaseReply(reply)
}

func TestConn_ErrorReplyKeepsConnUsable(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := Connect(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	reply, err := conn.Command("FAIL")
	require.NoError(t, err)
	assert.True(t, reply.IsProtocolError())
	respio.ReleaseReply(reply)
	assert.True(t, conn.Connected())
	assert.NoError(t, conn.Err())

	reply, err = conn.Command("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(reply.Data))
	respio.ReleaseReply(reply)
}

func TestConn_ModeGuards(t *testing.T) {
	srv := startFixture(t, echoHandler)
	blocking, err := Connect(srv.Addr(), nil)
	require.NoError(t, err)
	defer blocking.Free()

	err = blocking.CommandWithCallback(nil, nil, "PING")
	assert.ErrorIs(t, err, ErrNonBlockingOnly)

	srv2 := startFixture(t, echoHandler)
	nonBlocking, err := ConnectNonBlock(srv2.Addr(), nil)
	require.NoError(t, err)
	defer nonBlocking.Free()

	_, err = nonBlocking.Command("PING")
	assert.ErrorIs(t, err, ErrBlockingOnly)
}

func TestConn_PipelinedCallbackOrder(t *testing.T) {
	const depth = 64
	// The server flushes every reply separately so the client sees the
	// stream in many fragments.
	srv := startFixture(t, echoHandler)
	conn, err := ConnectNonBlock(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	var got []int
	onReply := func(reply any, privdata any) {
		assert.Equal(t, byte(respio.RespString), reply.(*respio.Reply).Type)
		got = append(got, privdata.(int))
	}
	for i := 0; i < depth; i++ {
		require.NoError(t, conn.CommandWithCallback(onReply, i, "ECHO", "x"))
	}
	assert.Equal(t, depth, conn.Pending())

	pumpUntil(t, conn, func() bool { return conn.Pending() == 0 })
	require.Len(t, got, depth)
	for i, seq := range got {
		assert.Equal(t, i, seq)
	}
}

func TestConn_NilCallbackKeepsAlignment(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := ConnectNonBlock(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	var last string
	require.NoError(t, conn.CommandWithCallback(nil, nil, "ECHO", "first"))
	require.NoError(t, conn.CommandWithCallback(func(reply any, _ any) {
		last = string(reply.(*respio.Reply).Data)
	}, nil, "ECHO", "second"))

	pumpUntil(t, conn, func() bool { return conn.Pending() == 0 })
	assert.Equal(t, "second", last)
}

func TestConn_PipelineDesyncIsFatal(t *testing.T) {
	// The server answers one command with two replies. The extra reply has
	// no pending callback and must fail the Conn.
	srv := startFixture(t, func(conn net.Conn) {
		dec := respio.NewDecoder(nil)
		defer dec.Close()
		cmd, err := readCommand(conn, dec)
		if err != nil {
			return
		}
		respio.ReleaseReply(cmd)
		w := respio.NewRespWriter(conn)
		_ = w.WriteStatus("PONG")
		_ = w.WriteStatus("PONG")
		_ = w.Flush()
		// Hold the socket open so the client fails on the desync, not EOF.
		time.Sleep(2 * time.Second)
	})
	conn, err := ConnectNonBlock(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	require.NoError(t, conn.CommandWithCallback(nil, nil, "PING"))

	deadline := time.Now().Add(5 * time.Second)
	var dispatchErr error
	for dispatchErr == nil && time.Now().Before(deadline) {
		if _, err := conn.FlushOutput(); err != nil {
			dispatchErr = err
			break
		}
		if err := conn.ReadAvailable(); err != nil {
			dispatchErr = err
			break
		}
		dispatchErr = conn.DispatchReadyReplies()
	}
	require.Error(t, dispatchErr)
	assert.ErrorIs(t, dispatchErr, ErrPipelineDesync)
	assert.Equal(t, ErrKindPipeline, conn.ErrKind())
	assert.False(t, conn.Connected())
	assert.ErrorIs(t, conn.Err(), ErrPipelineDesync)
}

func TestConn_ServerCloseFailsConn(t *testing.T) {
	srv := startFixture(t, func(conn net.Conn) {
		// Close immediately; the client's next read sees EOF.
	})
	conn, err := Connect(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	var disconnects int
	conn.SetDisconnectCallback(func(c *Conn, _ any) {
		disconnects++
	}, nil)

	_, err = conn.Command("PING")
	require.Error(t, err)
	assert.Equal(t, ErrKindIO, conn.ErrKind())
	assert.False(t, conn.Connected())
	assert.Equal(t, 1, disconnects)

	// A failed Conn rejects further commands with its recorded error and
	// the hook does not fire again.
	_, err = conn.Command("PING")
	require.Error(t, err)
	conn.Disconnect()
	assert.Equal(t, 1, disconnects)
}

func TestConn_DialFailureReturnsFailedConn(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	conn, err := Connect(addr, &Options{DialTimeout: time.Second})
	require.Error(t, err)
	require.NotNil(t, conn)
	assert.False(t, conn.Connected())
	assert.Equal(t, ErrKindIO, conn.ErrKind())
	assert.ErrorIs(t, conn.Err(), err)
}

func TestConn_FreeAbandonsPendingCallbacks(t *testing.T) {
	// The server reads but never replies, so the callbacks stay pending.
	srv := startFixture(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})
	conn, err := ConnectNonBlock(srv.Addr(), nil)
	require.NoError(t, err)

	invoked := false
	require.NoError(t, conn.CommandWithCallback(func(any, any) {
		invoked = true
	}, nil, "PING"))

	freed := false
	conn.SetFreeCallback(func(c *Conn, _ any) {
		freed = true
	}, nil)

	conn.Free()
	assert.True(t, freed)
	assert.False(t, invoked)
	assert.Equal(t, 0, conn.Pending())
}

func TestConn_CommandHookFiresPerCommand(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := ConnectNonBlock(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	count := 0
	conn.SetCommandCallback(func(c *Conn, _ any) {
		count++
	}, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.CommandWithCallback(nil, nil, "PING"))
	}
	assert.Equal(t, 3, count)
	pumpUntil(t, conn, func() bool { return conn.Pending() == 0 })
}

func TestConn_FormattedVariants(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := Connect(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	raw := respio.FormatCommand("ECHO", "formatted")
	reply, err := conn.CommandFormatted(raw)
	require.NoError(t, err)
	assert.Equal(t, "formatted", string(reply.Data))
	respio.ReleaseReply(reply)
}

func TestConn_PartialFlushRetainsRemainder(t *testing.T) {
	// A large pipelined burst cannot fit in one non-blocking write against
	// a server that drains slowly. FlushOutput must keep the unwritten
	// tail and finish it on later calls without corrupting the stream.
	const depth = 512
	payload := strings.Repeat("v", 1024)
	srv := startFixture(t, func(conn net.Conn) {
		time.Sleep(50 * time.Millisecond)
		echoHandler(conn)
	})
	conn, err := ConnectNonBlock(srv.Addr(), nil)
	require.NoError(t, err)
	defer conn.Free()

	replies := 0
	onReply := func(reply any, _ any) {
		assert.True(t, bytes.Equal([]byte(payload), reply.(*respio.Reply).Data))
		replies++
	}
	for i := 0; i < depth; i++ {
		require.NoError(t, conn.CommandWithCallback(onReply, nil, "ECHO", payload))
	}
	pumpUntil(t, conn, func() bool { return conn.Pending() == 0 })
	assert.Equal(t, depth, replies)
}

// nativeBuilder materializes replies as plain Go values: strings for status
// and bulk, int64 for integers, []any for arrays, and a sentinel for nil.
type nativeNil struct{}

type nativeBuilder struct{}

func (nativeBuilder) attach(task *respio.ReadTask, v any) any {
	if task.Parent != nil {
		task.Parent.([]any)[task.Idx] = v
	}
	return v
}

func (b nativeBuilder) CreateString(task *respio.ReadTask, data []byte) any {
	return b.attach(task, string(data))
}

func (b nativeBuilder) CreateArray(task *respio.ReadTask, elements int) any {
	return b.attach(task, make([]any, elements))
}

func (b nativeBuilder) CreateInteger(task *respio.ReadTask, value int64) any {
	return b.attach(task, value)
}

func (b nativeBuilder) CreateNil(task *respio.ReadTask) any {
	return b.attach(task, nativeNil{})
}

func (nativeBuilder) Free(any) {}

func TestConn_NativeBuilderBlocking(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := Connect(srv.Addr(), &Options{Builder: nativeBuilder{}})
	require.NoError(t, err)
	defer conn.Free()

	obj, err := conn.CommandAny("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", obj)

	obj, err = conn.CommandAny("ECHO", "native")
	require.NoError(t, err)
	assert.Equal(t, "native", obj)

	obj, err = conn.CommandAny("MISSING")
	require.NoError(t, err)
	assert.Equal(t, nativeNil{}, obj)

	obj, err = conn.CommandAny("PAIR")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", int64(7)}, obj)

	// The typed helper refuses a non-tree value instead of panicking, and
	// the Conn stays usable.
	_, err = conn.Command("PING")
	assert.ErrorIs(t, err, ErrBuilderMismatch)
	assert.True(t, conn.Connected())

	obj, err = conn.CommandAny("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", obj)
}

func TestConn_NativeBuilderPipelined(t *testing.T) {
	srv := startFixture(t, echoHandler)
	conn, err := ConnectNonBlock(srv.Addr(), &Options{Builder: nativeBuilder{}})
	require.NoError(t, err)
	defer conn.Free()

	var got []any
	onReply := func(reply any, _ any) {
		got = append(got, reply)
	}
	require.NoError(t, conn.CommandWithCallback(onReply, nil, "ECHO", "one"))
	require.NoError(t, conn.CommandWithCallback(onReply, nil, "PAIR"))
	require.NoError(t, conn.CommandWithCallback(onReply, nil, "MISSING"))

	pumpUntil(t, conn, func() bool { return conn.Pending() == 0 })
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0])
	assert.Equal(t, []any{"a", int64(7)}, got[1])
	assert.Equal(t, nativeNil{}, got[2])
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "none", ErrKindNone.String())
	assert.Equal(t, "io", ErrKindIO.String())
	assert.Equal(t, "protocol", ErrKindProtocol.String())
	assert.Equal(t, "pipeline", ErrKindPipeline.String())
}
