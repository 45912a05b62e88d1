package eventloop

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzhenzhou/redpipe/pkg/respio"
)

// startEchoServer answers ECHO and PING on one accepted connection.
func startEchoServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		conn, acceptErr := lis.Accept()
		if acceptErr != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		dec := respio.NewDecoder(nil)
		defer dec.Close()
		w := respio.NewRespWriter(conn)
		buf := make([]byte, 4*1024)
		for {
			cmd, decErr := dec.GetTreeReply()
			if decErr != nil {
				return
			}
			if cmd == nil {
				n, readErr := conn.Read(buf)
				if n > 0 {
					dec.Feed(buf[:n])
				}
				if readErr != nil {
					return
				}
				continue
			}
			switch strings.ToUpper(string(cmd.Array[0].Data)) {
			case "PING":
				_ = w.WriteStatus("PONG")
			case "ECHO":
				_ = w.WriteBulkString(cmd.Array[1].Data)
			default:
				_ = w.WriteError("ERR unknown command")
			}
			respio.ReleaseReply(cmd)
			if flushErr := w.Flush(); flushErr != nil {
				return
			}
		}
	}()
	return lis.Addr().String()
}

func TestLoop_PipelinedIssueOrder(t *testing.T) {
	const depth = 32
	addr := startEchoServer(t)

	loop, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, loop.Start())
	defer func() { _ = loop.Stop() }()

	done := make(chan int, depth)
	pc, err := loop.Dial(addr, nil, nil)
	require.NoError(t, err)
	defer func() { _ = pc.Close() }()

	onReply := func(reply any, privdata any) {
		seq := privdata.(int)
		r := reply.(*respio.Reply)
		want := "seq-" + string(rune('a'+seq%26))
		assert.Equal(t, respio.RespString, r.Type)
		assert.Equal(t, want, string(r.Data))
		done <- seq
	}
	for i := 0; i < depth; i++ {
		arg := "seq-" + string(rune('a'+i%26))
		require.NoError(t, pc.Issue(onReply, i, "ECHO", arg))
	}

	next := 0
	timeout := time.After(5 * time.Second)
	for next < depth {
		select {
		case seq := <-done:
			// Replies must come back in strict issuance order.
			require.Equal(t, next, seq)
			next++
		case <-timeout:
			t.Fatalf("timed out waiting for reply %d of %d", next, depth)
		}
	}
}

// rawBuilder produces plain Go values instead of the reply tree.
type rawBuilder struct{}

func (rawBuilder) attach(task *respio.ReadTask, v any) any {
	if task.Parent != nil {
		task.Parent.([]any)[task.Idx] = v
	}
	return v
}

func (b rawBuilder) CreateString(task *respio.ReadTask, data []byte) any {
	return b.attach(task, string(data))
}

func (b rawBuilder) CreateArray(task *respio.ReadTask, elements int) any {
	return b.attach(task, make([]any, elements))
}

func (b rawBuilder) CreateInteger(task *respio.ReadTask, value int64) any {
	return b.attach(task, value)
}

func (b rawBuilder) CreateNil(task *respio.ReadTask) any {
	return b.attach(task, struct{}{})
}

func (rawBuilder) Free(any) {}

func TestLoop_CustomBuilderDispatch(t *testing.T) {
	addr := startEchoServer(t)

	loop, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, loop.Start())
	defer func() { _ = loop.Stop() }()

	pc, err := loop.Dial(addr, rawBuilder{}, nil)
	require.NoError(t, err)
	defer func() { _ = pc.Close() }()

	done := make(chan any, 1)
	require.NoError(t, pc.Issue(func(reply any, _ any) {
		done <- reply
	}, nil, "ECHO", "native"))

	select {
	case reply := <-done:
		assert.Equal(t, "native", reply)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reply")
	}
}

func TestLoop_DisconnectCallback(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	go func() {
		conn, acceptErr := lis.Accept()
		if acceptErr != nil {
			return
		}
		// Drop the connection without answering anything.
		_ = conn.Close()
		_ = lis.Close()
	}()

	loop, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, loop.Start())
	defer func() { _ = loop.Stop() }()

	closed := make(chan struct{})
	pc, err := loop.Dial(addr, nil, func(pc *PipeConn, err error) {
		close(closed)
	})
	require.NoError(t, err)

	require.NoError(t, pc.Issue(nil, nil, "PING"))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	assert.Equal(t, 0, pc.Pending())
	err = pc.IssueFormatted(respio.FormatCommand("PING"), nil, nil)
	require.Error(t, err)
}
