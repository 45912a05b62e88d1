package respio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCommand(t *testing.T) {
	got := FormatCommand("HSET", "myhash", "field1", "Hello")
	want := "*4\r\n$4\r\nHSET\r\n$6\r\nmyhash\r\n$6\r\nfield1\r\n$5\r\nHello\r\n"
	assert.Equal(t, want, string(got))
}

func TestAppendCommand_GrowsDestination(t *testing.T) {
	buf := FormatCommand("PING")
	buf = AppendCommand(buf, "GET", "key")
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n", string(buf))
}

func TestRespWriter_RoundTrip(t *testing.T) {
	reply := &Reply{
		Type: RespArray,
		Array: []*Reply{
			{Type: RespStatus, Data: []byte("OK")},
			{Type: RespInt, Integer: -7},
			{Type: RespNil},
			{Type: RespString, Data: []byte("payload")},
		},
	}

	var buf bytes.Buffer
	w := NewRespWriter(&buf)
	require.NoError(t, w.WriteReply(reply))
	require.NoError(t, w.Flush())

	decoded := mustDecodeOne(t, buf.Bytes())
	assert.Equal(t, reply.String(), decoded.String())
}
