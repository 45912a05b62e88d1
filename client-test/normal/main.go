package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pzhenzhou/redpipe/client-test/testutils"
	"github.com/pzhenzhou/redpipe/pkg/client"
	"github.com/pzhenzhou/redpipe/pkg/respio"
)

// Blocking-mode smoke test against a live server. Every value written through
// redpipe is read back through go-redis so the two clients cross-check each
// other's view of the wire.
func main() {
	testutils.ParseServerAddr()
	conn, err := client.Connect(testutils.ServerAddr, nil)
	if err != nil {
		panic(err)
	}
	defer conn.Free()
	rdb := redis.NewClient(&redis.Options{Addr: testutils.ServerAddr})
	defer func() { _ = rdb.Close() }()
	ctx := context.Background()

	pingT(conn)
	setGetT(ctx, conn, rdb)
	nilT(conn)
	errReplyT(conn)
	listT(ctx, conn, rdb)
	testutils.Logger.Info("All blocking-mode checks passed", "Addr", testutils.ServerAddr)
}

func mustCommand(conn *client.Conn, args ...string) *respio.Reply {
	reply, err := conn.Command(args...)
	if err != nil {
		panic(err)
	}
	return reply
}

func pingT(conn *client.Conn) {
	reply := mustCommand(conn, "PING")
	defer respio.ReleaseReply(reply)
	if reply.Type != respio.RespStatus || string(reply.Data) != "PONG" {
		panic(fmt.Sprintf("PING expected +PONG, got %s", reply.String()))
	}
}

func setGetT(ctx context.Context, conn *client.Conn, rdb *redis.Client) {
	key := testutils.GenerateKey("setGetT")
	reply := mustCommand(conn, "SET", key, "hello")
	if !reply.IsOkStatus() {
		panic(fmt.Sprintf("SET expected +OK, got %s", reply.String()))
	}
	respio.ReleaseReply(reply)

	// Cross-check with go-redis.
	val, err := rdb.Get(ctx, key).Result()
	if err != nil {
		panic(err)
	}
	if val != "hello" {
		panic(fmt.Sprintf("Expected hello, got %s", val))
	}

	reply = mustCommand(conn, "GET", key)
	defer respio.ReleaseReply(reply)
	if reply.Type != respio.RespString || string(reply.Data) != "hello" {
		panic(fmt.Sprintf("GET expected hello, got %s", reply.String()))
	}
}

func nilT(conn *client.Conn) {
	key := testutils.GenerateKey("nilT")
	reply := mustCommand(conn, "GET", key)
	defer respio.ReleaseReply(reply)
	if !reply.IsNil() {
		panic(fmt.Sprintf("GET on a missing key expected nil, got %s", reply.String()))
	}
}

func errReplyT(conn *client.Conn) {
	// An error reply must come back as a value without failing the Conn.
	reply := mustCommand(conn, "NOSUCHCOMMAND")
	defer respio.ReleaseReply(reply)
	if !reply.IsProtocolError() {
		panic(fmt.Sprintf("Expected an error reply, got %s", reply.String()))
	}
	if !conn.Connected() {
		panic("Conn must stay usable after a server error reply")
	}
}

func listT(ctx context.Context, conn *client.Conn, rdb *redis.Client) {
	key := testutils.GenerateKey("listT")
	if err := rdb.RPush(ctx, key, "hello", "world").Err(); err != nil {
		panic(err)
	}
	reply := mustCommand(conn, "LRANGE", key, "0", "-1")
	defer respio.ReleaseReply(reply)
	expected := []string{"hello", "world"}
	if reply.Type != respio.RespArray || len(reply.Array) != len(expected) {
		panic(fmt.Sprintf("LRANGE expected %d elements, got %s", len(expected), reply.String()))
	}
	for i, want := range expected {
		if string(reply.Array[i].Data) != want {
			panic(fmt.Sprintf("Expected %s, got %s", want, reply.Array[i].Data))
		}
	}
}
