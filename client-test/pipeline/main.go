package main

import (
	"fmt"

	"github.com/pzhenzhou/redpipe/client-test/testutils"
	"github.com/pzhenzhou/redpipe/pkg/client"
	"github.com/pzhenzhou/redpipe/pkg/respio"
)

const pipelineDepth = 128

// Non-blocking smoke test: issue a full pipeline of commands with callbacks
// and verify the replies come back in strict issuance order.
func main() {
	testutils.ParseServerAddr()
	conn, err := client.ConnectNonBlock(testutils.ServerAddr, nil)
	if err != nil {
		panic(err)
	}
	defer conn.Free()

	next := 0
	onEcho := func(reply any, privdata any) {
		seq := privdata.(int)
		if seq != next {
			panic(fmt.Sprintf("Reply out of order: expected seq %d, got %d", next, seq))
		}
		next++
		r := reply.(*respio.Reply)
		want := fmt.Sprintf("seq-%d", seq)
		if r.Type != respio.RespString || string(r.Data) != want {
			panic(fmt.Sprintf("ECHO expected %s, got %s", want, r.String()))
		}
	}

	for i := 0; i < pipelineDepth; i++ {
		if err := conn.CommandWithCallback(onEcho, i, "ECHO", fmt.Sprintf("seq-%d", i)); err != nil {
			panic(err)
		}
	}
	if conn.Pending() != pipelineDepth {
		panic(fmt.Sprintf("Expected %d pending, got %d", pipelineDepth, conn.Pending()))
	}

	for conn.Pending() > 0 {
		if _, err := conn.FlushOutput(); err != nil {
			panic(err)
		}
		if err := conn.ReadAvailable(); err != nil {
			panic(err)
		}
		if err := conn.DispatchReadyReplies(); err != nil {
			panic(err)
		}
	}
	if next != pipelineDepth {
		panic(fmt.Sprintf("Expected %d replies, got %d", pipelineDepth, next))
	}
	testutils.Logger.Info("All pipeline checks passed",
		"Addr", testutils.ServerAddr, "Depth", pipelineDepth)
}
