package testutils

import (
	"flag"
	"fmt"
	"time"

	"github.com/pzhenzhou/redpipe/pkg/common"
)

var (
	Logger     = common.InitLogger().WithName("[Client-TEST]")
	ServerAddr = "127.0.0.1:6379"
)

// ParseServerAddr reads the -addr flag shared by the smoke-test binaries.
func ParseServerAddr() {
	flag.StringVar(&ServerAddr, "addr", ServerAddr, "address of a live Redis-compatible server")
	flag.Parse()
}

func GenerateKey(cmd string) string {
	timestamp := time.Now().UnixMilli()
	key := fmt.Sprintf("client_test_%s_%d", cmd, timestamp)
	return key
}
