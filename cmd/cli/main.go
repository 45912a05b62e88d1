package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/pzhenzhou/redpipe/pkg/client"
	"github.com/pzhenzhou/redpipe/pkg/common"
	"github.com/pzhenzhou/redpipe/pkg/respio"
)

var (
	logger = common.InitLogger().WithName("cli")
	cliCfg CliConfig
)

type CliConfig struct {
	common.ToolConfig `embed:""`
	Command           []string `arg:"" optional:"" help:"Command to run once. Omit for an interactive prompt."`
}

func main() {
	ctx := kong.Parse(&cliCfg)
	if err := cliCfg.Validate(); err != nil {
		ctx.FatalIfErrorf(err)
	}
	conn, err := client.Connect(cliCfg.Addr, &client.Options{DialTimeout: cliCfg.Dial.Timeout})
	if err != nil {
		logger.Error(err, "Failed to connect", "Addr", cliCfg.Addr)
		os.Exit(1)
	}
	defer conn.Free()

	if len(cliCfg.Command) > 0 {
		if !runOnce(conn, cliCfg.Command) {
			os.Exit(1)
		}
		return
	}
	repl(conn)
}

func runOnce(conn *client.Conn, args []string) bool {
	reply, err := conn.Command(args...)
	if err != nil {
		logger.Error(err, "Command failed", "ErrKind", conn.ErrKind())
		return false
	}
	printReply(reply, 0)
	respio.ReleaseReply(reply)
	return true
}

func repl(conn *client.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	prompt := fmt.Sprintf("%s> ", cliCfg.Addr)
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			return
		}
		args := splitArgs(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if strings.EqualFold(args[0], "quit") || strings.EqualFold(args[0], "exit") {
			return
		}
		if !runOnce(conn, args) {
			return
		}
	}
}

// splitArgs tokenizes a prompt line, honoring double quotes so values with
// spaces can be sent as one argument.
func splitArgs(line string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}

func printReply(reply *respio.Reply, depth int) {
	indent := strings.Repeat("  ", depth)
	switch reply.Type {
	case respio.RespStatus:
		fmt.Printf("%s%s\n", indent, reply.Data)
	case respio.RespError:
		fmt.Printf("%s(error) %s\n", indent, reply.Data)
	case respio.RespInt:
		fmt.Printf("%s(integer) %d\n", indent, reply.Integer)
	case respio.RespString:
		fmt.Printf("%s%s\n", indent, strconv.Quote(string(reply.Data)))
	case respio.RespNil:
		fmt.Printf("%s(nil)\n", indent)
	case respio.RespArray:
		if len(reply.Array) == 0 {
			fmt.Printf("%s(empty array)\n", indent)
			return
		}
		for i, child := range reply.Array {
			fmt.Printf("%s%d)\n", indent, i+1)
			printReply(child, depth+1)
		}
	}
}
