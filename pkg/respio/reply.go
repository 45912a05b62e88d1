package respio

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pzhenzhou/redpipe/pkg/common"
)

var (
	logger = common.InitLogger().WithName("resp")
)

// Reply is a decoded protocol value. Exactly one of Data/Integer/Array is
// meaningful depending on Type. An Array reply exclusively owns its elements:
// releasing the reply releases every descendant exactly once.
type Reply struct {
	Type    byte
	Integer int64
	Data    []byte
	Array   []*Reply
}

func (p *Reply) IsNil() bool {
	return p.Type == RespNil
}

// IsProtocolError reports whether this is an error reply sent by the server.
// It is a value like any other, not a transport failure.
func (p *Reply) IsProtocolError() bool {
	return p.Type == RespError
}

func (p *Reply) IsOkStatus() bool {
	return p.Type == RespStatus && bytes.Equal(p.Data, OkStatus)
}

// String returns a string representation of the Reply
// Only for debugging purposes
func (p *Reply) String() string {
	switch p.Type {
	case RespStatus:
		return fmt.Sprintf("Status: \"%s\"", string(p.Data))

	case RespError:
		return fmt.Sprintf("Error: %s", string(p.Data))

	case RespInt:
		return fmt.Sprintf("Integer: %d", p.Integer)

	case RespString:
		return fmt.Sprintf("String: \"%s\"", string(p.Data))

	case RespArray:
		if len(p.Array) == 0 {
			return "Array: (empty)"
		}
		var b strings.Builder
		b.WriteString("Array:\n")
		for i, elem := range p.Array {
			elemStr := elem.String()
			lines := strings.Split(elemStr, "\n")
			b.WriteString(fmt.Sprintf("  %d) %s\n", i+1, lines[0]))
			for _, line := range lines[1:] {
				b.WriteString(fmt.Sprintf("     %s\n", line))
			}
		}
		return strings.TrimRight(b.String(), "\n")

	case RespNil:
		return "(nil)"

	default:
		return fmt.Sprintf("(unknown type: %c)", p.Type)
	}
}
