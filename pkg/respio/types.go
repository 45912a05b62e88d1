package respio

import (
	"errors"

	"github.com/pzhenzhou/redpipe/pkg/common"
)

const (
	DefaultBufferSize = 8 * common.KB // 8KB
	MaxBulkSize       = 512 * common.MB
	// MaxArrayElements bounds the element count an array header may
	// announce. The element slice is allocated up front, so the header
	// alone must not be able to force a huge allocation.
	MaxArrayElements = 1024 * 1024
)

const (
	CRLF     = "\r\n"
	Nil      = "$-1\r\n"
	NilArray = "*-1\r\n"
)

const (
	RespStatus = byte('+') // +<string>\r\n
	RespError  = byte('-') // -<string>\r\n
	RespInt    = byte(':') // :<number>\r\n
	RespString = byte('$') // $<length>\r\n<bytes>\r\n
	RespArray  = byte('*') // *<len>\r\n<element-1>...<element-n>
	// RespNil never appears on the wire. A bulk string or array with a
	// declared length of -1 decodes to it.
	RespNil = byte('_')
)

var (
	ErrInvalidSyntax = errors.New("invalid RESP syntax")
	ErrTooLarge      = errors.New("value too large")
	ErrBadCRLFEnd    = errors.New("bad CRLF end")
	ErrNotTreeReply  = errors.New("reply builder did not produce *Reply")
)

var (
	OkStatus = []byte("OK")
)
