package web_service

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pzhenzhou/redpipe/pkg/client"
)

const (
	ListConnsPath  = "/list_conns"
	SweepConnsPath = "/sweep_conns"
)

type ConnSummary struct {
	Id         string `json:"id"`
	RemoteAddr string `json:"remote_addr"`
	Blocking   bool   `json:"blocking"`
	Connected  bool   `json:"connected"`
	Pending    int    `json:"pending"`
	AgeMs      int64  `json:"age_ms"`
	ErrKind    string `json:"err_kind"`
	Err        string `json:"err,omitempty"`
}

func summarize(c *client.Conn) ConnSummary {
	s := ConnSummary{
		Id:        c.Id,
		Blocking:  c.IsBlocking(),
		Connected: c.Connected(),
		Pending:   c.Pending(),
		AgeMs:     c.Age().Milliseconds(),
		ErrKind:   c.ErrKind().String(),
	}
	if addr := c.RemoteAddr(); addr != nil {
		s.RemoteAddr = addr.String()
	}
	if err := c.Err(); err != nil {
		s.Err = err.Error()
	}
	return s
}

func registryFrom(ctx *gin.Context) (*client.Registry, bool) {
	object, ok := ctx.Get(ConnRegistryKey)
	if !ok {
		ctx.JSON(http.StatusServiceUnavailable, ApiResponse{
			Code:    http.StatusServiceUnavailable,
			Message: "connection registry not configured",
		})
		return nil, false
	}
	return object.(*client.Registry), true
}

var _ WebHandler = (*ListConnsHandler)(nil)

// ListConnsHandler dumps every registered connection.
type ListConnsHandler struct {
}

func (l *ListConnsHandler) Path() string {
	return ListConnsPath
}

func (l *ListConnsHandler) Method() HttpMethod {
	return GET
}

func (l *ListConnsHandler) Handler(ctx *gin.Context) {
	registry, ok := registryFrom(ctx)
	if !ok {
		return
	}
	summaries := make([]ConnSummary, 0, registry.Len())
	registry.Range(func(c *client.Conn) bool {
		summaries = append(summaries, summarize(c))
		return true
	})
	ctx.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    summaries,
	})
}

var _ WebHandler = (*SweepConnsHandler)(nil)

// SweepConnsHandler drops dead or unhealthy idle connections from the
// registry and reports which ids were removed.
type SweepConnsHandler struct {
}

func (s *SweepConnsHandler) Path() string {
	return SweepConnsPath
}

func (s *SweepConnsHandler) Method() HttpMethod {
	return POST
}

func (s *SweepConnsHandler) Handler(ctx *gin.Context) {
	registry, ok := registryFrom(ctx)
	if !ok {
		return
	}
	removed := registry.Sweep()
	ctx.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data: gin.H{
			"removed": removed,
			"live":    registry.Len(),
		},
	})
}
