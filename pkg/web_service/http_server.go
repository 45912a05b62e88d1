package web_service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/pzhenzhou/redpipe/pkg/client"
	"github.com/pzhenzhou/redpipe/pkg/common"
)

type HttpMethod string

const (
	GET    HttpMethod = "GET"
	POST   HttpMethod = "POST"
	PUT    HttpMethod = "PUT"
	DELETE HttpMethod = "DELETE"
)

const (
	ConnRegistryKey = "ConnRegistry"
)

type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

var (
	logger = common.InitLogger().WithName("web")
)

type WebHandler interface {
	Path() string
	Method() HttpMethod
	Handler(ctx *gin.Context)
}

// WebServer exposes the debug surface of the tools: health, the live
// connection registry, optional pprof, and the metrics endpoint when one is
// registered.
type WebServer struct {
	r        *gin.Engine
	server   *http.Server
	handlers []WebHandler
}

func NewWebServer(config *common.ToolConfig, registry *client.Registry) *WebServer {
	srv := initWebServer(config, registry)
	allHandler := []WebHandler{
		&HealthCheckHandler{},
		&ListConnsHandler{},
		&SweepConnsHandler{},
	}
	for _, handler := range allHandler {
		srv.registerHandler(handler)
	}
	return srv
}

func GlobalConnRegistry(registry *client.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ConnRegistryKey, registry)
		c.Next()
	}
}

func initWebServer(config *common.ToolConfig, registry *client.Registry) *WebServer {
	r := gin.New()
	zapLogger := common.RawZapLogger()
	if registry != nil {
		r.Use(GlobalConnRegistry(registry))
	}
	r.Use(ginzap.RecoveryWithZap(zapLogger, true))
	r.Use(ginzap.GinzapWithConfig(zapLogger, &ginzap.Config{
		UTC:        true,
		TimeFormat: time.RFC3339,
		Skipper: func(c *gin.Context) bool {
			if strings.HasPrefix(c.Request.URL.Path, "debug") {
				return true
			}
			return c.Request.URL.Path == "/healthz" && c.Request.Method == "GET"
		},
	}))
	if config.WebServer.EnablePprof {
		pprof.Register(r)
	}
	if common.IsProdRuntime() {
		gin.SetMode(gin.ReleaseMode)
	}
	return &WebServer{
		r:        r,
		handlers: make([]WebHandler, 0),
	}
}

// RegisterMetricsHandler mounts the metrics endpoint at path.
func (s *WebServer) RegisterMetricsHandler(path string, handler gin.HandlerFunc) {
	logger.Info("WebServer register metrics handler", "Path", path)
	s.r.GET(path, handler)
}

func (s *WebServer) Start(lis net.Listener) error {
	httpServer := &http.Server{
		Handler: s.r,
	}
	s.server = httpServer
	if err := httpServer.Serve(lis); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error(err, "Failed to start web server")
		return err
	} else {
		logger.Info("WebServer started.")
		return nil
	}
}

func (s *WebServer) Shutdown(ctx context.Context) {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Error(err, "Failed to shutdown web server")
		} else {
			logger.Info("WebServer stopped.")
		}
	}
}

func (s *WebServer) registerHandler(handler WebHandler) {
	_, ok := lo.Find(s.handlers, func(item WebHandler) bool {
		return item.Path() == handler.Path() && item.Method() == handler.Method()
	})
	if ok {
		logger.Info("handler already registered", "Path", handler.Path(),
			"Method", handler.Method())
		return
	}
	logger.Info("WebServer register handler", "Path", handler.Path(),
		"Method", handler.Method())
	switch handler.Method() {
	case GET:
		s.r.GET(handler.Path(), handler.Handler)
	case POST:
		s.r.POST(handler.Path(), handler.Handler)
	case PUT:
		s.r.PUT(handler.Path(), handler.Handler)
	case DELETE:
		s.r.DELETE(handler.Path(), handler.Handler)
	}
	s.handlers = append(s.handlers, handler)
}

var _ WebHandler = &HealthCheckHandler{}

type HealthCheckHandler struct {
}

func (h *HealthCheckHandler) Path() string {
	return "/healthz"
}

func (h *HealthCheckHandler) Method() HttpMethod {
	return GET
}

func (h *HealthCheckHandler) Handler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
