package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type WebServerConfig struct {
	Enable      bool `help:"Expose the debug HTTP endpoint" name:"enable" default:"false"`
	EnablePprof bool `help:"Enable pprof on the debug endpoint" name:"pprof" default:"true"`
	Port        int  `help:"Port for the debug HTTP endpoint" name:"port" default:"7080"`
}

type MetricsConfig struct {
	EnableMetrics   bool   `help:"Enable metrics collection" name:"enable" default:"false"`
	MetricsPath     string `help:"Metrics path" name:"path" default:"/metrics"`
	MetricsSinkType string `help:"Metrics sink type. support prometheus and memory." name:"sink" default:"prometheus"`
}

type DialConfig struct {
	Timeout     time.Duration `help:"Dial timeout" name:"timeout" default:"3s"`
	MaxRetryFor time.Duration `help:"Keep retrying a failed dial for this long. Zero disables retry." name:"retry-for" default:"0s"`
}

// ToolConfig is the shared flag surface for the cli and bench binaries.
type ToolConfig struct {
	Addr      string          `help:"Address of the Redis-compatible server (host:port)" name:"addr" default:"127.0.0.1:6379"`
	Pipeline  int             `help:"Number of commands kept in flight in non-blocking mode" name:"pipeline" default:"32"`
	Dial      DialConfig      `embed:"" prefix:"dial."`
	WebServer WebServerConfig `embed:"" prefix:"web."`
	Metrics   MetricsConfig   `embed:"" prefix:"metrics."`
}

func (c *ToolConfig) Endpoint() (string, int, error) {
	parts := strings.Split(c.Addr, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid server address: %s", c.Addr)
	}
	host := parts[0]
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid server port: %s", parts[1])
	}
	return host, port, nil
}

func (c *ToolConfig) Validate() error {
	if _, _, err := c.Endpoint(); err != nil {
		return err
	}
	if c.Pipeline <= 0 {
		return fmt.Errorf("invalid pipeline depth: %d", c.Pipeline)
	}
	if c.WebServer.Enable && c.WebServer.Port <= 0 {
		return fmt.Errorf("invalid web port: %d", c.WebServer.Port)
	}
	return nil
}

func (c *ToolConfig) WebListener() (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", c.WebServer.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on web port %d: %w", c.WebServer.Port, err)
	}
	return lis, nil
}
