package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"

	"github.com/pzhenzhou/redpipe/pkg/client"
	"github.com/pzhenzhou/redpipe/pkg/common"
	"github.com/pzhenzhou/redpipe/pkg/metrics"
	"github.com/pzhenzhou/redpipe/pkg/respio"
	"github.com/pzhenzhou/redpipe/pkg/web_service"
)

var (
	logger   = common.InitLogger().WithName("bench")
	benchCfg BenchConfig
)

type BenchConfig struct {
	common.ToolConfig `embed:""`
	Clients           int    `help:"Number of concurrent connections" name:"clients" default:"4"`
	Requests          int    `help:"Total commands per connection" name:"requests" default:"100000"`
	ValueSize         int    `help:"Payload bytes for SET" name:"value-size" default:"64"`
	Workload          string `help:"Workload to run. One of ping, set, get." name:"workload" default:"ping" enum:"ping,set,get"`
}

type workerResult struct {
	completed int
	errors    int
	elapsed   time.Duration
}

func main() {
	ctx := kong.Parse(&benchCfg)
	if err := benchCfg.Validate(); err != nil {
		ctx.FatalIfErrorf(err)
	}

	registry := client.NewRegistry()
	middleware := setupMetrics(registry)

	results := make([]workerResult, benchCfg.Clients)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < benchCfg.Clients; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = runWorker(registry, middleware)
		}(i)
	}
	wg.Wait()
	report(results, time.Since(start))
	registry.Clear()
}

// setupMetrics wires the collector, the middleware, and the optional debug
// web server. Returns nil middleware when metrics are disabled.
func setupMetrics(registry *client.Registry) *metrics.ClientMetricsMiddleware {
	var middleware *metrics.ClientMetricsMiddleware
	var collector metrics.ClientMetricsCollector
	if benchCfg.Metrics.EnableMetrics {
		cfg := metrics.NewPrometheusConfig("redpipe_bench")
		if strings.EqualFold(benchCfg.Metrics.MetricsSinkType, "memory") {
			cfg = metrics.NewInMemoryConfig("redpipe_bench")
		}
		var err error
		collector, err = metrics.NewMetricsCollector(cfg)
		if err != nil {
			logger.Error(err, "Failed to init metrics collector")
			os.Exit(1)
		}
		middleware = metrics.NewClientMetricsMiddleware(collector)
	}
	if benchCfg.WebServer.Enable {
		webSrv := web_service.NewWebServer(&benchCfg.ToolConfig, registry)
		if collector != nil {
			webSrv.RegisterMetricsHandler(benchCfg.Metrics.MetricsPath, collector.Handler())
		}
		lis, err := benchCfg.WebListener()
		if err != nil {
			logger.Error(err, "Failed to bind web listener")
			os.Exit(1)
		}
		go func() {
			if err := webSrv.Start(lis); err != nil {
				logger.Error(err, "Web server exited")
			}
		}()
	}
	return middleware
}

// dial opens one non-blocking connection, retrying with exponential backoff
// when dial.retry-for is set.
func dial() (*client.Conn, error) {
	opts := &client.Options{DialTimeout: benchCfg.Dial.Timeout}
	if benchCfg.Dial.MaxRetryFor <= 0 {
		return client.ConnectNonBlock(benchCfg.Addr, opts)
	}
	return backoff.Retry[*client.Conn](context.Background(), func() (*client.Conn, error) {
		conn, dialErr := client.ConnectNonBlock(benchCfg.Addr, opts)
		if dialErr != nil {
			logger.Info("Dial failed, retrying", "Addr", benchCfg.Addr, "Err", dialErr)
			return nil, dialErr
		}
		return conn, nil
	}, backoff.WithMaxElapsedTime(benchCfg.Dial.MaxRetryFor))
}

func runWorker(registry *client.Registry, middleware *metrics.ClientMetricsMiddleware) workerResult {
	var res workerResult
	conn, err := dial()
	if err != nil {
		logger.Error(err, "Worker could not connect")
		res.errors++
		return res
	}
	if middleware != nil {
		conn.SetMetricsMiddleware(middleware)
	}
	registry.Register(conn)

	value := strings.Repeat("x", benchCfg.ValueSize)
	onReply := func(reply any, privdata any) {
		res.completed++
		if r, ok := reply.(*respio.Reply); ok && r.IsProtocolError() {
			res.errors++
		}
	}

	start := time.Now()
	issued := 0
	for res.completed < benchCfg.Requests && conn.Err() == nil {
		for issued < benchCfg.Requests && issued-res.completed < benchCfg.Pipeline {
			if err := issue(conn, issued, value, onReply); err != nil {
				break
			}
			issued++
		}
		if err := pump(conn); err != nil {
			logger.Error(err, "Worker pipeline failed", "ErrKind", conn.ErrKind())
			res.errors += benchCfg.Requests - res.completed
			break
		}
	}
	res.elapsed = time.Since(start)
	return res
}

func issue(conn *client.Conn, seq int, value string, fn client.ReplyCallback) error {
	switch benchCfg.Workload {
	case "set":
		key := fmt.Sprintf("bench:key:%d", seq)
		return conn.CommandWithCallback(fn, nil, "SET", key, value)
	case "get":
		key := fmt.Sprintf("bench:key:%d", seq)
		return conn.CommandWithCallback(fn, nil, "GET", key)
	default:
		return conn.CommandWithCallback(fn, nil, "PING")
	}
}

// pump drives one round of the non-blocking cycle: flush what we can, read
// what arrived, dispatch completed replies.
func pump(conn *client.Conn) error {
	if _, err := conn.FlushOutput(); err != nil {
		return err
	}
	if err := conn.ReadAvailable(); err != nil {
		return err
	}
	return conn.DispatchReadyReplies()
}

func report(results []workerResult, wall time.Duration) {
	completed := lo.SumBy(results, func(r workerResult) int { return r.completed })
	errors := lo.SumBy(results, func(r workerResult) int { return r.errors })
	opsPerSec := float64(completed) / wall.Seconds()
	logger.Info("Benchmark finished",
		"Workload", benchCfg.Workload,
		"Clients", benchCfg.Clients,
		"Pipeline", benchCfg.Pipeline,
		"Completed", completed,
		"Errors", errors,
		"Elapsed", wall.Round(time.Millisecond).String(),
		"OpsPerSec", fmt.Sprintf("%.0f", opsPerSec))
	if errors > 0 {
		os.Exit(1)
	}
}
