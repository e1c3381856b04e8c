package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/darenliang/loadswarm-go/lib"
	"github.com/darenliang/loadswarm-go/lib/config"
	"github.com/darenliang/loadswarm-go/lib/dispatcher"
	"github.com/darenliang/loadswarm-go/lib/loadgen"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/darenliang/loadswarm-go/lib/worker"
	"go.uber.org/zap"
)

var (
	configPath = kingpin.Flag("config", "YAML configuration file.").Short('c').String()
	debug      = kingpin.Flag("debug", "Print debug logs.").Default("false").Bool()
	logJSON    = kingpin.Flag("log-json", "Write logs as JSON lines.").Default("false").Bool()
	version    = kingpin.CommandLine.Version(lib.Version)

	dispatcherCmd            = kingpin.Command("dispatcher", "Accept workers and broadcast load tests to them.")
	dispatcherListen         = dispatcherCmd.Flag("listen", "Address to listen on.").String()
	dispatcherMaxConnections = dispatcherCmd.Flag("max-connections", "Maximum number of concurrent worker connections.").Int()
	dispatcherWorkerTimeout  = dispatcherCmd.Flag("worker-timeout", "Evict workers silent for longer than this.").Duration()

	workerCmd         = kingpin.Command("worker", "Connect to a dispatcher and run the load tests it sends.")
	workerAddress     = workerCmd.Arg("address", "Dispatcher address to connect to.").String()
	workerClientID    = workerCmd.Flag("client-id", "Identity to register with, generated when empty.").String()
	workerConcurrency = workerCmd.Flag("concurrency", "Request loops per task, defaults to the number of CPUs.").Int()

	benchCmd         = kingpin.Command("bench", "Run one load test locally without a dispatcher.")
	benchURL         = benchCmd.Arg("url", "Target URL.").Required().String()
	benchMethod      = benchCmd.Flag("method", "HTTP method.").Short('X').Default("GET").String()
	benchDuration    = benchCmd.Flag("duration", "Test duration in seconds.").Short('d').Default("10").Uint64()
	benchConcurrency = benchCmd.Flag("concurrency", "Number of request loops.").Short('n').Default("16").Int()
	benchHeaders     = benchCmd.Flag("header", "Request header as key=value.").Short('H').StringMap()
	benchQuery       = benchCmd.Flag("query", "Query parameter as key=value.").Short('q').StringMap()
	benchPayload     = benchCmd.Flag("payload", "JSON payload template.").Short('p').String()
	benchRandom      = benchCmd.Flag("random-field", "Dot path of a payload field to randomize.").Short('r').Strings()
	benchTimeout     = benchCmd.Flag("timeout", "Per-request timeout.").Default("30s").Duration()
)

func main() {
	command := kingpin.Parse()

	// init logger
	if *debug {
		logging.InitLogger(zap.DebugLevel, *logJSON)
	} else {
		logging.InitLogger(zap.InfoLevel, *logJSON)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Logger.Fatal(err)
	}

	// create context
	ctx, cancel := context.WithCancel(context.Background())

	// handle interrupt signal
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt)
	go func() {
		<-signalCh
		cancel()
	}()

	switch command {
	case dispatcherCmd.FullCommand():
		runDispatcher(ctx, cfg.Dispatcher)
	case workerCmd.FullCommand():
		runWorker(ctx, cfg.Worker)
	case benchCmd.FullCommand():
		runBench(ctx)
	}
}

func runDispatcher(ctx context.Context, cfg config.DispatcherConfig) {
	if *dispatcherListen != "" {
		cfg.Listen = *dispatcherListen
	}
	if *dispatcherMaxConnections > 0 {
		cfg.MaxConnections = *dispatcherMaxConnections
	}
	if *dispatcherWorkerTimeout > 0 {
		cfg.WorkerTimeout = *dispatcherWorkerTimeout
	}

	d, err := dispatcher.NewDispatcher(ctx, cfg)
	if err != nil {
		logging.Logger.Fatal(err)
	}
	if err := d.Run(); err != nil {
		logging.Logger.Fatal(err)
	}
}

func runWorker(ctx context.Context, cfg config.WorkerConfig) {
	if *workerAddress != "" {
		cfg.Server = *workerAddress
	}
	if *workerClientID != "" {
		cfg.ClientID = *workerClientID
	}
	if *workerConcurrency > 0 {
		cfg.Concurrency = *workerConcurrency
	}

	w, err := worker.NewWorker(cfg)
	if err != nil {
		logging.Logger.Fatal(err)
	}
	logging.Logger.Infof("worker %s connecting to %s", w.ID(), w.URL())
	if err := w.Run(ctx); err != nil {
		logging.Logger.Fatal(err)
	}
}

func runBench(ctx context.Context) {
	task := &protocol.TaskConfig{
		URL:          *benchURL,
		Method:       *benchMethod,
		Headers:      *benchHeaders,
		QueryParams:  *benchQuery,
		Duration:     *benchDuration,
		RandomFields: *benchRandom,
	}
	if *benchPayload != "" {
		task.PayloadTemplate = json.RawMessage(*benchPayload)
	}
	if err := task.Validate(); err != nil {
		logging.Logger.Fatal(err)
	}

	client := loadgen.NewHTTPClient(*benchTimeout, *benchConcurrency)
	pool := loadgen.NewPool(*benchConcurrency, loadgen.NewExecutor(client, loadgen.BenchRetry))
	aggregator := loadgen.NewAggregator(time.Second)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snapshot := aggregator.Snapshot()
				logging.Logger.Infof("qps: %.2f, requests: %d, errors: %d, avg: %.2fms",
					snapshot.CurrentQPS, snapshot.TotalRequests, snapshot.ErrorCount, snapshot.AvgResponseTime)
			case <-runCtx.Done():
				return
			}
		}
	}()

	logging.Logger.Infof("benchmarking %s %s for %ds with %d loops", task.HTTPMethod(), task.URL, task.Duration, pool.Concurrency())
	if err := pool.Run(runCtx, task, aggregator); err != nil {
		logging.Logger.Warnf("benchmark interrupted: %s", err)
	}
	stop()

	snapshot := aggregator.Snapshot()
	logging.Logger.Infow("benchmark finished",
		"total_requests", snapshot.TotalRequests,
		"success_count", snapshot.SuccessCount,
		"error_count", snapshot.ErrorCount,
		"avg_response_time_ms", snapshot.AvgResponseTime,
		"min_response_time_ms", snapshot.MinResponseTime,
		"max_response_time_ms", snapshot.MaxResponseTime,
		"p50_ms", snapshot.P50ResponseTime,
		"p95_ms", snapshot.P95ResponseTime,
		"p99_ms", snapshot.P99ResponseTime,
		"errors", snapshot.Errors,
	)
}
