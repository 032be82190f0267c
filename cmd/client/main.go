// Command client runs one changefeed subscriber process: it dials the
// messaging fabric, hosts the feed.Client registry a query runtime
// attaches point/range/limit subscriptions through, and serves
// Prometheus metrics. The query runtime itself is an external
// collaborator (spec.md §1) that embeds this process's feed.Client and
// internal/subscription types directly rather than over a network API,
// so main here only wires up the long-lived infrastructure and blocks
// until shutdown. Grounded on the teacher's cmd/single/main.go (flag
// parsing, automaxprocs, config load, graceful signal shutdown).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/odin-db/changefeed/internal/config"
	"github.com/odin-db/changefeed/internal/feed"
	"github.com/odin-db/changefeed/internal/log"
	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides CHANGEFEED_LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(log.Config{Level: log.LevelInfo, Format: log.FormatJSON, Component: "client-boot"})
	bootLogger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = string(log.LevelDebug)
	}

	logger := log.New(log.Config{Level: log.Level(cfg.LogLevel), Format: log.Format(cfg.LogFormat), Component: "client"})
	cfg.LogConfig(logger)

	registry := prometheus.NewRegistry()
	subMetrics := metrics.NewSubscriber(registry)

	transport, err := messaging.Dial(cfg.NATSURL, cfg.NATSName+"-client", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial messaging transport")
	}
	defer transport.Close()

	client := feed.NewClient(transport, logger, subMetrics)
	logger.Info().Msg("subscriber client ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	client.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	logger.Info().Msg("client stopped")
}
