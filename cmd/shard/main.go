// Command shard runs one changefeed publisher: it owns a single storage
// shard's Server, consumes that shard's write-log topic, and serves
// Prometheus metrics. Grounded on the teacher's cmd/multi/main.go and
// cmd/single/main.go (flag parsing, automaxprocs, config load, graceful
// signal shutdown), generalized from "one shard of websocket
// connections" to "one shard of a changefeed table".
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
	"github.com/odin-db/changefeed/internal/log"
	"github.com/odin-db/changefeed/internal/messaging"
	"github.com/odin-db/changefeed/internal/metrics"
	"github.com/odin-db/changefeed/internal/publisher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides CHANGEFEED_LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(log.Config{Level: log.LevelInfo, Format: log.FormatJSON, Component: "shard-boot"})
	bootLogger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = string(log.LevelDebug)
	}
	if cfg.Table == "" {
		bootLogger.Fatal().Msg("CHANGEFEED_TABLE is required")
	}

	logger := log.New(log.Config{Level: log.Level(cfg.LogLevel), Format: log.Format(cfg.LogFormat), Component: "shard"})
	cfg.LogConfig(logger)

	registry := prometheus.NewRegistry()
	pubMetrics := metrics.NewPublisher(registry)

	transport, err := messaging.Dial(cfg.NATSURL, cfg.NATSName+"-"+cfg.Table, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial messaging transport")
	}
	defer transport.Close()

	server := publisher.NewServer(cfg.Table, transport, logger, pubMetrics)
	logger.Info().Str("publisher_id", server.ID().String()).Msg("publisher server ready")

	var feed *publisher.KafkaFeed
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		topic := cfg.KafkaTopic
		if topic == "" {
			topic = cfg.Table + ".changes"
		}
		feed, err = publisher.NewKafkaFeed(publisher.KafkaFeedConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.ConsumerGroup,
			Topic:         topic,
			Server:        server,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka feed")
		}
		feed.Start()
		logger.Info().Str("topic", topic).Msg("kafka feed started")
	} else {
		logger.Warn().Msg("no kafka brokers configured; shard will only serve clients added in-process")
	}

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
	server.StopAll()
	if feed != nil {
		feed.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	logger.Info().Msg("shard stopped")
}
