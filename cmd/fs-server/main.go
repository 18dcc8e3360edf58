package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FlowScope/internal/columnar"
	"FlowScope/internal/config"
	"FlowScope/internal/ingest"
	"FlowScope/internal/model"
	"FlowScope/internal/realtime"
	"FlowScope/internal/rollup"
	"FlowScope/internal/stats"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	flushInterval := mustDuration(cfg.Rollup.FlushInterval, "rollup.flush_interval")
	hourCompactAfter := mustDuration(cfg.Rollup.HourCompactAfter, "rollup.hour_compact_after")
	metricsInterval := mustDuration(cfg.Realtime.MetricsLogInterval, "realtime.metrics_log_interval")
	freshness := mustDuration(cfg.ClickHouse.FreshnessWindow, "clickhouse.freshness_window")
	tolerance := time.Duration(cfg.Realtime.ToleranceMS) * time.Millisecond

	facts, err := rollup.New(cfg.Rollup.Path, hourCompactAfter)
	if err != nil {
		log.Fatalf("Failed to open rollup store at %s: %v", cfg.Rollup.Path, err)
	}
	defer facts.Close()

	var (
		mirror  rollup.Mirror
		querier *columnar.Querier
	)
	if cfg.ClickHouse.Enabled {
		writer, err := columnar.NewWriter(cfg.ClickHouse)
		if err != nil {
			if cfg.ClickHouse.Strict {
				log.Fatalf("Failed to connect ClickHouse writer: %v", err)
			}
			log.Printf("ClickHouse writer unavailable, continuing without mirror: %v", err)
		} else {
			defer writer.Close()
			mirror = writer
		}

		querier, err = columnar.NewQuerier(cfg.ClickHouse)
		if err != nil {
			if cfg.ClickHouse.Strict {
				log.Fatalf("Failed to connect ClickHouse querier: %v", err)
			}
			log.Printf("ClickHouse querier unavailable, serving from local store only: %v", err)
			querier = nil
		} else {
			defer querier.Close()
		}
	}

	hot := realtime.New(cfg.Realtime)

	sub, err := ingest.NewSubscriber(cfg.NATS, hot)
	if err != nil {
		log.Fatalf("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)
	}
	defer sub.Close()
	if err := sub.Start(); err != nil {
		log.Fatalf("Failed to subscribe to event subjects: %v", err)
	}

	flusher := rollup.NewFlusher(hot, facts, mirror, flushInterval)
	flusher.Start()
	defer flusher.Stop()

	var reader model.FactReader
	if querier != nil {
		reader = querier
	}
	router := stats.NewRouter(facts, reader, cfg.ClickHouse.Strict, freshness, hourCompactAfter)
	service := stats.NewService(hot, router, tolerance, cfg.Realtime.RetentionMinutes)

	var dropped func() int64
	if w, ok := mirror.(*columnar.Writer); ok {
		dropped = w.Dropped
	}
	stopMetrics := service.StartMetricsLogger(metricsInterval, dropped)
	defer stopMetrics()

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: newHTTPHandler(service),
	}
	go func() {
		log.Printf("HTTP API server starting on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)

	log.Println("Server exited.")
}

func mustDuration(v, name string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("Invalid duration for %s: %q", name, v)
	}
	return d
}
