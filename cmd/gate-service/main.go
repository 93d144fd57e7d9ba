package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/tradeforge/agent-gate/internal/archive"
	"github.com/tradeforge/agent-gate/internal/catalog"
	"github.com/tradeforge/agent-gate/internal/config"
	"github.com/tradeforge/agent-gate/internal/events"
	"github.com/tradeforge/agent-gate/internal/gate"
	"github.com/tradeforge/agent-gate/internal/httpserver"
	"github.com/tradeforge/agent-gate/internal/metrics"
	"github.com/tradeforge/agent-gate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("catalog load: %v", err)
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer closeStore()

	source, err := buildMetricSource(cfg)
	if err != nil {
		log.Fatalf("metric source init: %v", err)
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		log.Fatalf("event publisher init: %v", err)
	}
	defer publisher.Close()

	var archiver archive.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archiver init: %v", err)
		}
		archiver = s3Archiver
	}

	g := gate.New(gate.Config{
		Store:     st,
		Catalog:   cat,
		Source:    source,
		Publisher: publisher,
		Archiver:  archiver,
	})
	if err := g.Registry().Seed(context.Background(), cat.Environments); err != nil {
		log.Fatalf("environment seed: %v", err)
	}

	server := httpserver.New(cfg, g, st)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("agent gate service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Printf("no database configured, using in-memory store (state is lost on restart)")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store.NewPGStore(db), func() { db.Close() }, nil
}

func buildMetricSource(cfg config.Config) (metrics.Source, error) {
	if cfg.MetricsURL == "" {
		log.Printf("no metrics service configured, using static source (all checks pending)")
		return metrics.NewStaticSource(), nil
	}
	return metrics.NewHTTPClient(metrics.HTTPClientConfig{
		BaseURL: cfg.MetricsURL,
		Timeout: cfg.MetricsTimeout,
		Retries: cfg.MetricsRetries,
	})
}

func buildPublisher(cfg config.Config) (events.Publisher, error) {
	if cfg.KafkaBrokers == "" {
		return &events.LogPublisher{}, nil
	}
	return events.NewKafkaPublisher(events.KafkaPublisherConfig{
		Brokers: strings.Split(cfg.KafkaBrokers, ","),
		Topic:   cfg.KafkaTopic,
	})
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
