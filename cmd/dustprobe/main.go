package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jverney/dustprobe/internal/accessory"
	"github.com/jverney/dustprobe/internal/config"
	"github.com/jverney/dustprobe/internal/dps"
	"github.com/jverney/dustprobe/internal/probe"
	"github.com/jverney/dustprobe/internal/server"
	"github.com/jverney/dustprobe/internal/snapshot"
	"github.com/jverney/dustprobe/internal/transport"
)

func main() {
	configPath := flag.String("config", envOrDefault("DUSTPROBE_CONFIG", config.DefaultPath), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var archiver snapshot.Archiver
	if cfg.Archive != nil {
		archiver, err = snapshot.NewS3Archive(*cfg.Archive)
		if err != nil {
			log.Fatalf("init archive: %v", err)
		}
	}

	store, err := snapshot.NewStore(cfg.DataDir, cfg.DeviceID, cfg.RetentionCap, archiver)
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}

	monitored := cfg.MonitoredKeys
	if cfg.CatalogPath != "" {
		catalog, err := accessory.NewFile(cfg.CatalogPath, time.Now).Load()
		if err != nil {
			log.Fatalf("load accessory catalog: %v", err)
		}
		// Enabled templates extend a restricted monitored-key set so their
		// blobs are always captured. An empty set already monitors all keys.
		if len(monitored) > 0 {
			for _, tpl := range catalog.Enabled() {
				monitored = appendUnique(monitored, tpl.DPSKey)
			}
		}
	}

	p := probe.New(probe.Config{
		DeviceID:      cfg.DeviceID,
		MonitoredKeys: monitored,
		Analyzer:      cfg.AnalyzerConfig(),
		Tracker:       cfg.TrackerConfig(),
		Engine:        cfg.EngineConfig(),
	}, store)
	log.Printf("dustprobe session %s for device %s", p.SessionID(), cfg.DeviceID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handle := func(obs dps.Observation) {
		if err := p.HandleObservation(ctx, obs); err != nil {
			log.Printf("handle observation: %v", err)
		}
	}

	switch {
	case cfg.MQTT != nil:
		source, err := transport.NewMQTTSource(*cfg.MQTT, handle)
		if err != nil {
			log.Fatalf("mqtt connect: %v", err)
		}
		defer source.Close()
		log.Printf("subscribed to %s on %s:%d", cfg.MQTT.Topic, cfg.MQTT.Host, cfg.MQTT.Port)
	case cfg.Local != nil:
		poller := transport.NewPoller(transport.NewHTTPFetcher(*cfg.Local), handle, cfg.PollInterval())
		go poller.Run(ctx)
		log.Printf("polling %s every %s", cfg.Local.URL, cfg.PollInterval())
	default:
		log.Fatalf("config needs an mqtt or local source")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(probe.NewMetricsCollector(p))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dustprobe_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler)
	mux.Handle("/metrics", server.MetricsHandler(registry))
	mux.Handle("/status", server.StatusHandler(p))
	mux.Handle("/capture/baseline", server.CaptureHandler(p.CaptureBaseline))
	mux.Handle("/capture/post_cleaning", server.CaptureHandler(p.CapturePostCleaning))

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, mux)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := p.Flush(shutdownCtx); err != nil {
		log.Printf("flush pending snapshot: %v", err)
	}
}

func appendUnique(keys []string, key string) []string {
	for _, existing := range keys {
		if existing == key {
			return keys
		}
	}
	return append(keys, key)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
