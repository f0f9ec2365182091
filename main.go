package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oncoscope/config"
	"oncoscope/db"
	ohttp "oncoscope/http"
	"oncoscope/logger"
	"oncoscope/ml"
	"oncoscope/monitoring"
	"oncoscope/serving"
)

func main() {
	// 1. Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	if err := run(cfg, zl); err != nil {
		zl.Fatal("oncoscope stopped", zap.Error(err))
	}
	zl.Info("Exiting")
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	history, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer history.Close()
	zl.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. Load model artifacts
	enabled, err := cfg.EnabledModels()
	if err != nil {
		return err
	}
	store, err := ml.NewArtifactStore(cfg.Models.Dir)
	if err != nil {
		return err
	}
	registry := serving.NewRegistry(store, serving.RegistryOptions{
		Enabled: enabled,
		Logger:  zl,
	})
	if err := registry.Init(ctx); err != nil {
		return err
	}
	defer registry.Shutdown()

	predictor, err := serving.NewPredictor(registry, cfg.Serving.CacheSize)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	hub := monitoring.NewHub(zl, cfg.Http.AllowedOrigins...)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	metrics := monitoring.NewMetricsCollector()
	metrics.GaugeFunc("oncoscope_models_loaded", "Models currently served", func() float64 {
		return float64(len(registry.List()))
	})
	metrics.GaugeFunc("oncoscope_prediction_cache_hits", "Predictions answered from the cache", func() float64 {
		return float64(predictor.Stats().CacheHits)
	})
	metrics.GaugeFunc("oncoscope_ws_clients", "Connected event stream clients", func() float64 {
		return float64(hub.ClientCount())
	})

	alerts := monitoring.NewAlertSystem(monitoring.AlertOptions{
		MinAccuracy:     cfg.Alerts.MinAccuracy,
		MaxAccuracyDrop: cfg.Alerts.MaxAccuracyDrop,
		Cooldown:        cfg.Alerts.Cooldown,
		WebhookURL:      cfg.Alerts.WebhookURL,
		Events:          hub,
		Logger:          zl,
	})
	defer alerts.Wait()
	for _, e := range registry.Entries() {
		alerts.Observe(e.ID, e.Metrics.Accuracy)
	}

	source := ml.CSVSource{Path: cfg.Dataset.Path, Logger: zl.Named("dataset")}
	retrainer := serving.NewRetrainer(registry, store, source, serving.RetrainerOptions{
		TestRatio: cfg.Dataset.TestRatio,
		Seed:      cfg.Dataset.Seed,
		Parallel:  cfg.Retrain.Parallel,
		Trigger:   serving.TriggerAPI,
		Recorder:  history,
		Events:    monitoring.Publishers{hub, metrics, alerts},
		Logger:    zl,
	})

	// 4. Train whatever is enabled but has no artifact yet
	if cfg.Models.BootstrapMissing {
		if _, err := os.Stat(cfg.Dataset.Path); err == nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, res := range retrainer.TrainMissing(ctx) {
					if res.Err != nil {
						zl.Warn("bootstrap training failed", zap.String("model", string(res.ID)), zap.Error(res.Err))
					}
				}
			}()
		} else {
			zl.Warn("dataset not found, skipping bootstrap", zap.String("path", cfg.Dataset.Path))
		}
	}

	if cfg.Models.Watch {
		watcher := serving.NewWatcher(registry, store, cfg.Models.Dir, 500*time.Millisecond, zl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("artifact watcher stopped", zap.Error(err))
			}
		}()
	}

	// 5. Start HTTP server
	service := &ohttp.Service{
		Registry:       registry,
		Predictor:      predictor,
		Aggregator:     serving.NewAggregator(registry, predictor, cfg.Serving.MaxParallel, zl),
		Retrainer:      retrainer,
		History:        history,
		Events:         hub,
		Metrics:        metrics,
		Alerts:         alerts,
		RetrainTimeout: cfg.Retrain.Timeout,
		MaxBatch:       cfg.Http.MaxBatch,
		Logger:         zl,
	}
	server := ohttp.NewServer(ohttp.ServerConfig{
		Port:             cfg.Http.Port,
		Timeout:          cfg.Http.Timeout,
		AllowedOrigins:   cfg.Http.AllowedOrigins,
		RetrainPerMinute: cfg.Http.RetrainPerMinute,
	}, service, zl)

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	// 6. Handle graceful shutdown
	select {
	case err = <-errc:
		stop()
	case <-ctx.Done():
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err = server.Stop(shutdownCtx)
	}
	wg.Wait()
	return err
}
