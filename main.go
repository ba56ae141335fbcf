package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polyflow/config"
	"polyflow/evaluator"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/reader/polymarket"
	"polyflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Polyflow.Name,
		"version":     cfg.Polyflow.Version,
		"environment": env,
	}).Info("starting polyflow")

	if config.IsProductionLike(env) && !cfg.Sink.S3.Enabled {
		log.WithComponent("main").Warn("remote sink disabled in production-like environment, observations will only exist locally")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	channels := channel.NewChannels(
		cfg.Channels.QuoteBuffer,
		cfg.Channels.ObservationBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	markets := cfg.Registry()
	thresholds, err := cfg.ThresholdSet()
	if err != nil {
		log.WithError(err).Error("failed to build threshold set")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"markets":    len(markets),
		"thresholds": len(thresholds),
		"interval":   cfg.Poller.Interval,
	}).Info("market registry loaded")

	quoteReader := polymarket.NewReader(cfg, channels, markets)
	obsEvaluator := evaluator.NewEvaluator(thresholds, channels)

	sink, err := writer.NewSink(cfg, channels, thresholds)
	if err != nil {
		log.WithError(err).Error("failed to create sink")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sink.Start(ctx); err != nil {
			log.WithError(err).Warn("sink failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := obsEvaluator.Start(ctx); err != nil {
			log.WithError(err).Warn("evaluator failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := quoteReader.Start(ctx); err != nil {
			log.WithError(err).Warn("polymarket reader failed to start")
		}
	}()

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping polymarket reader")
	quoteReader.Stop()

	log.Info("stopping evaluator")
	obsEvaluator.Stop()

	log.Info("stopping sink")
	sink.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("polyflow stopped")
}
