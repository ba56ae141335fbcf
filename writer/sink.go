package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "polyflow/config"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
)

// Sink consumes observations and fans them out to the configured backends.
// The CSV file is the durable store: an append failure is logged loudly and
// the loop keeps running. The S3 backend is best-effort and can never block
// or fail a durable write. A single consume worker preserves arrival order.
type Sink struct {
	config   *appconfig.Config
	channels *channel.Channels
	csv      *CSVWriter
	s3       *S3Writer
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// NewSink builds the sink and its backends. A backend that cannot be
// initialized at startup is a hard error; sink independence only covers
// failures while running.
func NewSink(cfg *appconfig.Config, ch *channel.Channels, thresholds models.ThresholdSet) (*Sink, error) {
	log := logger.GetLogger()

	csvWriter, err := NewCSVWriter(cfg.Sink.CSV.Path, thresholds)
	if err != nil {
		return nil, fmt.Errorf("initialize csv sink: %w", err)
	}

	var s3Writer *S3Writer
	if cfg.Sink.S3.Enabled {
		s3Writer, err = NewS3Writer(cfg, thresholds)
		if err != nil {
			csvWriter.Close()
			return nil, fmt.Errorf("initialize s3 sink: %w", err)
		}
	}

	s := &Sink{
		config:   cfg,
		channels: ch,
		csv:      csvWriter,
		s3:       s3Writer,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("sink").WithFields(logger.Fields{
		"csv_path":   cfg.Sink.CSV.Path,
		"s3_enabled": cfg.Sink.S3.Enabled,
	}).Info("sink initialized")

	return s, nil
}

func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sink already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("sink").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting sink")

	s.wg.Add(1)
	go s.consumeWorker()

	if s.s3 != nil {
		s.wg.Add(1)
		go s.flushWorker()
	}

	log.Info("sink started successfully")
	return nil
}

// Stop drains the workers, flushes any buffered remote batches and closes
// the durable file.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log := s.log.WithComponent("sink")
	log.Info("stopping sink")

	s.wg.Wait()

	if s.s3 != nil {
		// Shutdown flush runs on a fresh context, the pipeline one is
		// already cancelled.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 30*time.Second)
		s.s3.Flush(flushCtx, "shutdown")
		cancel()
	}

	if err := s.csv.Close(); err != nil {
		log.WithError(err).Error("failed to close csv file")
	}

	log.Info("sink stopped")
}

func (s *Sink) consumeWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("csv_sink").WithFields(logger.Fields{"worker": "sink_consumer"})
	log.Info("starting sink worker")

	for {
		select {
		case <-s.ctx.Done():
			// Drain whatever the evaluator already queued so no accepted
			// observation is lost on shutdown.
			for {
				select {
				case obs, ok := <-s.channels.Observations:
					if !ok {
						return
					}
					s.persist(obs)
				default:
					log.Info("worker stopped due to context cancellation")
					return
				}
			}
		case obs, ok := <-s.channels.Observations:
			if !ok {
				log.Info("observation channel closed, worker stopping")
				return
			}
			s.persist(obs)
		}
	}
}

// persist writes one observation to every backend. Backend failures are
// independent: a csv error never skips the s3 buffer and vice versa.
func (s *Sink) persist(obs models.Observation) {
	if err := s.csv.Append(obs); err != nil {
		s.log.WithComponent("csv_sink").WithError(err).WithFields(logger.Fields{
			"market_id": obs.MarketID,
			"path":      s.csv.Path(),
		}).Error("durable sink append failed, row lost")
	}

	if s.s3 != nil {
		s.s3.Add(obs)
	}
}

func (s *Sink) flushWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("s3_sink").WithFields(logger.Fields{"worker": "sink_flusher"})
	log.WithFields(logger.Fields{
		"flush_interval": s.config.Sink.S3.FlushInterval,
	}).Info("starting flush worker")

	ticker := time.NewTicker(s.config.Sink.S3.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			s.s3.Flush(s.ctx, "interval")
		}
	}
}
