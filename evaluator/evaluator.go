package evaluator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
)

var one = decimal.NewFromInt(1)

// Evaluate derives an observation from a fetched quote. It is a pure
// function: identical inputs produce identical observations. Sum and gap are
// computed with decimal arithmetic and classification uses the unrounded sum,
// so a value near a cutoff is never flipped by float rounding. A sum exactly
// equal to a cutoff classifies as not below.
func Evaluate(msg models.QuoteMessage, thresholds models.ThresholdSet) models.Observation {
	sum := msg.Quote.Yes.Add(msg.Quote.No)
	gap := one.Sub(sum)

	flags := make([]models.Flag, 0, len(thresholds))
	for _, t := range thresholds {
		flags = append(flags, models.Flag{
			Threshold: t,
			Below:     sum.LessThan(t.Value),
		})
	}

	return models.Observation{
		Timestamp:  msg.FetchedAt.UTC().Truncate(time.Second),
		MarketID:   msg.Market.ID,
		MarketName: msg.Market.Name,
		Yes:        msg.Quote.Yes,
		No:         msg.Quote.No,
		Sum:        sum,
		Gap:        gap,
		Flags:      flags,
	}
}

// Evaluator consumes raw quotes and emits observations. It runs a single
// worker so per-market observation order matches fetch order.
type Evaluator struct {
	thresholds models.ThresholdSet
	channels   *channel.Channels
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log

	// Metrics
	quotesProcessed int64
	arbsObserved    int64
}

func NewEvaluator(thresholds models.ThresholdSet, ch *channel.Channels) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
		channels:   ch,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("evaluator already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("evaluator").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting evaluator")

	e.wg.Add(1)
	go e.worker()

	go e.metricsReporter(ctx)

	log.Info("evaluator started successfully")
	return nil
}

func (e *Evaluator) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("evaluator").Info("stopping evaluator")
	e.wg.Wait()
	e.log.WithComponent("evaluator").Info("evaluator stopped")
}

func (e *Evaluator) worker() {
	defer e.wg.Done()

	log := e.log.WithComponent("evaluator").WithFields(logger.Fields{"worker": "evaluator"})
	log.Info("starting evaluator worker")

	for {
		select {
		case <-e.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case msg, ok := <-e.channels.Quotes:
			if !ok {
				log.Info("quote channel closed, worker stopping")
				return
			}
			e.processQuote(msg)
		}
	}
}

func (e *Evaluator) processQuote(msg models.QuoteMessage) {
	obs := Evaluate(msg, e.thresholds)
	atomic.AddInt64(&e.quotesProcessed, 1)

	log := e.log.WithComponent("evaluator").WithFields(logger.Fields{
		"market_id":   obs.MarketID,
		"market_name": obs.MarketName,
		"yes":         obs.Yes.StringFixed(4),
		"no":          obs.No.StringFixed(4),
		"sum":         obs.Sum.StringFixed(4),
		"gap":         obs.Gap.StringFixed(4),
	})

	// The first configured threshold plays the role the 1.00 cutoff plays in
	// the spreadsheet: anything under it is a live mispricing.
	if len(obs.Flags) > 0 && obs.Flags[0].Below {
		atomic.AddInt64(&e.arbsObserved, 1)
		log.WithFields(logger.Fields{
			"threshold": obs.Flags[0].Threshold.Name,
		}).Info("arbitrage opportunity observed")
	} else {
		log.Debug("quote evaluated")
	}

	if e.channels.SendObservation(e.ctx, obs) {
		logger.IncrementObservation()
		logger.LogDataFlowEntry(log, "quote_channel", "observation_channel", 1, "observation")
	}
}

func (e *Evaluator) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportMetrics()
		}
	}
}

func (e *Evaluator) reportMetrics() {
	quotesProcessed := atomic.LoadInt64(&e.quotesProcessed)
	arbsObserved := atomic.LoadInt64(&e.arbsObserved)

	e.log.LogMetric("evaluator", "quotes_processed", quotesProcessed, "counter", logger.Fields{})
	e.log.LogMetric("evaluator", "arbs_observed", arbsObserved, "counter", logger.Fields{})

	e.log.WithComponent("evaluator").WithFields(logger.Fields{
		"quotes_processed":  quotesProcessed,
		"arbs_observed":     arbsObserved,
		"quote_channel_len": len(e.channels.Quotes),
		"quote_channel_cap": cap(e.channels.Quotes),
	}).Info("evaluator metrics")
}
