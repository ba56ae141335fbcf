package channel

import (
	"context"
	"sync"
	"time"

	"polyflow/logger"
	"polyflow/models"
)

type ChannelStats struct {
	QuotesSent          int64
	ObservationsSent    int64
	QuotesDropped       int64
	ObservationsDropped int64
}

// Channels carries data through the pipeline: fetcher -> quote channel ->
// evaluator -> observation channel -> sink.
type Channels struct {
	Quotes       chan models.QuoteMessage
	Observations chan models.Observation

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(quoteBufferSize, observationBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Quotes:       make(chan models.QuoteMessage, quoteBufferSize),
		Observations: make(chan models.Observation, observationBufferSize),
		log:          log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"quote_buffer_size":       quoteBufferSize,
		"observation_buffer_size": observationBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Quotes)
	close(c.Observations)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) IncrementQuotesSent() {
	c.statsMutex.Lock()
	c.stats.QuotesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementObservationsSent() {
	c.statsMutex.Lock()
	c.stats.ObservationsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementQuotesDropped() {
	c.statsMutex.Lock()
	c.stats.QuotesDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementObservationsDropped() {
	c.statsMutex.Lock()
	c.stats.ObservationsDropped++
	c.statsMutex.Unlock()
}

// SendQuote delivers a fetched quote without blocking the polling worker.
// A full channel drops the quote; the next tick produces a fresh one anyway.
func (c *Channels) SendQuote(ctx context.Context, msg models.QuoteMessage) bool {
	select {
	case c.Quotes <- msg:
		c.IncrementQuotesSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementQuotesDropped()
		return false
	}
}

// SendObservation blocks until the sink accepts the record or the context is
// cancelled. Observations are the persisted unit and are not dropped on
// backpressure.
func (c *Channels) SendObservation(ctx context.Context, obs models.Observation) bool {
	select {
	case c.Observations <- obs:
		c.IncrementObservationsSent()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel occupancy so a stuck sink
// shows up in the log stream before buffers fill.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"quotes_sent":          stats.QuotesSent,
				"quotes_dropped":       stats.QuotesDropped,
				"observations_sent":    stats.ObservationsSent,
				"observations_dropped": stats.ObservationsDropped,
				"quote_channel_len":    len(c.Quotes),
				"quote_channel_cap":    cap(c.Quotes),
				"obs_channel_len":      len(c.Observations),
				"obs_channel_cap":      cap(c.Observations),
			}).Info("channel metrics")
		}
	}
}
