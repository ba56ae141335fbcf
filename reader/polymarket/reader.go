package polymarket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"polyflow/config"
	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
)

const maxResponseBytes = 1 << 20

// Reader polls the configured markets for order book quotes. Each market
// gets its own worker goroutine ticking on the shared interval; a failing
// market never delays the others.
type Reader struct {
	config   *config.Config
	client   *http.Client
	channels *channel.Channels
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	markets  []models.Market
}

// NewReader creates a Reader over the given market registry.
func NewReader(cfg *config.Config, ch *channel.Channels, markets []models.Market) *Reader {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Poller.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Poller.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Poller.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Poller.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Poller.Timeout,
	}

	limit := rate.Inf
	burst := 1
	if cfg.Poller.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Poller.RateLimit.RequestsPerSecond)
		burst = cfg.Poller.RateLimit.BurstSize
		if burst < 1 {
			burst = 1
		}
	}

	reader := &Reader{
		config:   cfg,
		client:   httpClient,
		channels: ch,
		limiter:  rate.NewLimiter(limit, burst),
		wg:       &sync.WaitGroup{},
		log:      log,
		markets:  markets,
	}

	log.WithComponent("polymarket_reader").WithFields(logger.Fields{
		"markets":            len(markets),
		"interval":           cfg.Poller.Interval,
		"timeout":            cfg.Poller.Timeout,
		"max_idle_conns":     cfg.Poller.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Poller.ConnectionPool.MaxConnsPerHost,
	}).Info("polymarket reader initialized")

	return reader
}

// Start begins polling all registry markets.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("polymarket_reader").WithFields(logger.Fields{"operation": "start"})

	if len(r.markets) == 0 {
		log.Warn("no markets configured")
		return fmt.Errorf("no markets configured")
	}

	log.WithFields(logger.Fields{
		"markets":  len(r.markets),
		"interval": r.config.Poller.Interval,
	}).Info("starting polymarket reader")

	for _, market := range r.markets {
		r.wg.Add(1)
		go r.pollWorker(market)
	}

	log.Info("polymarket reader started successfully")
	return nil
}

// Stop signals all workers to stop and waits for completion.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("polymarket_reader").Info("stopping polymarket reader")
	r.wg.Wait()
	r.log.WithComponent("polymarket_reader").Info("polymarket reader stopped")
}

// pollWorker drives the poll loop for one market. The fetch runs inline and
// the timer is reset to the next aligned interval boundary afterwards, so a
// fetch that overruns the interval skips the ticks it overlapped instead of
// piling up concurrent polls for the same market.
func (r *Reader) pollWorker(market models.Market) {
	defer r.wg.Done()

	log := r.log.WithComponent("polymarket_reader").WithFields(logger.Fields{
		"market_id": market.ID,
		"worker":    "quote_fetcher",
	})

	log.Info("starting poll worker")

	interval := r.config.Poller.Interval

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			r.poll(market)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration_ms": duration.Milliseconds(),
					"interval":    interval,
				}).Warn("fetch took longer than interval")
			}

			// Realign from the post-poll clock so a fetch that ran past the
			// boundary skips the overlapped ticks instead of firing at once.
			now = time.Now()
			nextTick = now.Truncate(interval).Add(interval)
			timer.Reset(nextTick.Sub(now))
		}
	}
}

func (r *Reader) poll(market models.Market) {
	log := r.log.WithComponent("polymarket_reader").WithFields(logger.Fields{
		"market_id": market.ID,
		"operation": "poll",
	})

	if err := r.limiter.Wait(r.ctx); err != nil {
		return
	}

	start := time.Now()
	quote, err := r.FetchQuote(r.ctx, market)
	duration := time.Since(start)

	if err != nil {
		kind := FetchErrorKind("unknown")
		if fe, ok := err.(*FetchError); ok {
			kind = fe.Kind
		}
		log.WithError(err).WithFields(logger.Fields{"kind": string(kind)}).Warn("failed to fetch quote, skipping market this cycle")
		return
	}

	logger.LogPerformanceEntry(log, "polymarket_reader", "api_request", duration, logger.Fields{
		"market_id": market.ID,
	})

	msg := models.QuoteMessage{
		Market:    market,
		Quote:     quote,
		FetchedAt: time.Now().UTC(),
	}

	if r.channels.SendQuote(r.ctx, msg) {
		log.WithFields(logger.Fields{
			"yes": quote.Yes.StringFixed(4),
			"no":  quote.No.StringFixed(4),
		}).Debug("quote sent to channel")
		logger.IncrementQuoteRead(1)
	} else if r.ctx.Err() != nil {
		return
	} else {
		log.Warn("quote channel is full, dropping quote")
	}
}

// FetchQuote retrieves the current best YES and NO prices for a market.
// Failures are returned as *FetchError so callers can log the subkind;
// control flow treats all kinds the same.
func (r *Reader) FetchQuote(ctx context.Context, market models.Market) (models.PriceQuote, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.config.Poller.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, market.Endpoint, nil)
	if err != nil {
		return models.PriceQuote{}, newFetchError(FetchProtocol, market.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return models.PriceQuote{}, newFetchError(classifyTransportError(err), market.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PriceQuote{}, newFetchError(FetchProtocol, market.ID,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.PriceQuote{}, newFetchError(classifyTransportError(err), market.ID, err)
	}

	quote, err := parseQuote(body)
	if err != nil {
		return models.PriceQuote{}, newFetchError(FetchParse, market.ID, err)
	}

	return quote, nil
}
