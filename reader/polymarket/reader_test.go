package polymarket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"polyflow/config"
	"polyflow/internal/channel"
	"polyflow/models"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Poller.Interval = 200 * time.Millisecond
	cfg.Poller.Timeout = 100 * time.Millisecond
	cfg.Poller.ConnectionPool.MaxIdleConns = 2
	cfg.Poller.ConnectionPool.MaxConnsPerHost = 2
	cfg.Poller.ConnectionPool.IdleConnTimeout = time.Second
	return cfg
}

func TestParseQuoteBestPrices(t *testing.T) {
	body := []byte(`{"yes_price":"0.45","no_price":"0.47"}`)
	q, err := parseQuote(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Yes.StringFixed(4) != "0.4500" || q.No.StringFixed(4) != "0.4700" {
		t.Fatalf("unexpected quote %s/%s", q.Yes, q.No)
	}
}

func TestParseQuoteNumericPrices(t *testing.T) {
	body := []byte(`{"yes_price":0.45,"no_price":0.47}`)
	q, err := parseQuote(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Yes.StringFixed(2) != "0.45" || q.No.StringFixed(2) != "0.47" {
		t.Fatalf("unexpected quote %s/%s", q.Yes, q.No)
	}
}

func TestParseQuoteOrderBooks(t *testing.T) {
	body := []byte(`{
		"yes": {"bids": [["0.44","100"], ["0.45","50"], ["0.43","10"]]},
		"no":  {"bids": [{"price":"0.46","size":"25"}, {"price":"0.47","size":"5"}]}
	}`)
	q, err := parseQuote(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Yes.StringFixed(2) != "0.45" {
		t.Fatalf("best yes bid %s, want 0.45", q.Yes)
	}
	if q.No.StringFixed(2) != "0.47" {
		t.Fatalf("best no bid %s, want 0.47", q.No)
	}
}

func TestParseQuoteErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing books", `{"status":"ok"}`},
		{"empty yes book", `{"yes":{"bids":[]},"no":{"bids":[["0.4","1"]]}}`},
		{"empty no book", `{"yes":{"bids":[["0.4","1"]]},"no":{"bids":[]}}`},
	}
	for _, tc := range cases {
		if _, err := parseQuote([]byte(tc.body)); err == nil {
			t.Fatalf("%s: expected parse error", tc.name)
		}
	}
}

func TestBestBidDeterministic(t *testing.T) {
	levels := []bookLevel{}
	for _, p := range []string{"0.41", "0.45", "0.45", "0.40"} {
		var l bookLevel
		if err := l.Price.UnmarshalJSON([]byte(`"` + p + `"`)); err != nil {
			t.Fatalf("unmarshal price: %v", err)
		}
		levels = append(levels, l)
	}
	first, ok := bestBid(levels)
	if !ok {
		t.Fatal("expected a best bid")
	}
	for i := 0; i < 5; i++ {
		again, _ := bestBid(levels)
		if !again.Equal(first) {
			t.Fatalf("best bid not stable: %s vs %s", again, first)
		}
	}
	if first.StringFixed(2) != "0.45" {
		t.Fatalf("best bid %s, want 0.45", first)
	}
}

func TestFetchQuoteErrorKinds(t *testing.T) {
	t.Run("protocol on bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		r := NewReader(testConfig(), channel.NewChannels(1, 1), nil)
		_, err := r.FetchQuote(context.Background(), models.Market{ID: "m1", Endpoint: srv.URL})
		assertKind(t, err, FetchProtocol)
	})

	t.Run("parse on bad body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		r := NewReader(testConfig(), channel.NewChannels(1, 1), nil)
		_, err := r.FetchQuote(context.Background(), models.Market{ID: "m1", Endpoint: srv.URL})
		assertKind(t, err, FetchParse)
	})

	t.Run("timeout on slow server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}))
		defer srv.Close()

		r := NewReader(testConfig(), channel.NewChannels(1, 1), nil)
		_, err := r.FetchQuote(context.Background(), models.Market{ID: "m1", Endpoint: srv.URL})
		assertKind(t, err, FetchTimeout)
	})

	t.Run("network on unreachable host", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		r := NewReader(testConfig(), channel.NewChannels(1, 1), nil)
		_, err := r.FetchQuote(context.Background(), models.Market{ID: "m1", Endpoint: url})
		if err == nil {
			t.Fatal("expected error")
		}
		var fe *FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("expected *FetchError, got %T", err)
		}
		if fe.Kind != FetchNetwork && fe.Kind != FetchTimeout {
			t.Fatalf("kind = %s, want network or timeout", fe.Kind)
		}
	})
}

func assertKind(t *testing.T, err error, want FetchErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.Kind != want {
		t.Fatalf("kind = %s, want %s", fe.Kind, want)
	}
	if fe.MarketID != "m1" {
		t.Fatalf("market id = %s, want m1", fe.MarketID)
	}
}

func TestFetchQuoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"yes_price":"0.45","no_price":"0.47"}`))
	}))
	defer srv.Close()

	r := NewReader(testConfig(), channel.NewChannels(1, 1), nil)
	q, err := r.FetchQuote(context.Background(), models.Market{ID: "m1", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Yes.StringFixed(2) != "0.45" || q.No.StringFixed(2) != "0.47" {
		t.Fatalf("unexpected quote %s/%s", q.Yes, q.No)
	}
}

// A market that keeps failing must not stop quotes flowing from the healthy
// one.
func TestReaderFailureIsolation(t *testing.T) {
	var healthyHits int64
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&healthyHits, 1)
		w.Write([]byte(`{"yes_price":"0.45","no_price":"0.47"}`))
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	markets := []models.Market{
		{ID: "healthy", Name: "Healthy", Endpoint: healthy.URL},
		{ID: "broken", Name: "Broken", Endpoint: broken.URL},
	}

	ch := channel.NewChannels(10, 10)
	r := NewReader(testConfig(), ch, markets)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	got := 0
	for got < 2 {
		select {
		case msg := <-ch.Quotes:
			if msg.Market.ID != "healthy" {
				t.Fatalf("unexpected quote from %s", msg.Market.ID)
			}
			got++
		case <-deadline:
			t.Fatalf("only %d healthy quotes arrived", got)
		}
	}

	cancel()
	r.Stop()

	if atomic.LoadInt64(&healthyHits) < 2 {
		t.Fatalf("healthy endpoint hit %d times, want >= 2", healthyHits)
	}
}

// A fetch that runs past the interval boundary must realign to the next
// boundary, not fire the follow-up poll the moment it returns.
func TestPollWorkerRealignsAfterOverrun(t *testing.T) {
	const interval = 200 * time.Millisecond

	var hits int64
	var first, second time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt64(&hits, 1) {
		case 1:
			first = time.Now()
			// Overrun the interval by half a tick.
			time.Sleep(interval + interval/2)
		case 2:
			second = time.Now()
		}
		w.Write([]byte(`{"yes_price":"0.45","no_price":"0.47"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Poller.Interval = interval
	cfg.Poller.Timeout = 2 * interval

	markets := []models.Market{{ID: "m1", Name: "M1", Endpoint: srv.URL}}
	ch := channel.NewChannels(10, 10)
	r := NewReader(cfg, ch, markets)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-ch.Quotes:
		case <-deadline:
			t.Fatalf("only %d quotes arrived", i)
		}
	}

	cancel()
	r.Stop()

	// The first poll starts on a boundary and holds the worker for 1.5
	// intervals, so the overlapped tick is skipped and the second poll
	// lands on the boundary two intervals after the first.
	gap := second.Sub(first)
	if gap < interval+interval/2+interval/4 {
		t.Fatalf("second poll fired %v after the slow one; expected realignment to the next boundary", gap)
	}
	if gap > 3*interval {
		t.Fatalf("second poll waited %v; realignment should skip at most the overlapped ticks", gap)
	}
}

func TestReaderStartValidation(t *testing.T) {
	r := NewReader(testConfig(), channel.NewChannels(1, 1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err == nil {
		t.Fatal("start with no markets should fail")
	}
}

func TestReaderDoubleStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"yes_price":"0.5","no_price":"0.5"}`))
	}))
	defer srv.Close()

	markets := []models.Market{{ID: "m1", Name: "M1", Endpoint: srv.URL}}
	r := NewReader(testConfig(), channel.NewChannels(1, 1), markets)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("second start should fail while running")
	}
	cancel()
	r.Stop()
}

func TestClassifyTransportError(t *testing.T) {
	if classifyTransportError(context.DeadlineExceeded) != FetchTimeout {
		t.Fatal("deadline exceeded should classify as timeout")
	}
	if classifyTransportError(errors.New("connection refused")) != FetchNetwork {
		t.Fatal("plain error should classify as network")
	}
}
