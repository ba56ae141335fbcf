package channel

import (
	"context"
	"testing"
	"time"

	"polyflow/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.Quotes == nil || c.Observations == nil {
		t.Fatalf("expected non-nil channels")
	}
	if cap(c.Quotes) != 1 || cap(c.Observations) != 1 {
		t.Fatalf("unexpected buffer sizes: %d/%d", cap(c.Quotes), cap(c.Observations))
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendQuoteDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	msg := models.QuoteMessage{Market: models.Market{ID: "m1"}}
	if !c.SendQuote(ctx, msg) {
		t.Fatal("first send should succeed")
	}
	if c.SendQuote(ctx, msg) {
		t.Fatal("second send should drop on full buffer")
	}

	stats := c.GetStats()
	if stats.QuotesSent != 1 {
		t.Fatalf("QuotesSent = %d, want 1", stats.QuotesSent)
	}
	if stats.QuotesDropped != 1 {
		t.Fatalf("QuotesDropped = %d, want 1", stats.QuotesDropped)
	}
}

func TestSendObservationBlocksUntilConsumed(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	// Fill the buffer, then send one more from a goroutine; it must stay
	// pending until a consumer drains the channel.
	if !c.SendObservation(ctx, models.Observation{MarketID: "m1"}) {
		t.Fatal("first send should succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- c.SendObservation(ctx, models.Observation{MarketID: "m2"})
	}()

	select {
	case <-done:
		t.Fatal("send should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	first := <-c.Observations
	if first.MarketID != "m1" {
		t.Fatalf("expected m1 first, got %s", first.MarketID)
	}
	if !<-done {
		t.Fatal("blocked send should succeed after drain")
	}
}

func TestSendObservationCancelled(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	c.SendObservation(ctx, models.Observation{MarketID: "m1"})
	cancel()
	if c.SendObservation(ctx, models.Observation{MarketID: "m2"}) {
		t.Fatal("send should fail after cancellation")
	}
	if got := c.GetStats().ObservationsSent; got != 1 {
		t.Fatalf("ObservationsSent = %d, want 1", got)
	}
}
