package logger

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

// Warn/Error attribution feeds the fetch and sink counters in the runtime
// report based on the component name.
func TestReportCounterAttribution(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	warnsBefore := atomic.LoadInt64(&warnsFetch)
	errsBefore := atomic.LoadInt64(&errorsSink)

	log.WithComponent("polymarket_reader").Warn("failed to fetch quote")
	log.WithComponent("csv_sink").Error("durable sink append failed")
	log.WithComponent("evaluator").Warn("unattributed")

	if got := atomic.LoadInt64(&warnsFetch); got != warnsBefore+1 {
		t.Fatalf("warnsFetch = %d, want %d", got, warnsBefore+1)
	}
	if got := atomic.LoadInt64(&errorsSink); got != errsBefore+1 {
		t.Fatalf("errorsSink = %d, want %d", got, errsBefore+1)
	}
}

func TestThroughputCounters(t *testing.T) {
	readsBefore := atomic.LoadInt64(&quoteReads)
	writesBefore := atomic.LoadInt64(&csvWrites)

	IncrementQuoteRead(64)
	IncrementCSVWrite(9)

	if got := atomic.LoadInt64(&quoteReads); got != readsBefore+1 {
		t.Fatalf("quoteReads = %d, want %d", got, readsBefore+1)
	}
	if got := atomic.LoadInt64(&csvWrites); got != writesBefore+1 {
		t.Fatalf("csvWrites = %d, want %d", got, writesBefore+1)
	}

	v, ok := channels.Load("csv_write")
	if !ok {
		t.Fatal("csv_write channel stat not recorded")
	}
	cs := v.(*channelStat)
	if atomic.LoadInt64(&cs.bytes) < 9 {
		t.Fatalf("csv_write bytes = %d, want >= 9", atomic.LoadInt64(&cs.bytes))
	}
}
