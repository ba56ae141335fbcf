package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustThreshold(t *testing.T, name, value string) Threshold {
	t.Helper()
	th, err := NewThreshold(name, value)
	if err != nil {
		t.Fatalf("threshold %s=%s: %v", name, value, err)
	}
	return th
}

func testThresholds(t *testing.T) ThresholdSet {
	t.Helper()
	ts, err := NewThresholdSet([]Threshold{
		mustThreshold(t, "primary", "1.00"),
		mustThreshold(t, "secondary", "0.95"),
		mustThreshold(t, "tertiary", "0.90"),
	})
	if err != nil {
		t.Fatalf("threshold set: %v", err)
	}
	return ts
}

func TestNewThreshold(t *testing.T) {
	if _, err := NewThreshold("", "0.95"); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := NewThreshold("bad", "abc"); err == nil {
		t.Fatal("expected error for non-decimal value")
	}
	if _, err := NewThreshold("neg", "-0.5"); err == nil {
		t.Fatal("expected error for non-positive value")
	}
	th := mustThreshold(t, "primary", "1.00")
	if !th.Value.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected value 1, got %s", th.Value)
	}
}

func TestThresholdColumn(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"1.00", "Below_1.00"},
		{"1", "Below_1.00"},
		{"0.95", "Below_0.95"},
		{"0.9", "Below_0.90"},
		{"0.925", "Below_0.925"},
	}
	for _, tc := range cases {
		th := mustThreshold(t, "x", tc.value)
		if got := th.Column(); got != tc.want {
			t.Fatalf("Column(%s) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestNewThresholdSet(t *testing.T) {
	if _, err := NewThresholdSet(nil); err == nil {
		t.Fatal("expected error for empty set")
	}
	dup := []Threshold{
		mustThreshold(t, "primary", "1.00"),
		mustThreshold(t, "primary", "0.95"),
	}
	if _, err := NewThresholdSet(dup); err == nil {
		t.Fatal("expected error for duplicate names")
	}
}

func TestHeaderOrder(t *testing.T) {
	ts := testThresholds(t)
	header := Header(ts)
	want := []string{
		"Timestamp_UTC", "Market_ID", "Market_Name",
		"YES_Price", "NO_Price", "Sum", "Gap_From_One",
		"Below_1.00", "Below_0.95", "Below_0.90",
	}
	if len(header) != len(want) {
		t.Fatalf("header length %d, want %d", len(header), len(want))
	}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("header[%d] = %q, want %q", i, header[i], want[i])
		}
	}
}

func TestObservationRow(t *testing.T) {
	ts := testThresholds(t)
	yes := decimal.RequireFromString("0.45")
	no := decimal.RequireFromString("0.47")
	sum := yes.Add(no)

	obs := Observation{
		Timestamp:  time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC),
		MarketID:   "mkt-1",
		MarketName: "Example Market",
		Yes:        yes,
		No:         no,
		Sum:        sum,
		Gap:        decimal.NewFromInt(1).Sub(sum),
		Flags: []Flag{
			{Threshold: ts[0], Below: true},
			{Threshold: ts[1], Below: true},
			{Threshold: ts[2], Below: false},
		},
	}

	row := obs.Row()
	want := []string{
		"2026-08-25 14:30:00", "mkt-1", "Example Market",
		"0.4500", "0.4700", "0.9200", "0.0800",
		"YES", "YES", "NO",
	}
	if len(row) != len(want) {
		t.Fatalf("row length %d, want %d", len(row), len(want))
	}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("row[%d] = %q, want %q", i, row[i], want[i])
		}
	}
}

func TestObservationRowNegativeGap(t *testing.T) {
	yes := decimal.RequireFromString("0.52")
	no := decimal.RequireFromString("0.51")
	sum := yes.Add(no)

	obs := Observation{
		Timestamp: time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC),
		MarketID:  "mkt-2",
		Yes:       yes,
		No:        no,
		Sum:       sum,
		Gap:       decimal.NewFromInt(1).Sub(sum),
		Flags:     []Flag{{Threshold: Threshold{Name: "primary", Value: decimal.NewFromInt(1)}, Below: false}},
	}

	row := obs.Row()
	if row[5] != "1.0300" {
		t.Fatalf("sum = %q, want 1.0300", row[5])
	}
	if row[6] != "-0.0300" {
		t.Fatalf("gap = %q, want -0.0300", row[6])
	}
	if row[7] != "NO" {
		t.Fatalf("flag = %q, want NO", row[7])
	}
}

func TestRowTimestampUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	obs := Observation{
		Timestamp: time.Date(2026, 8, 25, 17, 0, 0, 0, loc),
		Yes:       decimal.Zero,
		No:        decimal.Zero,
		Sum:       decimal.Zero,
		Gap:       decimal.NewFromInt(1),
	}
	if got := obs.Row()[0]; got != "2026-08-25 14:00:00" {
		t.Fatalf("timestamp rendered %q, want UTC 14:00:00", got)
	}
}

func TestFlagToken(t *testing.T) {
	if (Flag{Below: true}).Token() != "YES" {
		t.Fatal("below flag should render YES")
	}
	if (Flag{Below: false}).Token() != "NO" {
		t.Fatal("not-below flag should render NO")
	}
}
