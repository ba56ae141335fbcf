package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the persisted timestamp format (UTC, second precision).
const TimestampLayout = "2006-01-02 15:04:05"

// PriceQuote holds the best YES and NO prices observed for a market on one
// poll. Quotes are ephemeral; only the derived observation is persisted.
// Prices outside [0,1] are passed through unchanged, the monitor records
// what it observed.
type PriceQuote struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// QuoteMessage is the raw channel payload produced by the fetcher.
type QuoteMessage struct {
	Market    Market
	Quote     PriceQuote
	FetchedAt time.Time
}

// Flag is the classification of an observation against one threshold.
type Flag struct {
	Threshold Threshold
	Below     bool
}

// Token renders the classification as the literal YES/NO column token.
func (f Flag) Token() string {
	if f.Below {
		return "YES"
	}
	return "NO"
}

// Observation is the persisted unit: one timestamped per-market evaluation
// result. Immutable once constructed, appended exactly once per poll.
type Observation struct {
	Timestamp  time.Time
	MarketID   string
	MarketName string
	Yes        decimal.Decimal
	No         decimal.Decimal
	Sum        decimal.Decimal
	Gap        decimal.Decimal
	Flags      []Flag
}

// Header returns the CSV column names for the given threshold set, in the
// fixed persisted order.
func Header(ts ThresholdSet) []string {
	cols := []string{
		"Timestamp_UTC",
		"Market_ID",
		"Market_Name",
		"YES_Price",
		"NO_Price",
		"Sum",
		"Gap_From_One",
	}
	return append(cols, ts.Columns()...)
}

// Row renders the observation in the persisted column order. Prices use a
// fixed 4 decimal places; classification fields use YES/NO tokens.
func (o Observation) Row() []string {
	row := []string{
		o.Timestamp.UTC().Format(TimestampLayout),
		o.MarketID,
		o.MarketName,
		o.Yes.StringFixed(4),
		o.No.StringFixed(4),
		o.Sum.StringFixed(4),
		o.Gap.StringFixed(4),
	}
	for _, f := range o.Flags {
		row = append(row, f.Token())
	}
	return row
}
