package polymarket

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"polyflow/models"
)

// priceValue accepts prices encoded as JSON strings or numbers. The CLOB API
// serves both depending on endpoint version.
type priceValue struct {
	decimal.Decimal
}

func (p *priceValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		p.Decimal = decimal.Zero
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		val, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		p.Decimal = val
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		p.Decimal = decimal.NewFromFloat(f)
		return nil
	}
	return fmt.Errorf("invalid price: %s", string(b))
}

// bookLevel is one price level, encoded either as a ["price","size"] pair or
// as a {"price":..,"size":..} object.
type bookLevel struct {
	Price priceValue
	Size  priceValue
}

func (l *bookLevel) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err == nil && len(arr) >= 2 {
		if err := l.Price.UnmarshalJSON(arr[0]); err != nil {
			return err
		}
		return l.Size.UnmarshalJSON(arr[1])
	}
	var obj struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("invalid book level: %s", string(b))
	}
	if len(obj.Price) == 0 {
		return fmt.Errorf("book level missing price: %s", string(b))
	}
	if err := l.Price.UnmarshalJSON(obj.Price); err != nil {
		return err
	}
	if len(obj.Size) > 0 {
		return l.Size.UnmarshalJSON(obj.Size)
	}
	return nil
}

type sideBook struct {
	Bids []bookLevel `json:"bids"`
}

// bookResponse covers the two payload shapes the endpoint may serve: a
// pre-computed best price pair, or full YES/NO order books.
type bookResponse struct {
	YesPrice *priceValue `json:"yes_price"`
	NoPrice  *priceValue `json:"no_price"`
	Yes      *sideBook   `json:"yes"`
	No       *sideBook   `json:"no"`
}

// bestBid selects the highest bid. The scan is a plain maximum with
// first-wins ties, so the same book always yields the same price.
func bestBid(levels []bookLevel) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	best := levels[0].Price.Decimal
	for _, l := range levels[1:] {
		if l.Price.Decimal.GreaterThan(best) {
			best = l.Price.Decimal
		}
	}
	return best, true
}

// parseQuote extracts the best YES and NO prices from a raw response body.
func parseQuote(body []byte) (models.PriceQuote, error) {
	var resp bookResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.PriceQuote{}, fmt.Errorf("decode book response: %w", err)
	}

	if resp.YesPrice != nil && resp.NoPrice != nil {
		return models.PriceQuote{Yes: resp.YesPrice.Decimal, No: resp.NoPrice.Decimal}, nil
	}

	if resp.Yes == nil || resp.No == nil {
		return models.PriceQuote{}, fmt.Errorf("response has neither best prices nor order books")
	}

	yes, ok := bestBid(resp.Yes.Bids)
	if !ok {
		return models.PriceQuote{}, fmt.Errorf("yes book has no bids")
	}
	no, ok := bestBid(resp.No.Bids)
	if !ok {
		return models.PriceQuote{}, fmt.Errorf("no book has no bids")
	}

	return models.PriceQuote{Yes: yes, No: no}, nil
}
