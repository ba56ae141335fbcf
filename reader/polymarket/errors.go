package polymarket

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchErrorKind distinguishes fetch failures for diagnostics. All kinds are
// handled identically by the poll loop: skip the market this cycle and retry
// on the next tick.
type FetchErrorKind string

const (
	FetchNetwork  FetchErrorKind = "network"
	FetchProtocol FetchErrorKind = "protocol"
	FetchParse    FetchErrorKind = "parse"
	FetchTimeout  FetchErrorKind = "timeout"
)

// FetchError wraps a failed quote fetch with its kind and market identity.
type FetchError struct {
	Kind     FetchErrorKind
	MarketID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.MarketID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(kind FetchErrorKind, marketID string, err error) *FetchError {
	return &FetchError{Kind: kind, MarketID: marketID, Err: err}
}

// classifyTransportError maps an http.Client error onto the timeout or
// network kind.
func classifyTransportError(err error) FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchTimeout
	}
	return FetchNetwork
}
