package market

import (
	"strings"
	"time"
)

// Quote is a bid/ask snapshot for one instrument.
type Quote struct {
	Instrument string
	Bid        float64
	Ask        float64
	Time       time.Time
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// ExecutionPrice is the price a new position fills at for the given side:
// ask for buys, bid for sells.
func (q Quote) ExecutionPrice(side Side) float64 {
	if side == Buy {
		return q.Ask
	}
	return q.Bid
}

// MarkPrice is the price an existing position is valued at: bid for longs,
// ask for shorts.
func (q Quote) MarkPrice(side Side) float64 {
	if side == Buy {
		return q.Bid
	}
	return q.Ask
}

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide normalizes a side string; ok is false for anything that is not
// buy or sell.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, true
	case Sell:
		return Sell, true
	}
	return "", false
}

// Favorable reports whether the market has moved in the trade's favor for
// entering: buys fill cheaper, sells fill higher.
func (s Side) Favorable(entry, current float64) bool {
	if s == Buy {
		return current < entry // can buy cheaper
	}
	return current > entry // can sell higher
}
