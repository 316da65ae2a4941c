// journal/journal.go
package journal

import "time"

// SignalRecord captures a parsed signal as it was accepted for processing.
type SignalRecord struct {
	SignalID    string
	Instrument  string
	Side        string
	Entry       float64
	StopLoss    float64
	TakeProfits []float64
	Channel     string
	ReceivedAt  time.Time
}

// OrderRecord captures one broker order leg placed for a signal.
type OrderRecord struct {
	OrderID    string
	SignalID   string
	Instrument string
	Side       string
	OrderType  string
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Runner     bool
	PlacedAt   time.Time
}

// ActionRecord captures a later decision taken against a signal or order:
// a cancel, a close, a breakeven move, a drawdown rejection.
type ActionRecord struct {
	Time     time.Time
	SignalID string
	OrderID  string
	Kind     string
	Detail   string
	Success  bool
}

type Journal interface {
	RecordSignal(SignalRecord) error
	RecordOrder(OrderRecord) error
	RecordAction(ActionRecord) error
	Close() error
}

// Nop discards everything, for callers that run without a journal.
type Nop struct{}

func (Nop) RecordSignal(SignalRecord) error { return nil }
func (Nop) RecordOrder(OrderRecord) error   { return nil }
func (Nop) RecordAction(ActionRecord) error { return nil }
func (Nop) Close() error                    { return nil }
