// Package signal turns raw channel messages into structured trade intents. A
// cheap pre-filter keeps obvious non-signals away from the external extraction
// service; validated results (including negatives) are cached by exact message
// text.
package signal

import (
	"fmt"
	"time"

	"github.com/fxsignals/copier/market"
)

// Message is one inbound message from the subscribed channels.
type Message struct {
	Text        string
	MessageID   string
	ChannelID   int64
	ChannelName string
	ReplyToID   string // empty when not a reply
	Timestamp   time.Time
}

// Signal is a structured trade intent. Immutable once created except for
// RelatedOrders, which the order layer fills in after placement.
type Signal struct {
	ID          string
	Instrument  string // canonical
	Side        market.Side
	Entry       float64
	StopLoss    float64
	TakeProfits []float64
	ReducedRisk bool
	ChannelID   int64
	ChannelName string
	RawMessage  string
	Timestamp   time.Time

	RelatedOrders []string
}

// Validate checks the fields the rest of the pipeline relies on. Built at
// construction so downstream code never sees a half-formed signal.
func (s *Signal) Validate() error {
	if s.Instrument == "" {
		return fmt.Errorf("signal: missing instrument")
	}
	if _, ok := market.ParseSide(string(s.Side)); !ok {
		return fmt.Errorf("signal %s: bad side %q", s.Instrument, s.Side)
	}
	if s.Entry <= 0 {
		return fmt.Errorf("signal %s: entry point %v", s.Instrument, s.Entry)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("signal %s: stop loss %v", s.Instrument, s.StopLoss)
	}
	if len(s.TakeProfits) == 0 {
		return fmt.Errorf("signal %s: no take profits", s.Instrument)
	}
	for i, tp := range s.TakeProfits {
		if tp <= 0 {
			return fmt.Errorf("signal %s: take profit %d is %v", s.Instrument, i+1, tp)
		}
	}
	return nil
}
