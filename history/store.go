// Package history correlates later channel messages ("tp2 hit", "close this")
// back to the signals whose orders are still working at the broker. It keeps a
// bounded in-memory record per instrument plus a persisted order cache that
// survives restarts.
package history

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/pkg/id"
	"github.com/fxsignals/copier/signal"
)

// priceTolerance is the relative tolerance used when comparing a quoted
// take-profit or entry price against a stored signal.
const priceTolerance = 0.001

// OrderRef ties a broker order ID to the take-profit leg it serves. Runner
// marks the long-distance leg on index trades so the position monitor can
// apply its wider breakeven threshold.
type OrderRef struct {
	ID         string
	TakeProfit float64
	Runner     bool
}

// Record is one tracked signal together with the broker orders placed for it.
type Record struct {
	ID      string
	Signal  signal.Signal
	Orders  []OrderRef
	AddedAt time.Time
}

// OrderIDs returns the broker IDs of every order registered for the record.
func (r *Record) OrderIDs() []string {
	ids := make([]string, 0, len(r.Orders))
	for _, o := range r.Orders {
		ids = append(ids, o.ID)
	}
	return ids
}

// Config bounds the store and tunes the match filters.
type Config struct {
	// MaxAge rejects matches older than this. Zero disables the filter.
	MaxAge time.Duration
	// SameSource requires the match to come from the channel that sent the
	// follow-up message.
	SameSource bool
	// PerInstrument and MaxTotal bound the in-memory rings.
	PerInstrument int
	MaxTotal      int
}

// DefaultConfig matches the behavior the handlers expect out of the box.
func DefaultConfig() Config {
	return Config{
		MaxAge:        48 * time.Hour,
		SameSource:    true,
		PerInstrument: 10,
		MaxTotal:      50,
	}
}

// Query describes the follow-up message being resolved against the store.
type Query struct {
	Instrument string
	// TPLevel is 1-based; zero means the message named no level.
	TPLevel int
	// TPPrice is the price quoted alongside the TP mention, zero if absent.
	TPPrice float64
	// Hint is a free-form reference extracted from the message (a signal ID,
	// an entry price, or a fragment of the original text).
	Hint string
	// ChannelID of the follow-up message, used by the same-source filter.
	ChannelID int64
}

// Store holds recent signals keyed by instrument. Safe for concurrent use.
type Store struct {
	cfg Config
	log *logging.Logger

	mu      sync.Mutex
	byInst  map[string][]*Record
	byID    map[string]*Record
	arrival []*Record
}

func NewStore(cfg Config, log *logging.Logger) *Store {
	if cfg.PerInstrument <= 0 {
		cfg.PerInstrument = DefaultConfig().PerInstrument
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultConfig().MaxTotal
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Store{
		cfg:    cfg,
		log:    log,
		byInst: make(map[string][]*Record),
		byID:   make(map[string]*Record),
	}
}

// Add tracks a parsed signal and returns its ID, generating one when the
// signal carries none.
func (s *Store) Add(sig signal.Signal) string {
	if sig.ID == "" {
		sig.ID = id.New()
	}
	rec := &Record{
		ID:      sig.ID,
		Signal:  sig,
		AddedAt: time.Now(),
	}
	if !sig.Timestamp.IsZero() {
		rec.AddedAt = sig.Timestamp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byInst[sig.Instrument] = append(s.byInst[sig.Instrument], rec)
	s.byID[rec.ID] = rec
	s.arrival = append(s.arrival, rec)

	if len(s.byInst[sig.Instrument]) > s.cfg.PerInstrument {
		s.evictLocked(s.byInst[sig.Instrument][0])
	}
	for len(s.arrival) > s.cfg.MaxTotal {
		s.evictLocked(s.arrival[0])
	}

	s.log.Debugf("history: tracking %s signal %s (%d for instrument)",
		sig.Instrument, rec.ID, len(s.byInst[sig.Instrument]))
	return rec.ID
}

func (s *Store) evictLocked(rec *Record) {
	delete(s.byID, rec.ID)
	s.byInst[rec.Signal.Instrument] = removeRecord(s.byInst[rec.Signal.Instrument], rec)
	if len(s.byInst[rec.Signal.Instrument]) == 0 {
		delete(s.byInst, rec.Signal.Instrument)
	}
	s.arrival = removeRecord(s.arrival, rec)
}

func removeRecord(rs []*Record, rec *Record) []*Record {
	for i, r := range rs {
		if r == rec {
			return append(rs[:i], rs[i+1:]...)
		}
	}
	return rs
}

// RegisterOrders attaches broker order legs to a tracked signal.
func (s *Store) RegisterOrders(signalID string, orders []OrderRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[signalID]
	if !ok {
		s.log.Warnf("history: register orders for unknown signal %s", signalID)
		return false
	}
	rec.Orders = append(rec.Orders, orders...)
	return true
}

// Get resolves a signal directly by ID, used for reply-target resolution.
func (s *Store) Get(signalID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[signalID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns copies of every tracked record, newest first.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.arrival))
	for i := len(s.arrival) - 1; i >= 0; i-- {
		out = append(out, *s.arrival[i])
	}
	return out
}

// RemoveOrder drops a single registered leg, typically after it has been
// cancelled or closed. The record itself stays tracked.
func (s *Store) RemoveOrder(signalID, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[signalID]
	if !ok {
		return
	}
	for i, o := range rec.Orders {
		if o.ID == orderID {
			rec.Orders = append(rec.Orders[:i], rec.Orders[i+1:]...)
			return
		}
	}
}

// IsRunner reports whether the given broker order or position ID was
// registered as a runner leg.
func (s *Store) IsRunner(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.arrival {
		for _, o := range rec.Orders {
			if o.ID == orderID {
				return o.Runner
			}
		}
	}
	return false
}

// FindMatching resolves a follow-up message to a tracked signal. It walks a
// precedence ladder, strongest evidence first, scanning newest signals before
// older ones within each rule:
//
//  1. exact take-profit price at the stated level, within 0.1%
//  2. hint equal to a stored signal ID or entry price
//  3. hint contained in the stored raw message text
//  4. any signal for the instrument that has registered orders
//
// The winning candidate is then checked against the recency and same-source
// filters; a filtered match is reported as no match rather than falling
// through to a weaker rule.
func (s *Store) FindMatching(q Query) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.byInst[q.Instrument]
	if len(recs) == 0 {
		return Record{}, false
	}

	rules := []func(*Record) bool{
		func(r *Record) bool { return matchTPPrice(r, q.TPLevel, q.TPPrice) },
		func(r *Record) bool { return matchHint(r, q.Hint) },
		func(r *Record) bool { return matchRawText(r, q.Hint) },
		func(r *Record) bool { return len(r.Orders) > 0 },
	}

	for ruleIdx, rule := range rules {
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			if !rule(rec) {
				continue
			}
			if !s.acceptLocked(rec, q) {
				return Record{}, false
			}
			s.log.Infof("history: matched %s signal %s via rule %d",
				q.Instrument, rec.ID, ruleIdx+1)
			return *rec, true
		}
	}
	return Record{}, false
}

func (s *Store) acceptLocked(rec *Record, q Query) bool {
	if s.cfg.MaxAge > 0 && time.Since(rec.AddedAt) > s.cfg.MaxAge {
		s.log.Infof("history: match %s rejected, older than %s", rec.ID, s.cfg.MaxAge)
		return false
	}
	if s.cfg.SameSource && q.ChannelID != 0 && rec.Signal.ChannelID != 0 &&
		rec.Signal.ChannelID != q.ChannelID {
		s.log.Infof("history: match %s rejected, channel %d != %d",
			rec.ID, rec.Signal.ChannelID, q.ChannelID)
		return false
	}
	return true
}

func matchTPPrice(rec *Record, level int, price float64) bool {
	if price <= 0 {
		return false
	}
	tps := rec.Signal.TakeProfits
	if level >= 1 && level <= len(tps) {
		return withinTolerance(tps[level-1], price)
	}
	for _, tp := range tps {
		if withinTolerance(tp, price) {
			return true
		}
	}
	return false
}

func matchHint(rec *Record, hint string) bool {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return false
	}
	if hint == rec.ID {
		return true
	}
	if v, err := strconv.ParseFloat(hint, 64); err == nil && v > 0 {
		return withinTolerance(rec.Signal.Entry, v)
	}
	return false
}

func matchRawText(rec *Record, hint string) bool {
	hint = strings.TrimSpace(strings.ToLower(hint))
	if hint == "" || rec.Signal.RawMessage == "" {
		return false
	}
	return strings.Contains(strings.ToLower(rec.Signal.RawMessage), hint)
}

func withinTolerance(stored, quoted float64) bool {
	if stored <= 0 {
		return false
	}
	return math.Abs(stored-quoted) <= stored*priceTolerance
}
