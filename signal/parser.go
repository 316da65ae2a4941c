package signal

import (
	"context"
	"sync"
	"time"

	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
)

// Extraction is the structured result the external service returns for a
// message it recognizes as a trading signal.
type Extraction struct {
	Instrument  string    `json:"instrument"`
	OrderType   string    `json:"order_type"`
	EntryPoint  float64   `json:"entry_point"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
}

// Extractor wraps the external structured-extraction service. A nil result
// with a nil error means the service decided the text is not a signal.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// Offsets compensate for known price differences between the signal provider
// and the broker feed.
type Offsets struct {
	// PriceAdjust is added to entry, stop, and every take profit of the named
	// canonical instrument.
	PriceAdjust map[string]float64
	// DirectionalTP is added to the take profits only, with the sign following
	// the trade direction (+ for buys, - for sells).
	DirectionalTP map[string]float64
}

// DefaultOffsets carries the known DJI30 feed gap.
func DefaultOffsets() Offsets {
	return Offsets{
		PriceAdjust:   map[string]float64{"DJI30": 46},
		DirectionalTP: map[string]float64{},
	}
}

const cacheTTL = 24 * time.Hour

type cacheEntry struct {
	sig *Signal // nil for cached negatives
}

// Parser runs the parse pipeline: pre-filter, external extraction, validation,
// reduced-risk scan, broker offsets. Safe for concurrent use; identical
// messages arriving while the first is still in flight may duplicate the
// external call, which is accepted.
type Parser struct {
	extractor Extractor
	offsets   Offsets
	log       *logging.Logger

	mu        sync.Mutex
	cache     map[string]cacheEntry
	lastSweep time.Time
}

func NewParser(ex Extractor, off Offsets, log *logging.Logger) *Parser {
	return &Parser{
		extractor: ex,
		offsets:   off,
		log:       log,
		cache:     make(map[string]cacheEntry),
		lastSweep: time.Now(),
	}
}

// Parse returns the structured signal for a message, or nil when the message
// is not an actionable signal. Extraction failures are cached as negatives
// and never surface as errors; only context cancellation does.
func (p *Parser) Parse(ctx context.Context, msg Message) (*Signal, error) {
	if hit, ok := p.cached(msg.Text); ok {
		return p.stamp(hit, msg), nil
	}

	if !IsPotentialSignal(msg.Text) {
		return nil, nil
	}

	ext, err := p.extractor.Extract(ctx, msg.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Warnf("signal: extraction failed, dropping message %s: %v", msg.MessageID, err)
		p.store(msg.Text, nil)
		return nil, nil
	}
	if ext == nil {
		p.store(msg.Text, nil)
		return nil, nil
	}

	sig, err := p.build(ext, msg)
	if err != nil {
		p.log.Warnf("signal: rejected extraction for message %s: %v", msg.MessageID, err)
		p.store(msg.Text, nil)
		return nil, nil
	}

	p.store(msg.Text, sig)
	return p.stamp(sig, msg), nil
}

func (p *Parser) build(ext *Extraction, msg Message) (*Signal, error) {
	side, _ := market.ParseSide(ext.OrderType)
	instrument := market.Normalize(ext.Instrument)

	sig := &Signal{
		Instrument:  instrument,
		Side:        side,
		Entry:       ext.EntryPoint,
		StopLoss:    ext.StopLoss,
		TakeProfits: append([]float64(nil), ext.TakeProfits...),
		ReducedRisk: IsReducedRisk(msg.Text),
		RawMessage:  msg.Text,
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	p.applyOffsets(sig)
	return sig, nil
}

func (p *Parser) applyOffsets(sig *Signal) {
	if adj, ok := p.offsets.PriceAdjust[sig.Instrument]; ok && adj != 0 {
		sig.Entry += adj
		sig.StopLoss += adj
		for i := range sig.TakeProfits {
			sig.TakeProfits[i] += adj
		}
	}
	if d, ok := p.offsets.DirectionalTP[sig.Instrument]; ok && d != 0 {
		if sig.Side == market.Sell {
			d = -d
		}
		for i := range sig.TakeProfits {
			sig.TakeProfits[i] += d
		}
	}
}

// stamp fills the per-message identity onto a copy of the cached parse, so a
// repeated signal text from another channel keeps its own provenance.
func (p *Parser) stamp(sig *Signal, msg Message) *Signal {
	if sig == nil {
		return nil
	}
	out := *sig
	out.TakeProfits = append([]float64(nil), sig.TakeProfits...)
	out.ID = msg.MessageID
	out.ChannelID = msg.ChannelID
	out.ChannelName = msg.ChannelName
	out.Timestamp = msg.Timestamp
	return &out
}

func (p *Parser) cached(text string) (*Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()
	e, ok := p.cache[text]
	return e.sig, ok
}

func (p *Parser) store(text string, sig *Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[text] = cacheEntry{sig: sig}
}

// sweepLocked clears the whole cache once per TTL window to bound memory.
func (p *Parser) sweepLocked() {
	if time.Since(p.lastSweep) < cacheTTL {
		return
	}
	p.cache = make(map[string]cacheEntry)
	p.lastSweep = time.Now()
}
