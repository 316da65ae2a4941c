// Package monitor watches open positions and walks their stops through two
// phases: a breakeven move once the trade is comfortably in profit, then a
// trailing move that locks gains in when price pulls back from its best
// excursion. Tracking is in-memory only; a restart starts fresh.
package monitor

import (
	"context"
	"time"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
)

type Config struct {
	AccountID string

	// ActivePoll is used while positions are open, IdlePoll otherwise.
	ActivePoll time.Duration
	IdlePoll   time.Duration

	// Cooldown is the minimum spacing between stop updates per position.
	Cooldown time.Duration

	// BreakevenPips triggers the breakeven move on a standard leg. Runner
	// legs use the index or gold threshold instead.
	BreakevenPips   float64
	RunnerIndexPips float64
	RunnerGoldPips  float64

	// TrailPips is the pullback from the best excursion that locks the stop
	// at best minus TrailPips.
	TrailPips float64

	// MaxFailures consecutive polling failures trip the circuit break.
	MaxFailures  int
	CircuitBreak time.Duration
}

func DefaultConfig(accountID string) Config {
	return Config{
		AccountID:       accountID,
		ActivePoll:      3 * time.Second,
		IdlePoll:        10 * time.Second,
		Cooldown:        30 * time.Second,
		BreakevenPips:   40,
		RunnerIndexPips: 100,
		RunnerGoldPips:  40,
		TrailPips:       20,
		MaxFailures:     10,
		CircuitBreak:    5 * time.Minute,
	}
}

// track is the per-position state. bestPips only ever grows.
type track struct {
	bestPips     float64
	breakevenSet bool
	lastUpdate   time.Time
}

// Monitor runs single-threaded; Run owns the tracking map and the failure
// counter, so no locking is needed.
type Monitor struct {
	cfg      Config
	broker   broker.Broker
	store    *history.Store
	log      *logging.Logger
	tracking map[string]*track
	failures int
	now      func() time.Time
}

func New(cfg Config, b broker.Broker, store *history.Store, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Discard()
	}
	return &Monitor{
		cfg:      cfg,
		broker:   b,
		store:    store,
		log:      log,
		tracking: make(map[string]*track),
		now:      time.Now,
	}
}

// Run polls until the context is cancelled. Poll failures back off
// exponentially; after MaxFailures in a row the monitor sleeps out the
// circuit break and then resumes with a partially reset counter.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Infof("monitor: starting for account %s", m.cfg.AccountID)
	for {
		active, err := m.Sweep(ctx)
		if ctx.Err() != nil {
			m.log.Infof("monitor: stopped")
			return
		}

		var wait time.Duration
		switch {
		case err != nil:
			m.failures++
			if m.failures >= m.cfg.MaxFailures {
				m.log.Errorf("monitor: %d consecutive failures, backing off %s: %v",
					m.failures, m.cfg.CircuitBreak, err)
				wait = m.cfg.CircuitBreak
				m.failures -= 5
			} else {
				wait = backoff(m.failures)
				m.log.Warnf("monitor: poll failed (%d/%d), retrying in %s: %v",
					m.failures, m.cfg.MaxFailures, wait, err)
			}
		case active:
			m.failures = 0
			wait = m.cfg.ActivePoll
		default:
			m.failures = 0
			wait = m.cfg.IdlePoll
		}

		select {
		case <-ctx.Done():
			m.log.Infof("monitor: stopped")
			return
		case <-time.After(wait):
		}
	}
}

// backoff doubles per consecutive failure, capped at 30 seconds.
func backoff(failures int) time.Duration {
	d := time.Second
	for i := 1; i < failures && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Sweep runs one pass over the open positions. It reports whether any
// positions are open so the caller can pick the poll interval. Per-position
// quote or modify errors are logged and skipped, not returned; only the
// position listing itself can fail the sweep.
func (m *Monitor) Sweep(ctx context.Context) (bool, error) {
	positions, err := m.broker.GetPositions(ctx, m.cfg.AccountID)
	if err != nil {
		return false, err
	}

	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.ID] = true
		if err := m.inspect(ctx, p); err != nil {
			m.log.Warnf("monitor: position %s (%s): %v", p.ID, p.Instrument, err)
		}
	}

	// Forget positions the broker no longer reports.
	for id := range m.tracking {
		if !open[id] {
			delete(m.tracking, id)
		}
	}
	return len(positions) > 0, nil
}

func (m *Monitor) inspect(ctx context.Context, p broker.Position) error {
	q, err := m.broker.GetQuote(ctx, p.Instrument)
	if err != nil {
		return err
	}
	// A buy exits at the bid, a sell at the ask.
	current := q.MarkPrice(p.Side)

	pip := market.PipSize(p.Instrument)
	fav := (current - p.EntryPrice) / pip
	if p.Side == market.Sell {
		fav = (p.EntryPrice - current) / pip
	}

	tr, ok := m.tracking[p.ID]
	if !ok {
		tr = &track{}
		m.tracking[p.ID] = tr
	}
	if fav > tr.bestPips {
		tr.bestPips = fav
	}

	if m.cfg.Cooldown > 0 && m.now().Sub(tr.lastUpdate) < m.cfg.Cooldown {
		return nil
	}

	if !tr.breakevenSet {
		if fav < m.breakevenThreshold(p) {
			return nil
		}
		sl := p.EntryPrice
		if err := m.broker.ModifyPosition(ctx, m.cfg.AccountID, p.ID, broker.PositionModify{StopLoss: &sl}); err != nil {
			return err
		}
		tr.breakevenSet = true
		tr.lastUpdate = m.now()
		m.log.Infof("monitor: %s position %s at %.1f favorable pips, stop moved to entry %.5f",
			p.Instrument, p.ID, fav, sl)
		return nil
	}

	// Trailing phase: a pullback of TrailPips from the best excursion locks
	// the stop at best minus TrailPips. Only ever tightens.
	if tr.bestPips-fav < m.cfg.TrailPips {
		return nil
	}
	lock := tr.bestPips - m.cfg.TrailPips
	sl := p.EntryPrice + lock*pip
	if p.Side == market.Sell {
		sl = p.EntryPrice - lock*pip
	}
	if !tightens(p, sl) {
		return nil
	}
	if err := m.broker.ModifyPosition(ctx, m.cfg.AccountID, p.ID, broker.PositionModify{StopLoss: &sl}); err != nil {
		return err
	}
	tr.lastUpdate = m.now()
	m.log.Infof("monitor: %s position %s pulled back %.1f pips from best %.1f, stop trailed to %.5f",
		p.Instrument, p.ID, tr.bestPips-fav, tr.bestPips, sl)
	return nil
}

// breakevenThreshold picks the favorable-pips requirement for the breakeven
// move. Runner legs on indices get more room to breathe; everything else
// uses the standard threshold.
func (m *Monitor) breakevenThreshold(p broker.Position) float64 {
	if m.store != nil && m.store.IsRunner(p.ID) {
		switch market.Classify(p.Instrument) {
		case market.ClassUS30, market.ClassNasdaq:
			return m.cfg.RunnerIndexPips
		case market.ClassGold:
			return m.cfg.RunnerGoldPips
		}
	}
	return m.cfg.BreakevenPips
}

func tightens(p broker.Position, sl float64) bool {
	if p.StopLoss == 0 {
		return true
	}
	if p.Side == market.Sell {
		return sl < p.StopLoss
	}
	return sl > p.StopLoss
}
