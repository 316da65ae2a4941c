// Package drawdown tracks the daily floor balance for an account and vetoes
// trades that would breach it. State is a small JSON file with a .bak written
// before every overwrite; the floor resets once a day at a fixed local
// wall-clock time.
package drawdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxsignals/copier/logging"
)

// State is the persisted floor for one account.
type State struct {
	StartingBalance    float64 `json:"starting_balance"`
	MaxDrawdownBalance float64 `json:"max_drawdown_balance"`
}

// TierSize maps an account balance to its evaluation tier. The drawdown
// allowance is a percentage of the tier, not of the raw balance.
func TierSize(balance float64) float64 {
	switch {
	case balance <= 9000:
		return 5000
	case balance <= 22500:
		return 10000
	case balance <= 45000:
		return 25000
	case balance <= 90000:
		return 50000
	default:
		return 100000
	}
}

// pctTolerance is how far the persisted floor's implied percentage may drift
// from the configured one before validation corrects it, in percentage points.
const pctTolerance = 0.1

// Guard owns the drawdown state for one account. One mutex serializes every
// read and mutation, including the scheduled reset.
type Guard struct {
	path string
	pct  func() float64 // configured daily percentage, profile-driven
	log  *logging.Logger

	mu    sync.Mutex
	state State
}

func NewGuard(path string, pct func() float64, log *logging.Logger) *Guard {
	return &Guard{path: path, pct: pct, log: log}
}

// Load reads the persisted state, seeding from the current balance when the
// file is missing or unreadable, then validates the floor against the
// configured percentage. The starting balance is never changed by a restart.
func (g *Guard) Load(balance float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := os.ReadFile(g.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		g.log.Infof("drawdown: no state at %s, seeding from balance %.2f", g.path, balance)
		return g.resetLocked(balance)
	case err != nil:
		return fmt.Errorf("drawdown: read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil || st.StartingBalance <= 0 {
		g.log.Warnf("drawdown: state at %s unreadable, seeding from balance %.2f", g.path, balance)
		return g.resetLocked(balance)
	}

	g.state = st
	g.validateLocked()
	return nil
}

// validateLocked corrects MaxDrawdownBalance when its implied percentage
// disagrees with the configured one. StartingBalance is left alone so a
// restart can never masquerade as a day boundary.
func (g *Guard) validateLocked() {
	tier := TierSize(g.state.StartingBalance)
	if tier == 0 {
		return
	}

	implied := (g.state.StartingBalance - g.state.MaxDrawdownBalance) / tier * 100
	configured := g.pct()
	if math.Abs(implied-configured) <= pctTolerance {
		return
	}

	corrected := g.state.StartingBalance - tier*configured/100
	g.log.Warnf("drawdown: floor implies %.2f%% but %.2f%% is configured, correcting %.2f -> %.2f",
		implied, configured, g.state.MaxDrawdownBalance, corrected)
	g.state.MaxDrawdownBalance = corrected
	if err := g.saveLocked(); err != nil {
		g.log.Errorf("drawdown: persist corrected floor: %v", err)
	}
}

// WouldExceed reports whether losing riskAmount from balance would drop the
// account below the floor.
func (g *Guard) WouldExceed(balance, riskAmount float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	projected := balance - riskAmount
	exceed := projected < g.state.MaxDrawdownBalance
	if exceed {
		g.log.Warnf("drawdown: projected balance %.2f below floor %.2f (balance %.2f, risk %.2f)",
			projected, g.state.MaxDrawdownBalance, balance, riskAmount)
	}
	return exceed
}

// Reset re-anchors the day: the starting balance becomes the given equity and
// the floor is recomputed from the tier and configured percentage.
func (g *Guard) Reset(equity float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resetLocked(equity)
}

func (g *Guard) resetLocked(equity float64) error {
	tier := TierSize(equity)
	pct := g.pct()

	g.state = State{
		StartingBalance:    equity,
		MaxDrawdownBalance: equity - tier*pct/100,
	}
	g.log.Infof("drawdown: floor set to %.2f (starting %.2f, tier %.0f, %.1f%%)",
		g.state.MaxDrawdownBalance, g.state.StartingBalance, tier, pct)
	return g.saveLocked()
}

// Snapshot returns a copy of the current state.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) saveLocked() error {
	if dir := filepath.Dir(g.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("drawdown: create state dir: %w", err)
		}
	}

	// Keep the previous state around before overwriting.
	if prev, err := os.ReadFile(g.path); err == nil {
		if err := os.WriteFile(g.path+".bak", prev, 0o644); err != nil {
			g.log.Warnf("drawdown: could not write backup: %v", err)
		}
	}

	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		return fmt.Errorf("drawdown: encode state: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0o644); err != nil {
		return fmt.Errorf("drawdown: write state: %w", err)
	}
	return nil
}

// EquityFunc fetches the account's current equity (balance plus unrealized
// P&L when the broker can report it).
type EquityFunc func() (float64, error)

// Scheduler fires Guard.Reset once a day at a fixed wall-clock time in a
// given location.
type Scheduler struct {
	guard  *Guard
	equity EquityFunc
	log    *logging.Logger

	hour, minute int
	loc          *time.Location
	retry        time.Duration

	done chan struct{}
}

// NewScheduler builds a scheduler firing at hour:minute in loc. The caller
// still has to Start it.
func NewScheduler(g *Guard, equity EquityFunc, hour, minute int, loc *time.Location, log *logging.Logger) *Scheduler {
	return &Scheduler{
		guard:  g,
		equity: equity,
		log:    log,
		hour:   hour,
		minute: minute,
		loc:    loc,
		retry:  5 * time.Minute,
		done:   make(chan struct{}),
	}
}

// Start runs the reset loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Wait blocks until the loop has exited after cancellation.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		wait := s.untilNext(time.Now().In(s.loc))
		s.log.Infof("drawdown: next reset in %s", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// A failed reset is retried a few times with backoff before giving up
		// until the next scheduled occurrence.
		for attempt := 1; ; attempt++ {
			err := s.resetOnce()
			if err == nil {
				break
			}
			if attempt >= 3 {
				s.log.Errorf("drawdown: scheduled reset failed after %d attempts: %v", attempt, err)
				break
			}
			wait := s.retry * time.Duration(attempt)
			s.log.Errorf("drawdown: scheduled reset failed: %v (retrying in %s)", err, wait)

			retry := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				retry.Stop()
				return
			case <-retry.C:
			}
		}
	}
}

func (s *Scheduler) resetOnce() error {
	eq, err := s.equity()
	if err != nil {
		return fmt.Errorf("fetch equity: %w", err)
	}
	return s.guard.Reset(eq)
}

// untilNext returns the duration to the next hour:minute occurrence after now.
func (s *Scheduler) untilNext(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
