package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/broker/sim"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
	"github.com/fxsignals/copier/signal"
)

const testAccount = "acct-1"

func newFixture(t *testing.T) (*Monitor, *sim.Broker, *history.Store) {
	t.Helper()
	b := sim.New(10000)
	store := history.NewStore(history.DefaultConfig(), logging.Discard())
	cfg := DefaultConfig(testAccount)
	cfg.Cooldown = 0
	return New(cfg, b, store, logging.Discard()), b, store
}

func open(t *testing.T, b *sim.Broker, instrument string, side market.Side, bid, ask float64) string {
	t.Helper()
	b.SetQuote(instrument, bid, ask)
	id, err := b.CreateOrder(context.Background(), testAccount, broker.OrderRequest{
		Instrument: instrument, Side: side, Type: broker.Market, Quantity: 0.1,
	})
	require.NoError(t, err)
	return id
}

func position(t *testing.T, b *sim.Broker, id string) broker.Position {
	t.Helper()
	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	for _, p := range positions {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("position %s not found", id)
	return broker.Position{}
}

func sweep(t *testing.T, m *Monitor) bool {
	t.Helper()
	active, err := m.Sweep(context.Background())
	require.NoError(t, err)
	return active
}

func TestBreakevenMoveAtThreshold(t *testing.T) {
	t.Parallel()
	m, b, _ := newFixture(t)
	id := open(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

	// 39 favorable pips: one short of the threshold.
	b.SetQuote("EURUSD", 1.1039, 1.1041)
	sweep(t, m)
	assert.Zero(t, position(t, b, id).StopLoss)

	b.SetQuote("EURUSD", 1.1040, 1.1042)
	sweep(t, m)
	assert.InDelta(t, 1.1000, position(t, b, id).StopLoss, 1e-9)
}

func TestBreakevenMoveSellSide(t *testing.T) {
	t.Parallel()
	m, b, _ := newFixture(t)
	id := open(t, b, "GBPUSD", market.Sell, 1.2500, 1.2502)

	// A sell exits at the ask; 50 pips below entry is comfortably through
	// the threshold.
	b.SetQuote("GBPUSD", 1.2448, 1.2450)
	sweep(t, m)
	assert.InDelta(t, 1.2500, position(t, b, id).StopLoss, 1e-9)
}

func TestTrailingLocksInOnPullback(t *testing.T) {
	t.Parallel()
	m, b, _ := newFixture(t)
	id := open(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

	// Breakeven first, then a run to +80 pips.
	b.SetQuote("EURUSD", 1.1045, 1.1047)
	sweep(t, m)
	require.InDelta(t, 1.1000, position(t, b, id).StopLoss, 1e-9)

	b.SetQuote("EURUSD", 1.1080, 1.1082)
	sweep(t, m)
	// New best, no pullback yet: stop stays at entry.
	assert.InDelta(t, 1.1000, position(t, b, id).StopLoss, 1e-9)

	// 25 pip pullback from the best of 80 locks the stop at 80-20=60.
	b.SetQuote("EURUSD", 1.1055, 1.1057)
	sweep(t, m)
	assert.InDelta(t, 1.1060, position(t, b, id).StopLoss, 1e-9)

	// A shallower pullback later must not loosen the stop.
	b.SetQuote("EURUSD", 1.1065, 1.1067)
	sweep(t, m)
	assert.InDelta(t, 1.1060, position(t, b, id).StopLoss, 1e-9)
}

func TestRunnerUsesIndexThreshold(t *testing.T) {
	t.Parallel()
	m, b, store := newFixture(t)
	id := open(t, b, "DJI30", market.Buy, 39099, 39100)

	store.Add(signal.Signal{
		ID: "msg-1", Instrument: "DJI30", Side: market.Buy,
		Entry: 39100, StopLoss: 39000, TakeProfits: []float64{39150, 39200},
		Timestamp: time.Now(),
	})
	store.RegisterOrders("msg-1", []history.OrderRef{{ID: id, Runner: true}})

	// 60 points is past the standard threshold but not the runner one.
	b.SetQuote("DJI30", 39160, 39161)
	sweep(t, m)
	assert.Zero(t, position(t, b, id).StopLoss)

	b.SetQuote("DJI30", 39200, 39201)
	sweep(t, m)
	assert.InDelta(t, 39100, position(t, b, id).StopLoss, 1e-9)
}

func TestCooldownSpacesUpdates(t *testing.T) {
	t.Parallel()
	m, b, _ := newFixture(t)
	m.cfg.Cooldown = 30 * time.Second

	now := time.Now()
	m.now = func() time.Time { return now }

	id := open(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

	b.SetQuote("EURUSD", 1.1080, 1.1082)
	sweep(t, m)
	require.InDelta(t, 1.1000, position(t, b, id).StopLoss, 1e-9)

	// Deep pullback inside the cooldown window: nothing moves.
	b.SetQuote("EURUSD", 1.1050, 1.1052)
	sweep(t, m)
	assert.InDelta(t, 1.1000, position(t, b, id).StopLoss, 1e-9)

	now = now.Add(31 * time.Second)
	sweep(t, m)
	assert.InDelta(t, 1.1060, position(t, b, id).StopLoss, 1e-9)
}

func TestSweepPrunesClosedPositions(t *testing.T) {
	t.Parallel()
	m, b, _ := newFixture(t)
	id := open(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

	assert.True(t, sweep(t, m))
	assert.Contains(t, m.tracking, id)

	require.NoError(t, b.ClosePosition(context.Background(), testAccount, id, 0))
	assert.False(t, sweep(t, m))
	assert.NotContains(t, m.tracking, id)
}

func TestBackoffCurve(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 16*time.Second, backoff(5))
	assert.Equal(t, 30*time.Second, backoff(8))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	m, _, _ := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
