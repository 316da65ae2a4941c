package orders

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/broker/sim"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
	"github.com/fxsignals/copier/risk"
	"github.com/fxsignals/copier/signal"
)

type stubGuard bool

func (g stubGuard) WouldExceed(balance, riskAmount float64) bool { return bool(g) }

func buySignal() signal.Signal {
	return signal.Signal{
		ID:          "msg-1",
		Instrument:  "EURUSD",
		Side:        market.Buy,
		Entry:       1.1000,
		StopLoss:    1.0950,
		TakeProfits: []float64{1.1050, 1.1100, 1.1150},
		ChannelID:   100,
	}
}

func newTestOrchestrator(t *testing.T, b broker.Broker, guard Guard) (*Orchestrator, *history.Store) {
	t.Helper()
	store := history.NewStore(history.DefaultConfig(), logging.Discard())
	return New(b, guard, store, nil, nil, DefaultPolicy(), logging.Discard()), store
}

func sortedByTP(reqs []broker.OrderRequest) []broker.OrderRequest {
	out := append([]broker.OrderRequest(nil), reqs...)
	sort.Slice(out, func(i, j int) bool { return out[i].TakeProfit < out[j].TakeProfit })
	return out
}

func TestPlaceLimitOrdersPerTakeProfit(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	b.SetQuote("EURUSD", 1.1103, 1.1105) // over 100 pips above a buy entry
	o, store := newTestOrchestrator(t, b, stubGuard(false))

	sig := buySignal()
	sig.Entry = 1.1000
	store.Add(sig)

	res, err := o.Place(context.Background(), "acct", sig, risk.Sizing{
		Legs: []float64{0.1, 0.1, 0.1}, RiskAmount: 150,
	})
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, broker.Limit, res.OrderType)
	require.Len(t, res.Placed, 3)
	assert.Empty(t, res.Failed)

	reqs := sortedByTP(b.Created())
	require.Len(t, reqs, 3)
	for i, tp := range []float64{1.1050, 1.1100, 1.1150} {
		assert.Equal(t, broker.Limit, reqs[i].Type)
		assert.InDelta(t, 1.1000, reqs[i].Price, 1e-9)
		assert.InDelta(t, 1.0950, reqs[i].StopLoss, 1e-9)
		assert.InDelta(t, tp, reqs[i].TakeProfit, 1e-9)
		assert.InDelta(t, 0.1, reqs[i].Quantity, 1e-9)
	}

	rec, ok := store.Get("msg-1")
	require.True(t, ok)
	assert.Len(t, rec.Orders, 3)
}

func TestPlaceUpgradesToMarketNearEntry(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	b.SetQuote("EURUSD", 1.1004, 1.1006) // 6 pips above entry for a buy
	o, _ := newTestOrchestrator(t, b, stubGuard(false))

	res, err := o.Place(context.Background(), "acct", buySignal(), risk.Sizing{
		Legs: []float64{0.1, 0.1, 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Market, res.OrderType)
	require.NotEmpty(t, b.Created())

	// Stop shifts up by the 6-pip gap to keep the risk width.
	req := b.Created()[0]
	assert.Equal(t, broker.Market, req.Type)
	assert.Zero(t, req.Price)
	assert.InDelta(t, 1.0956, req.StopLoss, 1e-9)
}

func TestPlaceUsesMarketWhenFavorable(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	// 50 pips below entry: outside the threshold but a cheaper buy fill.
	b.SetQuote("EURUSD", 1.0948, 1.0950)
	o, _ := newTestOrchestrator(t, b, stubGuard(false))

	res, err := o.Place(context.Background(), "acct", buySignal(), risk.Sizing{
		Legs: []float64{0.1, 0.1, 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Market, res.OrderType)
	// Shift direction for a buy is still +diff.
	assert.InDelta(t, 1.0950+0.0050, b.Created()[0].StopLoss, 1e-9)
}

func TestPlaceResolvesPlatformSymbol(t *testing.T) {
	t.Parallel()
	b := sim.New(100000)
	// The platform lists the Dow under its own spelling; orders must go out
	// under that name while the store keeps the canonical symbol.
	b.SetQuote("DOW.C", 39500, 39502)
	o, store := newTestOrchestrator(t, b, stubGuard(false))

	sig := signal.Signal{
		ID:          "msg-1",
		Instrument:  "DJI30",
		Side:        market.Buy,
		Entry:       39000,
		StopLoss:    38900,
		TakeProfits: []float64{39100, 39200, 39300},
		ChannelID:   100,
	}
	store.Add(sig)

	res, err := o.Place(context.Background(), "acct", sig, risk.Sizing{
		Legs: []float64{0.3, 0.3, 0.3}, RiskAmount: 300,
	})
	require.NoError(t, err)
	require.Len(t, res.Placed, 3)

	for _, req := range b.Created() {
		assert.Equal(t, "DOW.C", req.Instrument)
	}

	rec, ok := store.Get("msg-1")
	require.True(t, ok)
	assert.Equal(t, "DJI30", rec.Signal.Instrument)
	assert.Len(t, rec.Orders, 3)
}

func TestPlaceIndexRunnerLayout(t *testing.T) {
	t.Parallel()

	t.Run("buy", func(t *testing.T) {
		t.Parallel()
		b := sim.New(100000)
		b.SetQuote("DJI30", 39200, 39202) // far above a buy entry, stays limit
		o, store := newTestOrchestrator(t, b, stubGuard(false))

		sig := signal.Signal{
			ID:         "msg-dji",
			Instrument: "DJI30",
			Side:       market.Buy,
			Entry:      39000,
			StopLoss:   38900,
			// Deliberately unsorted with four levels.
			TakeProfits: []float64{39300, 39100, 39400, 39200},
			ChannelID:   100,
		}
		store.Add(sig)

		res, err := o.Place(context.Background(), "acct", sig, risk.Sizing{
			Legs: []float64{0.1, 0.1, 0.1, 0.1},
		})
		require.NoError(t, err)
		require.Len(t, res.Placed, 3)

		reqs := sortedByTP(b.Created())
		assert.InDelta(t, 39100, reqs[0].TakeProfit, 1e-9)
		assert.InDelta(t, 39200, reqs[1].TakeProfit, 1e-9)
		assert.InDelta(t, 39500, reqs[2].TakeProfit, 1e-9, "runner at entry plus 500 points")
		for _, req := range reqs {
			assert.InDelta(t, 0.13, req.Quantity, 1e-9, "each leg a third of 0.4 total")
		}

		// The runner flag survives into the correlation store.
		runner := 0
		rec, _ := store.Get("msg-dji")
		for _, ref := range rec.Orders {
			if ref.Runner {
				runner++
				assert.InDelta(t, 39500, ref.TakeProfit, 1e-9)
				assert.True(t, store.IsRunner(ref.ID))
			}
		}
		assert.Equal(t, 1, runner)
	})

	t.Run("sell", func(t *testing.T) {
		t.Parallel()
		b := sim.New(100000)
		b.SetQuote("NDX100", 19400, 19402) // far below a sell entry, stays limit
		o, _ := newTestOrchestrator(t, b, stubGuard(false))

		sig := signal.Signal{
			ID:          "msg-ndx",
			Instrument:  "NDX100",
			Side:        market.Sell,
			Entry:       20000,
			StopLoss:    20100,
			TakeProfits: []float64{19900, 19800, 19700},
			ChannelID:   100,
		}
		res, err := o.Place(context.Background(), "acct", sig, risk.Sizing{
			Legs: []float64{0.09, 0.09, 0.09},
		})
		require.NoError(t, err)
		require.Len(t, res.Placed, 3)

		reqs := sortedByTP(b.Created())
		// Ascending sort puts the runner (entry minus 500) first.
		assert.InDelta(t, 19500, reqs[0].TakeProfit, 1e-9)
		assert.InDelta(t, 19800, reqs[1].TakeProfit, 1e-9)
		assert.InDelta(t, 19900, reqs[2].TakeProfit, 1e-9)
	})
}

func TestPlaceDrawdownVeto(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	b.SetQuote("EURUSD", 1.0899, 1.0901)
	o, _ := newTestOrchestrator(t, b, stubGuard(true))

	res, err := o.Place(context.Background(), "acct", buySignal(), risk.Sizing{
		Legs: []float64{0.1}, RiskAmount: 500,
	})
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Contains(t, res.Decision.Reason(), "drawdown")
	assert.Empty(t, res.Placed)
	assert.Empty(t, b.Created())
}

func TestPlaceMarginRetryHalvesSizes(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	b.SetQuote("EURUSD", 1.0897, 1.0899)
	b.MarginFailures = 3 // first whole batch fails
	o, _ := newTestOrchestrator(t, b, stubGuard(false))

	res, err := o.Place(context.Background(), "acct", buySignal(), risk.Sizing{
		Legs: []float64{0.4, 0.4, 0.4},
	})
	require.NoError(t, err)
	require.Len(t, res.Placed, 3)

	for _, leg := range res.Placed {
		assert.InDelta(t, 0.2, leg.Quantity, 1e-9, "second attempt runs at half size")
	}
}

func TestPlaceMarginRetryGivesUpBelowMinimum(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	b.SetQuote("EURUSD", 1.0897, 1.0899)
	b.MarginFailures = 100
	o, _ := newTestOrchestrator(t, b, stubGuard(false))

	res, err := o.Place(context.Background(), "acct", buySignal(), risk.Sizing{
		Legs: []float64{0.01, 0.01, 0.01},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Placed)
	assert.Len(t, res.Failed, 3)
}

func TestPlacePartialFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	b := sim.New(10000)
	b.SetQuote("EURUSD", 1.0897, 1.0899)
	b.MarginFailures = 1 // exactly one leg of the batch fails
	o, _ := newTestOrchestrator(t, b, stubGuard(false))

	res, err := o.Place(context.Background(), "acct", buySignal(), risk.Sizing{
		Legs: []float64{0.1, 0.1, 0.1},
	})
	require.NoError(t, err)
	assert.Len(t, res.Placed, 2)
	assert.Len(t, res.Failed, 1)
}
