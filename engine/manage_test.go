package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/broker/sim"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
	"github.com/fxsignals/copier/signal"
)

func newManageFixture(t *testing.T, flags Flags) (*ManageHandler, *sim.Broker, *history.Store) {
	t.Helper()
	b := sim.New(10000)
	store := history.NewStore(history.DefaultConfig(), logging.Discard())
	cache, err := history.OpenCache(filepath.Join(t.TempDir(), "orders.json"), logging.Discard())
	require.NoError(t, err)
	h := NewManageHandler(b, store, cache, nil, flags, nil, logging.Discard())
	return h, b, store
}

func openPosition(t *testing.T, b *sim.Broker, instrument string, side market.Side, bid, ask float64) string {
	t.Helper()
	b.SetQuote(instrument, bid, ask)
	id, err := b.CreateOrder(context.Background(), testAccount, broker.OrderRequest{
		Instrument: instrument, Side: side, Type: broker.Market, Quantity: 0.2,
	})
	require.NoError(t, err)
	return id
}

func TestManageBreakeven(t *testing.T) {
	t.Parallel()
	h, b, _ := newManageFixture(t, FlagsForPreset("balanced"))

	buyID := openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)
	sellID := openPosition(t, b, "EURUSD", market.Sell, 1.1000, 1.1001)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "EURUSD move sl to breakeven",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.True(t, res.Resolved)
	assert.Equal(t, CmdBreakeven, res.Command.Kind)
	assert.Equal(t, 2, res.Success)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	for _, p := range positions {
		switch p.ID {
		case buyID:
			assert.InDelta(t, 1.1000-0.0002, p.StopLoss, 1e-9, "buy stop parks just below entry")
		case sellID:
			assert.InDelta(t, 1.1000+0.0002, p.StopLoss, 1e-9, "sell stop parks just above entry")
		}
	}
}

func TestManageBreakevenSinglePositionFallback(t *testing.T) {
	t.Parallel()
	h, b, _ := newManageFixture(t, FlagsForPreset("balanced"))

	posID := openPosition(t, b, "GBPUSD", market.Buy, 1.2499, 1.2500)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "move sl to be",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.True(t, res.Resolved)
	assert.Equal(t, "GBPUSD", res.Instrument)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, posID, positions[0].ID)
	assert.InDelta(t, 1.2498, positions[0].StopLoss, 1e-9)
}

func TestManageCloseAllForInstrument(t *testing.T) {
	t.Parallel()
	h, b, _ := newManageFixture(t, FlagsForPreset("balanced"))

	openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)
	placeLimit(t, b, "EURUSD", market.Buy, 1.0950, 1.1050)
	keepPos := openPosition(t, b, "GBPUSD", market.Buy, 1.2499, 1.2500)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "close all EURUSD positions now",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, CmdClose, res.Command.Kind)
	assert.Equal(t, 2, res.Success)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, keepPos, positions[0].ID)
	assert.Zero(t, pendingCount(t, b))
}

func TestManagePartialClose(t *testing.T) {
	t.Parallel()
	h, b, _ := newManageFixture(t, FlagsForPreset("balanced"))

	posID := openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)
	placeLimit(t, b, "EURUSD", market.Buy, 1.0950, 1.1050)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "close half of EURUSD here",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, CmdPartialClose, res.Command.Kind)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, posID, positions[0].ID)
	assert.InDelta(t, 0.1, positions[0].Quantity, 1e-9, "half the 0.2 lot position closed")

	// Partial closes leave pending entries working.
	assert.Equal(t, 1, pendingCount(t, b))
}

func TestManageCancelScopedByReply(t *testing.T) {
	t.Parallel()
	h, b, store := newManageFixture(t, FlagsForPreset("balanced"))

	trackedSignal(t, store, b, "msg-1", "EURUSD", 1.1000, 1.1050, 1.1100)
	unrelated := placeLimit(t, b, "EURUSD", market.Buy, 1.0900, 1.0950)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text:      "cancel",
		ReplyToID: "msg-1",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.True(t, res.Resolved)
	assert.Equal(t, "msg-1", res.SignalID)
	assert.Equal(t, 2, res.Success)

	orders, err := b.GetPendingOrders(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, orders, 1, "order outside the replied-to signal survives")
	assert.Equal(t, unrelated, orders[0].ID)

	// The correlation store forgets the cancelled legs.
	rec, ok := store.Get("msg-1")
	require.True(t, ok)
	assert.Empty(t, rec.Orders)
}

func TestManageCancelResolvesFromCacheAfterRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "orders.json")

	b := sim.New(10000)
	oid := placeLimit(t, b, "EURUSD", market.Buy, 1.1000, 1.1050)
	unrelated := placeLimit(t, b, "GBPUSD", market.Buy, 1.2500, 1.2550)

	before, err := history.OpenCache(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, before.Store("msg-1", history.CachedOrders{
		Orders:      []string{oid},
		TakeProfits: []float64{1.1050},
		Instrument:  "EURUSD",
		EntryPrice:  1.1000,
		StopLoss:    1.0950,
	}))

	// A restart keeps the broker and the cache file but loses the in-memory
	// store; the command must still reach its orders through the cache.
	cache, err := history.OpenCache(path, logging.Discard())
	require.NoError(t, err)
	store := history.NewStore(history.DefaultConfig(), logging.Discard())
	h := NewManageHandler(b, store, cache, nil, FlagsForPreset("balanced"), nil, logging.Discard())

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "cancel the entry at 1.1000 please",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.True(t, res.Resolved)
	assert.Equal(t, "EURUSD", res.Instrument)
	assert.Equal(t, "msg-1", res.SignalID)
	assert.Equal(t, 1, res.Success)

	orders, err := b.GetPendingOrders(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, orders, 1, "only the cached signal's order is cancelled")
	assert.Equal(t, unrelated, orders[0].ID)

	// Nothing is left to act on for that message.
	_, ok := cache.Get("msg-1")
	assert.False(t, ok)
}

func TestManageSingleOpenInstrumentFallback(t *testing.T) {
	t.Parallel()
	h, b, _ := newManageFixture(t, FlagsForPreset("balanced"))

	openPosition(t, b, "GBPUSD", market.Buy, 1.2499, 1.2500)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "close now",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.True(t, res.Resolved)
	assert.Equal(t, "GBPUSD", res.Instrument)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestManageUnresolvedIsNeverGuessed(t *testing.T) {
	t.Parallel()
	h, b, _ := newManageFixture(t, FlagsForPreset("balanced"))

	// Two instruments open: the single-position fallback must not fire.
	openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)
	openPosition(t, b, "GBPUSD", market.Buy, 1.2499, 1.2500)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text: "close now",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.False(t, res.Resolved)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Len(t, positions, 2, "nothing was touched")
}

func TestManageGateFlags(t *testing.T) {
	t.Parallel()

	t.Run("close gated", func(t *testing.T) {
		t.Parallel()
		h, b, _ := newManageFixture(t, Flags{AutoBreakeven: true, BreakevenBufferPips: 2})
		openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

		res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
			Text: "close all EURUSD trades",
		})
		require.NoError(t, err)
		require.True(t, handled)
		assert.Equal(t, "auto_close_early disabled", res.Skipped)

		positions, err := b.GetPositions(context.Background(), testAccount)
		require.NoError(t, err)
		assert.Len(t, positions, 1)
	})

	t.Run("breakeven gated", func(t *testing.T) {
		t.Parallel()
		h, b, _ := newManageFixture(t, Flags{AutoCloseEarly: true})
		openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

		res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
			Text: "EURUSD move sl to be",
		})
		require.NoError(t, err)
		require.True(t, handled)
		assert.Equal(t, "auto_breakeven disabled", res.Skipped)
	})
}

func TestManageTPCancelsPendingOnly(t *testing.T) {
	t.Parallel()
	h, b, store := newManageFixture(t, FlagsForPreset("balanced"))

	trackedSignal(t, store, b, "msg-1", "EURUSD", 1.1000, 1.1050, 1.1100)
	posID := openPosition(t, b, "EURUSD", market.Buy, 1.0999, 1.1000)

	res, handled, err := h.Handle(context.Background(), testAccount, signal.Message{
		Text:      "take profit!",
		ReplyToID: "msg-1",
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, CmdTP, res.Command.Kind)
	assert.Equal(t, 2, res.Success)

	positions, err := b.GetPositions(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, positions, 1, "open position keeps running")
	assert.Equal(t, posID, positions[0].ID)
	assert.Zero(t, pendingCount(t, b))
}

func TestFlagsForPreset(t *testing.T) {
	t.Parallel()

	conservative := FlagsForPreset("conservative")
	assert.True(t, conservative.AutoBreakeven)
	assert.False(t, conservative.AutoCloseEarly)

	balanced := FlagsForPreset("balanced")
	assert.True(t, balanced.AutoBreakeven)
	assert.True(t, balanced.AutoCloseEarly)
	assert.InDelta(t, 50, balanced.PartialClosePercent, 1e-9)

	aggressive := FlagsForPreset("aggressive")
	assert.True(t, aggressive.AutoCloseEarly)
	assert.InDelta(t, 75, aggressive.PartialClosePercent, 1e-9)
}
