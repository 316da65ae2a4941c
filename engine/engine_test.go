package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/broker/sim"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/orders"
	"github.com/fxsignals/copier/risk"
	"github.com/fxsignals/copier/signal"
)

type extractorFunc func(ctx context.Context, text string) (*signal.Extraction, error)

func (f extractorFunc) Extract(ctx context.Context, text string) (*signal.Extraction, error) {
	return f(ctx, text)
}

const (
	signalText = "BUY EURUSD\nEntry: 1.1000\nSL: 1.0950\nTP1: 1.1050\nTP2: 1.1100\nTP3: 1.1150"
	goldText   = "BUY XAUUSD entry 2350 sl 2340 tp 2360,2370,2380"
)

// onlySignalText extracts the canonical test signals and declines everything
// else, the way the structured-extraction service filters chatter.
func onlySignalText(ctx context.Context, text string) (*signal.Extraction, error) {
	switch text {
	case signalText:
		return &signal.Extraction{
			Instrument:  "EURUSD",
			OrderType:   "buy",
			EntryPoint:  1.1000,
			StopLoss:    1.0950,
			TakeProfits: []float64{1.1050, 1.1100, 1.1150},
		}, nil
	case goldText:
		return &signal.Extraction{
			Instrument:  "XAUUSD",
			OrderType:   "buy",
			EntryPoint:  2350,
			StopLoss:    2340,
			TakeProfits: []float64{2360, 2370, 2380},
		}, nil
	}
	return nil, nil
}

func newEngineFixture(t *testing.T) (*Engine, *sim.Broker, *history.Store) {
	t.Helper()

	b := sim.New(10000)
	// Current price well above entry and not favorable for a buy, so the
	// signal goes in as limit orders at the quoted entry.
	b.SetQuote("EURUSD", 1.1103, 1.1105)

	dir := t.TempDir()
	profiles, err := risk.OpenStore(filepath.Join(dir, "risk.json"), logging.Discard())
	require.NoError(t, err)
	store := history.NewStore(history.DefaultConfig(), logging.Discard())
	cache, err := history.OpenCache(filepath.Join(dir, "orders.json"), logging.Discard())
	require.NoError(t, err)

	orch := orders.New(b, nil, store, cache, nil, orders.DefaultPolicy(), logging.Discard())
	eng := New(Config{
		AccountID: testAccount,
		Broker:    b,
		Parser:    signal.NewParser(extractorFunc(onlySignalText), signal.Offsets{}, logging.Discard()),
		Profiles:  profiles,
		Sizing:    risk.DefaultSizingPolicy(),
		Orders:    orch,
		History:   store,
		Missed:    NewMissedHandler(b, store, nil, nil, logging.Discard()),
		Manage:    NewManageHandler(b, store, cache, nil, FlagsForPreset("balanced"), nil, logging.Discard()),
	})
	return eng, b, store
}

func signalMessage() signal.Message {
	return signal.Message{
		Text:        signalText,
		MessageID:   "msg-1",
		ChannelID:   100,
		ChannelName: "majors",
		Timestamp:   time.Now(),
	}
}

func TestEnginePlacesParsedSignal(t *testing.T) {
	t.Parallel()
	eng, b, store := newEngineFixture(t)

	out, err := eng.HandleMessage(context.Background(), signalMessage())
	require.NoError(t, err)
	require.Equal(t, "signal", out.Kind)
	require.NotNil(t, out.Placement)
	assert.True(t, out.Placement.Decision.Allowed)
	assert.Equal(t, broker.Limit, out.Placement.OrderType)
	assert.Len(t, out.Placement.Placed, 3)
	assert.Empty(t, out.Placement.Failed)

	assert.Equal(t, 3, pendingCount(t, b))

	rec, ok := store.Get("msg-1")
	require.True(t, ok, "signal tracked under its message id")
	assert.Equal(t, "EURUSD", rec.Signal.Instrument)
	assert.Len(t, rec.Orders, 3)
}

func TestEnginePlacesGoldSignal(t *testing.T) {
	t.Parallel()
	eng, b, store := newEngineFixture(t)
	b.SetQuote("XAUUSD", 2353.0, 2353.5)

	out, err := eng.HandleMessage(context.Background(), signal.Message{
		Text:      goldText,
		MessageID: "msg-gold",
		ChannelID: 100,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "signal", out.Kind)
	require.NotNil(t, out.Placement)
	require.Len(t, out.Placement.Placed, 3)

	// Balanced gold risk is 1% of the $10k balance split over three legs.
	assert.Equal(t, 100.0, out.Placement.Decision.RiskAmount)
	for _, lot := range out.Placement.Decision.Legs {
		assert.Equal(t, 0.03, lot)
		assert.GreaterOrEqual(t, lot, 0.01)
		assert.LessOrEqual(t, lot, 10.0)
	}

	rec, ok := store.Get("msg-gold")
	require.True(t, ok)
	assert.Equal(t, "XAUUSD", rec.Signal.Instrument)
	assert.Len(t, rec.Orders, 3)
}

func TestEngineTPHitCancelsTrackedOrders(t *testing.T) {
	t.Parallel()
	eng, b, _ := newEngineFixture(t)

	_, err := eng.HandleMessage(context.Background(), signalMessage())
	require.NoError(t, err)
	require.Equal(t, 3, pendingCount(t, b))

	out, err := eng.HandleMessage(context.Background(), signal.Message{
		Text:      "EURUSD tp1 hit @ 1.1050",
		MessageID: "msg-2",
		ChannelID: 100,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "missed", out.Kind)
	require.NotNil(t, out.Missed)
	assert.Equal(t, "cancelled", out.Missed.Action)
	assert.Equal(t, "msg-1", out.Missed.MatchedSignalID)
	assert.Equal(t, 3, out.Missed.Cancelled)
	assert.Zero(t, pendingCount(t, b))
}

func TestEngineCancelCommandClearsSignal(t *testing.T) {
	t.Parallel()
	eng, b, _ := newEngineFixture(t)

	_, err := eng.HandleMessage(context.Background(), signalMessage())
	require.NoError(t, err)

	out, err := eng.HandleMessage(context.Background(), signal.Message{
		Text:      "cancel all EURUSD orders",
		MessageID: "msg-2",
		ChannelID: 100,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "manage", out.Kind)
	require.NotNil(t, out.Manage)
	assert.Equal(t, CmdCancel, out.Manage.Command.Kind)
	assert.True(t, out.Manage.Resolved)
	assert.Equal(t, 3, out.Manage.Success)
	assert.Zero(t, pendingCount(t, b))
}

func TestEngineIgnoresChatter(t *testing.T) {
	t.Parallel()
	eng, b, _ := newEngineFixture(t)

	for _, text := range []string{
		"good morning everyone",
		"what a week for the markets",
		"300+ pips secured this month", // celebratory, filtered before extraction
	} {
		out, err := eng.HandleMessage(context.Background(), signal.Message{Text: text, Timestamp: time.Now()})
		require.NoError(t, err, text)
		assert.Equal(t, "ignored", out.Kind, text)
	}
	assert.Zero(t, pendingCount(t, b))
}

func TestEngineServeDrainsChannel(t *testing.T) {
	t.Parallel()
	eng, b, _ := newEngineFixture(t)

	msgs := make(chan signal.Message, 2)
	msgs <- signalMessage()
	msgs <- signal.Message{Text: "hello traders", MessageID: "msg-2", Timestamp: time.Now()}
	close(msgs)

	eng.Serve(context.Background(), msgs)

	// Serve waits for in-flight handlers, so the legs are in by now.
	assert.Equal(t, 3, pendingCount(t, b))
}

func TestEngineServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	eng, _, _ := newEngineFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs := make(chan signal.Message)
	done := make(chan struct{})
	go func() {
		eng.Serve(ctx, msgs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
