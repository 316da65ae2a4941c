package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCSV(t *testing.T) (*CSV, string, string, string) {
	t.Helper()

	dir := t.TempDir()
	sp := filepath.Join(dir, "signals.csv")
	op := filepath.Join(dir, "orders.csv")
	ap := filepath.Join(dir, "actions.csv")

	j, err := NewCSV(sp, op, ap)
	require.NoError(t, err)
	return j, sp, op, ap
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVRoundTrip(t *testing.T) {
	t.Parallel()

	j, sp, op, ap := newTestCSV(t)

	now := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	require.NoError(t, j.RecordSignal(SignalRecord{
		SignalID: "S1", Instrument: "XAUUSD", Side: "sell",
		Entry: 2400, StopLoss: 2410, TakeProfits: []float64{2390, 2380},
		Channel: "gold-signals", ReceivedAt: now,
	}))
	require.NoError(t, j.RecordOrder(OrderRecord{
		OrderID: "O1", SignalID: "S1", Instrument: "XAUUSD", Side: "sell",
		OrderType: "limit", Quantity: 0.05, Price: 2400, StopLoss: 2410,
		TakeProfit: 2390, PlacedAt: now,
	}))
	require.NoError(t, j.RecordAction(ActionRecord{
		Time: now, SignalID: "S1", OrderID: "O1",
		Kind: "breakeven", Detail: "sl to 2400.2", Success: true,
	}))
	require.NoError(t, j.Close())

	signals := readRows(t, sp)
	require.Len(t, signals, 2)
	assert.Equal(t, "signal_id", signals[0][0])
	assert.Equal(t, "XAUUSD", signals[1][1])
	assert.Equal(t, "2390,2380", signals[1][5])

	orders := readRows(t, op)
	require.Len(t, orders, 2)
	assert.Equal(t, "O1", orders[1][0])
	assert.Equal(t, "false", orders[1][9])

	actions := readRows(t, ap)
	require.Len(t, actions, 2)
	assert.Equal(t, "breakeven", actions[1][3])
	assert.Equal(t, "true", actions[1][5])
}
