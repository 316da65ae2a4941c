package journal

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordSignal(s SignalRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO signals
		(signal_id, instrument, side, entry, stop_loss, take_profits, channel, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SignalID, s.Instrument, s.Side, s.Entry,
		s.StopLoss, joinPrices(s.TakeProfits), s.Channel, s.ReceivedAt,
	)
	return err
}

func (j *SQLite) RecordOrder(o OrderRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO orders
		(order_id, signal_id, instrument, side, order_type, quantity, price, stop_loss, take_profit, runner, placed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.SignalID, o.Instrument, o.Side, o.OrderType,
		o.Quantity, o.Price, o.StopLoss, o.TakeProfit, o.Runner, o.PlacedAt,
	)
	return err
}

func (j *SQLite) RecordAction(a ActionRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO actions
		(time, signal_id, order_id, kind, detail, success)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Time, a.SignalID, a.OrderID, a.Kind, a.Detail, a.Success,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func joinPrices(ps []float64) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = strconv.FormatFloat(p, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func splitPrices(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
