package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// GetSignal returns a single recorded signal by ID.
func (j *SQLite) GetSignal(signalID string) (SignalRecord, error) {
	var rec SignalRecord
	var tps string

	row := j.db.QueryRow(`
		SELECT signal_id, instrument, side, entry, stop_loss, take_profits, channel, received_at
		FROM signals
		WHERE signal_id = ?`, signalID)

	err := row.Scan(
		&rec.SignalID,
		&rec.Instrument,
		&rec.Side,
		&rec.Entry,
		&rec.StopLoss,
		&tps,
		&rec.Channel,
		&rec.ReceivedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return SignalRecord{}, fmt.Errorf("signal %q not found", signalID)
		}
		return SignalRecord{}, err
	}
	rec.TakeProfits = splitPrices(tps)
	return rec, nil
}

// ListOrdersBySignal returns every order leg placed for a signal, oldest first.
func (j *SQLite) ListOrdersBySignal(signalID string) ([]OrderRecord, error) {
	rows, err := j.db.Query(`
		SELECT order_id, signal_id, instrument, side, order_type, quantity, price, stop_loss, take_profit, runner, placed_at
		FROM orders
		WHERE signal_id = ?
		ORDER BY placed_at ASC`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(
			&rec.OrderID,
			&rec.SignalID,
			&rec.Instrument,
			&rec.Side,
			&rec.OrderType,
			&rec.Quantity,
			&rec.Price,
			&rec.StopLoss,
			&rec.TakeProfit,
			&rec.Runner,
			&rec.PlacedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListActionsBetween returns actions whose time is within [start, end).
func (j *SQLite) ListActionsBetween(start, end time.Time) ([]ActionRecord, error) {
	rows, err := j.db.Query(`
		SELECT time, signal_id, order_id, kind, detail, success
		FROM actions
		WHERE time >= ? AND time < ?
		ORDER BY time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		if err := rows.Scan(
			&rec.Time,
			&rec.SignalID,
			&rec.OrderID,
			&rec.Kind,
			&rec.Detail,
			&rec.Success,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
