// journal/csv.go
package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

// CSV appends signal, order and action rows to three flat files. Useful for
// quick inspection without a sqlite client.
type CSV struct {
	signals *csv.Writer
	orders  *csv.Writer
	actions *csv.Writer
	sf, of  *os.File
	af      *os.File
}

func NewCSV(signalsPath, ordersPath, actionsPath string) (*CSV, error) {
	sf, err := os.Create(signalsPath)
	if err != nil {
		return nil, err
	}
	of, err := os.Create(ordersPath)
	if err != nil {
		return nil, err
	}
	af, err := os.Create(actionsPath)
	if err != nil {
		return nil, err
	}

	sw := csv.NewWriter(sf)
	ow := csv.NewWriter(of)
	aw := csv.NewWriter(af)

	if err := sw.Write([]string{"signal_id", "instrument", "side", "entry", "stop_loss", "take_profits", "channel", "received_at"}); err != nil {
		return nil, err
	}
	if err := ow.Write([]string{"order_id", "signal_id", "instrument", "side", "order_type", "quantity", "price", "stop_loss", "take_profit", "runner", "placed_at"}); err != nil {
		return nil, err
	}
	if err := aw.Write([]string{"time", "signal_id", "order_id", "kind", "detail", "success"}); err != nil {
		return nil, err
	}

	for _, w := range []*csv.Writer{sw, ow, aw} {
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	}

	return &CSV{sw, ow, aw, sf, of, af}, nil
}

func (j *CSV) RecordSignal(s SignalRecord) error {
	err := j.signals.Write([]string{
		s.SignalID,
		s.Instrument,
		s.Side,
		f(s.Entry),
		f(s.StopLoss),
		joinPrices(s.TakeProfits),
		s.Channel,
		s.ReceivedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	j.signals.Flush()
	return j.signals.Error()
}

func (j *CSV) RecordOrder(o OrderRecord) error {
	err := j.orders.Write([]string{
		o.OrderID,
		o.SignalID,
		o.Instrument,
		o.Side,
		o.OrderType,
		f(o.Quantity),
		f(o.Price),
		f(o.StopLoss),
		f(o.TakeProfit),
		strconv.FormatBool(o.Runner),
		o.PlacedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	j.orders.Flush()
	return j.orders.Error()
}

func (j *CSV) RecordAction(a ActionRecord) error {
	err := j.actions.Write([]string{
		a.Time.Format(time.RFC3339),
		a.SignalID,
		a.OrderID,
		a.Kind,
		a.Detail,
		strconv.FormatBool(a.Success),
	})
	if err != nil {
		return err
	}
	j.actions.Flush()
	return j.actions.Error()
}

func (j *CSV) Close() error {
	for _, w := range []*csv.Writer{j.signals, j.orders, j.actions} {
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
	}
	for _, fh := range []*os.File{j.sf, j.of, j.af} {
		if err := fh.Close(); err != nil {
			return err
		}
	}
	return nil
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
