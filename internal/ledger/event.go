package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the timestamp format written to the ledger file.
const TimeLayout = "2006-01-02T15:04:05Z"

const (
	TypeStake   = "stake"
	TypeUnstake = "unstake"
)

// Event is one immutable ledger entry.
type Event interface {
	Type() string
	Subnet() int
	At() time.Time
}

// StakeEvent records TAO moved into a subnet position.
type StakeEvent struct {
	Netuid      int
	TaoSpent    decimal.Decimal
	AlphaBought decimal.Decimal
	Rate        decimal.Decimal
	Hotkey      string
	Timestamp   time.Time
}

// UnstakeEvent records alpha sold back to TAO. RealizedPnL and ROI are
// computed once, against the positions held before the sale, and never
// recomputed.
type UnstakeEvent struct {
	Netuid      int
	AlphaSold   decimal.Decimal
	TaoReceived decimal.Decimal
	RealizedPnL decimal.Decimal
	ROI         decimal.Decimal
	Hotkey      string
	Timestamp   time.Time
}

func (StakeEvent) Type() string      { return TypeStake }
func (e StakeEvent) Subnet() int     { return e.Netuid }
func (e StakeEvent) At() time.Time   { return e.Timestamp }
func (UnstakeEvent) Type() string    { return TypeUnstake }
func (e UnstakeEvent) Subnet() int   { return e.Netuid }
func (e UnstakeEvent) At() time.Time { return e.Timestamp }

// record is the on-disk shape of one line.
type record struct {
	Type        string  `json:"type"`
	Netuid      int     `json:"netuid"`
	TaoSpent    *number `json:"tao_spent,omitempty"`
	AlphaBought *number `json:"alpha_bought,omitempty"`
	Rate        *number `json:"rate,omitempty"`
	AlphaSold   *number `json:"alpha_sold,omitempty"`
	TaoReceived *number `json:"tao_received,omitempty"`
	PnL         *number `json:"pnl,omitempty"`
	ROI         *number `json:"roi,omitempty"`
	Hotkey      string  `json:"hotkey,omitempty"`
	TS          string  `json:"ts"`
}

// number writes an amount as a bare JSON number. Reads accept numbers and
// quoted strings.
type number struct {
	decimal.Decimal
}

func (n number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

func num(d decimal.Decimal) *number {
	return &number{d}
}

func (n *number) value() decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return n.Decimal
}

func toRecord(e Event) (record, error) {
	switch v := e.(type) {
	case StakeEvent:
		return record{
			Type:        TypeStake,
			Netuid:      v.Netuid,
			TaoSpent:    num(v.TaoSpent),
			AlphaBought: num(v.AlphaBought),
			Rate:        num(v.Rate),
			Hotkey:      v.Hotkey,
			TS:          v.Timestamp.UTC().Format(TimeLayout),
		}, nil
	case UnstakeEvent:
		return record{
			Type:        TypeUnstake,
			Netuid:      v.Netuid,
			AlphaSold:   num(v.AlphaSold),
			TaoReceived: num(v.TaoReceived),
			PnL:         num(v.RealizedPnL),
			ROI:         num(v.ROI),
			Hotkey:      v.Hotkey,
			TS:          v.Timestamp.UTC().Format(TimeLayout),
		}, nil
	default:
		return record{}, fmt.Errorf("unsupported ledger event %T", e)
	}
}

func (r record) event() (Event, error) {
	ts, err := parseTime(r.TS)
	if err != nil {
		return nil, err
	}
	switch r.Type {
	case TypeStake:
		return StakeEvent{
			Netuid:      r.Netuid,
			TaoSpent:    r.TaoSpent.value(),
			AlphaBought: r.AlphaBought.value(),
			Rate:        r.Rate.value(),
			Hotkey:      r.Hotkey,
			Timestamp:   ts,
		}, nil
	case TypeUnstake:
		return UnstakeEvent{
			Netuid:      r.Netuid,
			AlphaSold:   r.AlphaSold.value(),
			TaoReceived: r.TaoReceived.value(),
			RealizedPnL: r.PnL.value(),
			ROI:         r.ROI.value(),
			Hotkey:      r.Hotkey,
			Timestamp:   ts,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(TimeLayout, v); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", v, err)
	}
	return ts.UTC(), nil
}
