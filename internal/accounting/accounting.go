// Package accounting derives average-cost positions, profit and ROI from a
// ledger snapshot and live holdings. Every function is pure and returns 0
// instead of dividing by zero.
package accounting

import (
	"sort"

	"github.com/ggonzalez94/stakechat/internal/ledger"
	"github.com/shopspring/decimal"
)

// divisionPrecision is the number of decimal places kept by rate and ROI
// divisions. Rao is 1e-9, so this leaves ample headroom.
const divisionPrecision = 18

var hundred = decimal.NewFromInt(100)

// Position aggregates all stake events for one netuid.
type Position struct {
	Netuid       int
	TotalTaoIn   decimal.Decimal
	TotalAlphaIn decimal.Decimal
}

func (p Position) AverageEntryRate() decimal.Decimal {
	return safeDiv(p.TotalTaoIn, p.TotalAlphaIn)
}

// Holding is live position data from the chain.
type Holding struct {
	Netuid   int
	Alpha    decimal.Decimal
	TaoValue decimal.Decimal
	Rate     decimal.Decimal
}

// Valuation is one merged holding priced against its entry rate.
type Valuation struct {
	Netuid    int
	Alpha     decimal.Decimal
	TaoValue  decimal.Decimal
	Rate      decimal.Decimal
	EntryRate decimal.Decimal
	CostBasis decimal.Decimal
	PnL       decimal.Decimal
	ROI       decimal.Decimal
}

// Portfolio is the rollup shown by balance, pnl and roi.
type Portfolio struct {
	StakedValue     decimal.Decimal
	CostBasis       decimal.Decimal
	TotalRealized   decimal.Decimal
	TotalUnrealized decimal.Decimal
	TotalPnL        decimal.Decimal
	CapitalDeployed decimal.Decimal
	ROI             decimal.Decimal
	Positions       []Valuation
}

// Positions aggregates stake events by netuid.
func Positions(events []ledger.Event) map[int]Position {
	out := map[int]Position{}
	for _, e := range events {
		s, ok := e.(ledger.StakeEvent)
		if !ok {
			continue
		}
		p := out[s.Netuid]
		p.Netuid = s.Netuid
		p.TotalTaoIn = p.TotalTaoIn.Add(s.TaoSpent)
		p.TotalAlphaIn = p.TotalAlphaIn.Add(s.AlphaBought)
		out[s.Netuid] = p
	}
	return out
}

func AverageEntryRate(events []ledger.Event, netuid int) decimal.Decimal {
	return Positions(events)[netuid].AverageEntryRate()
}

func CostBasis(entryRate, alpha decimal.Decimal) decimal.Decimal {
	return entryRate.Mul(alpha)
}

func UnrealizedPnL(currentValue, costBasis decimal.Decimal) decimal.Decimal {
	return currentValue.Sub(costBasis)
}

func ROI(pnl, costBasis decimal.Decimal) decimal.Decimal {
	return safeDiv(pnl.Mul(hundred), costBasis)
}

// Realize prices a sale against the entry rate of the events recorded before
// it. The caller freezes the result into the UnstakeEvent.
func Realize(before []ledger.Event, netuid int, alphaSold, taoReceived decimal.Decimal) (pnl, roi decimal.Decimal) {
	cost := CostBasis(AverageEntryRate(before, netuid), alphaSold)
	pnl = taoReceived.Sub(cost)
	return pnl, ROI(pnl, cost)
}

// MergeHoldings sums holdings that share a netuid, e.g. stake behind several
// validators. The merged rate is value-weighted.
func MergeHoldings(holdings []Holding) []Holding {
	byNetuid := map[int]Holding{}
	order := make([]int, 0, len(holdings))
	for _, h := range holdings {
		cur, seen := byNetuid[h.Netuid]
		if !seen {
			order = append(order, h.Netuid)
		}
		cur.Netuid = h.Netuid
		cur.Alpha = cur.Alpha.Add(h.Alpha)
		cur.TaoValue = cur.TaoValue.Add(h.TaoValue)
		byNetuid[h.Netuid] = cur
	}
	sort.Ints(order)
	out := make([]Holding, 0, len(order))
	for _, n := range order {
		h := byNetuid[n]
		h.Rate = safeDiv(h.TaoValue, h.Alpha)
		out = append(out, h)
	}
	return out
}

// Value prices every held netuid against its ledger entry rate. Netuids with
// no stake history get a zero cost basis, so their ROI is 0.
func Value(events []ledger.Event, holdings []Holding) []Valuation {
	positions := Positions(events)
	merged := MergeHoldings(holdings)
	out := make([]Valuation, 0, len(merged))
	for _, h := range merged {
		entry := positions[h.Netuid].AverageEntryRate()
		cost := CostBasis(entry, h.Alpha)
		pnl := UnrealizedPnL(h.TaoValue, cost)
		out = append(out, Valuation{
			Netuid:    h.Netuid,
			Alpha:     h.Alpha,
			TaoValue:  h.TaoValue,
			Rate:      h.Rate,
			EntryRate: entry,
			CostBasis: cost,
			PnL:       pnl,
			ROI:       ROI(pnl, cost),
		})
	}
	return out
}

// Summarize rolls realized and unrealized profit into one portfolio view.
// CapitalDeployed is lifetime TAO staked, not only what is still open.
func Summarize(events []ledger.Event, holdings []Holding) Portfolio {
	p := Portfolio{Positions: Value(events, holdings)}
	for _, v := range p.Positions {
		p.StakedValue = p.StakedValue.Add(v.TaoValue)
		p.CostBasis = p.CostBasis.Add(v.CostBasis)
		p.TotalUnrealized = p.TotalUnrealized.Add(v.PnL)
	}
	for _, e := range events {
		switch v := e.(type) {
		case ledger.StakeEvent:
			p.CapitalDeployed = p.CapitalDeployed.Add(v.TaoSpent)
		case ledger.UnstakeEvent:
			p.TotalRealized = p.TotalRealized.Add(v.RealizedPnL)
		}
	}
	p.TotalPnL = p.TotalRealized.Add(p.TotalUnrealized)
	p.ROI = ROI(p.TotalPnL, p.CapitalDeployed)
	return p
}

func safeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, divisionPrecision)
}
