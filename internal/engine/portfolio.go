package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ggonzalez94/stakechat/internal/accounting"
	"github.com/ggonzalez94/stakechat/internal/chain"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/ledger"
)

const helpText = "🦍 *Stakechat Commands*\n\n" +
	"*Staking*\n" +
	"  `stake <amount> <netuid> [validator]`  Stake TAO\n" +
	"  `unstake <amount> <netuid>`            Unstake alpha\n" +
	"  `unstake all <netuid>`                 Unstake all alpha from a subnet\n" +
	"  `confirm` / `cancel`                   Answer a pending confirmation\n\n" +
	"*Portfolio*\n" +
	"  `balance`   Full portfolio overview\n" +
	"  `pnl`       Profit & loss per subnet\n" +
	"  `roi`       ROI % per subnet\n" +
	"  `history`   Last 20 transactions\n\n" +
	"*Other*\n" +
	"  `help`      This message\n" +
	"  `whoami`    Your user info\n" +
	"  `privacy`   What the bot stores\n\n" +
	"*Examples*\n" +
	"  `stake 0.5 31`\n" +
	"  `stake 1 sn8 tao.bot w=trading`\n" +
	"  `unstake 0.25 31`\n" +
	"  `unstake all 31`"

const privacyText = "🔒 *Privacy*\n\n" +
	"The bot never transmits your wallet keys or seed phrases.\n" +
	"Transaction history is stored locally on the bot's server.\n" +
	"Your chat user ID is used only for authorization."

// snapshot is the live balance joined with the ledger.
type snapshot struct {
	balance   chain.Balance
	events    []ledger.Event
	portfolio accounting.Portfolio
}

func (e *Engine) snapshot(ctx context.Context) (snapshot, error) {
	if e.chain == nil {
		return snapshot{}, clierr.New(clierr.CodeExecutionFailure, "No chain client is configured.")
	}
	cctx, cancel := e.chainContext(ctx)
	defer cancel()
	bal, err := e.chain.Balance(cctx, e.cfg.DefaultWallet)
	if err != nil {
		return snapshot{}, clierr.Wrap(clierr.CodeExecutionFailure, "Could not fetch balance\n\n`"+err.Error()+"`", err)
	}
	events, err := e.readLedger(ctx)
	if err != nil {
		return snapshot{}, err
	}
	holdings := make([]accounting.Holding, 0, len(bal.Positions))
	for _, p := range bal.Positions {
		holdings = append(holdings, accounting.Holding{Netuid: p.Netuid, Alpha: p.Alpha, TaoValue: p.TaoValue, Rate: p.Rate})
	}
	p := accounting.Summarize(events, holdings)
	// Largest positions first.
	sort.SliceStable(p.Positions, func(i, j int) bool {
		return p.Positions[i].TaoValue.GreaterThan(p.Positions[j].TaoValue)
	})
	return snapshot{balance: bal, events: events, portfolio: p}, nil
}

func (e *Engine) readLedger(ctx context.Context) ([]ledger.Event, error) {
	if e.ledger == nil {
		return nil, nil
	}
	events, err := e.ledger.ReadAll(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeLedger, "Could not read the ledger.", err)
	}
	return events, nil
}

func (e *Engine) balance(ctx context.Context) (Response, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return Response{}, err
	}
	p := s.portfolio

	var b strings.Builder
	b.WriteString("🦍 *Portfolio*\n\n")
	fmt.Fprintf(&b, "  Free Balance: `%s τ`\n", s.balance.FreeTao.StringFixed(4))
	if !p.CapitalDeployed.IsZero() {
		fmt.Fprintf(&b, "  Portfolio PnL (total): %s `%s τ`\n", dot(p.TotalPnL), signed(p.TotalPnL, 4))
		fmt.Fprintf(&b, "  Portfolio ROI:        %s `%s%%`\n", dot(p.TotalPnL), signed(p.ROI, 2))
	}
	b.WriteString("\n")

	for _, v := range p.Positions {
		fmt.Fprintf(&b, "*SN%d*\n", v.Netuid)
		fmt.Fprintf(&b, "  Alpha: `%s α`  ≈  `%s τ`\n", v.Alpha.StringFixed(4), v.TaoValue.StringFixed(4))
		fmt.Fprintf(&b, "  Rate:  `%s τ/α`\n", v.Rate.StringFixed(6))
		if !v.CostBasis.IsZero() {
			fmt.Fprintf(&b, "  Entry: `%s τ/α`  |  Cost: `%s τ`\n", v.EntryRate.StringFixed(6), v.CostBasis.StringFixed(4))
			fmt.Fprintf(&b, "  PnL:   %s `%s τ`  |  ROI: `%s%%`\n", dot(v.PnL), signed(v.PnL, 4), signed(v.ROI, 2))
		}
		b.WriteString("\n")
	}

	b.WriteString("─────────────────\n")
	b.WriteString("*Portfolio Summary*\n")
	fmt.Fprintf(&b, "  Staked Value:    `%s τ`", p.StakedValue.StringFixed(4))
	if !p.CapitalDeployed.IsZero() {
		fmt.Fprintf(&b, "\n  Cost Basis:      `%s τ`", p.CostBasis.StringFixed(4))
		fmt.Fprintf(&b, "\n  Unrealized PnL:  `%s τ`", signed(p.TotalUnrealized, 4))
		fmt.Fprintf(&b, "\n  Realized PnL:    `%s τ`", signed(p.TotalRealized, 4))
		fmt.Fprintf(&b, "\n  Total PnL:       %s `%s τ`", dot(p.TotalPnL), signed(p.TotalPnL, 4))
		fmt.Fprintf(&b, "\n  Capital In:      `%s τ`", p.CapitalDeployed.StringFixed(4))
		fmt.Fprintf(&b, "\n  Portfolio ROI:   %s `%s%%`", dot(p.TotalPnL), signed(p.ROI, 2))
	}
	return reply(b.String()), nil
}

func (e *Engine) pnl(ctx context.Context) (Response, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return Response{}, err
	}
	p := s.portfolio
	if len(p.Positions) == 0 && len(s.events) == 0 {
		return reply("📊 No stake history found."), nil
	}

	var b strings.Builder
	b.WriteString("📈 *P&L Summary*\n\n")
	for _, v := range p.Positions {
		if !v.CostBasis.IsZero() {
			fmt.Fprintf(&b, "  SN%3d  %s `%s τ`\n", v.Netuid, dot(v.PnL), signed(v.PnL, 4))
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Unrealized: %s `%s τ`\n", dot(p.TotalUnrealized), signed(p.TotalUnrealized, 4))
	fmt.Fprintf(&b, "  Realized:   %s `%s τ`\n", dot(p.TotalRealized), signed(p.TotalRealized, 4))
	fmt.Fprintf(&b, "  Total:      %s `%s τ`", dot(p.TotalPnL), signed(p.TotalPnL, 4))
	return reply(b.String()), nil
}

func (e *Engine) roi(ctx context.Context) (Response, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return Response{}, err
	}
	p := s.portfolio
	if len(p.Positions) == 0 && p.CapitalDeployed.IsZero() {
		return reply("💹 No active stakes."), nil
	}

	var b strings.Builder
	b.WriteString("💹 *ROI by Subnet*\n\n")
	for _, v := range p.Positions {
		roi := "—"
		if !v.CostBasis.IsZero() {
			roi = "`" + signed(v.ROI, 2) + "%`"
		}
		fmt.Fprintf(&b, "  SN%3d  %s %s  (`%s τ`)\n", v.Netuid, dot(v.ROI), roi, v.TaoValue.StringFixed(4))
	}
	if !p.CapitalDeployed.IsZero() {
		fmt.Fprintf(&b, "\n  Portfolio: %s `%s%%` on `%s τ` deployed", dot(p.ROI), signed(p.ROI, 2), p.CapitalDeployed.StringFixed(4))
	}
	return reply(strings.TrimRight(b.String(), "\n")), nil
}

func (e *Engine) history(ctx context.Context) (Response, error) {
	events, err := e.readLedger(ctx)
	if err != nil {
		return Response{}, err
	}
	if len(events) == 0 {
		return reply("📜 No transaction history."), nil
	}
	var b strings.Builder
	b.WriteString("📜 *Transaction History*\n")
	for _, ev := range ledger.Newest(events, e.cfg.HistoryLimit) {
		ts := ev.At().UTC().Format("2006-01-02 15:04")
		switch v := ev.(type) {
		case ledger.StakeEvent:
			fmt.Fprintf(&b, "\n  `%s`  ➕ Stake SN%d  `%s τ` → `%s α`", ts, v.Netuid, v.TaoSpent.StringFixed(4), v.AlphaBought.StringFixed(4))
		case ledger.UnstakeEvent:
			fmt.Fprintf(&b, "\n  `%s`  ➖ Unstake SN%d  `%s α` → `%s τ`  %s `%s τ`", ts, v.Netuid, v.AlphaSold.StringFixed(4), v.TaoReceived.StringFixed(4), dot(v.RealizedPnL), signed(v.RealizedPnL, 4))
		}
	}
	return reply(b.String()), nil
}

func (e *Engine) whoami(ctx context.Context, req TextRequest) Response {
	address := "—"
	if e.chain != nil {
		cctx, cancel := e.chainContext(ctx)
		defer cancel()
		if a, err := e.chain.Address(cctx, e.cfg.DefaultWallet); err == nil && a != "" {
			address = a
		} else if err != nil {
			e.logger.Debug("wallet address lookup failed", "wallet", e.cfg.DefaultWallet, "err", err)
		}
	}
	name := req.UserName
	if name == "" {
		name = "—"
	}
	return reply(fmt.Sprintf("👤 *You*\n\n  Name:    `%s`\n  ID:      `%s`\n  Wallet:  `%s`\n  Address: `%s`",
		name, req.UserID, e.cfg.DefaultWallet, address))
}
