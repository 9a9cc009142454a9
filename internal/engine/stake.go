package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggonzalez94/stakechat/internal/accounting"
	"github.com/ggonzalez94/stakechat/internal/callback"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/ledger"
	"github.com/ggonzalez94/stakechat/internal/parser"
	"github.com/shopspring/decimal"
)

type target struct {
	wallet string
	netuid int
	hotkey string
}

func (e *Engine) requestStake(ctx context.Context, owner string, in parser.Stake) (Response, error) {
	if !in.Amount.IsPositive() {
		return Response{}, clierr.New(clierr.CodeMissingParameter, "The amount must be greater than zero.\nExample: `stake 0.5 31`")
	}
	t, err := e.resolveTarget(ctx, in.Wallet, in.Netuid, in.Validator, "stake 0.5 31")
	if err != nil {
		return Response{}, err
	}
	action := Action{Kind: KindStake, Amount: in.Amount, Netuid: t.netuid, Hotkey: t.hotkey, Wallet: t.wallet}
	return e.gate(ctx, owner, action)
}

func (e *Engine) requestUnstake(ctx context.Context, owner string, in parser.Unstake) (Response, error) {
	example := "unstake 0.25 31"
	if in.All() {
		example = "unstake all 31"
	} else if !in.Amount.IsPositive() {
		return Response{}, clierr.New(clierr.CodeMissingParameter, "The amount must be greater than zero.\nExample: `unstake 0.25 31`")
	}
	t, err := e.resolveTarget(ctx, in.Wallet, in.Netuid, in.Validator, example)
	if err != nil {
		return Response{}, err
	}
	action := Action{Kind: KindUnstake, Netuid: t.netuid, Hotkey: t.hotkey, Wallet: t.wallet}
	if in.All() {
		action.Kind = KindUnstakeAll
	} else {
		action.Amount = *in.Amount
	}
	return e.gate(ctx, owner, action)
}

// resolveTarget fills wallet, netuid and hotkey from the message, then the
// wallet profile, then the global defaults.
func (e *Engine) resolveTarget(ctx context.Context, walletName string, netuid *int, validator, example string) (target, error) {
	wallet, err := e.walletName(walletName)
	if err != nil {
		return target{}, err
	}
	profile := e.cfg.Wallets[wallet]

	switch {
	case netuid != nil:
	case profile.DefaultNetuid != nil:
		netuid = profile.DefaultNetuid
	case e.cfg.DefaultNetuid != nil:
		netuid = e.cfg.DefaultNetuid
	default:
		return target{}, clierr.New(clierr.CodeMissingParameter, "Please specify a netuid.\nExample: `"+example+"`")
	}

	if strings.TrimSpace(validator) == "" {
		validator = profile.ValidatorAll
	}
	if strings.TrimSpace(validator) == "" {
		validator = e.cfg.DefaultValidator
	}
	hotkey := strings.TrimSpace(validator)
	if hotkey != "" && e.validators != nil {
		hotkey, err = e.validators.Resolve(ctx, validator)
		if err != nil {
			if clierr.CodeOf(err) == clierr.CodeMissingParameter {
				return target{}, clierr.New(clierr.CodeMissingParameter, "Unknown validator `"+strings.TrimSpace(validator)+"`.")
			}
			return target{}, clierr.Wrap(clierr.CodeExecutionFailure, "Could not resolve validator `"+strings.TrimSpace(validator)+"`.", err)
		}
	}
	return target{wallet: wallet, netuid: *netuid, hotkey: hotkey}, nil
}

// gate decides between a dry-run reply, a pending confirmation and
// immediate execution.
func (e *Engine) gate(ctx context.Context, owner string, a Action) (Response, error) {
	if e.cfg.Dry {
		return Response{Text: dryRunText(a), Outcome: OutcomeDryRun}, nil
	}
	needsConfirm := a.Kind == KindUnstakeAll ||
		(e.cfg.RequireConfirmation && a.Amount.GreaterThanOrEqual(e.cfg.ConfirmOverTao))
	if !needsConfirm {
		return e.execute(ctx, a)
	}

	encoded := a.Encode()
	if err := e.pending.Save(ctx, owner, encoded, e.cfg.ConfirmTTL); err != nil {
		return Response{}, clierr.Wrap(clierr.CodeInternal, "Could not save the pending action.", err)
	}
	e.logger.Info("confirmation requested", "owner_key", owner, "action", encoded, "ttl", e.cfg.ConfirmTTL)

	confirmLabel := "✅ Confirm"
	if a.Kind == KindUnstakeAll {
		confirmLabel = "🔥 Unstake ALL"
	}
	return Response{
		Text:    e.confirmText(ctx, a),
		Outcome: OutcomePending,
		Buttons: [][]Button{{
			{Label: confirmLabel, Action: encoded, CorrelationID: callback.NewCorrelationID()},
			{Label: "❌ Cancel", Action: KindCancel, CorrelationID: callback.NewCorrelationID()},
		}},
	}, nil
}

// execute runs a confirmed or ungated action.
func (e *Engine) execute(ctx context.Context, a Action) (Response, error) {
	if e.chain == nil {
		return Response{}, clierr.New(clierr.CodeExecutionFailure, "No chain client is configured.")
	}
	switch a.Kind {
	case KindStake:
		return e.runStake(ctx, a)
	case KindUnstake, KindUnstakeAll:
		return e.runUnstake(ctx, a)
	case KindCancel:
		return Response{}, clierr.New(clierr.CodeCancelled, "Cancelled")
	}
	return Response{}, invalidAction(a.Kind)
}

func (e *Engine) runStake(ctx context.Context, a Action) (Response, error) {
	cctx, cancel := e.chainContext(ctx)
	defer cancel()
	res, err := e.chain.AddStake(cctx, e.walletOrDefault(a.Wallet), a.Amount, a.Netuid, a.Hotkey)
	if err != nil {
		e.logger.Warn("stake failed", "netuid", a.Netuid, "err", err)
		return Response{}, clierr.Wrap(clierr.CodeExecutionFailure, "Stake failed\n\n`"+err.Error()+"`", err)
	}
	if !res.OK {
		return Response{}, clierr.New(clierr.CodeExecutionFailure, "Stake failed\n\n`"+res.Message+"`")
	}
	netuid := a.Netuid
	if res.Netuid != 0 {
		netuid = res.Netuid
	}
	e.logger.Info("stake executed", "netuid", netuid, "tao", res.TaoAmount, "alpha", res.AlphaAmount, "tx_hash", res.TxHash)

	warning := e.record(ctx, ledger.StakeEvent{
		Netuid:      netuid,
		TaoSpent:    res.TaoAmount,
		AlphaBought: res.AlphaAmount,
		Rate:        res.Rate,
		Hotkey:      res.Hotkey,
		Timestamp:   e.now().UTC(),
	})

	var b strings.Builder
	b.WriteString("✅ *Stake Confirmed*\n\n")
	fmt.Fprintf(&b, "  Subnet:    `%d`\n", netuid)
	fmt.Fprintf(&b, "  Spent:     `%s τ`\n", res.TaoAmount.StringFixed(4))
	fmt.Fprintf(&b, "  Received:  `%s α`\n", res.AlphaAmount.StringFixed(6))
	fmt.Fprintf(&b, "  Rate:      `%s τ/α`", res.Rate.StringFixed(6))
	writeTx(&b, res.TxHash)
	b.WriteString(warning)
	return reply(b.String()), nil
}

func (e *Engine) runUnstake(ctx context.Context, a Action) (Response, error) {
	var before []ledger.Event
	if e.ledger != nil {
		var err error
		before, err = e.ledger.ReadAll(ctx)
		if err != nil {
			return Response{}, clierr.Wrap(clierr.CodeLedger, "Could not read the ledger, nothing was sent.", err)
		}
	}

	cctx, cancel := e.chainContext(ctx)
	defer cancel()
	res, err := e.chain.RemoveStake(cctx, e.walletOrDefault(a.Wallet), a.Netuid, a.AmountPtr(), a.Hotkey)
	if err != nil {
		e.logger.Warn("unstake failed", "netuid", a.Netuid, "err", err)
		return Response{}, clierr.Wrap(clierr.CodeExecutionFailure, "Unstake failed\n\n`"+err.Error()+"`", err)
	}
	if !res.OK {
		return Response{}, clierr.New(clierr.CodeExecutionFailure, "Unstake failed\n\n`"+res.Message+"`")
	}
	netuid := a.Netuid
	if res.Netuid != 0 {
		netuid = res.Netuid
	}
	cost := accounting.CostBasis(accounting.AverageEntryRate(before, netuid), res.AlphaAmount)
	pnl, roi := accounting.Realize(before, netuid, res.AlphaAmount, res.TaoAmount)
	e.logger.Info("unstake executed", "netuid", netuid, "alpha", res.AlphaAmount, "tao", res.TaoAmount, "pnl", pnl, "tx_hash", res.TxHash)

	warning := e.record(ctx, ledger.UnstakeEvent{
		Netuid:      netuid,
		AlphaSold:   res.AlphaAmount,
		TaoReceived: res.TaoAmount,
		RealizedPnL: pnl,
		ROI:         roi,
		Hotkey:      res.Hotkey,
		Timestamp:   e.now().UTC(),
	})

	var b strings.Builder
	b.WriteString("✅ *Unstake Confirmed*\n\n")
	fmt.Fprintf(&b, "  Subnet:    `%d`", netuid)
	if a.Kind == KindUnstakeAll {
		b.WriteString(" *(all)*")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Sold:      `%s α`\n", res.AlphaAmount.StringFixed(6))
	fmt.Fprintf(&b, "  Received:  `%s τ`\n", res.TaoAmount.StringFixed(4))
	fmt.Fprintf(&b, "  Rate:      `%s τ/α`", res.Rate.StringFixed(6))
	if !cost.IsZero() {
		fmt.Fprintf(&b, "\n  PnL:       %s `%s τ`", dot(pnl), signed(pnl, 4))
		fmt.Fprintf(&b, "\n  ROI:       %s `%s%%`", dot(pnl), signed(roi, 2))
	}
	writeTx(&b, res.TxHash)
	b.WriteString(warning)
	return reply(b.String()), nil
}

// record appends e to the ledger. A failure does not undo the executed
// transaction; it comes back as a warning line for the reply.
func (e *Engine) record(ctx context.Context, ev ledger.Event) string {
	if e.ledger == nil {
		return ""
	}
	if err := e.ledger.Append(ctx, ev); err != nil {
		e.logger.Error("ledger append failed", "type", ev.Type(), "netuid", ev.Subnet(), "err", err)
		return "\n\n⚠️ The transaction went through but could not be written to the ledger."
	}
	return ""
}

func (e *Engine) walletOrDefault(name string) string {
	if name == "" {
		return e.cfg.DefaultWallet
	}
	return name
}

func (e *Engine) confirmText(ctx context.Context, a Action) string {
	var b strings.Builder
	switch a.Kind {
	case KindStake:
		b.WriteString("⚠️ *Confirm Stake*\n\n")
		fmt.Fprintf(&b, "  Subnet:    `%d`\n", a.Netuid)
		fmt.Fprintf(&b, "  Amount:    `%s τ`\n", a.Amount.StringFixed(4))
		fmt.Fprintf(&b, "  Rate:      `%s`\n", e.rateText(ctx, a.Netuid))
	case KindUnstake:
		b.WriteString("⚠️ *Confirm Unstake*\n\n")
		fmt.Fprintf(&b, "  Subnet:    `%d`\n", a.Netuid)
		fmt.Fprintf(&b, "  Amount:    `%s α`\n", a.Amount.StringFixed(4))
		fmt.Fprintf(&b, "  Rate:      `%s`\n", e.rateText(ctx, a.Netuid))
	case KindUnstakeAll:
		b.WriteString("🚨 *Confirm Unstake ALL*\n\n")
		fmt.Fprintf(&b, "  Subnet:    `%d`\n", a.Netuid)
		b.WriteString("  This will remove *all* your alpha on this subnet.\n")
	}
	fmt.Fprintf(&b, "  Validator: `%s`\n", hotkeyLabel(a.Hotkey))
	fmt.Fprintf(&b, "  Wallet:    `%s`\n\n", e.walletOrDefault(a.Wallet))
	if a.Kind == KindUnstakeAll {
		b.WriteString("Press *Unstake ALL* or type `confirm`")
	} else {
		b.WriteString("Press *Confirm* or type `confirm`")
	}
	fmt.Fprintf(&b, " within %s.", e.cfg.ConfirmTTL)
	return b.String()
}

// rateText is best effort; a failed lookup shows "unknown".
func (e *Engine) rateText(ctx context.Context, netuid int) string {
	if e.chain == nil {
		return "unknown"
	}
	cctx, cancel := e.chainContext(ctx)
	defer cancel()
	rate, err := e.chain.ExchangeRate(cctx, netuid)
	if err != nil || !rate.IsPositive() {
		if err != nil {
			e.logger.Debug("exchange rate lookup failed", "netuid", netuid, "err", err)
		}
		return "unknown"
	}
	return rate.StringFixed(6) + " τ/α"
}

func dryRunText(a Action) string {
	var what string
	switch a.Kind {
	case KindStake:
		what = fmt.Sprintf("Would stake `%s τ` → Subnet `%d`", a.Amount.StringFixed(4), a.Netuid)
	case KindUnstake:
		what = fmt.Sprintf("Would unstake `%s α` from Subnet `%d`", a.Amount.StringFixed(4), a.Netuid)
	default:
		what = fmt.Sprintf("Would unstake *ALL* alpha from Subnet `%d`", a.Netuid)
	}
	return "🧪 *DRY MODE*\n\n" + what + "\n  Validator: `" + hotkeyLabel(a.Hotkey) + "`\n_(no transaction sent)_"
}

func writeTx(b *strings.Builder, hash string) {
	if hash != "" {
		fmt.Fprintf(b, "\n  Tx:        `%s`", hash)
	}
}

func hotkeyLabel(hotkey string) string {
	if hotkey == "" {
		return "default"
	}
	if len(hotkey) > 12 {
		return hotkey[:12] + "…"
	}
	return hotkey
}

func dot(v decimal.Decimal) string {
	if v.IsNegative() {
		return "🔴"
	}
	return "🟢"
}

// signed renders v with places decimals and an explicit sign. The sign is
// taken after rounding so tiny losses do not show as -0.0000.
func signed(v decimal.Decimal, places int32) string {
	r := v.Round(places)
	if r.IsNegative() {
		return r.StringFixed(places)
	}
	return "+" + r.StringFixed(places)
}
