package engine

import (
	"net/url"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/shopspring/decimal"
)

// Action kinds carried between the gating step and the confirm step.
const (
	KindStake      = "stake_confirm"
	KindUnstake    = "unstake_confirm"
	KindUnstakeAll = "unstake_all_confirm"
	KindCancel     = "cancel"
)

// Action is the only state kept for a pending confirmation. Its encoded form
// is "kind:amount:netuid" ("kind:netuid" for unstake-all), optionally
// followed by ":h=<hotkey>" and ":w=<wallet>". Option values are
// query-escaped, so they never contain a separator.
type Action struct {
	Kind   string
	Amount decimal.Decimal
	Netuid int
	Hotkey string
	Wallet string
}

func (a Action) Encode() string {
	var b strings.Builder
	b.WriteString(a.Kind)
	switch a.Kind {
	case KindCancel:
		return b.String()
	case KindStake, KindUnstake:
		b.WriteByte(':')
		b.WriteString(a.Amount.String())
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(a.Netuid))
	if a.Hotkey != "" {
		b.WriteString(":h=")
		b.WriteString(url.QueryEscape(a.Hotkey))
	}
	if a.Wallet != "" {
		b.WriteString(":w=")
		b.WriteString(url.QueryEscape(a.Wallet))
	}
	return b.String()
}

// AmountPtr is the unstake amount, nil for unstake-all.
func (a Action) AmountPtr() *decimal.Decimal {
	if a.Kind == KindUnstakeAll {
		return nil
	}
	v := a.Amount
	return &v
}

func DecodeAction(raw string) (Action, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	a := Action{Kind: parts[0]}
	var positional int
	switch a.Kind {
	case KindCancel:
		if len(parts) != 1 {
			return Action{}, invalidAction(raw)
		}
		return a, nil
	case KindStake, KindUnstake:
		positional = 2
	case KindUnstakeAll:
		positional = 1
	default:
		return Action{}, invalidAction(raw)
	}
	if len(parts) < 1+positional {
		return Action{}, invalidAction(raw)
	}

	idx := 1
	if positional == 2 {
		amount, err := decimal.NewFromString(parts[idx])
		if err != nil || !amount.IsPositive() {
			return Action{}, invalidAction(raw)
		}
		a.Amount = amount
		idx++
	}
	netuid, err := strconv.Atoi(parts[idx])
	if err != nil || netuid < 0 {
		return Action{}, invalidAction(raw)
	}
	a.Netuid = netuid

	for _, opt := range parts[idx+1:] {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return Action{}, invalidAction(raw)
		}
		value, err := url.QueryUnescape(value)
		if err != nil {
			return Action{}, invalidAction(raw)
		}
		switch key {
		case "h":
			a.Hotkey = value
		case "w":
			a.Wallet = value
		default:
			return Action{}, invalidAction(raw)
		}
	}
	return a, nil
}

func invalidAction(raw string) error {
	return clierr.New(clierr.CodeUnknownCommand, "unknown action "+quoteAction(raw))
}

func quoteAction(s string) string {
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return strconv.Quote(s)
}
