// Package parser turns loose chat text into typed intents.
//
// Parsing is a left-to-right token scan: the first numeric token is the
// amount and the first netuid-shaped token after it is the netuid. Input
// that names the netuid before the amount is rejected.
package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	amountPattern   = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d*)?|\.\d+)$`)
	netuidPattern   = regexp.MustCompile(`^(?i:sn)?(\d{1,5})$`)
	trailingPattern = regexp.MustCompile(`[^\w/]+$`)
)

var fillers = setOf(
	"tao", "alpha", "to", "on", "into", "in", "for", "the", "a", "an",
	"please", "pls", "subnet", "netuid", "validator", "vali", "delegate",
	"deleg", "from", "of",
)

type family int

const (
	familyNone family = iota
	familyHelp
	familyPrivacy
	familyWhoami
	familyConfirm
	familyCancel
	familyBalance
	familyPnl
	familyRoi
	familyHistory
	familyStake
	familyUnstake
)

var aliases = map[string]family{}

var familyKinds = map[family]string{
	familyHelp:    "help",
	familyPrivacy: "privacy",
	familyWhoami:  "whoami",
	familyConfirm: "confirm",
	familyCancel:  "cancel",
	familyBalance: "balance",
	familyPnl:     "pnl",
	familyRoi:     "roi",
	familyHistory: "history",
	familyStake:   "stake",
	familyUnstake: "unstake",
}

func init() {
	register(familyHelp, "help", "h", "?", "start")
	register(familyPrivacy, "privacy", "p")
	register(familyWhoami, "whoami", "me", "id")
	register(familyConfirm, "confirm", "ok", "yes", "y")
	register(familyCancel, "cancel", "no", "n", "abort")
	register(familyBalance, "balance", "bal", "b", "portfolio")
	register(familyPnl, "pnl", "profit")
	register(familyRoi, "roi")
	register(familyHistory, "history", "hist", "tx")
	register(familyStake, "stake", "s", "add")
	register(familyUnstake, "unstake", "u", "remove", "rm", "sell")
}

func register(f family, words ...string) {
	for _, w := range words {
		aliases[w] = f
	}
}

// Vocabulary returns every accepted command word grouped by intent kind.
// Words within a kind are sorted.
func Vocabulary() map[string][]string {
	out := make(map[string][]string, len(familyKinds))
	for word, f := range aliases {
		kind := familyKinds[f]
		out[kind] = append(out[kind], word)
	}
	for _, words := range out {
		sort.Strings(words)
	}
	return out
}

// Parse never fails: anything it cannot place becomes Unknown.
func Parse(text string) Intent {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Unknown{Raw: ""}
	}

	switch aliases[CommandWord(tokens[0])] {
	case familyHelp:
		return Help{}
	case familyPrivacy:
		return Privacy{}
	case familyWhoami:
		return Whoami{}
	case familyConfirm:
		var token string
		if len(tokens) > 1 {
			token = tokens[1]
		}
		return Confirm{Token: token}
	case familyCancel:
		return Cancel{}
	case familyBalance:
		return Balance{}
	case familyPnl:
		return Pnl{}
	case familyRoi:
		return Roi{}
	case familyHistory:
		return History{}
	case familyStake:
		return parseStake(text, tokens[1:])
	case familyUnstake:
		return parseUnstake(text, tokens[1:])
	default:
		return Unknown{Raw: text}
	}
}

// CommandWord normalizes the first token of a message so that "/balance",
// "/balance@my_bot" and "balance -" all resolve to "balance".
func CommandWord(token string) string {
	raw := strings.ToLower(token)
	word := raw
	if strings.HasPrefix(word, "/") {
		if at := strings.IndexByte(word, '@'); at > 0 {
			word = word[:at]
		}
	}
	word = trailingPattern.ReplaceAllString(word, "")
	word = strings.TrimPrefix(word, "/")
	if word == "" {
		return raw
	}
	return word
}

func parseStake(text string, args []string) Intent {
	t, reason := scanTarget(args)
	if reason != "" {
		return Unknown{Raw: text, Reason: reason}
	}
	return Stake{Amount: *t.amount, Netuid: t.netuid, Validator: t.validator, Wallet: t.wallet}
}

func parseUnstake(text string, args []string) Intent {
	if len(args) > 0 && strings.EqualFold(args[0], "all") {
		rest, wallet := clean(args[1:])
		out := Unstake{Wallet: wallet}
		for i, tok := range rest {
			if n, ok := parseNetuid(tok); ok {
				out.Netuid = &n
				out.Validator = strings.Join(rest[i+1:], " ")
				break
			}
		}
		return out
	}
	t, reason := scanTarget(args)
	if reason != "" {
		return Unknown{Raw: text, Reason: reason}
	}
	return Unstake{Amount: t.amount, Netuid: t.netuid, Validator: t.validator, Wallet: t.wallet}
}

type target struct {
	amount    *decimal.Decimal
	netuid    *int
	validator string
	wallet    string
}

func scanTarget(args []string) (target, Reason) {
	rest, wallet := clean(args)
	out := target{wallet: wallet}

	at := -1
	for i, tok := range rest {
		if amountPattern.MatchString(tok) {
			at = i
			break
		}
	}
	for _, tok := range rest[:max(at, 0)] {
		if _, ok := parseNetuid(tok); ok {
			return target{}, ReasonNetuidFirst
		}
	}
	if at < 0 {
		return target{}, ReasonMissingAmount
	}
	amount, err := decimal.NewFromString(rest[at])
	if err != nil || amount.IsNegative() {
		return target{}, ReasonInvalidAmount
	}
	out.amount = &amount

	trailing := rest[at+1:]
	for i, tok := range trailing {
		if n, ok := parseNetuid(tok); ok {
			out.netuid = &n
			out.validator = strings.Join(trailing[i+1:], " ")
			return out, ""
		}
	}
	out.validator = strings.Join(trailing, " ")
	return out, ""
}

// clean drops filler words and pulls out a wallet=/w= token.
func clean(args []string) ([]string, string) {
	var wallet string
	out := make([]string, 0, len(args))
	for _, tok := range args {
		if key, value, ok := strings.Cut(tok, "="); ok {
			switch strings.ToLower(key) {
			case "wallet", "w":
				if wallet == "" {
					wallet = value
				}
				continue
			}
		}
		if _, skip := fillers[strings.ToLower(tok)]; skip {
			continue
		}
		out = append(out, tok)
	}
	return out, wallet
}

func parseNetuid(tok string) (int, bool) {
	m := netuidPattern.FindStringSubmatch(tok)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func setOf(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
