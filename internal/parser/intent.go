package parser

import "github.com/shopspring/decimal"

// Intent is the closed set of commands a chat message can express.
type Intent interface {
	Kind() string
	intent()
}

type Help struct{}

type Privacy struct{}

type Whoami struct{}

// Confirm grants the pending action. Token is an optional second word and is
// currently informational only.
type Confirm struct {
	Token string
}

type Cancel struct{}

type Balance struct{}

type Pnl struct{}

type Roi struct{}

type History struct{}

// Stake moves Amount TAO into a subnet position.
type Stake struct {
	Amount    decimal.Decimal
	Netuid    *int
	Validator string
	Wallet    string
}

// Unstake sells Amount alpha back to TAO. A nil Amount means the whole
// position.
type Unstake struct {
	Amount    *decimal.Decimal
	Netuid    *int
	Validator string
	Wallet    string
}

// Unknown carries the raw text. Reason is set when a stake or unstake
// command was recognized but its arguments could not be used.
type Unknown struct {
	Raw    string
	Reason Reason
}

type Reason string

const (
	ReasonMissingAmount Reason = "missing_amount"
	ReasonInvalidAmount Reason = "invalid_amount"
	// ReasonNetuidFirst marks a subnet named before the amount.
	ReasonNetuidFirst Reason = "netuid_before_amount"
)

func (Help) Kind() string    { return "help" }
func (Privacy) Kind() string { return "privacy" }
func (Whoami) Kind() string  { return "whoami" }
func (Confirm) Kind() string { return "confirm" }
func (Cancel) Kind() string  { return "cancel" }
func (Balance) Kind() string { return "balance" }
func (Pnl) Kind() string     { return "pnl" }
func (Roi) Kind() string     { return "roi" }
func (History) Kind() string { return "history" }
func (Stake) Kind() string   { return "stake" }
func (Unknown) Kind() string { return "unknown" }

func (u Unstake) Kind() string {
	if u.All() {
		return "unstake_all"
	}
	return "unstake"
}

// All reports whether the whole position should be unstaked.
func (u Unstake) All() bool { return u.Amount == nil }

func (Help) intent()    {}
func (Privacy) intent() {}
func (Whoami) intent()  {}
func (Confirm) intent() {}
func (Cancel) intent()  {}
func (Balance) intent() {}
func (Pnl) intent()     {}
func (Roi) intent()     {}
func (History) intent() {}
func (Stake) intent()   {}
func (Unstake) intent() {}
func (Unknown) intent() {}

// Describe renders an intent as a flat field map for logs and CLI output.
func Describe(in Intent) map[string]any {
	fields := map[string]any{"kind": in.Kind()}
	switch v := in.(type) {
	case Confirm:
		if v.Token != "" {
			fields["token"] = v.Token
		}
	case Stake:
		fields["amount"] = v.Amount.String()
		addTarget(fields, v.Netuid, v.Validator, v.Wallet)
	case Unstake:
		if v.Amount != nil {
			fields["amount"] = v.Amount.String()
		}
		addTarget(fields, v.Netuid, v.Validator, v.Wallet)
	case Unknown:
		fields["raw"] = v.Raw
		if v.Reason != "" {
			fields["reason"] = string(v.Reason)
		}
	}
	return fields
}

func addTarget(fields map[string]any, netuid *int, validator, wallet string) {
	if netuid != nil {
		fields["netuid"] = *netuid
	}
	if validator != "" {
		fields["validator"] = validator
	}
	if wallet != "" {
		fields["wallet"] = wallet
	}
}
