package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const EnvelopeVersion = "v1"

// Envelope wraps the output of every non-interactive command.
type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Mode      string    `json:"mode,omitempty"`
}

// ParsedText is the output of `parse`.
type ParsedText struct {
	Input  string         `json:"input"`
	Intent map[string]any `json:"intent"`
}

// LedgerEntry is one ledger event flattened for listing. Amounts encode as
// decimal strings.
type LedgerEntry struct {
	Type        string           `json:"type"`
	Timestamp   time.Time        `json:"timestamp"`
	Netuid      int              `json:"netuid"`
	Tao         decimal.Decimal  `json:"tao"`
	Alpha       decimal.Decimal  `json:"alpha"`
	Rate        decimal.Decimal  `json:"rate"`
	Hotkey      string           `json:"hotkey,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	ROI         *decimal.Decimal `json:"roi,omitempty"`
}

type SubnetSummary struct {
	Netuid      int             `json:"netuid"`
	TaoIn       decimal.Decimal `json:"tao_in"`
	AlphaIn     decimal.Decimal `json:"alpha_in"`
	EntryRate   decimal.Decimal `json:"entry_rate"`
	AlphaSold   decimal.Decimal `json:"alpha_sold"`
	TaoOut      decimal.Decimal `json:"tao_out"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// LedgerSummary is the offline rollup of the ledger; it needs no chain
// access, so it carries realized figures only.
type LedgerSummary struct {
	Path            string          `json:"path"`
	Events          int             `json:"events"`
	Stakes          int             `json:"stakes"`
	Unstakes        int             `json:"unstakes"`
	CapitalDeployed decimal.Decimal `json:"capital_deployed"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	RealizedROI     decimal.Decimal `json:"realized_roi"`
	Subnets         []SubnetSummary `json:"subnets"`
}

const (
	CheckOK   = "ok"
	CheckWarn = "warn"
	CheckFail = "fail"
)

type DoctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
