package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

// isolate points every config and data directory at a temp dir and clears
// environment overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	for _, key := range []string{
		"STAKECHAT_OUTPUT", "STAKECHAT_MODE", "STAKECHAT_LOG_LEVEL", "STAKECHAT_LEDGER_PATH",
		"STAKECHAT_PENDING_BACKEND", "STAKECHAT_CHAIN_BACKEND", "STAKECHAT_REQUIRE_CONFIRMATION",
	} {
		t.Setenv(key, "")
	}
	return dir
}

const sampleLedger = `{"type":"stake","netuid":31,"tao_spent":0.5,"alpha_bought":1,"rate":0.5,"ts":"2026-01-01T00:00:00Z"}
not json
{"type":"stake","netuid":8,"tao_spent":2,"alpha_bought":1,"rate":2,"ts":"2026-01-01T12:00:00Z"}
{"type":"unstake","netuid":31,"alpha_sold":1,"tao_received":0.6,"pnl":0.1,"roi":20,"ts":"2026-01-02T00:00:00Z"}
`

func writeLedger(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ledger.jsonl")
	if err := os.WriteFile(path, []byte(sampleLedger), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	return path
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("stakechat ledger summary"); got != "ledger summary" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestRunnerVersion(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"version", "--long"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "stakechat ") || !strings.Contains(stdout.String(), "commit:") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func TestRunnerParse(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"parse", "stake", "0.5", "tao", "to", "sn31", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out struct {
		Input  string         `json:"input"`
		Intent map[string]any `json:"intent"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if out.Input != "stake 0.5 tao to sn31" {
		t.Fatalf("unexpected input %q", out.Input)
	}
	if out.Intent["kind"] != "stake" || out.Intent["netuid"] != float64(31) || out.Intent["amount"] != "0.5" {
		t.Fatalf("unexpected intent %#v", out.Intent)
	}
}

func TestRunnerLedgerList(t *testing.T) {
	dir := isolate(t)
	path := writeLedger(t, dir)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"ledger", "list", "--ledger-path", path, "--limit", "2", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var entries []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %s", len(entries), stdout.String())
	}
	if entries[0]["type"] != "unstake" || entries[0]["realized_pnl"] != "0.1" {
		t.Fatalf("newest entry should be the unstake, got %#v", entries[0])
	}
	if entries[1]["netuid"] != float64(8) {
		t.Fatalf("unexpected second entry %#v", entries[1])
	}
	if _, ok := entries[1]["realized_pnl"]; ok {
		t.Fatalf("stake entries carry no realized pnl: %#v", entries[1])
	}
}

func TestRunnerLedgerSummary(t *testing.T) {
	dir := isolate(t)
	path := writeLedger(t, dir)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"ledger", "summary", "--ledger-path", path})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Events          int     `json:"events"`
			Stakes          int     `json:"stakes"`
			Unstakes        int     `json:"unstakes"`
			CapitalDeployed decimal.Decimal `json:"capital_deployed"`
			RealizedPnL     decimal.Decimal `json:"realized_pnl"`
			RealizedROI     decimal.Decimal `json:"realized_roi"`
			Subnets         []struct {
				Netuid    int             `json:"netuid"`
				EntryRate decimal.Decimal `json:"entry_rate"`
				TaoOut    decimal.Decimal `json:"tao_out"`
			} `json:"subnets"`
		} `json:"data"`
		Meta struct {
			Command string `json:"command"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if !env.Success || env.Meta.Command != "ledger summary" {
		t.Fatalf("unexpected envelope %s", stdout.String())
	}
	d := env.Data
	if d.Events != 3 || d.Stakes != 2 || d.Unstakes != 1 {
		t.Fatalf("unexpected counts %+v", d)
	}
	if d.CapitalDeployed.String() != "2.5" || d.RealizedPnL.String() != "0.1" {
		t.Fatalf("unexpected totals %+v", d)
	}
	if roi := d.RealizedROI.String(); roi != "4" {
		t.Fatalf("expected realized roi 4%%, got %v", roi)
	}
	if len(d.Subnets) != 2 || d.Subnets[0].Netuid != 8 || d.Subnets[1].EntryRate.String() != "0.5" || d.Subnets[1].TaoOut.String() != "0.6" {
		t.Fatalf("unexpected subnets %+v", d.Subnets)
	}
}

func TestRunnerPlainSelect(t *testing.T) {
	dir := isolate(t)
	path := writeLedger(t, dir)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"ledger", "list", "--ledger-path", path, "--plain", "--results-only", "--select", "type,netuid"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 || lines[0] != "netuid=31 type=unstake" {
		t.Fatalf("unexpected plain output %q", stdout.String())
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"ledger", "list", "--limit", "many", "--results-only"})
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
	errBody, _ := env["error"].(map[string]any)
	if errBody["type"] != "usage_error" {
		t.Fatalf("unexpected error body %#v", env["error"])
	}
}

func TestRunnerRejectsInvalidMode(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"ledger", "list", "--mode", "yolo"})
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "app.mode") {
		t.Fatalf("expected mode validation message, got %s", stderr.String())
	}
}

func TestRunnerServeNeedsChannel(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"serve"})
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "no chat channel enabled") {
		t.Fatalf("unexpected error output %s", stderr.String())
	}
}

func TestRunnerChatPaper(t *testing.T) {
	dir := isolate(t)
	ledgerPath := filepath.Join(dir, "chat-ledger.jsonl")
	stdin := strings.NewReader("stake 2 31\nconfirm\nbalance\nquit\n")
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithIO(stdin, &stdout, &stderr)
	code := r.Run([]string{"chat", "--paper", "--ledger-path", ledgerPath, "--log-level", "error"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	text := stdout.String()
	for _, want := range []string{"paper chain", "[1] ✅ Confirm", "Stake Confirmed", "98.0000"} {
		if !strings.Contains(text, want) {
			t.Fatalf("chat output missing %q:\n%s", want, text)
		}
	}

	buf, err := os.ReadFile(ledgerPath)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"type":"stake"`) {
		t.Fatalf("expected one stake event, got %q", string(buf))
	}
}

func TestRunnerDryChatWritesNothing(t *testing.T) {
	dir := isolate(t)
	ledgerPath := filepath.Join(dir, "dry-ledger.jsonl")
	stdin := strings.NewReader("stake 2 31\nconfirm\n")
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithIO(stdin, &stdout, &stderr).Run([]string{"chat", "--paper", "--mode", "dry", "--ledger-path", ledgerPath, "--log-level", "error"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "DRY") {
		t.Fatalf("expected dry-run reply, got %s", stdout.String())
	}
	if _, err := os.Stat(ledgerPath); !os.IsNotExist(err) {
		t.Fatalf("dry mode must not write the ledger, stat err=%v", err)
	}
}

func TestRunnerDoctorPaper(t *testing.T) {
	dir := isolate(t)
	t.Setenv("STAKECHAT_CHAIN_BACKEND", "paper")
	path := writeLedger(t, dir)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"doctor", "--ledger-path", path, "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var checks []map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &checks); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	status := map[string]string{}
	for _, c := range checks {
		status[c["name"]] = c["status"]
	}
	want := map[string]string{"config": "warn", "ledger": "ok", "pending": "ok", "channels": "warn", "chain": "ok"}
	for name, st := range want {
		if status[name] != st {
			t.Fatalf("check %s: expected %s, got %q (all: %v)", name, st, status[name], status)
		}
	}
}

func TestRunnerSchema(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"schema", "ledger", "list", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if out["path"] != "stakechat ledger list" {
		t.Fatalf("unexpected schema %s", stdout.String())
	}

	stdout.Reset()
	code = NewRunnerWithWriters(&stdout, &stderr).Run([]string{"schema", "--chat", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var chat []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &chat); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if len(chat) != 11 || chat[0]["kind"] != "stake" {
		t.Fatalf("unexpected chat grammar %s", stdout.String())
	}
}
