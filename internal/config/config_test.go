package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func isolate(t *testing.T) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)
	settings, err := Load(GlobalFlags{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Mode != ModeLive || !settings.RequireConfirmation {
		t.Fatalf("unexpected app defaults: %+v", settings)
	}
	if settings.ConfirmTTL != 5*time.Minute {
		t.Fatalf("unexpected ttl %v", settings.ConfirmTTL)
	}
	if _, ok := settings.Wallets[DefaultWalletName]; !ok {
		t.Fatalf("expected implicit main wallet, got %v", settings.Wallets)
	}
	if settings.LedgerLockPath != settings.LedgerPath+".lock" {
		t.Fatalf("unexpected ledger lock path %q", settings.LedgerLockPath)
	}
	if !strings.HasSuffix(settings.ConfigPath, filepath.Join("stakechat", "config.yaml")) {
		t.Fatalf("unexpected config path %q", settings.ConfigPath)
	}
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "output: plain\napp:\n  mode: live\n  log_level: warn\nledger:\n  path: /tmp/file.jsonl\n")

	t.Setenv("STAKECHAT_MODE", "dry")
	t.Setenv("STAKECHAT_LOG_LEVEL", "debug")
	t.Setenv("STAKECHAT_LEDGER_PATH", "/tmp/env.jsonl")
	settings, err := Load(GlobalFlags{ConfigPath: path, JSON: true, LogLevel: "error"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "json" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Mode != ModeDry {
		t.Fatalf("expected env mode, got %s", settings.Mode)
	}
	if settings.LogLevel != "error" {
		t.Fatalf("expected flag log level, got %s", settings.LogLevel)
	}
	if settings.LedgerPath != "/tmp/env.jsonl" || settings.LedgerLockPath != "/tmp/env.jsonl.lock" {
		t.Fatalf("expected env ledger path, got %s / %s", settings.LedgerPath, settings.LedgerLockPath)
	}
}

func TestLoadFullFile(t *testing.T) {
	isolate(t)
	t.Setenv("TG_TOKEN", "123:abc")
	t.Setenv("TG_ADMIN", "42")
	path := writeConfig(t, `
app:
  mode: DRY
  require_confirmation: false
  confirm_over_tao: 1.5
  confirm_timeout_seconds: 90
auth:
  allowed_telegram_users: ["env:TG_ADMIN", 7]
  discord_user_ids: ["111"]
channels:
  telegram:
    enabled: true
    token: env:TG_TOKEN
  discord:
    enabled: false
wallets:
  default: trading
  profiles:
    trading:
      key_source: Keystore
      keystore_path: /keys/a.json
      keystore_password_env: KS_PASS
      default_netuid: 31
      validator_all: tao.bot
    cold:
      private_key_env: COLD_KEY
      default_netuid: 0
defaults:
  netuid: 8
  validator: foundry
validators:
  aliases: {mine: 5Fmine}
  cache_ttl_minutes: 15
pending:
  backend: sqlite
chain:
  backend: paper
  netuids: [8, 31]
  timeout: 45s
  paper_balance: 10
`)
	settings, err := Load(GlobalFlags{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Mode != ModeDry || settings.RequireConfirmation || !settings.ConfirmOverTao.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected app settings: %+v", settings)
	}
	if settings.ConfirmTTL != 90*time.Second {
		t.Fatalf("expected confirm_timeout_seconds alias, got %v", settings.ConfirmTTL)
	}
	if got := settings.Auth["telegram"]; len(got) != 2 || got[0] != "42" || got[1] != "7" {
		t.Fatalf("unexpected telegram ids %v", got)
	}
	if got := settings.Auth["discord"]; len(got) != 1 || got[0] != "111" {
		t.Fatalf("unexpected discord ids %v", got)
	}
	if !settings.Telegram.Enabled || settings.Telegram.Token != "123:abc" {
		t.Fatalf("unexpected telegram channel %+v", settings.Telegram)
	}
	w := settings.Wallets["trading"]
	if w.KeySource != "keystore" || w.DefaultNetuid == nil || *w.DefaultNetuid != 31 || w.ValidatorAll != "tao.bot" {
		t.Fatalf("unexpected wallet %+v", w)
	}
	if cold := settings.Wallets["cold"]; cold.KeySource != "auto" || cold.DefaultNetuid != nil {
		t.Fatalf("unexpected cold wallet %+v", cold)
	}
	if settings.DefaultNetuid == nil || *settings.DefaultNetuid != 8 || settings.DefaultValidator != "foundry" {
		t.Fatalf("unexpected defaults %v %q", settings.DefaultNetuid, settings.DefaultValidator)
	}
	if settings.ValidatorAliases["mine"] != "5Fmine" || settings.DelegatesTTL != 15*time.Minute {
		t.Fatalf("unexpected validators config")
	}
	if settings.PendingBackend != BackendSQLite || settings.Chain.Backend != BackendPaper {
		t.Fatalf("unexpected backends %s %s", settings.PendingBackend, settings.Chain.Backend)
	}
	if len(settings.Chain.Netuids) != 2 || settings.Chain.Timeout != 45*time.Second || !settings.Chain.PaperBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected chain %+v", settings.Chain)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := map[string]string{
		"bad mode":        "app:\n  mode: turbo\n",
		"missing token":   "channels:\n  telegram:\n    enabled: true\n",
		"unknown wallet":  "wallets:\n  default: nope\n  profiles:\n    main: {}\n",
		"zero ttl":        "app:\n  confirm_ttl_seconds: 0\n",
		"bad backend":     "pending:\n  backend: redis\n",
		"bad chain":       "chain:\n  backend: btcli\n",
		"bad timeout":     "chain:\n  timeout: soon\n",
		"empty env token": "channels:\n  discord:\n    enabled: true\n    bot_token: env:STAKECHAT_TEST_UNSET\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			if _, err := Load(GlobalFlags{ConfigPath: writeConfig(t, body)}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	isolate(t)
	_, err := Load(GlobalFlags{JSON: true, Plain: true})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadOutputShaping(t *testing.T) {
	isolate(t)
	settings, err := Load(GlobalFlags{Plain: true, Select: "netuid, pnl,,", ResultsOnly: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" || !settings.ResultsOnly {
		t.Fatalf("unexpected output settings: %+v", settings)
	}
	if len(settings.SelectFields) != 2 || settings.SelectFields[0] != "netuid" || settings.SelectFields[1] != "pnl" {
		t.Fatalf("unexpected select fields %v", settings.SelectFields)
	}
}
