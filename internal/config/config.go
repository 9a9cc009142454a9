package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	ModeLive = "live"
	ModeDry  = "dry"

	BackendEVM    = "evm"
	BackendPaper  = "paper"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	DefaultWalletName = "main"
	DefaultRPCURL     = "https://lite.chain.opentensor.ai"
	DefaultChainID    = 964
	DefaultDelegates  = "https://raw.githubusercontent.com/opentensor/bittensor-delegates/main/public/delegates.json"
)

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Mode        string
	LogLevel    string
	LedgerPath  string
}

type Settings struct {
	ConfigPath   string
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool

	Mode                string
	RequireConfirmation bool
	ConfirmOverTao      decimal.Decimal
	ConfirmTTL          time.Duration
	CallbackNamespace   string
	LogLevel            string
	LogFormat           string

	// Auth maps a platform name to its allowed user ids.
	Auth     map[string][]string
	Telegram Channel
	Discord  Channel

	DefaultWallet    string
	Wallets          map[string]Wallet
	DefaultNetuid    *int
	DefaultValidator string

	ValidatorAliases map[string]string
	DelegatesURL     string
	DelegatesTTL     time.Duration

	LedgerPath      string
	LedgerLockPath  string
	PendingBackend  string
	PendingPath     string
	PendingLockPath string
	CachePath       string
	CacheLockPath   string

	Chain Chain
}

type Channel struct {
	Enabled       bool
	Token         string
	ApplicationID string
}

type Wallet struct {
	KeySource           string
	PrivateKeyEnv       string
	PrivateKeyFile      string
	KeystorePath        string
	KeystorePasswordEnv string
	DefaultNetuid       *int
	ValidatorAll        string
}

type Chain struct {
	Backend           string
	RPCURL            string
	ChainID           int64
	StakingPrecompile string
	AlphaPrecompile   string
	Netuids           []int
	Timeout           time.Duration
	Retries           int
	GasMultiplier     float64
	PaperBalance      decimal.Decimal
}

type fileConfig struct {
	Output string `yaml:"output"`
	App    struct {
		Mode                  string           `yaml:"mode"`
		RequireConfirmation   *bool            `yaml:"require_confirmation"`
		ConfirmOverTao        *decimal.Decimal `yaml:"confirm_over_tao"`
		ConfirmTTLSeconds     *int             `yaml:"confirm_ttl_seconds"`
		ConfirmTimeoutSeconds *int             `yaml:"confirm_timeout_seconds"`
		CallbackNamespace     string           `yaml:"callback_namespace"`
		LogLevel              string           `yaml:"log_level"`
		LogFormat             string           `yaml:"log_format"`
	} `yaml:"app"`
	Auth struct {
		TelegramUserIDs      []string `yaml:"telegram_user_ids"`
		AllowedTelegramUsers []string `yaml:"allowed_telegram_users"`
		DiscordUserIDs       []string `yaml:"discord_user_ids"`
		AllowedDiscordUsers  []string `yaml:"allowed_discord_users"`
	} `yaml:"auth"`
	Channels struct {
		Telegram channelConfig `yaml:"telegram"`
		Discord  channelConfig `yaml:"discord"`
	} `yaml:"channels"`
	Wallets struct {
		Default  string                  `yaml:"default"`
		Profiles map[string]walletConfig `yaml:"profiles"`
	} `yaml:"wallets"`
	Defaults struct {
		Netuid    *int   `yaml:"netuid"`
		Validator string `yaml:"validator"`
	} `yaml:"defaults"`
	Validators struct {
		Aliases         map[string]string `yaml:"aliases"`
		DelegatesURL    string            `yaml:"delegates_url"`
		CacheTTLMinutes *int              `yaml:"cache_ttl_minutes"`
	} `yaml:"validators"`
	Ledger  pathConfig `yaml:"ledger"`
	Pending struct {
		Backend  string `yaml:"backend"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"pending"`
	Cache pathConfig `yaml:"cache"`
	Chain struct {
		Backend           string           `yaml:"backend"`
		RPCURL            string           `yaml:"rpc_url"`
		ChainID           *int64           `yaml:"chain_id"`
		StakingPrecompile string           `yaml:"staking_precompile"`
		AlphaPrecompile   string           `yaml:"alpha_precompile"`
		Netuids           []int            `yaml:"netuids"`
		Timeout           string           `yaml:"timeout"`
		Retries           *int             `yaml:"retries"`
		GasMultiplier     *float64         `yaml:"gas_multiplier"`
		PaperBalance      *decimal.Decimal `yaml:"paper_balance"`
	} `yaml:"chain"`
}

type channelConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	Token         string `yaml:"token"`
	ApplicationID string `yaml:"application_id"`
}

type walletConfig struct {
	KeySource           string `yaml:"key_source"`
	PrivateKeyEnv       string `yaml:"private_key_env"`
	PrivateKeyFile      string `yaml:"private_key_file"`
	KeystorePath        string `yaml:"keystore_path"`
	KeystorePasswordEnv string `yaml:"keystore_password_env"`
	DefaultNetuid       *int   `yaml:"default_netuid"`
	ValidatorAll        string `yaml:"validator_all"`
}

type pathConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	settings.ConfigPath = cfgPath

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if len(settings.Wallets) == 0 {
		settings.Wallets = map[string]Wallet{DefaultWalletName: {KeySource: "auto"}}
	}
	if settings.LedgerLockPath == "" {
		settings.LedgerLockPath = settings.LedgerPath + ".lock"
	}

	if err := validate(settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	cacheDir, err := defaultCacheDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:          "json",
		Mode:                ModeLive,
		RequireConfirmation: true,
		ConfirmTTL:          300 * time.Second,
		CallbackNamespace:   "stakechat",
		LogLevel:            "info",
		LogFormat:           "text",
		Auth:                map[string][]string{"telegram": nil, "discord": nil},
		DefaultWallet:       DefaultWalletName,
		Wallets:             map[string]Wallet{},
		ValidatorAliases:    map[string]string{},
		DelegatesURL:        DefaultDelegates,
		DelegatesTTL:        60 * time.Minute,
		LedgerPath:          filepath.Join(dataDir, "ledger.jsonl"),
		PendingBackend:      BackendMemory,
		PendingPath:         filepath.Join(dataDir, "pending.db"),
		PendingLockPath:     filepath.Join(dataDir, "pending.lock"),
		CachePath:           filepath.Join(cacheDir, "cache.db"),
		CacheLockPath:       filepath.Join(cacheDir, "cache.lock"),
		Chain: Chain{
			Backend:       BackendEVM,
			RPCURL:        DefaultRPCURL,
			ChainID:       DefaultChainID,
			Netuids:       nil,
			Timeout:       2 * time.Minute,
			Retries:       2,
			GasMultiplier: 1.2,
			PaperBalance:  decimal.NewFromInt(100),
		},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "stakechat", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "stakechat"), nil
}

func defaultCacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "stakechat"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(buf, &root); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	if root.Kind == 0 {
		return nil
	}
	resolveEnvRefs(&root)

	var cfg fileConfig
	if err := root.Decode(&cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}

	app := cfg.App
	if app.Mode != "" {
		settings.Mode = strings.ToLower(strings.TrimSpace(app.Mode))
	}
	if app.RequireConfirmation != nil {
		settings.RequireConfirmation = *app.RequireConfirmation
	}
	if app.ConfirmOverTao != nil {
		settings.ConfirmOverTao = *app.ConfirmOverTao
	}
	if app.ConfirmTTLSeconds != nil {
		settings.ConfirmTTL = time.Duration(*app.ConfirmTTLSeconds) * time.Second
	} else if app.ConfirmTimeoutSeconds != nil {
		settings.ConfirmTTL = time.Duration(*app.ConfirmTimeoutSeconds) * time.Second
	}
	if app.CallbackNamespace != "" {
		settings.CallbackNamespace = app.CallbackNamespace
	}
	if app.LogLevel != "" {
		settings.LogLevel = strings.ToLower(app.LogLevel)
	}
	if app.LogFormat != "" {
		settings.LogFormat = strings.ToLower(app.LogFormat)
	}

	settings.Auth["telegram"] = firstNonEmpty(cfg.Auth.TelegramUserIDs, cfg.Auth.AllowedTelegramUsers)
	settings.Auth["discord"] = firstNonEmpty(cfg.Auth.DiscordUserIDs, cfg.Auth.AllowedDiscordUsers)

	cfg.Channels.Telegram.apply(&settings.Telegram)
	cfg.Channels.Discord.apply(&settings.Discord)

	if cfg.Wallets.Default != "" {
		settings.DefaultWallet = cfg.Wallets.Default
	}
	for name, w := range cfg.Wallets.Profiles {
		source := strings.ToLower(strings.TrimSpace(w.KeySource))
		if source == "" {
			source = "auto"
		}
		netuid := w.DefaultNetuid
		if netuid != nil && *netuid == 0 {
			netuid = nil
		}
		settings.Wallets[name] = Wallet{
			KeySource:           source,
			PrivateKeyEnv:       w.PrivateKeyEnv,
			PrivateKeyFile:      w.PrivateKeyFile,
			KeystorePath:        w.KeystorePath,
			KeystorePasswordEnv: w.KeystorePasswordEnv,
			DefaultNetuid:       netuid,
			ValidatorAll:        strings.TrimSpace(w.ValidatorAll),
		}
	}

	if cfg.Defaults.Netuid != nil {
		n := *cfg.Defaults.Netuid
		settings.DefaultNetuid = &n
	}
	settings.DefaultValidator = strings.TrimSpace(cfg.Defaults.Validator)

	for k, v := range cfg.Validators.Aliases {
		settings.ValidatorAliases[k] = v
	}
	if cfg.Validators.DelegatesURL != "" {
		settings.DelegatesURL = cfg.Validators.DelegatesURL
	}
	if cfg.Validators.CacheTTLMinutes != nil {
		settings.DelegatesTTL = time.Duration(*cfg.Validators.CacheTTLMinutes) * time.Minute
	}

	if cfg.Ledger.Path != "" {
		settings.LedgerPath = cfg.Ledger.Path
		settings.LedgerLockPath = ""
	}
	if cfg.Ledger.LockPath != "" {
		settings.LedgerLockPath = cfg.Ledger.LockPath
	}
	if cfg.Pending.Backend != "" {
		settings.PendingBackend = strings.ToLower(cfg.Pending.Backend)
	}
	if cfg.Pending.Path != "" {
		settings.PendingPath = cfg.Pending.Path
	}
	if cfg.Pending.LockPath != "" {
		settings.PendingLockPath = cfg.Pending.LockPath
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}

	ch := cfg.Chain
	if ch.Backend != "" {
		settings.Chain.Backend = strings.ToLower(ch.Backend)
	}
	if ch.RPCURL != "" {
		settings.Chain.RPCURL = ch.RPCURL
	}
	if ch.ChainID != nil {
		settings.Chain.ChainID = *ch.ChainID
	}
	if ch.StakingPrecompile != "" {
		settings.Chain.StakingPrecompile = ch.StakingPrecompile
	}
	if ch.AlphaPrecompile != "" {
		settings.Chain.AlphaPrecompile = ch.AlphaPrecompile
	}
	if len(ch.Netuids) > 0 {
		settings.Chain.Netuids = append([]int(nil), ch.Netuids...)
	}
	if ch.Timeout != "" {
		d, err := time.ParseDuration(ch.Timeout)
		if err != nil {
			return fmt.Errorf("config chain.timeout: %w", err)
		}
		settings.Chain.Timeout = d
	}
	if ch.Retries != nil {
		settings.Chain.Retries = *ch.Retries
	}
	if ch.GasMultiplier != nil {
		settings.Chain.GasMultiplier = *ch.GasMultiplier
	}
	if ch.PaperBalance != nil {
		settings.Chain.PaperBalance = *ch.PaperBalance
	}
	return nil
}

func (c channelConfig) apply(dst *Channel) {
	if c.Enabled != nil {
		dst.Enabled = *c.Enabled
	}
	if c.BotToken != "" {
		dst.Token = c.BotToken
	} else if c.Token != "" {
		dst.Token = c.Token
	}
	if c.ApplicationID != "" {
		dst.ApplicationID = c.ApplicationID
	}
}

// resolveEnvRefs replaces every scalar of the form "env:NAME" with the value
// of $NAME (empty when unset). The replaced scalar is re-typed, so numbers
// and booleans read from the environment decode like literals.
func resolveEnvRefs(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		v := strings.TrimSpace(n.Value)
		if len(v) > 4 && strings.EqualFold(v[:4], "env:") {
			n.Value = os.Getenv(strings.TrimSpace(v[4:]))
			n.Tag = ""
			n.Style = 0
			if n.Value == "" {
				n.Tag = "!!str"
			}
		}
		return
	}
	for i, child := range n.Content {
		// Mapping keys stay literal.
		if n.Kind == yaml.MappingNode && i%2 == 0 {
			continue
		}
		resolveEnvRefs(child)
	}
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("STAKECHAT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("STAKECHAT_MODE"); v != "" {
		settings.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("STAKECHAT_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("STAKECHAT_TELEGRAM_TOKEN"); v != "" {
		settings.Telegram.Token = v
	}
	if v := os.Getenv("STAKECHAT_DISCORD_TOKEN"); v != "" {
		settings.Discord.Token = v
	}
	if v := os.Getenv("STAKECHAT_LEDGER_PATH"); v != "" {
		settings.LedgerPath = v
		settings.LedgerLockPath = ""
	}
	if v := os.Getenv("STAKECHAT_PENDING_BACKEND"); v != "" {
		settings.PendingBackend = strings.ToLower(v)
	}
	if v := os.Getenv("STAKECHAT_RPC_URL"); v != "" {
		settings.Chain.RPCURL = v
	}
	if v := os.Getenv("STAKECHAT_CHAIN_BACKEND"); v != "" {
		settings.Chain.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("STAKECHAT_REQUIRE_CONFIRMATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.RequireConfirmation = b
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	settings.SelectFields = splitCSV(flags.Select)
	settings.ResultsOnly = flags.ResultsOnly
	if v := strings.TrimSpace(flags.Mode); v != "" {
		settings.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.LogLevel); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.LedgerPath); v != "" {
		settings.LedgerPath = v
		settings.LedgerLockPath = ""
	}
	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	return nil
}

func validate(s Settings) error {
	if s.Mode != ModeLive && s.Mode != ModeDry {
		return fmt.Errorf("app.mode must be %q or %q, got %q", ModeLive, ModeDry, s.Mode)
	}
	if s.ConfirmTTL <= 0 {
		return fmt.Errorf("app.confirm_ttl_seconds must be positive")
	}
	if s.ConfirmOverTao.IsNegative() {
		return fmt.Errorf("app.confirm_over_tao must not be negative")
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be debug, info, warn or error")
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		return fmt.Errorf("app.log_format must be text or json")
	}
	if s.Telegram.Enabled && strings.TrimSpace(s.Telegram.Token) == "" {
		return fmt.Errorf("telegram is enabled but bot_token is missing")
	}
	if s.Discord.Enabled && strings.TrimSpace(s.Discord.Token) == "" {
		return fmt.Errorf("discord is enabled but bot_token is missing")
	}
	if _, ok := s.Wallets[s.DefaultWallet]; !ok {
		return fmt.Errorf("wallets.default %q not found in wallets.profiles (available: %s)", s.DefaultWallet, strings.Join(WalletNames(s.Wallets), ", "))
	}
	if s.PendingBackend != BackendMemory && s.PendingBackend != BackendSQLite {
		return fmt.Errorf("pending.backend must be %q or %q", BackendMemory, BackendSQLite)
	}
	if s.Chain.Backend != BackendEVM && s.Chain.Backend != BackendPaper {
		return fmt.Errorf("chain.backend must be %q or %q", BackendEVM, BackendPaper)
	}
	if s.Chain.Timeout <= 0 {
		return fmt.Errorf("chain.timeout must be positive")
	}
	if s.Chain.PaperBalance.IsNegative() {
		return fmt.Errorf("chain.paper_balance must not be negative")
	}
	return nil
}

// WalletNames returns the profile names in sorted order.
func WalletNames(wallets map[string]Wallet) []string {
	names := make([]string, 0, len(wallets))
	for name := range wallets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		out := make([]string, 0, len(l))
		for _, v := range l {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
