package app

import (
	"context"
	"time"

	"github.com/ggonzalez94/stakechat/internal/cache"
	"github.com/ggonzalez94/stakechat/internal/chain"
	"github.com/ggonzalez94/stakechat/internal/chain/evm"
	"github.com/ggonzalez94/stakechat/internal/config"
	"github.com/ggonzalez94/stakechat/internal/confirm"
	"github.com/ggonzalez94/stakechat/internal/engine"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/httpx"
	"github.com/ggonzalez94/stakechat/internal/ledger"
	"github.com/ggonzalez94/stakechat/internal/policy"
	"github.com/ggonzalez94/stakechat/internal/validators"
)

// cachePruneAge drops registry snapshots nobody has refreshed in a week.
const cachePruneAge = 7 * 24 * time.Hour

func (s *runtimeState) openLedger() (*ledger.Ledger, error) {
	l, err := ledger.Open(s.settings.LedgerPath, s.settings.LedgerLockPath, s.logger)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeLedger, "open ledger", err)
	}
	return l, nil
}

func (s *runtimeState) openPending() (confirm.Store, error) {
	if s.settings.PendingBackend != config.BackendSQLite {
		return confirm.NewMemoryStore(), nil
	}
	store, err := confirm.OpenSQLite(s.settings.PendingPath, s.settings.PendingLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open pending store", err)
	}
	s.onClose(store.Close)
	return store, nil
}

// newResolver builds the validator resolver. The registry cache is optional:
// when it cannot be opened lookups go to the network every TTL.
func (s *runtimeState) newResolver(ctx context.Context) *validators.Resolver {
	opts := validators.Options{
		Aliases:     s.settings.ValidatorAliases,
		RegistryURL: s.settings.DelegatesURL,
		RegistryTTL: s.settings.DelegatesTTL,
		HTTP:        httpx.New(s.settings.Chain.Timeout, s.settings.Chain.Retries),
		Logger:      s.logger,
	}
	store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		s.logger.Warn("validator cache disabled", "path", s.settings.CachePath, "err", err)
		return validators.New(opts)
	}
	s.onClose(store.Close)
	if err := store.Prune(ctx, cachePruneAge); err != nil {
		s.logger.Debug("prune validator cache", "err", err)
	}
	opts.Cache = store
	return validators.New(opts)
}

// newChain returns the execution client. paper forces the simulator
// regardless of chain.backend.
func (s *runtimeState) newChain(ctx context.Context, resolver *validators.Resolver, paper bool) (chain.Client, error) {
	if paper || s.settings.Chain.Backend == config.BackendPaper {
		s.logger.Info("using paper chain", "starting_tao", s.settings.Chain.PaperBalance)
		return chain.NewPaper(s.settings.Chain.PaperBalance), nil
	}

	signers := make(map[string]evm.Signer, len(s.settings.Wallets))
	for _, name := range config.WalletNames(s.settings.Wallets) {
		w := s.settings.Wallets[name]
		signer, err := evm.NewLocalSigner(evm.KeyConfig{
			Source:              w.KeySource,
			PrivateKeyEnv:       w.PrivateKeyEnv,
			PrivateKeyFile:      w.PrivateKeyFile,
			KeystorePath:        w.KeystorePath,
			KeystorePasswordEnv: w.KeystorePasswordEnv,
		})
		if err != nil {
			// Operations on this wallet fail with a signer error later.
			s.logger.Warn("wallet key not loaded", "wallet", name, "err", err)
			continue
		}
		signers[name] = signer
	}

	hotkeys := s.knownHotkeys(ctx, resolver)
	cfg := evm.Config{
		StakingPrecompile: s.settings.Chain.StakingPrecompile,
		AlphaPrecompile:   s.settings.Chain.AlphaPrecompile,
		Hotkeys:           hotkeys,
		Netuids:           s.settings.Chain.Netuids,
		GasMultiplier:     s.settings.Chain.GasMultiplier,
		ReceiptTimeout:    s.settings.Chain.Timeout,
	}
	if s.settings.DefaultValidator != "" {
		hk, err := resolver.Resolve(ctx, s.settings.DefaultValidator)
		if err != nil {
			s.logger.Warn("default validator not resolved", "validator", s.settings.DefaultValidator, "err", err)
		} else {
			cfg.DefaultHotkey = hk
		}
	}
	if cfg.DefaultHotkey == "" {
		cfg.DefaultHotkey = validators.TaoBotHotkey
	}

	client, err := evm.Dial(ctx, s.settings.Chain.RPCURL, cfg, signers, s.logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// knownHotkeys lists the validators whose positions balance scans: the
// configured aliases plus every wallet's validator_all.
func (s *runtimeState) knownHotkeys(ctx context.Context, resolver *validators.Resolver) []string {
	var out []string
	for _, hk := range s.settings.ValidatorAliases {
		out = append(out, hk)
	}
	for _, name := range config.WalletNames(s.settings.Wallets) {
		v := s.settings.Wallets[name].ValidatorAll
		if v == "" {
			continue
		}
		hk, err := resolver.Resolve(ctx, v)
		if err != nil {
			s.logger.Warn("wallet validator not resolved", "wallet", name, "validator", v, "err", err)
			continue
		}
		out = append(out, hk)
	}
	return out
}

func (s *runtimeState) engineConfig() engine.Config {
	wallets := make(map[string]engine.Wallet, len(s.settings.Wallets))
	for name, w := range s.settings.Wallets {
		wallets[name] = engine.Wallet{DefaultNetuid: w.DefaultNetuid, ValidatorAll: w.ValidatorAll}
	}
	return engine.Config{
		Dry:                 s.settings.Mode == config.ModeDry,
		RequireConfirmation: s.settings.RequireConfirmation,
		ConfirmOverTao:      s.settings.ConfirmOverTao,
		ConfirmTTL:          s.settings.ConfirmTTL,
		Namespace:           s.settings.CallbackNamespace,
		DefaultWallet:       s.settings.DefaultWallet,
		Wallets:             wallets,
		DefaultNetuid:       s.settings.DefaultNetuid,
		DefaultValidator:    s.settings.DefaultValidator,
		ChainTimeout:        s.settings.Chain.Timeout,
	}
}

// buildEngine wires every collaborator the engine needs from settings.
func (s *runtimeState) buildEngine(ctx context.Context, paper bool) (*engine.Engine, error) {
	l, err := s.openLedger()
	if err != nil {
		return nil, err
	}
	pending, err := s.openPending()
	if err != nil {
		return nil, err
	}
	resolver := s.newResolver(ctx)
	client, err := s.newChain(ctx, resolver, paper)
	if err != nil {
		return nil, err
	}
	s.logger.Info("engine ready",
		"mode", s.settings.Mode,
		"chain", chainLabel(s.settings.Chain.Backend, paper),
		"ledger", l.Path(),
		"pending", s.settings.PendingBackend,
	)
	return engine.New(s.engineConfig(), engine.Deps{
		Auth:       policy.NewAuthorizer(s.settings.Auth),
		Pending:    pending,
		Ledger:     l,
		Chain:      client,
		Validators: resolver,
		Logger:     s.logger,
	}), nil
}

func chainLabel(backend string, paper bool) string {
	if paper {
		return config.BackendPaper
	}
	return backend
}
