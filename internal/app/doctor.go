package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/stakechat/internal/chain/evm"
	"github.com/ggonzalez94/stakechat/internal/config"
	"github.com/ggonzalez94/stakechat/internal/confirm"
	"github.com/ggonzalez94/stakechat/internal/model"
	"github.com/spf13/cobra"
)

const doctorTimeout = 15 * time.Second

func (s *runtimeState) newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, ledger, wallet and chain access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()

			checks := []model.DoctorCheck{
				s.checkConfig(),
				s.checkLedger(ctx),
				s.checkPending(),
				s.checkChannels(),
			}
			if s.settings.Chain.Backend == config.BackendEVM {
				checks = append(checks, s.checkWallet(), s.checkChain(ctx))
			} else {
				checks = append(checks, model.DoctorCheck{Name: "chain", Status: model.CheckOK, Detail: "paper simulator"})
			}
			if s.settings.DefaultValidator != "" {
				checks = append(checks, s.checkValidator(ctx))
			}

			var warnings []string
			for _, c := range checks {
				if c.Status == model.CheckFail {
					warnings = append(warnings, fmt.Sprintf("%s: %s", c.Name, c.Detail))
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), checks, warnings)
		},
	}
}

func (s *runtimeState) checkConfig() model.DoctorCheck {
	check := model.DoctorCheck{Name: "config", Status: model.CheckOK, Detail: s.settings.ConfigPath}
	if _, err := os.Stat(s.settings.ConfigPath); errors.Is(err, os.ErrNotExist) {
		check.Status = model.CheckWarn
		check.Detail = "no config file at " + s.settings.ConfigPath + "; using defaults"
	}
	return check
}

func (s *runtimeState) checkLedger(ctx context.Context) model.DoctorCheck {
	check := model.DoctorCheck{Name: "ledger"}
	events, err := s.readLedger(ctx)
	if err != nil {
		check.Status = model.CheckFail
		check.Detail = err.Error()
		return check
	}
	check.Status = model.CheckOK
	check.Detail = fmt.Sprintf("%d events in %s", len(events), s.settings.LedgerPath)
	return check
}

func (s *runtimeState) checkPending() model.DoctorCheck {
	check := model.DoctorCheck{Name: "pending", Status: model.CheckOK, Detail: s.settings.PendingBackend}
	if s.settings.PendingBackend != config.BackendSQLite {
		return check
	}
	store, err := confirm.OpenSQLite(s.settings.PendingPath, s.settings.PendingLockPath)
	if err != nil {
		check.Status = model.CheckFail
		check.Detail = err.Error()
		return check
	}
	_ = store.Close()
	check.Detail = "sqlite " + s.settings.PendingPath
	return check
}

func (s *runtimeState) checkChannels() model.DoctorCheck {
	var enabled []string
	if s.settings.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if s.settings.Discord.Enabled {
		enabled = append(enabled, "discord")
	}
	if len(enabled) == 0 {
		return model.DoctorCheck{Name: "channels", Status: model.CheckWarn, Detail: "none enabled; serve will refuse to start"}
	}
	return model.DoctorCheck{Name: "channels", Status: model.CheckOK, Detail: strings.Join(enabled, ", ")}
}

func (s *runtimeState) checkWallet() model.DoctorCheck {
	name := s.settings.DefaultWallet
	check := model.DoctorCheck{Name: "wallet"}
	w := s.settings.Wallets[name]
	signer, err := evm.NewLocalSigner(evm.KeyConfig{
		Source:              w.KeySource,
		PrivateKeyEnv:       w.PrivateKeyEnv,
		PrivateKeyFile:      w.PrivateKeyFile,
		KeystorePath:        w.KeystorePath,
		KeystorePasswordEnv: w.KeystorePasswordEnv,
	})
	if err != nil {
		check.Status = model.CheckFail
		if s.settings.Mode == config.ModeDry {
			check.Status = model.CheckWarn
		}
		check.Detail = fmt.Sprintf("%s: %v", name, err)
		return check
	}
	check.Status = model.CheckOK
	check.Detail = fmt.Sprintf("%s: %s (coldkey %s)", name, signer.Address().Hex(),
		evm.EncodeSS58(evm.MirrorColdkey(signer.Address()), evm.SubstrateNetworkPrefix))
	return check
}

func (s *runtimeState) checkChain(ctx context.Context) model.DoctorCheck {
	check := model.DoctorCheck{Name: "chain"}
	client, err := evm.Dial(ctx, s.settings.Chain.RPCURL, evm.Config{
		StakingPrecompile: s.settings.Chain.StakingPrecompile,
		AlphaPrecompile:   s.settings.Chain.AlphaPrecompile,
	}, nil, s.logger)
	if err != nil {
		check.Status = model.CheckFail
		check.Detail = err.Error()
		return check
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		check.Status = model.CheckFail
		check.Detail = err.Error()
		return check
	}
	if id != s.settings.Chain.ChainID {
		check.Status = model.CheckWarn
		check.Detail = fmt.Sprintf("%s serves chain %d, expected %d", s.settings.Chain.RPCURL, id, s.settings.Chain.ChainID)
		return check
	}
	check.Status = model.CheckOK
	check.Detail = fmt.Sprintf("%s chain %d", s.settings.Chain.RPCURL, id)
	for _, netuid := range s.settings.Chain.Netuids {
		if _, err := client.ExchangeRate(ctx, netuid); err != nil {
			check.Status = model.CheckWarn
			check.Detail += fmt.Sprintf("; SN%d price unavailable: %v", netuid, err)
			break
		}
	}
	return check
}

func (s *runtimeState) checkValidator(ctx context.Context) model.DoctorCheck {
	check := model.DoctorCheck{Name: "validator"}
	hk, err := s.newResolver(ctx).Resolve(ctx, s.settings.DefaultValidator)
	if err != nil {
		check.Status = model.CheckWarn
		check.Detail = fmt.Sprintf("%s: %v", s.settings.DefaultValidator, err)
		return check
	}
	check.Status = model.CheckOK
	check.Detail = fmt.Sprintf("%s: %s", s.settings.DefaultValidator, hk)
	return check
}
