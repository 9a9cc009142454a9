package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/ggonzalez94/stakechat/internal/accounting"
	"github.com/ggonzalez94/stakechat/internal/adapters/console"
	"github.com/ggonzalez94/stakechat/internal/adapters/discord"
	"github.com/ggonzalez94/stakechat/internal/adapters/telegram"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/ledger"
	"github.com/ggonzalez94/stakechat/internal/model"
	"github.com/ggonzalez94/stakechat/internal/parser"
	"github.com/ggonzalez94/stakechat/internal/schema"
	"github.com/ggonzalez94/stakechat/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (s *runtimeState) newServeCommand() *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the enabled chat adapters until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, dc := s.settings.Telegram, s.settings.Discord
			if !tg.Enabled && !dc.Enabled {
				return clierr.New(clierr.CodeUsage, "no chat channel enabled; set channels.telegram.enabled or channels.discord.enabled")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := s.buildEngine(ctx, false)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if tg.Enabled {
				bot := telegram.New(eng, telegram.Options{
					Token:          tg.Token,
					RequestTimeout: s.settings.Chain.Timeout,
					DropPending:    dropPending,
					Retries:        s.settings.Chain.Retries,
					Logger:         s.logger.With("platform", telegram.Platform),
				})
				g.Go(func() error { return bot.Run(gctx) })
			}
			if dc.Enabled {
				bot := discord.New(eng, discord.Options{
					Token:          dc.Token,
					ApplicationID:  dc.ApplicationID,
					RequestTimeout: s.settings.Chain.Timeout,
					Retries:        s.settings.Chain.Retries,
					Logger:         s.logger.With("platform", discord.Platform),
				})
				g.Go(func() error { return bot.Run(gctx) })
			}
			s.logger.Info("serving", "telegram", tg.Enabled, "discord", dc.Enabled)

			if err := g.Wait(); err != nil {
				return err
			}
			s.logger.Info("stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "Skip Telegram updates queued while the bot was offline")
	return cmd
}

func (s *runtimeState) newChatCommand() *cobra.Command {
	var paper bool
	var user string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from this terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eng, err := s.buildEngine(ctx, paper)
			if err != nil {
				return err
			}
			banner := fmt.Sprintf("%s %s (%s mode", version.CLIName, version.CLIVersion, s.settings.Mode)
			if paper {
				banner += ", paper chain"
			}
			banner += "). Type help, or quit to leave."
			return console.New(eng, cmd.InOrStdin(), cmd.OutOrStdout(), user, banner).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&paper, "paper", false, "Use the in-memory paper chain instead of chain.backend")
	cmd.Flags().StringVar(&user, "user", "local", "User id recorded for pending confirmations")
	return cmd
}

func (s *runtimeState) newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <text...>",
		Short: "Show how a chat message is understood",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.ParsedText{
				Input:  text,
				Intent: parser.Describe(parser.Parse(text)),
			}, nil)
		},
	}
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	var chat bool
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chat {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), schema.Chat(parser.Vocabulary()), nil)
			}
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
	cmd.Flags().BoolVar(&chat, "chat", false, "Describe the chat command grammar instead of the CLI")
	return cmd
}

func (s *runtimeState) newLedgerCommand() *cobra.Command {
	root := &cobra.Command{Use: "ledger", Short: "Inspect the trade ledger"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return clierr.New(clierr.CodeUsage, "--limit must not be negative")
			}
			events, err := s.readLedger(cmd.Context())
			if err != nil {
				return err
			}
			recent := ledger.Newest(events, limit)
			entries := make([]model.LedgerEntry, 0, len(recent))
			for _, e := range recent {
				entries = append(entries, ledgerEntry(e))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entries, nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum events to list (0 = all)")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Summarize realized results per subnet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := s.readLedger(cmd.Context())
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), summarizeLedger(s.settings.LedgerPath, events), nil)
		},
	}

	root.AddCommand(list)
	root.AddCommand(summary)
	return root
}

func (s *runtimeState) readLedger(ctx context.Context) ([]ledger.Event, error) {
	l, err := s.openLedger()
	if err != nil {
		return nil, err
	}
	events, err := l.ReadAll(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeLedger, "read ledger", err)
	}
	return events, nil
}

func ledgerEntry(e ledger.Event) model.LedgerEntry {
	switch v := e.(type) {
	case ledger.StakeEvent:
		return model.LedgerEntry{
			Type:      ledger.TypeStake,
			Timestamp: v.Timestamp,
			Netuid:    v.Netuid,
			Tao:       v.TaoSpent,
			Alpha:     v.AlphaBought,
			Rate:      v.Rate,
			Hotkey:    v.Hotkey,
		}
	case ledger.UnstakeEvent:
		pnl, roi := v.RealizedPnL, v.ROI
		return model.LedgerEntry{
			Type:        ledger.TypeUnstake,
			Timestamp:   v.Timestamp,
			Netuid:      v.Netuid,
			Tao:         v.TaoReceived,
			Alpha:       v.AlphaSold,
			Hotkey:      v.Hotkey,
			RealizedPnL: &pnl,
			ROI:         &roi,
		}
	default:
		return model.LedgerEntry{Type: e.Type(), Timestamp: e.At(), Netuid: e.Subnet()}
	}
}

// summarizeLedger needs no chain access, so it reports realized figures only.
func summarizeLedger(path string, events []ledger.Event) model.LedgerSummary {
	portfolio := accounting.Summarize(events, nil)
	positions := accounting.Positions(events)
	out := model.LedgerSummary{
		Path:            path,
		Events:          len(events),
		CapitalDeployed: portfolio.CapitalDeployed,
		RealizedPnL:     portfolio.TotalRealized,
		RealizedROI:     portfolio.ROI,
		Subnets:         []model.SubnetSummary{},
	}
	bySubnet := map[int]*model.SubnetSummary{}
	row := func(netuid int) *model.SubnetSummary {
		if r, ok := bySubnet[netuid]; ok {
			return r
		}
		r := &model.SubnetSummary{Netuid: netuid, EntryRate: positions[netuid].AverageEntryRate()}
		bySubnet[netuid] = r
		return r
	}
	for _, e := range events {
		switch v := e.(type) {
		case ledger.StakeEvent:
			out.Stakes++
			r := row(v.Netuid)
			r.TaoIn = r.TaoIn.Add(v.TaoSpent)
			r.AlphaIn = r.AlphaIn.Add(v.AlphaBought)
		case ledger.UnstakeEvent:
			out.Unstakes++
			r := row(v.Netuid)
			r.AlphaSold = r.AlphaSold.Add(v.AlphaSold)
			r.TaoOut = r.TaoOut.Add(v.TaoReceived)
			r.RealizedPnL = r.RealizedPnL.Add(v.RealizedPnL)
		}
	}
	netuids := make([]int, 0, len(bySubnet))
	for n := range bySubnet {
		netuids = append(netuids, n)
	}
	sort.Ints(netuids)
	for _, n := range netuids {
		out.Subnets = append(out.Subnets, *bySubnet[n])
	}
	return out
}
