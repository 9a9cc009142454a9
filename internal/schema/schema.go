// Package schema describes the bot's two surfaces for tooling: the CLI
// command tree and the chat command grammar.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// ChatCommand is one intent a chat message can express.
type ChatCommand struct {
	Kind  string   `json:"kind"`
	Words []string `json:"words"`
	Usage string   `json:"usage"`
}

var chatUsage = map[string]string{
	"help":    "help",
	"privacy": "privacy",
	"whoami":  "whoami",
	"confirm": "confirm [token]",
	"cancel":  "cancel",
	"balance": "balance",
	"pnl":     "pnl",
	"roi":     "roi",
	"history": "history",
	"stake":   "stake <tao> [sn]<netuid> [validator] [w=<wallet>]",
	"unstake": "unstake <alpha|all> [sn]<netuid> [validator] [w=<wallet>]",
}

// chatOrder lists kinds the way the help text does.
var chatOrder = []string{"stake", "unstake", "confirm", "cancel", "balance", "pnl", "roi", "history", "whoami", "privacy", "help"}

// Build returns the schema of the command at commandPath below root, or of
// root itself when the path is empty.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	if strings.TrimSpace(commandPath) != "" {
		for _, p := range strings.Fields(commandPath) {
			next := findChild(cmd, p)
			if next == nil {
				return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
			}
			cmd = next
		}
	}
	return serialize(cmd), nil
}

// Chat turns a kind -> words vocabulary into the chat grammar. Kinds without
// a known usage line are listed last with their kind as usage.
func Chat(vocab map[string][]string) []ChatCommand {
	out := make([]ChatCommand, 0, len(vocab))
	seen := map[string]bool{}
	for _, kind := range chatOrder {
		if words, ok := vocab[kind]; ok {
			out = append(out, chatCommand(kind, words))
			seen[kind] = true
		}
	}
	var rest []string
	for kind := range vocab {
		if !seen[kind] {
			rest = append(rest, kind)
		}
	}
	sort.Strings(rest)
	for _, kind := range rest {
		out = append(out, chatCommand(kind, vocab[kind]))
	}
	return out
}

func chatCommand(kind string, words []string) ChatCommand {
	usage, ok := chatUsage[kind]
	if !ok {
		usage = kind
	}
	sorted := append([]string(nil), words...)
	sort.Strings(sorted)
	return ChatCommand{Kind: kind, Words: sorted, Usage: usage}
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || contains(c.Aliases, name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:    strings.TrimSpace(cmd.CommandPath()),
		Use:     cmd.Use,
		Short:   cmd.Short,
		Aliases: cmd.Aliases,
		Flags:   collectFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
		})
	})
	return items
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
