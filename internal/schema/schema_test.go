package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "stakechat"}
	child := &cobra.Command{Use: "ledger", Short: "ledger cmds"}
	leaf := &cobra.Command{Use: "list", Short: "list events"}
	leaf.Flags().Int("limit", 20, "limit results")
	child.AddCommand(leaf)
	root.AddCommand(child)

	s, err := Build(root, "ledger list")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "stakechat ledger list" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "limit" || s.Flags[0].Default != "20" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if _, err := Build(root, "ledger prune"); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestChatGrammarOrder(t *testing.T) {
	got := Chat(map[string][]string{
		"balance": {"bal", "b"},
		"stake":   {"stake", "s"},
		"zap":     {"zap"},
	})
	if len(got) != 3 {
		t.Fatalf("unexpected commands: %+v", got)
	}
	if got[0].Kind != "stake" || got[1].Kind != "balance" || got[2].Kind != "zap" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Words[0] != "b" || got[0].Usage == "" || got[2].Usage != "zap" {
		t.Fatalf("unexpected content: %+v", got)
	}
}
