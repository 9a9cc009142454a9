package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/stakechat/internal/chain"
	"github.com/ggonzalez94/stakechat/internal/engine"
	"github.com/shopspring/decimal"
)

func newEngine(t *testing.T) (*engine.Engine, *chain.Paper) {
	t.Helper()
	paper := chain.NewPaper(decimal.NewFromInt(10))
	paper.SetRate(31, decimal.RequireFromString("0.5"))
	e := engine.New(engine.Config{RequireConfirmation: true, ConfirmOverTao: decimal.NewFromInt(1)}, engine.Deps{Chain: paper})
	return e, paper
}

func TestButtonsAreNumberedAndPressable(t *testing.T) {
	e, paper := newEngine(t)
	in := strings.NewReader("stake 2 31\n1\nbalance\nquit\nhelp\n")
	var out bytes.Buffer

	require.NoError(t, New(e, in, &out, "", "").Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "[1] ✅ Confirm   [2] ❌ Cancel")
	assert.Contains(t, text, "Stake Confirmed")
	assert.NotContains(t, text, "Stakechat Commands", "input after quit must not be read")

	bal, err := paper.Balance(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "8", bal.FreeTao.String())
}

func TestNumberWithoutButtonsIsText(t *testing.T) {
	e, _ := newEngine(t)
	in := strings.NewReader("1\n")
	var out bytes.Buffer

	require.NoError(t, New(e, in, &out, "me", "welcome").Run(context.Background()))
	assert.True(t, strings.HasPrefix(out.String(), "welcome\n"))
	assert.Contains(t, out.String(), "Unknown command")
}

func TestCancelButton(t *testing.T) {
	e, paper := newEngine(t)
	in := strings.NewReader("stake 5 31\n2\nconfirm\n")
	var out bytes.Buffer

	require.NoError(t, New(e, in, &out, "", "").Run(context.Background()))
	assert.Contains(t, out.String(), "❌ Cancelled")
	assert.Contains(t, out.String(), "No pending action")

	bal, err := paper.Balance(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "10", bal.FreeTao.String())
}
