package chain

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestPaperStakeAndUnstakeAll(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("10"))
	p.SetRate(31, dec("0.5"))

	res, err := p.AddStake(ctx, "main", dec("0.5"), 31, "")
	require.NoError(t, err)
	require.True(t, res.OK)
	assertDec(t, "1", res.AlphaAmount)
	assert.Equal(t, DefaultPaperHotkey, res.Hotkey)

	p.SetRate(31, dec("0.6"))
	res, err = p.RemoveStake(ctx, "main", 31, nil, "")
	require.NoError(t, err)
	require.True(t, res.OK)
	assertDec(t, "1", res.AlphaAmount)
	assertDec(t, "0.6", res.TaoAmount)

	bal, err := p.Balance(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "10.1", bal.FreeTao.String())
	assert.Empty(t, bal.Positions)
}

func TestPaperRejections(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("1"))

	res, err := p.AddStake(ctx, "main", dec("2"), 1, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "insufficient balance: 1.0000 τ free")

	res, err = p.RemoveStake(ctx, "main", 1, nil, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "no stake")

	_, _ = p.AddStake(ctx, "main", dec("1"), 1, "hk")
	over := dec("5")
	res, err = p.RemoveStake(ctx, "main", 1, &over, "hk")
	require.NoError(t, err)
	assert.False(t, res.OK)

	zero := decimal.Zero
	res, err = p.RemoveStake(ctx, "main", 1, &zero, "hk")
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestPaperPartialUnstakeAcrossHotkeys(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("10"))
	_, _ = p.AddStake(ctx, "main", dec("1"), 4, "a")
	_, _ = p.AddStake(ctx, "main", dec("2"), 4, "b")

	amount := dec("1.5")
	res, err := p.RemoveStake(ctx, "main", 4, &amount, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	bal, _ := p.Balance(ctx, "main")
	require.Len(t, bal.Positions, 1)
	assert.Equal(t, "b", bal.Positions[0].Hotkey)
	assertDec(t, "1.5", bal.Positions[0].Alpha)
}

func TestPaperTenthsStayExact(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("1"))
	for i := 0; i < 3; i++ {
		res, err := p.AddStake(ctx, "main", dec("0.1"), 2, "")
		require.NoError(t, err)
		require.True(t, res.OK)
	}
	bal, _ := p.Balance(ctx, "main")
	assert.Equal(t, "0.7", bal.FreeTao.String())
	require.Len(t, bal.Positions, 1)
	assertDec(t, "0.3", bal.Positions[0].Alpha)
}

func TestPaperWalletsAreIsolated(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("3"))
	_, _ = p.AddStake(ctx, "a", dec("3"), 1, "")
	bal, _ := p.Balance(ctx, "b")
	assertDec(t, "3", bal.FreeTao)
	addr, _ := p.Address(ctx, "b")
	assert.Equal(t, "paper:b", addr)
}
