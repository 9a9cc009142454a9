package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "data", "ledger.jsonl"), "", nil)
	require.NoError(t, err)
	return l
}

func TestReadAllMissingFileIsEmpty(t *testing.T) {
	l := openLedger(t)
	events, err := l.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendAndReadAllPreservesOrder(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	stake := StakeEvent{Netuid: 31, TaoSpent: dec("0.5"), AlphaBought: dec("1"), Rate: dec("0.5"), Hotkey: "5Hk", Timestamp: ts}
	unstake := UnstakeEvent{Netuid: 31, AlphaSold: dec("1"), TaoReceived: dec("0.6"), RealizedPnL: dec("0.1"), ROI: dec("20"), Timestamp: ts.Add(time.Minute)}
	require.NoError(t, l.Append(ctx, stake))
	require.NoError(t, l.Append(ctx, unstake))

	events, err := l.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	gotStake, ok := events[0].(StakeEvent)
	require.True(t, ok)
	assert.Equal(t, "0.5", gotStake.TaoSpent.String())
	assert.Equal(t, "1", gotStake.AlphaBought.String())
	assert.Equal(t, "0.5", gotStake.Rate.String())
	assert.Equal(t, "5Hk", gotStake.Hotkey)
	assert.Equal(t, ts, gotStake.Timestamp)

	gotUnstake, ok := events[1].(UnstakeEvent)
	require.True(t, ok)
	assert.Equal(t, "0.6", gotUnstake.TaoReceived.String())
	assert.Equal(t, "0.1", gotUnstake.RealizedPnL.String())
	assert.Equal(t, "20", gotUnstake.ROI.String())
	assert.Equal(t, ts.Add(time.Minute), gotUnstake.Timestamp)
}

func TestReadAllAcceptsFloatAndStringAmounts(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	content := `{"type":"stake","netuid":31,"tao_spent":0.1,"alpha_bought":"0.2","rate":0.5,"ts":"2026-01-01T00:00:00Z"}` + "\n" +
		`{"type":"unstake","netuid":31,"alpha_sold":0.2,"tao_received":0.30000000000000004,"pnl":"0.2","roi":200,"ts":"2026-01-02T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(l.Path(), []byte(content), 0o600))

	events, err := l.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	stake := events[0].(StakeEvent)
	assert.Equal(t, "0.1", stake.TaoSpent.String())
	assert.Equal(t, "0.2", stake.AlphaBought.String())
	unstake := events[1].(UnstakeEvent)
	assert.Equal(t, "0.30000000000000004", unstake.TaoReceived.String())
	assert.True(t, unstake.RealizedPnL.Equal(dec("0.2")))
}

func TestAppendKeepsExactDecimals(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	tenth := dec("0.1")
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(ctx, StakeEvent{Netuid: 1, TaoSpent: tenth, AlphaBought: tenth, Rate: dec("1"), Timestamp: ts}))
	}
	events, err := l.ReadAll(ctx)
	require.NoError(t, err)
	total := decimal.Zero
	for _, e := range events {
		total = total.Add(e.(StakeEvent).TaoSpent)
	}
	assert.Equal(t, "0.3", total.String())
}

func TestWireFormat(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	require.NoError(t, l.Append(ctx, StakeEvent{Netuid: 4, TaoSpent: dec("1"), AlphaBought: dec("2"), Rate: dec("0.5"), Timestamp: ts}))
	require.NoError(t, l.Append(ctx, UnstakeEvent{Netuid: 4, AlphaSold: dec("2"), TaoReceived: dec("0.8"), RealizedPnL: dec("-0.2"), ROI: dec("-20"), Timestamp: ts}))

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"stake","netuid":4,"tao_spent":1,"alpha_bought":2,"rate":0.5,"ts":"2026-02-03T04:05:06Z"}`, lines[0])
	assert.JSONEq(t, `{"type":"unstake","netuid":4,"alpha_sold":2,"tao_received":0.8,"pnl":-0.2,"roi":-20,"ts":"2026-02-03T04:05:06Z"}`, lines[1])
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	content := strings.Join([]string{
		`{"type":"stake","netuid":1,"tao_spent":1,"alpha_bought":4,"rate":0.25,"ts":"2026-01-01T00:00:00Z"}`,
		`not json at all`,
		`{"type":"mint","netuid":1,"ts":"2026-01-01T00:00:00Z"}`,
		``,
		`{"type":"stake","netuid":1,"ts":"yesterday"}`,
		`{"type":"unstake","netuid":1,"alpha_sold":4,"tao_received":2,"pnl":1,"roi":100,"ts":"2026-01-02T00:00:00Z"}`,
		`{"type":"stake","netuid":2,"tao_sp`,
	}, "\n")
	require.NoError(t, os.WriteFile(l.Path(), []byte(content), 0o600))

	events, err := l.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeStake, events[0].Type())
	assert.Equal(t, TypeUnstake, events[1].Type())
}

func TestReadAllSkipsOversizedLines(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	huge := `{"type":"stake","netuid":9,"tao_spent":1,"alpha_bought":1,"rate":1,"hotkey":"` +
		strings.Repeat("x", maxLineBytes) + `","ts":"2026-01-01T00:00:00Z"}`
	content := strings.Join([]string{
		`{"type":"stake","netuid":1,"tao_spent":1,"alpha_bought":1,"rate":1,"ts":"2026-01-01T00:00:00Z"}`,
		huge,
		`{"type":"stake","netuid":2,"tao_spent":1,"alpha_bought":1,"rate":1,"ts":"2026-01-01T00:00:00Z"}`,
	}, "\n")
	require.NoError(t, os.WriteFile(l.Path(), []byte(content), 0o600))

	events, err := l.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Subnet())
	assert.Equal(t, 2, events[1].Subnet())
}

func TestAppendAfterTornTail(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte(`{"type":"stake","netuid":2,"tao_sp`), 0o600))

	require.NoError(t, l.Append(ctx, StakeEvent{Netuid: 3, TaoSpent: dec("1"), AlphaBought: dec("1"), Rate: dec("1"), Timestamp: ts}))
	events, err := l.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Subnet())
}

func TestConcurrentAppendsFromTwoHandles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	first, err := Open(path, "", nil)
	require.NoError(t, err)
	second, err := Open(path, "", nil)
	require.NoError(t, err)

	const perHandle = 40
	var wg sync.WaitGroup
	for _, l := range []*Ledger{first, second} {
		for i := 0; i < perHandle; i++ {
			wg.Add(1)
			go func(l *Ledger, i int) {
				defer wg.Done()
				err := l.Append(ctx, StakeEvent{Netuid: i, TaoSpent: dec("1"), AlphaBought: dec("2"), Rate: dec("0.5"), Timestamp: ts})
				assert.NoError(t, err)
			}(l, i)
		}
	}
	wg.Wait()

	events, err := first.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 2*perHandle)
}

func TestAppendReportsWriteErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	require.NoError(t, os.Mkdir(path, 0o755))
	l, err := Open(path, filepath.Join(dir, "ledger.lock"), nil)
	require.NoError(t, err)

	err = l.Append(context.Background(), StakeEvent{Netuid: 1, Timestamp: ts})
	assert.Error(t, err)
}

func TestNewest(t *testing.T) {
	events := []Event{
		StakeEvent{Netuid: 1},
		StakeEvent{Netuid: 2},
		UnstakeEvent{Netuid: 3},
	}
	got := Newest(events, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Subnet())
	assert.Equal(t, 2, got[1].Subnet())
	assert.Len(t, Newest(events, 0), 3)
	assert.Len(t, Newest(events, 10), 3)
}
