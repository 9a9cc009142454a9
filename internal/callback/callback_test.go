package callback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/stakechat/internal/errors"
)

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{Namespace: "stakechat", Action: "stake_confirm:0.5:31:w=main", CorrelationID: "abc123"}
	got, err := Decode(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	got, err = Decode("stakechat|cancel")
	require.NoError(t, err)
	assert.Equal(t, "cancel", got.Action)
	assert.Empty(t, got.CorrelationID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "stakechat", "|cancel|x", "stakechat||x", "a|b|c|d"} {
		_, err := Decode(raw)
		assert.Equal(t, clierr.CodeUnknownCommand, clierr.CodeOf(err), raw)
	}
}

func TestRefsShortenOversizePayload(t *testing.T) {
	refs := NewRefs(4)
	short := "stakechat|cancel|abc"
	assert.Equal(t, short, refs.Shorten(short, TelegramLimit))

	long := Payload{
		Namespace:     "stakechat",
		Action:        "unstake_all_confirm:31:h=5E2LP6EnZ54m3wS8s1yPvD5c3xo71kQroBw7aUVK32TKeZ5u",
		CorrelationID: NewCorrelationID(),
	}.Encode()
	handle := refs.Shorten(long, TelegramLimit)
	require.True(t, strings.HasPrefix(handle, "ref|"))
	assert.LessOrEqual(t, len(handle), TelegramLimit)

	expanded, ok := refs.Expand(handle)
	require.True(t, ok)
	assert.Equal(t, long, expanded)

	passthrough, ok := refs.Expand(short)
	assert.True(t, ok)
	assert.Equal(t, short, passthrough)
}

func TestRefsEvictOldest(t *testing.T) {
	refs := NewRefs(2)
	long := strings.Repeat("x", 200)
	first := refs.Shorten(long+"1", DiscordLimit)
	refs.Shorten(long+"2", DiscordLimit)
	refs.Shorten(long+"3", DiscordLimit)

	assert.Equal(t, 2, refs.Len())
	_, ok := refs.Expand(first)
	assert.False(t, ok)
}

func TestCorrelationIDsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		require.Len(t, id, 12)
		require.False(t, seen[id])
		seen[id] = true
	}
}
