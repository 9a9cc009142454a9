package adapters

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextIsOneChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, Split("hello", 10))
}

func TestSplitPrefersLineBreaks(t *testing.T) {
	text := "line one\nline two\nline three"
	chunks := Split(text, 18)
	require.Len(t, chunks, 2)
	assert.Equal(t, "line one\nline two", chunks[0])
	assert.Equal(t, "line three", chunks[1])
}

func TestSplitKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("τ", 50)
	chunks := Split(text, 7)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 7)
		assert.True(t, utf8.ValidString(c), c)
	}
}

func TestBackoffCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(time.Second, time.Minute))
	assert.Equal(t, time.Minute, Backoff(45*time.Second, time.Minute))
}

func TestRequestContextSurvivesParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, done := RequestContext(parent, time.Minute)
	defer done()
	cancel()
	assert.NoError(t, ctx.Err())
	_, hasDeadline := ctx.Deadline()
	assert.True(t, hasDeadline)
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}
