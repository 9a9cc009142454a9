// Package adapters holds what the chat platform adapters share: the engine
// surface they drive and message splitting.
package adapters

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ggonzalez94/stakechat/internal/engine"
)

// Handler is the part of *engine.Engine an adapter calls.
type Handler interface {
	HandleText(ctx context.Context, req engine.TextRequest) engine.Response
	HandleCallback(ctx context.Context, req engine.CallbackRequest) engine.Response
	CallbackData(b engine.Button) string
}

// RequestContext detaches a single update from the adapter's run context so
// that shutdown does not abort a transaction mid-flight, and bounds it by
// timeout when positive.
func RequestContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Split cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// Backoff doubles d up to max.
func Backoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

// Sleep waits for d or until ctx is done; it reports whether the wait
// completed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
