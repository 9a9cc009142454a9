// Package callback encodes the button payloads adapters hand back to the
// engine. A payload is "<namespace>|<action>|<correlationID>".
package callback

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/stakechat/internal/errors"
)

const (
	sep       = "|"
	refPrefix = "ref" + sep

	// Platform limits on button payload size.
	TelegramLimit = 64
	DiscordLimit  = 100
)

type Payload struct {
	Namespace     string
	Action        string
	CorrelationID string
}

func (p Payload) Encode() string {
	return p.Namespace + sep + p.Action + sep + p.CorrelationID
}

// Decode splits a payload. The correlation id may be empty; the action may
// not contain the separator.
func Decode(raw string) (Payload, error) {
	parts := strings.Split(raw, sep)
	if len(parts) < 2 || len(parts) > 3 {
		return Payload{}, clierr.New(clierr.CodeUnknownCommand, "malformed callback payload")
	}
	p := Payload{Namespace: parts[0], Action: parts[1]}
	if len(parts) == 3 {
		p.CorrelationID = parts[2]
	}
	if p.Namespace == "" || p.Action == "" {
		return Payload{}, clierr.New(clierr.CodeUnknownCommand, "malformed callback payload")
	}
	return p, nil
}

// NewCorrelationID returns a short random id for one button.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Refs keeps payloads too long for a platform behind short "ref|<token>"
// handles. The oldest handles are evicted once max is reached.
type Refs struct {
	mu    sync.Mutex
	max   int
	order []string
	byRef map[string]string
}

func NewRefs(max int) *Refs {
	if max <= 0 {
		max = 1024
	}
	return &Refs{max: max, byRef: make(map[string]string, max)}
}

// Shorten returns payload unchanged when it fits in limit bytes.
func (r *Refs) Shorten(payload string, limit int) string {
	if len(payload) <= limit {
		return payload
	}
	token := NewCorrelationID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) >= r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.byRef, oldest)
	}
	r.order = append(r.order, token)
	r.byRef[token] = payload
	return refPrefix + token
}

// Expand resolves a handle produced by Shorten. Plain payloads pass through.
// Evicted or unknown handles report false.
func (r *Refs) Expand(data string) (string, bool) {
	token, ok := strings.CutPrefix(data, refPrefix)
	if !ok {
		return data, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.byRef[token]
	return payload, ok
}

func (r *Refs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRef)
}
