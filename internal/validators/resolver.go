// Package validators maps the validator text users type to hotkey addresses.
package validators

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/stakechat/internal/cache"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/httpx"
)

const (
	TaoBotHotkey       = "5E2LP6EnZ54m3wS8s1yPvD5c3xo71kQroBw7aUVK32TKeZ5u"
	DefaultRegistryURL = "https://raw.githubusercontent.com/opentensor/bittensor-delegates/main/public/delegates.json"

	registryCacheKey = "validators:delegates"
	minRegistryTTL   = time.Minute
)

var builtins = map[string]string{
	"default": TaoBotHotkey,
	"tao.bot": TaoBotHotkey,
	"taobot":  TaoBotHotkey,
	"tao_bot": TaoBotHotkey,
}

type Options struct {
	// Aliases are operator-defined names checked before everything else.
	Aliases     map[string]string
	RegistryURL string
	RegistryTTL time.Duration
	HTTP        *httpx.Client
	// Cache persists the registry between restarts. Optional.
	Cache  *cache.Store
	Logger *slog.Logger
}

// Resolver resolves aliases, built-in names, raw hotkeys and delegate names
// from the public registry, in that order.
type Resolver struct {
	aliases map[string]string
	url     string
	ttl     time.Duration
	http    *httpx.Client
	store   *cache.Store
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	names    map[string]string
	loadedAt time.Time
}

func New(opts Options) *Resolver {
	aliases := make(map[string]string, len(opts.Aliases))
	for name, hotkey := range opts.Aliases {
		aliases[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(hotkey)
	}
	url := strings.TrimSpace(opts.RegistryURL)
	if url == "" {
		url = DefaultRegistryURL
	}
	ttl := opts.RegistryTTL
	if ttl < minRegistryTTL {
		ttl = minRegistryTTL
	}
	client := opts.HTTP
	if client == nil {
		client = httpx.New(20*time.Second, 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		aliases: aliases,
		url:     url,
		ttl:     ttl,
		http:    client,
		store:   opts.Cache,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve returns the hotkey for validator. Empty input resolves to "".
// Names that cannot be found return a CodeMissingParameter error.
func (r *Resolver) Resolve(ctx context.Context, validator string) (string, error) {
	v := strings.TrimSpace(validator)
	if v == "" {
		return "", nil
	}
	lv := strings.ToLower(v)
	if hk, ok := r.aliases[lv]; ok {
		return hk, nil
	}
	if hk, ok := builtins[lv]; ok {
		return hk, nil
	}
	if LooksLikeHotkey(v) {
		return v, nil
	}

	names, err := r.registry(ctx)
	if err != nil {
		return "", err
	}
	if hk, ok := names[lv]; ok {
		return hk, nil
	}
	return "", clierr.New(clierr.CodeMissingParameter, fmt.Sprintf("unknown validator %q", v))
}

// LooksLikeHotkey accepts any long token without whitespace as an address.
func LooksLikeHotkey(v string) bool {
	return len(v) >= 40 && !strings.ContainsFunc(v, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

type delegateInfo struct {
	Name string `json:"name"`
}

func (r *Resolver) registry(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.names != nil && r.now().Sub(r.loadedAt) < r.ttl {
		return r.names, nil
	}

	var (
		cached map[string]delegateInfo
		hit    cache.Result
	)
	if r.store != nil {
		var err error
		hit, err = r.store.GetJSON(ctx, registryCacheKey, -1, &cached)
		if err != nil {
			r.logger.Warn("read validator cache", "err", err)
		}
		if hit.Hit && !hit.Stale {
			r.setNames(cached, r.now().Add(-hit.Age))
			return r.names, nil
		}
	}

	fetched, err := r.fetch(ctx)
	if err != nil {
		if hit.Hit {
			r.logger.Warn("validator registry refresh failed, using stale copy", "age", hit.Age, "err", err)
			r.setNames(cached, r.now())
			return r.names, nil
		}
		if r.names != nil {
			r.logger.Warn("validator registry refresh failed, using stale copy", "err", err)
			return r.names, nil
		}
		return nil, err
	}
	if r.store != nil {
		if err := r.store.SetJSON(ctx, registryCacheKey, fetched, r.ttl); err != nil {
			r.logger.Warn("write validator cache", "err", err)
		}
	}
	r.setNames(fetched, r.now())
	return r.names, nil
}

func (r *Resolver) fetch(ctx context.Context) (map[string]delegateInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build registry request", err)
	}
	var out map[string]delegateInfo
	if _, err := r.http.DoJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	r.logger.Debug("validator registry fetched", "delegates", len(out))
	return out, nil
}

func (r *Resolver) setNames(delegates map[string]delegateInfo, at time.Time) {
	names := make(map[string]string, 2*len(delegates))
	for hotkey, info := range delegates {
		if hotkey == "" {
			continue
		}
		names[strings.ToLower(hotkey)] = hotkey
		if name := strings.ToLower(strings.TrimSpace(info.Name)); name != "" {
			names[name] = hotkey
		}
	}
	r.names = names
	r.loadedAt = at
}

// Name returns the registry name of hotkey when it has been loaded.
func (r *Resolver) Name(hotkey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hotkey == TaoBotHotkey {
		return "tao.bot"
	}
	for name, hk := range r.names {
		if hk == hotkey && !strings.EqualFold(name, hotkey) {
			return name
		}
	}
	return ""
}
