// Package discord runs the bot over the Discord gateway (v10) for events and
// the REST API for replies.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggonzalez94/stakechat/internal/adapters"
	"github.com/ggonzalez94/stakechat/internal/callback"
	"github.com/ggonzalez94/stakechat/internal/engine"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/httpx"
)

const (
	Platform          = "discord"
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	DefaultAPIBase    = "https://discord.com/api/v10"

	// maxMessage leaves headroom under the 2000 character content cap.
	maxMessage     = 1900
	processingText = "⏳ Processing…"
)

var (
	errReconnect      = errors.New("gateway requested reconnect")
	errInvalidSession = errors.New("gateway invalidated the session")
	errZombie         = errors.New("gateway stopped acknowledging heartbeats")
)

type Options struct {
	Token         string
	ApplicationID string
	GatewayURL    string
	APIBase       string
	// RequestTimeout bounds the handling of one message or interaction.
	RequestTimeout    time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Retries           int
	Logger            *slog.Logger
}

type Adapter struct {
	h      adapters.Handler
	opts   Options
	http   *httpx.Client
	refs   *callback.Refs
	logger *slog.Logger
	wg     sync.WaitGroup

	seq atomic.Int64
	// Session state below is owned by the Run goroutine.
	sessionID string
	resumeURL string
	botID     string
}

func New(h adapters.Handler, opts Options) *Adapter {
	if opts.GatewayURL == "" {
		opts.GatewayURL = DefaultGatewayURL
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		h:      h,
		opts:   opts,
		http:   httpx.New(30*time.Second, opts.Retries),
		refs:   callback.NewRefs(4096),
		logger: logger.With("platform", Platform),
	}
}

// Run keeps a gateway session open until ctx is cancelled, reconnecting
// with exponential backoff. Close codes that no retry can fix end Run with
// an error.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.wg.Wait()
	delay := a.opts.ReconnectDelay
	for {
		readied, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if code, ok := fatalClose(err); ok {
			return clierr.Wrap(clierr.CodeAuth, fmt.Sprintf("discord gateway closed the session (%d)", code), err)
		}
		if readied {
			delay = a.opts.ReconnectDelay
		}
		a.logger.Warn("gateway disconnected", "err", err, "retry_in", delay)
		if !adapters.Sleep(ctx, delay) {
			return nil
		}
		delay = adapters.Backoff(delay, a.opts.MaxReconnectDelay)
	}
}

func fatalClose(err error) (int, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return 0, false
	}
	switch ce.Code {
	case 4004, 4010, 4011, 4012, 4013, 4014:
		return ce.Code, true
	}
	return 0, false
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	// acked is cleared by each heartbeat and set by its ACK.
	acked atomic.Bool
}

func (w *wsConn) send(op int, d any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(outFrame{Op: op, D: d})
}

func (w *wsConn) close() {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = w.conn.Close()
}

// session runs one gateway connection. It reports whether the session got
// as far as READY or RESUMED.
func (a *Adapter) session(ctx context.Context) (bool, error) {
	target := a.opts.GatewayURL
	resuming := a.sessionID != "" && a.resumeURL != ""
	if resuming {
		target = gatewayQuery(a.resumeURL)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("gateway dial: %w", err)
	}
	ws := &wsConn{conn: conn}
	ws.acked.Store(true)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.close()
		case <-stop:
		}
	}()

	var first frame
	if err := conn.ReadJSON(&first); err != nil {
		return false, fmt.Errorf("read hello: %w", err)
	}
	var hi hello
	if first.Op != opHello || json.Unmarshal(first.D, &hi) != nil || hi.HeartbeatInterval <= 0 {
		return false, fmt.Errorf("expected hello, got op %d", first.Op)
	}
	go a.heartbeat(ws, time.Duration(hi.HeartbeatInterval)*time.Millisecond, stop)

	if resuming {
		err = ws.send(opResume, resume{Token: a.opts.Token, SessionID: a.sessionID, Seq: a.seq.Load()})
	} else {
		err = ws.send(opIdentify, identify{
			Token:      a.opts.Token,
			Intents:    Intents,
			Properties: identifyProperties{OS: "linux", Browser: "stakechat", Device: "stakechat"},
		})
	}
	if err != nil {
		return false, fmt.Errorf("send identify: %w", err)
	}

	readied := false
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return readied, err
		}
		if f.S != nil {
			a.seq.Store(*f.S)
		}
		switch f.Op {
		case opDispatch:
			if a.dispatch(ctx, f) {
				readied = true
			}
		case opHeartbeat:
			if err := ws.send(opHeartbeat, a.seqOrNil()); err != nil {
				return readied, err
			}
		case opHeartbeatACK:
			ws.acked.Store(true)
		case opReconnect:
			return readied, errReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(f.D, &resumable)
			if !resumable {
				a.sessionID, a.resumeURL = "", ""
				a.seq.Store(0)
			}
			return readied, errInvalidSession
		}
	}
}

func (a *Adapter) heartbeat(ws *wsConn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !ws.acked.Swap(false) {
				a.logger.Warn("heartbeat not acknowledged, reconnecting", "err", errZombie)
				_ = ws.conn.Close()
				return
			}
			if err := ws.send(opHeartbeat, a.seqOrNil()); err != nil {
				a.logger.Debug("heartbeat write failed", "err", err)
				return
			}
		}
	}
}

func (a *Adapter) seqOrNil() any {
	if s := a.seq.Load(); s > 0 {
		return s
	}
	return nil
}

// dispatch handles one event and reports whether it completed a handshake.
func (a *Adapter) dispatch(ctx context.Context, f frame) bool {
	switch f.T {
	case "READY":
		var r ready
		if err := json.Unmarshal(f.D, &r); err != nil {
			a.logger.Warn("decode READY", "err", err)
			return false
		}
		a.sessionID, a.resumeURL, a.botID = r.SessionID, r.ResumeGatewayURL, r.User.ID
		if a.opts.ApplicationID == "" {
			a.opts.ApplicationID = r.Application.ID
		}
		a.logger.Info("discord adapter running", "bot", r.User.Username)
		return true
	case "RESUMED":
		a.logger.Info("gateway session resumed")
		return true
	case "MESSAGE_CREATE":
		var m messageCreate
		if err := json.Unmarshal(f.D, &m); err != nil {
			a.logger.Warn("decode MESSAGE_CREATE", "err", err)
			return false
		}
		botID := a.botID
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.onMessage(ctx, m, botID)
		}()
	case "INTERACTION_CREATE":
		var in interaction
		if err := json.Unmarshal(f.D, &in); err != nil {
			a.logger.Warn("decode INTERACTION_CREATE", "err", err)
			return false
		}
		appID := a.opts.ApplicationID
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.onInteraction(ctx, in, appID)
		}()
	}
	return false
}

func (a *Adapter) onMessage(parent context.Context, m messageCreate, botID string) {
	text := strings.TrimSpace(m.Content)
	if text == "" || m.Author.Bot || m.Author.ID == botID {
		return
	}
	ctx, cancel := adapters.RequestContext(parent, a.opts.RequestTimeout)
	defer cancel()

	if err := a.rest(ctx, http.MethodPost, "/channels/"+m.ChannelID+"/typing", nil, nil); err != nil {
		a.logger.Debug("typing indicator failed", "err", err)
	}
	resp := a.h.HandleText(ctx, engine.TextRequest{
		Platform: Platform,
		UserID:   m.Author.ID,
		UserName: m.Author.displayName(),
		ChatID:   m.ChannelID,
		IsGroup:  m.GuildID != "",
		Text:     text,
	})
	if err := a.post(ctx, m.ChannelID, Format(resp.Text), resp.Buttons); err != nil {
		a.logger.Error("send reply failed", "channel_id", m.ChannelID, "err", err)
	}
}

func (a *Adapter) onInteraction(parent context.Context, in interaction, appID string) {
	if in.Type != interactionComponent {
		return
	}
	ctx, cancel := adapters.RequestContext(parent, a.opts.RequestTimeout)
	defer cancel()

	if err := a.rest(ctx, http.MethodPost, "/interactions/"+in.ID+"/"+in.Token+"/callback",
		map[string]int{"type": responseDeferredUpdate}, nil); err != nil {
		a.logger.Warn("defer interaction failed", "err", err)
		return
	}
	if in.ApplicationID != "" {
		appID = in.ApplicationID
	}
	// Dropping the components disables the buttons while the action runs.
	if err := a.editOriginal(ctx, appID, in.Token, processingText, nil); err != nil {
		a.logger.Debug("edit to processing failed", "err", err)
	}

	data, ok := a.refs.Expand(in.Data.CustomID)
	if !ok {
		data = in.Data.CustomID
	}
	caller := in.caller()
	resp := a.h.HandleCallback(ctx, engine.CallbackRequest{
		Platform: Platform,
		UserID:   caller.ID,
		UserName: caller.displayName(),
		Payload:  data,
	})

	chunks := adapters.Split(Format(resp.Text), maxMessage)
	var first [][]engine.Button
	if len(chunks) == 1 {
		first = resp.Buttons
	}
	if err := a.editOriginal(ctx, appID, in.Token, chunks[0], first); err != nil {
		a.logger.Error("edit interaction reply failed", "err", err)
		return
	}
	if len(chunks) > 1 {
		if err := a.post(ctx, in.ChannelID, strings.Join(chunks[1:], "\n"), resp.Buttons); err != nil {
			a.logger.Error("send follow-up failed", "channel_id", in.ChannelID, "err", err)
		}
	}
}

// post sends text to a channel, split into several messages when needed;
// the buttons ride on the last one.
func (a *Adapter) post(ctx context.Context, channelID, text string, buttons [][]engine.Button) error {
	chunks := adapters.Split(text, maxMessage)
	for i, chunk := range chunks {
		body := messageBody{Content: chunk, Components: []component{}}
		if i == len(chunks)-1 {
			body.Components = a.components(buttons)
		}
		if err := a.rest(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) editOriginal(ctx context.Context, appID, token, text string, buttons [][]engine.Button) error {
	body := messageBody{Content: text, Components: a.components(buttons)}
	return a.rest(ctx, http.MethodPatch, "/webhooks/"+appID+"/"+token+"/messages/@original", body, nil)
}

func (a *Adapter) components(rows [][]engine.Button) []component {
	out := make([]component, 0, len(rows))
	for _, row := range rows {
		line := component{Type: componentActionRow}
		for _, b := range row {
			style := styleSuccess
			if b.Action == engine.KindCancel {
				style = styleDanger
			}
			line.Components = append(line.Components, component{
				Type:     componentButton,
				Style:    style,
				Label:    b.Label,
				CustomID: a.refs.Shorten(a.h.CallbackData(b), callback.DiscordLimit),
			})
		}
		out = append(out, line)
	}
	return out
}

func (a *Adapter) rest(ctx context.Context, method, path string, in, out any) error {
	headers := map[string]string{"Authorization": "Bot " + a.opts.Token}
	_, err := httpx.DoBodyJSON(ctx, a.http, method, a.opts.APIBase+path, in, headers, out)
	return err
}

func gatewayQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("v", "10")
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

var boldPattern = regexp.MustCompile(`\*\*[^*\n]+\*\*|\*[^*\n]+\*`)

// Format turns Telegram-style *bold* into Discord **bold**. Text that is
// already double-starred is left alone.
func Format(text string) string {
	return boldPattern.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "**") {
			return m
		}
		return "*" + m + "*"
	})
}
