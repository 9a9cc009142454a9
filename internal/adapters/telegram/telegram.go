// Package telegram runs the bot over the Telegram Bot API using long
// polling.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/stakechat/internal/adapters"
	"github.com/ggonzalez94/stakechat/internal/callback"
	"github.com/ggonzalez94/stakechat/internal/engine"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/httpx"
)

const (
	Platform       = "telegram"
	DefaultBaseURL = "https://api.telegram.org"

	// maxMessage stays under the 4096 character cap of sendMessage.
	maxMessage     = 4000
	processingText = "⏳ Processing…"
)

type Options struct {
	Token   string
	BaseURL string
	// PollTimeout is the getUpdates long-poll window.
	PollTimeout time.Duration
	// RequestTimeout bounds the handling of one update.
	RequestTimeout time.Duration
	// DropPending skips updates queued while the bot was offline.
	DropPending bool
	Retries     int
	Logger      *slog.Logger
}

type Adapter struct {
	h       adapters.Handler
	opts    Options
	http    *httpx.Client
	refs    *callback.Refs
	logger  *slog.Logger
	wg      sync.WaitGroup
	offset  int64
	backoff time.Duration
}

func New(h adapters.Handler, opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		h:      h,
		opts:   opts,
		http:   httpx.New(opts.PollTimeout+15*time.Second, opts.Retries),
		refs:   callback.NewRefs(4096),
		logger: logger.With("platform", Platform),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight updates.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.wg.Wait()

	me, err := a.getMe(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("telegram adapter running", "bot", me.Username)

	if a.opts.DropPending {
		if err := a.dropPending(ctx); err != nil {
			a.logger.Warn("drop pending updates", "err", err)
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := a.getUpdates(ctx, a.offset, a.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if clierr.CodeOf(err) == clierr.CodeAuth {
				return clierr.Wrap(clierr.CodeAuth, "telegram rejected the bot token", err)
			}
			a.backoff = nextBackoff(a.backoff)
			a.logger.Warn("getUpdates failed", "err", err, "retry_in", a.backoff)
			if !adapters.Sleep(ctx, a.backoff) {
				return nil
			}
			continue
		}
		a.backoff = 0
		for _, u := range updates {
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
			}
			a.dispatch(ctx, u)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return time.Second
	}
	return adapters.Backoff(d, 30*time.Second)
}

func (a *Adapter) dispatch(ctx context.Context, u update) {
	switch {
	case u.Message != nil:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.onMessage(ctx, *u.Message)
		}()
	case u.CallbackQuery != nil:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.onCallback(ctx, *u.CallbackQuery)
		}()
	}
}

func (a *Adapter) onMessage(parent context.Context, m message) {
	text := strings.TrimSpace(m.Text)
	if text == "" || m.From == nil || m.From.IsBot {
		return
	}
	ctx, cancel := adapters.RequestContext(parent, a.opts.RequestTimeout)
	defer cancel()

	if err := a.call(ctx, "sendChatAction", map[string]any{"chat_id": m.Chat.ID, "action": "typing"}, nil); err != nil {
		a.logger.Debug("sendChatAction failed", "err", err)
	}
	resp := a.h.HandleText(ctx, engine.TextRequest{
		Platform: Platform,
		UserID:   strconv.FormatInt(m.From.ID, 10),
		UserName: m.From.displayName(),
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		IsGroup:  m.Chat.Type == "group" || m.Chat.Type == "supergroup",
		Text:     text,
	})
	if err := a.send(ctx, m.Chat.ID, m.MessageID, resp); err != nil {
		a.logger.Error("send reply failed", "chat_id", m.Chat.ID, "err", err)
	}
}

func (a *Adapter) onCallback(parent context.Context, q callbackQuery) {
	ctx, cancel := adapters.RequestContext(parent, a.opts.RequestTimeout)
	defer cancel()

	// Stop the client spinner first.
	if err := a.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": q.ID}, nil); err != nil {
		a.logger.Debug("answerCallbackQuery failed", "err", err)
	}
	data, ok := a.refs.Expand(q.Data)
	if !ok {
		data = q.Data
	}
	// Replacing the text also removes the keyboard, so a button cannot be
	// pressed twice.
	if q.Message != nil {
		if err := a.edit(ctx, q.Message.Chat.ID, q.Message.MessageID, processingText, false); err != nil {
			a.logger.Debug("edit to processing failed", "err", err)
		}
	}

	resp := a.h.HandleCallback(ctx, engine.CallbackRequest{
		Platform: Platform,
		UserID:   strconv.FormatInt(q.From.ID, 10),
		UserName: q.From.displayName(),
		Payload:  data,
	})
	if q.Message == nil {
		return
	}
	if len(resp.Buttons) == 0 && len(resp.Text) <= maxMessage {
		if err := a.edit(ctx, q.Message.Chat.ID, q.Message.MessageID, resp.Text, true); err == nil {
			return
		}
	}
	if err := a.send(ctx, q.Message.Chat.ID, q.Message.MessageID, resp); err != nil {
		a.logger.Error("send callback reply failed", "chat_id", q.Message.Chat.ID, "err", err)
	}
}

// send posts resp as one or more messages; the keyboard rides on the last.
func (a *Adapter) send(ctx context.Context, chatID, replyTo int64, resp engine.Response) error {
	chunks := adapters.Split(resp.Text, maxMessage)
	for i, chunk := range chunks {
		body := map[string]any{"chat_id": chatID, "text": chunk}
		if i == 0 && replyTo != 0 {
			body["reply_to_message_id"] = replyTo
			body["allow_sending_without_reply"] = true
		}
		if i == len(chunks)-1 && len(resp.Buttons) > 0 {
			body["reply_markup"] = a.keyboard(resp.Buttons)
		}
		if err := a.callMarkdown(ctx, "sendMessage", body); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) edit(ctx context.Context, chatID, messageID int64, text string, markdown bool) error {
	body := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	if !markdown {
		return a.call(ctx, "editMessageText", body, nil)
	}
	return a.callMarkdown(ctx, "editMessageText", body)
}

// callMarkdown sends with parse_mode Markdown and retries as plain text when
// Telegram cannot parse the entities.
func (a *Adapter) callMarkdown(ctx context.Context, method string, body map[string]any) error {
	body["parse_mode"] = "Markdown"
	err := a.call(ctx, method, body, nil)
	if err == nil || !isEntityError(err) {
		return err
	}
	a.logger.Debug("markdown rejected, resending as plain text", "method", method)
	delete(body, "parse_mode")
	return a.call(ctx, method, body, nil)
}

func isEntityError(err error) bool {
	return clierr.CodeOf(err) == clierr.CodeUnsupported && strings.Contains(err.Error(), "parse entities")
}

func (a *Adapter) keyboard(rows [][]engine.Button) inlineKeyboard {
	out := inlineKeyboard{InlineKeyboard: make([][]inlineButton, 0, len(rows))}
	for _, row := range rows {
		line := make([]inlineButton, 0, len(row))
		for _, b := range row {
			line = append(line, inlineButton{
				Text:         b.Label,
				CallbackData: a.refs.Shorten(a.h.CallbackData(b), callback.TelegramLimit),
			})
		}
		out.InlineKeyboard = append(out.InlineKeyboard, line)
	}
	return out
}

func (a *Adapter) getMe(ctx context.Context) (user, error) {
	var me user
	if err := a.call(ctx, "getMe", nil, &me); err != nil {
		if clierr.CodeOf(err) == clierr.CodeAuth {
			return user{}, clierr.Wrap(clierr.CodeAuth, "telegram rejected the bot token", err)
		}
		return user{}, err
	}
	return me, nil
}

func (a *Adapter) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, error) {
	body := map[string]any{
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset != 0 {
		body["offset"] = offset
	}
	var out []update
	if err := a.call(ctx, "getUpdates", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) dropPending(ctx context.Context) error {
	updates, err := a.getUpdates(ctx, -1, 0)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID >= a.offset {
			a.offset = u.UpdateID + 1
		}
	}
	if len(updates) > 0 {
		a.logger.Info("dropped pending updates", "next_offset", a.offset)
	}
	return nil
}

// call invokes a Bot API method and decodes its result into out.
func (a *Adapter) call(ctx context.Context, method string, in any, out any) error {
	url := a.opts.BaseURL + "/bot" + a.opts.Token + "/" + method
	var env apiResponse
	if _, err := httpx.DoBodyJSON(ctx, a.http, http.MethodPost, url, in, nil, &env); err != nil {
		// Keep the token out of logs and replies.
		return redact(err, a.opts.Token)
	}
	if !env.OK {
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("telegram %s: %s", method, env.Description))
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "decode telegram "+method, err)
	}
	return nil
}

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return clierr.New(clierr.CodeOf(err), strings.ReplaceAll(err.Error(), token, "<token>"))
}
