// Package engine turns chat text and button presses into staking actions. It
// authorizes the caller, parses the text, gates risky actions behind a
// confirmation, executes through a chain.Client and records the result in
// the ledger.
package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggonzalez94/stakechat/internal/callback"
	"github.com/ggonzalez94/stakechat/internal/chain"
	"github.com/ggonzalez94/stakechat/internal/confirm"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/ggonzalez94/stakechat/internal/ledger"
	"github.com/ggonzalez94/stakechat/internal/parser"
	"github.com/ggonzalez94/stakechat/internal/policy"
	"github.com/shopspring/decimal"
)

const defaultHistoryLimit = 20

type Config struct {
	Dry                 bool
	RequireConfirmation bool
	ConfirmOverTao      decimal.Decimal
	ConfirmTTL          time.Duration
	// Namespace is the first field of every callback payload.
	Namespace     string
	DefaultWallet string
	Wallets       map[string]Wallet
	// DefaultNetuid and DefaultValidator apply when neither the message nor
	// the wallet profile names one.
	DefaultNetuid    *int
	DefaultValidator string
	// ChainTimeout bounds each call into the chain client. Zero means no
	// extra bound beyond the request context.
	ChainTimeout time.Duration
	HistoryLimit int
}

type Wallet struct {
	DefaultNetuid *int
	ValidatorAll  string
}

// Ledger is the subset of *ledger.Ledger the engine needs.
type Ledger interface {
	Append(ctx context.Context, e ledger.Event) error
	ReadAll(ctx context.Context) ([]ledger.Event, error)
}

// Resolver maps validator text to a hotkey. Unknown names return a
// CodeMissingParameter error.
type Resolver interface {
	Resolve(ctx context.Context, validator string) (string, error)
}

type Deps struct {
	Auth       *policy.Authorizer
	Pending    confirm.Store
	Ledger     Ledger
	Chain      chain.Client
	Validators Resolver
	Logger     *slog.Logger
	Now        func() time.Time
}

type Engine struct {
	cfg        Config
	auth       *policy.Authorizer
	pending    confirm.Store
	ledger     Ledger
	chain      chain.Client
	validators Resolver
	logger     *slog.Logger
	now        func() time.Time
}

type TextRequest struct {
	Platform string
	UserID   string
	UserName string
	ChatID   string
	IsGroup  bool
	Text     string
}

type CallbackRequest struct {
	Platform string
	UserID   string
	UserName string
	Payload  string
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 5 * time.Minute
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "stakechat"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.DefaultWallet == "" {
		cfg.DefaultWallet = "main"
	}
	if cfg.Wallets == nil {
		cfg.Wallets = map[string]Wallet{cfg.DefaultWallet: {}}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	pending := deps.Pending
	if pending == nil {
		pending = confirm.NewMemoryStoreWithClock(now)
	}
	return &Engine{
		cfg:        cfg,
		auth:       deps.Auth,
		pending:    pending,
		ledger:     deps.Ledger,
		chain:      deps.Chain,
		validators: deps.Validators,
		logger:     logger,
		now:        now,
	}
}

// CallbackData is the payload an adapter attaches to b.
func (e *Engine) CallbackData(b Button) string {
	return callback.Payload{Namespace: e.cfg.Namespace, Action: b.Action, CorrelationID: b.CorrelationID}.Encode()
}

func (e *Engine) HandleText(ctx context.Context, req TextRequest) Response {
	start := time.Now()
	intent := parser.Parse(req.Text)
	resp := e.handleText(ctx, req, intent)
	e.logger.Info("handled message",
		"platform", req.Platform,
		"user_id", req.UserID,
		"chat_id", req.ChatID,
		"intent", intent.Kind(),
		"outcome", string(resp.Outcome),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp
}

func (e *Engine) handleText(ctx context.Context, req TextRequest, intent parser.Intent) Response {
	if err := e.auth.Check(req.Platform, req.UserID); err != nil {
		return errorResponse(err)
	}
	owner := confirm.OwnerKey(req.Platform, req.UserID)

	var (
		resp Response
		err  error
	)
	switch in := intent.(type) {
	case parser.Help:
		resp = reply(helpText)
	case parser.Privacy:
		resp = reply(privacyText)
	case parser.Whoami:
		resp = e.whoami(ctx, req)
	case parser.Confirm:
		resp, err = e.confirmPending(ctx, owner, in.Token)
	case parser.Cancel:
		resp, err = e.cancel(ctx, owner)
	case parser.Balance:
		resp, err = e.balance(ctx)
	case parser.Pnl:
		resp, err = e.pnl(ctx)
	case parser.Roi:
		resp, err = e.roi(ctx)
	case parser.History:
		resp, err = e.history(ctx)
	case parser.Stake:
		resp, err = e.requestStake(ctx, owner, in)
	case parser.Unstake:
		resp, err = e.requestUnstake(ctx, owner, in)
	case parser.Unknown:
		err = unknownIntent(in)
	default:
		err = clierr.New(clierr.CodeUnknownCommand, "Unknown command.")
	}
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

func (e *Engine) HandleCallback(ctx context.Context, req CallbackRequest) Response {
	resp, correlation := e.handleCallback(ctx, req)
	e.logger.Info("handled callback",
		"platform", req.Platform,
		"user_id", req.UserID,
		"correlation_id", correlation,
		"outcome", string(resp.Outcome),
	)
	return resp
}

func (e *Engine) handleCallback(ctx context.Context, req CallbackRequest) (Response, string) {
	if err := e.auth.Check(req.Platform, req.UserID); err != nil {
		return errorResponse(err), ""
	}
	payload, err := callback.Decode(req.Payload)
	if err != nil {
		return errorResponse(clierr.New(clierr.CodeUnknownCommand, "Unknown action.")), ""
	}
	if payload.Namespace != e.cfg.Namespace {
		return errorResponse(clierr.New(clierr.CodeUnknownCommand, "Unknown action.")), payload.CorrelationID
	}
	owner := confirm.OwnerKey(req.Platform, req.UserID)

	action, err := DecodeAction(payload.Action)
	if err != nil {
		return errorResponse(err), payload.CorrelationID
	}
	if action.Kind == KindCancel {
		resp, err := e.cancel(ctx, owner)
		if err != nil {
			return errorResponse(err), payload.CorrelationID
		}
		return resp, payload.CorrelationID
	}

	// A button only executes the action that is still pending for its owner,
	// so expiry and one-shot consumption hold for buttons as for text. A
	// stale button leaves the newer pending action in place.
	popped, live, err := e.pending.PopIf(ctx, owner, payload.Action)
	if err != nil {
		return errorResponse(clierr.Wrap(clierr.CodeInternal, "Could not read the pending action.", err)), payload.CorrelationID
	}
	if !live {
		return errorResponse(noPending()), payload.CorrelationID
	}
	if !popped {
		e.logger.Info("stale confirmation button", "owner_key", owner, "pressed", payload.Action)
		return errorResponse(clierr.New(clierr.CodeNoPendingAction, "That confirmation is no longer current. Use the latest one or send the command again.")), payload.CorrelationID
	}
	resp, err := e.execute(ctx, action)
	if err != nil {
		return errorResponse(err), payload.CorrelationID
	}
	return resp, payload.CorrelationID
}

func (e *Engine) confirmPending(ctx context.Context, owner, token string) (Response, error) {
	raw, found, err := e.pending.Pop(ctx, owner)
	if err != nil {
		return Response{}, clierr.Wrap(clierr.CodeInternal, "Could not read the pending action.", err)
	}
	if !found {
		return Response{}, noPending()
	}
	if token != "" {
		e.logger.Debug("confirm token ignored", "owner_key", owner, "token", token)
	}
	action, err := DecodeAction(raw)
	if err != nil {
		return Response{}, err
	}
	return e.execute(ctx, action)
}

func (e *Engine) cancel(ctx context.Context, owner string) (Response, error) {
	if _, _, err := e.pending.Pop(ctx, owner); err != nil {
		e.logger.Warn("clear pending action", "owner_key", owner, "err", err)
	}
	return Response{}, clierr.New(clierr.CodeCancelled, "Cancelled")
}

func noPending() error {
	return clierr.New(clierr.CodeNoPendingAction, "No pending action (or it expired).")
}

func unknownIntent(in parser.Unknown) error {
	switch in.Reason {
	case parser.ReasonMissingAmount:
		return clierr.New(clierr.CodeMissingParameter, "Please include an amount.\nExample: `stake 0.5 31`")
	case parser.ReasonInvalidAmount:
		return clierr.New(clierr.CodeMissingParameter, "The amount must be a positive number.\nExample: `stake 0.5 31`")
	case parser.ReasonNetuidFirst:
		return clierr.New(clierr.CodeMissingParameter, "Put the amount before the subnet.\nExample: `stake 0.5 31`")
	}
	return clierr.New(clierr.CodeUnknownCommand, "Unknown command.\n\nType `help` to see available commands.")
}

// chainContext applies ChainTimeout to ctx.
func (e *Engine) chainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ChainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.ChainTimeout)
}

func (e *Engine) walletName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return e.cfg.DefaultWallet, nil
	}
	if _, ok := e.cfg.Wallets[name]; !ok {
		return "", clierr.New(clierr.CodeMissingParameter, "Unknown wallet `"+name+"`.")
	}
	return name, nil
}
