package engine

import clierr "github.com/ggonzalez94/stakechat/internal/errors"

type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomePending          Outcome = "pending"
	OutcomeDryRun           Outcome = "dry_run"
	OutcomeUnauthorized     Outcome = "unauthorized"
	OutcomeMissingParameter Outcome = "missing_parameter"
	OutcomeUnknownCommand   Outcome = "unknown_command"
	OutcomeNoPendingAction  Outcome = "no_pending_action"
	OutcomeExecutionFailure Outcome = "execution_failure"
	OutcomeCancelled        Outcome = "cancelled"
)

// Response is what adapters render. Text uses Telegram-style Markdown.
type Response struct {
	Text    string
	Buttons [][]Button
	Outcome Outcome
}

type Button struct {
	Label         string
	Action        string
	CorrelationID string
}

func reply(text string) Response {
	return Response{Text: text, Outcome: OutcomeOK}
}

// errorResponse maps a handler error onto user text and an Outcome.
func errorResponse(err error) Response {
	typed, isTyped := clierr.As(err)
	if !isTyped {
		return Response{Text: "❌ " + err.Error(), Outcome: OutcomeExecutionFailure}
	}
	switch typed.Code {
	case clierr.CodeUnauthorized:
		return Response{Text: "🔒 Unauthorized.", Outcome: OutcomeUnauthorized}
	case clierr.CodeMissingParameter:
		return Response{Text: "❓ " + typed.Message, Outcome: OutcomeMissingParameter}
	case clierr.CodeUnknownCommand:
		return Response{Text: "❓ " + typed.Message, Outcome: OutcomeUnknownCommand}
	case clierr.CodeNoPendingAction:
		return Response{Text: "⏰ " + typed.Message, Outcome: OutcomeNoPendingAction}
	case clierr.CodeCancelled:
		return Response{Text: "❌ " + typed.Message, Outcome: OutcomeCancelled}
	default:
		return Response{Text: "❌ " + typed.Message, Outcome: OutcomeExecutionFailure}
	}
}
