// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/security"
	"github.com/partscout/partscout/internal/security/scanner"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

const defaultMaxIterations = 8

// EventType names a streamed loop event.
type EventType string

const (
	EventTextDelta   EventType = "text_delta"
	EventToolRequest EventType = "tool_request"
	EventToolResult  EventType = "tool_result"
)

// Event is delivered to a Turn's Sink while the loop runs.
type Event struct {
	Type        EventType
	Text        string
	ToolRequest *conversation.ToolRequest
	ToolResult  *conversation.ToolResult
}

// Sink receives loop events. It is called from the loop goroutine only.
type Sink func(Event)

// Turn is one request to the loop: prior turns plus the new human message.
type Turn struct {
	SessionID string
	// Role is resolved once per turn; empty means ResolveRole(Conversation).
	Role         string
	Actor        string
	Conversation conversation.Conversation
	Sink         Sink
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionID    string
	Role         string
	Final        conversation.Message
	Conversation conversation.Conversation
	Iterations   int
	ToolCalls    int
	Usage        provider.Usage
}

// LoopHooks are optional callbacks fired at each state entry.
type LoopHooks struct {
	OnReason func(iteration int)
	OnAct    func(iteration int, requests []conversation.ToolRequest)
	OnDone   func(result *TurnResult)
}

// LoopConfig holds dependencies for the Loop.
type LoopConfig struct {
	Router              provider.Router
	Dispatcher          *Dispatcher
	AuditStore          store.AuditStore
	Prompt              Prompt
	MaxIterations       int
	MaxToolCallsPerTurn int
	Logger              *slog.Logger
	Hooks               *LoopHooks
	// Guard scans the latest human message before the first model call.
	Guard *scanner.Guard
}

// Loop alternates between the model and the tools until the model answers
// without tool requests.
type Loop struct {
	router        provider.Router
	dispatcher    *Dispatcher
	audit         store.AuditStore
	prompt        Prompt
	maxIterations int
	maxToolCalls  int
	log           *slog.Logger
	hooks         *LoopHooks
	guard         *scanner.Guard

	auditFailCount atomic.Int64
}

// NewLoop creates a Loop. Router and Dispatcher are required.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Router == nil {
		return nil, pserr.New(pserr.CodeAgentLoopInvalidInput, "Router is required")
	}
	if cfg.Dispatcher == nil {
		return nil, pserr.New(pserr.CodeAgentLoopInvalidInput, "Dispatcher is required")
	}
	l := &Loop{
		router:        cfg.Router,
		dispatcher:    cfg.Dispatcher,
		audit:         cfg.AuditStore,
		prompt:        cfg.Prompt,
		maxIterations: cfg.MaxIterations,
		maxToolCalls:  cfg.MaxToolCallsPerTurn,
		log:           cfg.Logger,
		hooks:         cfg.Hooks,
		guard:         cfg.Guard,
	}
	if l.prompt.Body == "" {
		l.prompt.Body = DefaultSystemPrompt
	}
	if l.maxIterations <= 0 {
		l.maxIterations = defaultMaxIterations
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l, nil
}

// Tools returns the declarations the loop offers the model.
func (l *Loop) Tools() []provider.ToolDefinition {
	return l.dispatcher.Registry().Definitions()
}

// Run drives one turn to completion. Tool failures are fed back to the
// model; a failed model call or an exhausted iteration bound is returned as
// an error.
func (l *Loop) Run(ctx context.Context, turn Turn) (*TurnResult, error) {
	if err := l.validate(turn); err != nil {
		return nil, err
	}

	role := turn.Role
	if role == "" {
		role = ResolveRole(turn.Conversation)
	}
	conv, err := l.scanInput(ctx, turn)
	if err != nil {
		return nil, err
	}
	budget := NewBudget(l.maxToolCalls)
	tools := l.Tools()
	emit := turn.Sink
	if emit == nil {
		emit = func(Event) {}
	}

	result := &TurnResult{SessionID: turn.SessionID, Role: role}
	started := time.Now()

	for iteration := 1; ; iteration++ {
		if iteration > l.maxIterations {
			err := pserr.New(pserr.CodeAgentLoopIterationsExceeded,
				"agent loop did not finish within the iteration limit",
				pserr.FieldSessionID(turn.SessionID), pserr.Field("max_iterations", l.maxIterations))
			result.Conversation = conv
			l.auditTurn(ctx, turn, result, started, err)
			return nil, err
		}
		result.Iterations = iteration

		// Reasoning.
		if l.hooks != nil && l.hooks.OnReason != nil {
			l.hooks.OnReason(iteration)
		}
		resp, err := provider.Stream(ctx, l.router, l.prompt.Model, provider.ChatRequest{
			Messages:     conv,
			Tools:        tools,
			SystemPrompt: l.prompt.Body,
			Options:      l.prompt.Options(),
		}, func(delta string) {
			emit(Event{Type: EventTextDelta, Text: delta})
		})
		if err != nil {
			err = pserr.Wrap(err, pserr.CodeAgentReasoningFailure, "model call failed",
				pserr.FieldSessionID(turn.SessionID), pserr.Field("iteration", iteration))
			result.Conversation = conv
			l.auditTurn(ctx, turn, result, started, err)
			return nil, err
		}
		result.Usage.Add(resp.Usage)
		conv = append(conv, resp.Message)

		if len(resp.Message.ToolRequests) == 0 {
			result.Final = resp.Message
			result.Conversation = conv
			break
		}

		// Acting.
		requests := resp.Message.ToolRequests
		if l.hooks != nil && l.hooks.OnAct != nil {
			l.hooks.OnAct(iteration, requests)
		}
		for i := range requests {
			emit(Event{Type: EventToolRequest, ToolRequest: &requests[i]})
		}

		results, err := l.dispatcher.Dispatch(ctx, DispatchRequest{
			SessionID:    turn.SessionID,
			Role:         role,
			Actor:        turn.Actor,
			Conversation: conv.Clone(),
			Requests:     requests,
			Budget:       budget,
		})
		if err != nil {
			result.Conversation = conv
			l.auditTurn(ctx, turn, result, started, err)
			return nil, err
		}
		for i := range results {
			conv = append(conv, conversation.ToolMessage(results[i]))
			emit(Event{Type: EventToolResult, ToolResult: &results[i]})
		}
		result.ToolCalls += len(results)
	}

	l.auditTurn(ctx, turn, result, started, nil)
	if l.hooks != nil && l.hooks.OnDone != nil {
		l.hooks.OnDone(result)
	}
	return result, nil
}

// scanInput returns a copy of the conversation whose last message has passed
// the input-stage guard.
func (l *Loop) scanInput(ctx context.Context, turn Turn) (conversation.Conversation, error) {
	conv := turn.Conversation.Clone()
	if l.guard == nil {
		return conv, nil
	}

	last := len(conv) - 1
	parts := make([]conversation.Part, len(conv[last].Parts))
	copy(parts, conv[last].Parts)
	for i, p := range parts {
		if p.Type != conversation.PartText {
			continue
		}
		text, err := l.guard.Check(ctx, scanner.StageInput, p.Text, "session_id", turn.SessionID, "actor", turn.Actor)
		if err != nil {
			return nil, pserr.With(err, pserr.FieldSessionID(turn.SessionID))
		}
		parts[i].Text = text
	}
	conv[last].Parts = parts
	return conv, nil
}

func (l *Loop) validate(turn Turn) error {
	if len(turn.Conversation) == 0 {
		return pserr.New(pserr.CodeAgentLoopInvalidInput, "conversation is empty", pserr.FieldSessionID(turn.SessionID))
	}
	if err := turn.Conversation.Validate(); err != nil {
		return pserr.Wrap(err, pserr.CodeAgentLoopInvalidInput, "invalid conversation", pserr.FieldSessionID(turn.SessionID))
	}
	last, _ := turn.Conversation.Last()
	if last.Role != conversation.RoleHuman {
		return pserr.Errorf(pserr.CodeAgentLoopInvalidInput, "conversation must end with a human message, got %q", last.Role)
	}
	return nil
}

// auditTurn writes a best-effort agent_loop.turn entry.
func (l *Loop) auditTurn(ctx context.Context, turn Turn, res *TurnResult, started time.Time, runErr error) {
	if l.audit == nil {
		return
	}

	outcome := "ok"
	details := map[string]any{
		"iterations":    res.Iterations,
		"tool_calls":    res.ToolCalls,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"duration_ms":   time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		outcome = "error"
		details["error_code"] = string(pserr.CodeOf(runErr))
	}

	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    "agent_loop.turn",
		Actor:     turn.Actor,
		Role:      res.Role,
		SessionID: turn.SessionID,
		Details:   details,
		Result:    outcome,
	}

	// Written even when the request context is already cancelled.
	if err := l.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		consecutive := l.auditFailCount.Add(1)
		logAuditFailure(ctx, l.log, consecutive, "agent loop audit append failed",
			slog.Any("error", err),
			slog.String("session_id", turn.SessionID),
			slog.Int64("consecutive_failures", consecutive),
			slog.Int("threshold", security.AuditLogEscalationThreshold),
		)
		return
	}
	l.auditFailCount.Store(0)
}
