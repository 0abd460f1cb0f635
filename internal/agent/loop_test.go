// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func newTestLoop(t *testing.T, p *scriptedProvider, f *fixture, mutate func(*agent.LoopConfig)) *agent.Loop {
	t.Helper()
	cfg := agent.LoopConfig{
		Router:     p,
		Dispatcher: f.dispatcher,
		AuditStore: f.audit,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := agent.NewLoop(cfg)
	require.NoError(t, err)
	return loop
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestLoop_PlainAnswer(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{textReply("Hello there")}}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))
	loop := newTestLoop(t, p, f, nil)

	res, err := loop.Run(context.Background(), agent.Turn{
		SessionID:    "s-1",
		Conversation: conversation.Conversation{humanAs("admin", "hi")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", res.Final.Text())
	assert.Equal(t, "admin", res.Role)
	assert.Equal(t, 1, res.Iterations)
	assert.Zero(t, res.ToolCalls)
	assert.Equal(t, 10, res.Usage.InputTokens)
	require.Len(t, res.Conversation, 2)
	assert.Equal(t, conversation.RoleAssistant, res.Conversation[1].Role)

	calls := p.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, agent.DefaultSystemPrompt, calls[0].SystemPrompt)
	assert.Equal(t, "scripted-model", calls[0].Model)
	require.Len(t, calls[0].Tools, 1)
	assert.Equal(t, "echo", calls[0].Tools[0].Name)
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("c1", "echo", `{"text":"ping"}`)),
		textReply("pong"),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))
	loop := newTestLoop(t, p, f, nil)

	var events []agent.Event
	input := conversation.Conversation{humanAs("admin", "echo ping")}
	res, err := loop.Run(context.Background(), agent.Turn{
		SessionID:    "s-1",
		Conversation: input,
		Sink:         func(ev agent.Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	assert.Equal(t, "pong", res.Final.Text())
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Len(t, input, 1, "input conversation is not mutated")

	// human, assistant(tool request), tool, assistant
	require.Len(t, res.Conversation, 4)
	toolMsg := res.Conversation[2]
	assert.Equal(t, conversation.RoleTool, toolMsg.Role)
	assert.Equal(t, "c1", toolMsg.ToolResult.ID)
	assert.Equal(t, "ping", toolMsg.ToolResult.Payload["echo"])

	second := p.calls()[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, conversation.RoleTool, second.Messages[2].Role)

	var types []agent.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []agent.EventType{agent.EventToolRequest, agent.EventToolResult, agent.EventTextDelta}, types)
	assert.Equal(t, "echo", events[0].ToolRequest.Name)
	assert.Nil(t, events[1].ToolResult.Error)

	assert.Len(t, f.audit.byAction("tool_dispatch"), 1)
	turns := f.audit.byAction("agent_loop.turn")
	require.Len(t, turns, 1)
	assert.Equal(t, "ok", turns[0].Result)
	assert.Equal(t, 1, turns[0].Details["tool_calls"])
}

func TestLoop_DeniedToolFeedsBack(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("c1", "similar", `{"text":"x"}`)),
		textReply("Sorry, I cannot do that."),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "extract"), newEchoTool(t, "similar"))
	loop := newTestLoop(t, p, f, nil)

	res, err := loop.Run(context.Background(), agent.Turn{
		SessionID:    "s-1",
		Conversation: conversation.Conversation{humanAs("user", "find similar")},
	})
	require.NoError(t, err)

	tr := res.Conversation[2].ToolResult
	require.NotNil(t, tr.Error)
	assert.Equal(t, conversation.KindPermissionDenied, tr.Error.Kind)
	assert.Contains(t, tr.Content(), "You do not have permissions to use the similar tool.")
	assert.Equal(t, "Sorry, I cannot do that.", res.Final.Text())
}

func TestLoop_TruncatedArgumentsFeedBack(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("c1", "echo", `{"text": "ab`)),
		textReply("Let me try again."),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))
	loop := newTestLoop(t, p, f, nil)

	res, err := loop.Run(context.Background(), agent.Turn{
		SessionID:    "s-1",
		Conversation: conversation.Conversation{humanAs("admin", "echo ab")},
	})
	require.NoError(t, err)

	require.Len(t, res.Conversation, 4)
	assert.True(t, res.Conversation[1].ToolRequests[0].Malformed())
	tr := res.Conversation[2].ToolResult
	require.NotNil(t, tr.Error)
	assert.Equal(t, conversation.KindInvalidArguments, tr.Error.Kind)
	assert.Equal(t, "Let me try again.", res.Final.Text())
	assert.NoError(t, res.Conversation.Validate())
}

func TestLoop_UnknownRoleGetsDefault(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("c1", "extract", `{"text":"x"}`)),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "extract"))
	loop := newTestLoop(t, p, f, nil)

	res, err := loop.Run(context.Background(), agent.Turn{
		Conversation: conversation.Conversation{humanAs("superuser!", "go")},
	})
	require.NoError(t, err)
	assert.Equal(t, agent.DefaultRole, res.Role)
	assert.Equal(t, conversation.KindPermissionDenied, res.Conversation[2].ToolResult.Error.Kind)
}

func TestLoop_ExplicitRoleWins(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("c1", "extract", `{"text":"x"}`)),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "extract"))
	loop := newTestLoop(t, p, f, nil)

	res, err := loop.Run(context.Background(), agent.Turn{
		Role:         "user",
		Conversation: conversation.Conversation{humanAs("admin", "go")},
	})
	require.NoError(t, err)
	assert.Equal(t, "user", res.Role)
	assert.Nil(t, res.Conversation[2].ToolResult.Error)
}

func TestLoop_ReasoningFailureIsFatal(t *testing.T) {
	p := &scriptedProvider{chatErr: errors.New("connection refused")}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))
	loop := newTestLoop(t, p, f, nil)

	_, err := loop.Run(context.Background(), agent.Turn{
		SessionID:    "s-9",
		Conversation: conversation.Conversation{humanAs("admin", "hi")},
	})
	require.Error(t, err)
	// The root cause code survives wrapping.
	assert.True(t, pserr.IsUpstreamFailure(err))
	assert.Equal(t, "s-9", pserr.FieldsOf(err)["session_id"])

	turns := f.audit.byAction("agent_loop.turn")
	require.Len(t, turns, 1)
	assert.Equal(t, "error", turns[0].Result)
	assert.Equal(t, string(pserr.CodeProviderUpstreamFailure), turns[0].Details["error_code"])
}

func TestLoop_StreamErrorEventIsFatal(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		{{Type: provider.EventTypeError, Error: "overloaded"}},
	}}
	f := newFixture(t, time.Second)
	loop := newTestLoop(t, p, f, nil)

	_, err := loop.Run(context.Background(), agent.Turn{
		Conversation: conversation.Conversation{humanAs("admin", "hi")},
	})
	assert.True(t, pserr.IsUpstreamFailure(err))
	assert.Contains(t, err.Error(), "overloaded")
}

func TestLoop_IterationLimit(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("a", "echo", `{"text":"1"}`)),
		toolReply(call("b", "echo", `{"text":"2"}`)),
		toolReply(call("c", "echo", `{"text":"3"}`)),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))
	loop := newTestLoop(t, p, f, func(c *agent.LoopConfig) { c.MaxIterations = 2 })

	_, err := loop.Run(context.Background(), agent.Turn{
		Conversation: conversation.Conversation{humanAs("admin", "loop")},
	})
	require.Error(t, err)
	assert.True(t, pserr.HasCode(err, pserr.CodeAgentLoopIterationsExceeded))
	assert.Len(t, p.calls(), 2)
}

func TestLoop_ToolBudgetSpansIterations(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("a", "echo", `{"text":"1"}`), call("b", "echo", `{"text":"2"}`)),
		toolReply(call("c", "echo", `{"text":"3"}`)),
		textReply("ok"),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))
	loop := newTestLoop(t, p, f, func(c *agent.LoopConfig) { c.MaxToolCallsPerTurn = 2 })

	res, err := loop.Run(context.Background(), agent.Turn{
		Conversation: conversation.Conversation{humanAs("admin", "go")},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ToolCalls)

	last := res.Conversation[len(res.Conversation)-2].ToolResult
	require.NotNil(t, last.Error)
	assert.Equal(t, conversation.KindBudgetExceeded, last.Error.Kind)
}

func TestLoop_PromptSettingsReachProvider(t *testing.T) {
	temp := float32(0.2)
	p := &scriptedProvider{}
	f := newFixture(t, time.Second)
	loop := newTestLoop(t, p, f, func(c *agent.LoopConfig) {
		c.Prompt = agent.Prompt{Body: "Be terse.", Temperature: &temp, MaxTokens: 256}
	})

	_, err := loop.Run(context.Background(), agent.Turn{
		Conversation: conversation.Conversation{humanAs("admin", "hi")},
	})
	require.NoError(t, err)

	req := p.calls()[0]
	assert.Equal(t, "Be terse.", req.SystemPrompt)
	require.NotNil(t, req.Options.Temperature)
	assert.InDelta(t, 0.2, *req.Options.Temperature, 1e-6)
	assert.Equal(t, 256, req.Options.MaxTokens)
}

func TestLoop_Hooks(t *testing.T) {
	p := &scriptedProvider{script: [][]provider.ChatEvent{
		toolReply(call("a", "echo", `{"text":"1"}`)),
		textReply("done"),
	}}
	f := newFixture(t, time.Second, newEchoTool(t, "echo"))

	var reasons []int
	var acted int
	var done *agent.TurnResult
	loop := newTestLoop(t, p, f, func(c *agent.LoopConfig) {
		c.Hooks = &agent.LoopHooks{
			OnReason: func(i int) { reasons = append(reasons, i) },
			OnAct:    func(_ int, reqs []conversation.ToolRequest) { acted += len(reqs) },
			OnDone:   func(r *agent.TurnResult) { done = r },
		}
	})

	res, err := loop.Run(context.Background(), agent.Turn{
		Conversation: conversation.Conversation{humanAs("admin", "go")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, reasons)
	assert.Equal(t, 1, acted)
	assert.Same(t, res, done)
}

func TestLoop_InvalidInput(t *testing.T) {
	p := &scriptedProvider{}
	f := newFixture(t, time.Second)
	loop := newTestLoop(t, p, f, nil)

	tests := []struct {
		name string
		conv conversation.Conversation
	}{
		{"empty", nil},
		{"ends with assistant", conversation.Conversation{
			conversation.HumanText("hi"),
			conversation.AssistantText("hello"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loop.Run(context.Background(), agent.Turn{Conversation: tt.conv})
			assert.True(t, pserr.HasCode(err, pserr.CodeAgentLoopInvalidInput))
		})
	}
	assert.Empty(t, p.calls())
}

func TestNewLoop_RequiresDependencies(t *testing.T) {
	_, err := agent.NewLoop(agent.LoopConfig{})
	assert.True(t, pserr.HasCode(err, pserr.CodeAgentLoopInvalidInput))

	_, err = agent.NewLoop(agent.LoopConfig{Router: &scriptedProvider{}})
	assert.True(t, pserr.HasCode(err, pserr.CodeAgentLoopInvalidInput))
}
