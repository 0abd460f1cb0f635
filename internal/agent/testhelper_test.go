// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/security"
	"github.com/partscout/partscout/internal/store"
)

type mockAuditStore struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
	err     error
}

func (m *mockAuditStore) Append(_ context.Context, entry *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditStore) Query(_ context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AuditEntry
	for _, e := range m.entries {
		if f.Action == "" || e.Action == f.Action {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditStore) byAction(action string) []*store.AuditEntry {
	out, _ := m.Query(context.Background(), store.AuditFilter{Action: action})
	return out
}

// scriptedProvider answers each Chat call with the next scripted event list.
// Once the script runs out it answers with a plain "done".
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]provider.ChatEvent
	requests []provider.ChatRequest
	chatErr  error
}

func (p *scriptedProvider) Name() string                     { return "scripted" }
func (p *scriptedProvider) Available(_ context.Context) bool { return true }
func (p *scriptedProvider) Close() error                     { return nil }

func (p *scriptedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (p *scriptedProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: true, Provider: "scripted"}, nil
}

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.chatErr != nil {
		return nil, p.chatErr
	}

	events := textReply("done")
	if len(p.script) > 0 {
		events, p.script = p.script[0], p.script[1:]
	}
	ch := make(chan provider.ChatEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

// Route satisfies provider.Router directly.
func (p *scriptedProvider) Route(_ context.Context, _ string) (provider.Provider, string, error) {
	return p, "scripted-model", nil
}

func textReply(text string) []provider.ChatEvent {
	return []provider.ChatEvent{
		{Type: provider.EventTypeTextDelta, Text: text},
		{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
		{Type: provider.EventTypeDone},
	}
}

func toolReply(calls ...provider.ToolCall) []provider.ChatEvent {
	events := make([]provider.ChatEvent, 0, len(calls)+1)
	for i := range calls {
		events = append(events, provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &calls[i]})
	}
	return append(events, provider.ChatEvent{Type: provider.EventTypeDone})
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"minLength=1,description=Text to echo"`
}

func newEchoTool(t *testing.T, name string) agent.Tool {
	t.Helper()
	tool, err := agent.NewTool(name, "echoes text", func(_ context.Context, a echoArgs) agent.Outcome {
		return agent.Success(map[string]any{"echo": a.Text})
	})
	require.NoError(t, err)
	return tool
}

func newSlowTool(t *testing.T, name string, d time.Duration) agent.Tool {
	t.Helper()
	tool, err := agent.NewTool(name, "sleeps", func(ctx context.Context, _ struct{}) agent.Outcome {
		select {
		case <-time.After(d):
			return agent.Success(map[string]any{"slept": d.String()})
		case <-ctx.Done():
			return agent.Failure(conversation.KindTimeout, ctx.Err().Error())
		}
	})
	require.NoError(t, err)
	return tool
}

func newFailingTool(t *testing.T, name string) agent.Tool {
	t.Helper()
	tool, err := agent.NewTool(name, "always fails", func(_ context.Context, _ struct{}) agent.Outcome {
		return agent.Failure(conversation.KindExecutionFailed, errors.New("upstream broke").Error())
	})
	require.NoError(t, err)
	return tool
}

type fixture struct {
	registry   *agent.ToolRegistry
	audit      *mockAuditStore
	dispatcher *agent.Dispatcher
}

// newFixture registers tools and grants admin all of them, user only the first.
func newFixture(t *testing.T, timeout time.Duration, tools ...agent.Tool) *fixture {
	t.Helper()
	reg := agent.NewToolRegistry()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
		names = append(names, tool.Name())
	}
	perms := map[string][]string{"admin": names}
	if len(names) > 0 {
		perms["user"] = names[:1]
	}

	audit := &mockAuditStore{}
	d, err := agent.NewDispatcher(agent.DispatcherConfig{
		Registry:   reg,
		Enforcer:   security.NewEnforcer(security.NewPermissionTable(perms), audit),
		AuditStore: audit,
		Timeout:    timeout,
	})
	require.NoError(t, err)
	return &fixture{registry: reg, audit: audit, dispatcher: d}
}

func humanAs(role, text string) conversation.Message {
	return conversation.Human(conversation.Part{Type: conversation.PartText, Text: text, UserType: role})
}
