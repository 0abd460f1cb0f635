// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/credentials"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/security"
	"github.com/partscout/partscout/internal/server"
	"github.com/partscout/partscout/internal/store"
)

// fakeRunner answers every turn with reply after replaying events on the
// turn's sink.
type fakeRunner struct {
	mu     sync.Mutex
	turns  []agent.Turn
	reply  string
	events []agent.Event
	err    error
}

func (f *fakeRunner) Run(_ context.Context, turn agent.Turn) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if turn.Sink != nil {
		for _, ev := range f.events {
			turn.Sink(ev)
		}
	}
	role := turn.Role
	if role == "" {
		role = agent.ResolveRole(turn.Conversation)
	}
	final := conversation.AssistantText(f.reply)
	return &agent.TurnResult{
		SessionID:    turn.SessionID,
		Role:         role,
		Final:        final,
		Conversation: append(turn.Conversation.Clone(), final),
		Iterations:   1,
		Usage:        provider.Usage{InputTokens: 3, OutputTokens: 2},
	}, nil
}

func (f *fakeRunner) Tools() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{Name: "extract_product_info", Description: "extract", InputSchema: map[string]any{"type": "object"}},
		{Name: "find_similar_products", Description: "similar", InputSchema: map[string]any{"type": "object"}},
	}
}

func (f *fakeRunner) recorded() []agent.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Turn(nil), f.turns...)
}

type memConversations struct {
	mu       sync.Mutex
	sessions map[string]conversation.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{sessions: make(map[string]conversation.Conversation)}
}

func (m *memConversations) Load(_ context.Context, id string) (conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, store.NotFound("session " + id + " not found")
	}
	return c.Clone(), nil
}

func (m *memConversations) Append(_ context.Context, id string, msgs ...conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = append(m.sessions[id], msgs...)
	return nil
}

func (m *memConversations) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.NotFound("session " + id + " not found")
	}
	delete(m.sessions, id)
	return nil
}

type testEnv struct {
	srv    *server.Server
	svc    *server.Services
	runner *fakeRunner
	convs  *memConversations
	creds  *credentials.Store
}

// newTestEnv builds a server backed by fakes and a credential file holding
// alice (admin) and bob (user).
func newTestEnv(t *testing.T, authRequired bool) *testEnv {
	t.Helper()

	creds := credentials.NewStore(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, creds.Upsert("alice", "wonderland", "admin"))
	require.NoError(t, creds.Upsert("bob", "builder", "user"))

	env := &testEnv{
		runner: &fakeRunner{reply: "Here is the answer."},
		convs:  newMemConversations(),
		creds:  creds,
	}
	svc, err := server.NewServices(server.ServicesConfig{
		Chat:          env.runner,
		Conversations: env.convs,
		Policy:        security.NewPermissionTable(security.DefaultPermissions()),
		Auth:          creds,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	env.svc = svc

	env.srv, err = server.New(server.Config{
		ListenAddr:   "127.0.0.1:0",
		AuthRequired: authRequired,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, svc)
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func basicAuth(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func chatBody(t *testing.T, sessionID string, msgs ...conversation.Message) string {
	t.Helper()
	b, err := json.Marshal(server.ChatRequest{SessionID: sessionID, Messages: msgs})
	require.NoError(t, err)
	return string(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
