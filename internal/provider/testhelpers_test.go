// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider_test

import (
	"context"

	"github.com/partscout/partscout/internal/provider"
)

// mockProvider is a scriptable provider.Provider for registry tests.
type mockProvider struct {
	name      string
	available bool
	events    []provider.ChatEvent
	lastReq   provider.ChatRequest
}

func newMockProvider(name string, available bool) *mockProvider {
	return &mockProvider{
		name:      name,
		available: available,
		events: []provider.ChatEvent{
			{Type: provider.EventTypeTextDelta, Text: "hello"},
			{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
			{Type: provider.EventTypeDone},
		},
	}
}

func (m *mockProvider) Name() string                     { return m.name }
func (m *mockProvider) Available(_ context.Context) bool { return m.available }

func (m *mockProvider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (m *mockProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	m.lastReq = req
	ch := make(chan provider.ChatEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *mockProvider) Status(_ context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: m.available, Provider: m.name, Message: "ok"}, nil
}

func (m *mockProvider) Close() error { return nil }

// mockEmbedder adds embedding support and health reporting.
type mockEmbedder struct {
	*mockProvider
	health *provider.HealthTracker
}

func (m *mockEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (m *mockEmbedder) HealthMetrics() provider.HealthMetrics { return m.health.HealthMetrics() }
