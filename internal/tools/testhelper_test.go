// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package tools_test

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/store"
)

// fakeModel replies with a fixed text and records every request.
type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []provider.ChatRequest
	refs     []string
}

func (m *fakeModel) Name() string                     { return "fake" }
func (m *fakeModel) Available(_ context.Context) bool { return true }
func (m *fakeModel) Close() error                     { return nil }

func (m *fakeModel) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }

func (m *fakeModel) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: true, Provider: "fake"}, nil
}

func (m *fakeModel) Route(_ context.Context, ref string) (provider.Provider, string, error) {
	m.mu.Lock()
	m.refs = append(m.refs, ref)
	m.mu.Unlock()
	return m, "fake-model", nil
}

func (m *fakeModel) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan provider.ChatEvent, 2)
	ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: m.reply}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

func (m *fakeModel) lastRequest() provider.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// fakeEmbedder maps each text to a 3-dim vector derived from its length.
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	short   bool
}

func (e *fakeEmbedder) Embedder() (provider.Embedder, string, error) {
	return e, "fake-embed", nil
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.batches = append(e.batches, append([]string(nil), texts...))
	n := len(texts)
	if e.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

type noEmbedder struct{}

func (noEmbedder) Embedder() (provider.Embedder, string, error) {
	return nil, "", errors.New("no embedding model configured")
}

// memChunks is an in-memory ChunkStore returning chunks in insertion order.
type memChunks struct {
	mu      sync.Mutex
	order   []string
	chunks  map[string]store.Chunk
	vectors map[string][]float32
	k       int
}

func newMemChunks(chunks ...store.Chunk) *memChunks {
	m := &memChunks{chunks: map[string]store.Chunk{}, vectors: map[string][]float32{}}
	for _, c := range chunks {
		_ = m.Upsert(context.Background(), c, []float32{0, 0, 0})
	}
	return m
}

func (m *memChunks) Upsert(_ context.Context, c store.Chunk, v []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chunks[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.chunks[c.ID] = c
	m.vectors[c.ID] = v
	return nil
}

func (m *memChunks) Search(_ context.Context, _ []float32, k int) ([]store.ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.k = k
	var out []store.ChunkResult
	for i, id := range m.order {
		if i == k {
			break
		}
		out = append(out, store.ChunkResult{Chunk: m.chunks[id], Distance: float64(i)})
	}
	return out, nil
}

func (m *memChunks) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), nil
}

func (m *memChunks) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
		delete(m.vectors, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.chunks[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

func (m *memChunks) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.chunks))
	for id := range m.chunks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
