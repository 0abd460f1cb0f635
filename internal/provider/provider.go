// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider

import (
	"context"

	"github.com/partscout/partscout/internal/conversation"
)

// Provider is the core interface for LLM providers.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Status(ctx context.Context) (ProviderStatus, error)
	Close() error
}

// Embedder turns texts into embedding vectors. Providers that offer an
// embeddings endpoint implement it alongside Provider.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Router routes chat requests to a provider based on a "provider/model" ref.
type Router interface {
	Route(ctx context.Context, modelRef string) (Provider, string, error)
}

// HealthReporter is implemented by providers that expose health snapshots.
type HealthReporter interface {
	HealthMetrics() HealthMetrics
}

// ChatRequest represents a request to the LLM.
type ChatRequest struct {
	Model        string
	Messages     conversation.Conversation
	Tools        []ToolDefinition
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	Temperature   *float32
	MaxTokens     int
	StopSequences []string
}

// ToolDefinition describes a tool available to the agent.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    string
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall represents a tool invocation by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// ModelInfo describes a model's capabilities.
type ModelInfo struct {
	ID           string
	Name         string
	Provider     string
	Capabilities ModelCapabilities
}

// ModelCapabilities declares what a model supports.
type ModelCapabilities struct {
	SupportsTools      bool
	SupportsVision     bool
	SupportsPDF        bool
	SupportsStreaming  bool
	SupportsEmbeddings bool
	MaxContextTokens   int
	MaxOutputTokens    int
}

// ProviderStatus indicates provider health.
type ProviderStatus struct {
	Available bool
	Provider  string
	Message   string
}
