// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package openai

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Config holds OpenAI provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
	// EmbeddingDimensions truncates text-embedding-3 vectors when > 0.
	EmbeddingDimensions int
}

// Provider implements provider.Provider and provider.Embedder using the
// OpenAI Chat Completions and Embeddings APIs.
type Provider struct {
	client openaisdk.Client
	config Config
	health *provider.HealthTracker
}

// New creates a new OpenAI provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, pserr.New(pserr.CodeProviderRequestInvalid, "openai: missing api_key in config", pserr.FieldProvider("openai"))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client: openaisdk.NewClient(opts...),
		config: cfg,
		health: provider.NewDefaultHealthTracker(),
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func knownModels() []provider.ModelInfo {
	chat := func(vision bool, ctxTokens, maxOut int) provider.ModelCapabilities {
		return provider.ModelCapabilities{
			SupportsTools:     true,
			SupportsVision:    vision,
			SupportsPDF:       vision,
			SupportsStreaming: true,
			MaxContextTokens:  ctxTokens,
			MaxOutputTokens:   maxOut,
		}
	}
	embed := provider.ModelCapabilities{SupportsEmbeddings: true, MaxContextTokens: 8191}
	return []provider.ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", Capabilities: chat(true, 128000, 16384)},
		{ID: "gpt-4.1", Name: "GPT-4.1", Provider: "openai", Capabilities: chat(true, 1047576, 32768)},
		{ID: "gpt-4.1-mini", Name: "GPT-4.1 Mini", Provider: "openai", Capabilities: chat(true, 1047576, 32768)},
		{ID: "text-embedding-3-small", Name: "Text Embedding 3 Small", Provider: "openai", Capabilities: embed},
		{ID: "text-embedding-3-large", Name: "Text Embedding 3 Large", Provider: "openai", Capabilities: embed},
	}
}

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return knownModels(), nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, pserr.Wrapf(err, pserr.CodeProviderRequestInvalid, "openai: building request params")
	}

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()

	return eventCh, nil
}

// Embed returns one vector per input text, in input order.
func (p *Provider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openaisdk.EmbeddingNewParams{
		Model: openaisdk.EmbeddingModel(model),
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.config.EmbeddingDimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.config.EmbeddingDimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		p.health.Record(err)
		return nil, pserr.Wrapf(err, pserr.CodeProviderUpstreamFailure, "openai: creating embeddings")
	}
	if len(resp.Data) != len(texts) {
		p.health.RecordFailure()
		return nil, pserr.Errorf(pserr.CodeProviderResponseInvalid,
			"openai: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	p.health.RecordSuccess()

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = toFloat32(d.Embedding)
	}
	return out, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  "openai",
		Message:   "ok",
	}, nil
}

func (p *Provider) Close() error { return nil }

func buildParams(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages, req.SystemPrompt)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}

	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}

	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*req.Options.Temperature))
	}

	if len(req.Options.StopSequences) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Options.StopSequences,
		}
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

// convertMessages maps a conversation onto chat completion messages. The
// system prompt, when set, comes first.
func convertMessages(conv conversation.Conversation, systemPrompt string) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	var result []openaisdk.ChatCompletionMessageParamUnion

	if systemPrompt != "" {
		result = append(result, openaisdk.SystemMessage(systemPrompt))
	}

	for i, msg := range conv {
		switch msg.Role {
		case conversation.RoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Text()))

		case conversation.RoleHuman:
			parts, err := convertParts(msg.Parts)
			if err != nil {
				return nil, pserr.With(err, pserr.Field("message_index", i))
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, openaisdk.UserMessage(parts))

		case conversation.RoleAssistant:
			result = append(result, assistantMessage(msg))

		case conversation.RoleTool:
			if msg.ToolResult == nil {
				return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "openai: tool message %d has no result", i)
			}
			result = append(result, openaisdk.ToolMessage(msg.ToolResult.Content(), msg.ToolResult.ID))

		default:
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "openai: unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

func assistantMessage(msg conversation.Message) openaisdk.ChatCompletionMessageParamUnion {
	am := openaisdk.ChatCompletionAssistantMessageParam{}
	if text := msg.Text(); text != "" || len(msg.ToolRequests) == 0 {
		am.Content.OfString = param.NewOpt(text)
	}
	for _, tr := range msg.ToolRequests {
		args := string(tr.Arguments)
		if args == "" {
			args = "{}"
		}
		am.ToolCalls = append(am.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
			ID: tr.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      tr.Name,
				Arguments: args,
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &am}
}

// convertParts maps human parts onto content parts. Images go as image_url
// (inline data is re-encoded as a data URL); PDFs go as file parts.
func convertParts(parts []conversation.Part) ([]openaisdk.ChatCompletionContentPartUnionParam, error) {
	var out []openaisdk.ChatCompletionContentPartUnionParam
	for _, part := range parts {
		if part.Type == conversation.PartText {
			if part.Text != "" {
				out = append(out, openaisdk.TextContentPart(part.Text))
			}
			continue
		}

		mime, data, inline, err := part.Inline()
		if err != nil {
			return nil, err
		}

		switch {
		case inline && mime == "application/pdf":
			file := openaisdk.ChatCompletionContentPartFileFileParam{
				FileData: param.NewOpt("data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data)),
			}
			file.Filename = param.NewOpt(filename(part.Filename, "document.pdf"))
			out = append(out, openaisdk.FileContentPart(file))
		case inline && strings.HasPrefix(mime, "image/"):
			out = append(out, openaisdk.ImageContentPart(openaisdk.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
			}))
		case inline && strings.HasPrefix(mime, "text/"):
			out = append(out, openaisdk.TextContentPart(string(data)))
		case inline:
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "openai: unsupported attachment type %q", mime)
		case part.URL == "":
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "openai: %s part has neither data nor url", part.Type)
		default:
			out = append(out, openaisdk.ImageContentPart(openaisdk.ChatCompletionContentPartImageImageURLParam{URL: part.URL}))
		}
	}
	return out, nil
}

func filename(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func convertTools(tools []provider.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return result
}

type toolAccum struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolAccum) event() provider.ChatEvent {
	return provider.ChatEvent{
		Type:     provider.EventTypeToolCall,
		ToolCall: &provider.ToolCall{ID: a.id, Name: a.name, Arguments: a.args.String()},
	}
}

// flush emits accumulated calls in index order.
func flush(calls map[int64]*toolAccum, ch chan<- provider.ChatEvent) {
	idx := make([]int64, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx {
		ch <- calls[i].event()
		delete(calls, i)
	}
}

func (p *Provider) streamChat(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	toolCalls := make(map[int64]*toolAccum)

	for stream.Next() {
		chunk := stream.Current()

		for _, choice := range chunk.Choices {
			delta := choice.Delta

			if delta.Content != "" {
				ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				acc, ok := toolCalls[tc.Index]
				if !ok {
					acc = &toolAccum{}
					toolCalls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason == "tool_calls" {
				flush(toolCalls, ch)
			}
		}

		// Sent on the final chunk because of stream_options.include_usage.
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			ch <- provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:     int(chunk.Usage.PromptTokens),
					OutputTokens:    int(chunk.Usage.CompletionTokens),
					CacheReadTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
				},
			}
		}
	}

	if err := stream.Err(); err != nil {
		p.health.Record(err)
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()}
		return
	}

	flush(toolCalls, ch)
	p.health.RecordSuccess()
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}
