// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	pserr "github.com/partscout/partscout/pkg/errors"
)

const defaultMaxTokens = 4096

// Config holds Anthropic provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Provider implements provider.Provider using the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	config Config
	health *provider.HealthTracker
}

// New creates a new Anthropic provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, pserr.New(pserr.CodeProviderRequestInvalid, "anthropic: missing api_key in config", pserr.FieldProvider("anthropic"))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client: anthropicsdk.NewClient(opts...),
		config: cfg,
		health: provider.NewDefaultHealthTracker(),
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func knownModels() []provider.ModelInfo {
	caps := func(maxOut int) provider.ModelCapabilities {
		return provider.ModelCapabilities{
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsPDF:       true,
			SupportsStreaming: true,
			MaxContextTokens:  200000,
			MaxOutputTokens:   maxOut,
		}
	}
	return []provider.ModelInfo{
		{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", Provider: "anthropic", Capabilities: caps(32000)},
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: "anthropic", Capabilities: caps(64000)},
		{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", Provider: "anthropic", Capabilities: caps(64000)},
	}
}

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return knownModels(), nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, pserr.Wrapf(err, pserr.CodeProviderRequestInvalid, "anthropic: building request params")
	}

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()

	return eventCh, nil
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  "anthropic",
		Message:   "ok",
	}, nil
}

func (p *Provider) Close() error { return nil }

func buildParams(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	system, msgs, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}

	if req.SystemPrompt != "" {
		params.System = append(params.System, anthropicsdk.TextBlockParam{Text: req.SystemPrompt})
	}
	for _, s := range system {
		params.System = append(params.System, anthropicsdk.TextBlockParam{Text: s})
	}

	if req.Options.Temperature != nil {
		params.Temperature = anthropicsdk.Float(float64(*req.Options.Temperature))
	}

	if len(req.Options.StopSequences) > 0 {
		params.StopSequences = req.Options.StopSequences
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

// convertMessages splits system text out of the conversation and maps the
// remaining turns onto Anthropic message params. Consecutive tool results
// share a single user message, which the Messages API requires.
func convertMessages(conv conversation.Conversation) ([]string, []anthropicsdk.MessageParam, error) {
	var (
		system []string
		result []anthropicsdk.MessageParam
	)

	for i, msg := range conv {
		switch msg.Role {
		case conversation.RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}

		case conversation.RoleHuman:
			blocks, err := convertParts(msg.Parts)
			if err != nil {
				return nil, nil, pserr.With(err, pserr.Field("message_index", i))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropicsdk.NewUserMessage(blocks...))

		case conversation.RoleAssistant:
			var blocks []anthropicsdk.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(text))
			}
			for _, tr := range msg.ToolRequests {
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(tr.ID, toolInput(tr.Arguments), tr.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropicsdk.NewAssistantMessage(blocks...))

		case conversation.RoleTool:
			if msg.ToolResult == nil {
				return nil, nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "anthropic: tool message %d has no result", i)
			}
			block := anthropicsdk.NewToolResultBlock(msg.ToolResult.ID, msg.ToolResult.Content(), msg.ToolResult.Error != nil)
			if n := len(result); n > 0 && isToolResultMessage(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropicsdk.NewUserMessage(block))

		default:
			return nil, nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "anthropic: unsupported message role %q", msg.Role)
		}
	}

	return system, result, nil
}

func isToolResultMessage(m anthropicsdk.MessageParam) bool {
	if m.Role != anthropicsdk.MessageParamRoleUser || len(m.Content) == 0 {
		return false
	}
	for _, c := range m.Content {
		if c.OfToolResult == nil {
			return false
		}
	}
	return true
}

// convertParts maps human message parts onto content blocks. PDFs become
// document blocks, images become image blocks, and anything else that
// carries inline data is sent as a plain-text document when it decodes as
// text.
func convertParts(parts []conversation.Part) ([]anthropicsdk.ContentBlockParamUnion, error) {
	var blocks []anthropicsdk.ContentBlockParamUnion
	for _, part := range parts {
		if part.Type == conversation.PartText {
			if part.Text != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(part.Text))
			}
			continue
		}

		mime, data, inline, err := part.Inline()
		if err != nil {
			return nil, err
		}

		switch {
		case inline && mime == "application/pdf":
			blocks = append(blocks, documentBlock(anthropicsdk.Base64PDFSourceParam{
				Data: base64.StdEncoding.EncodeToString(data),
			}, part.Filename))
		case inline && strings.HasPrefix(mime, "image/"):
			blocks = append(blocks, anthropicsdk.NewImageBlockBase64(mime, base64.StdEncoding.EncodeToString(data)))
		case inline && strings.HasPrefix(mime, "text/"):
			blocks = append(blocks, documentBlock(anthropicsdk.PlainTextSourceParam{Data: string(data)}, part.Filename))
		case inline:
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "anthropic: unsupported attachment type %q", mime)
		case part.URL == "":
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "anthropic: %s part has neither data nor url", part.Type)
		case isPDF(part):
			blocks = append(blocks, documentBlock(anthropicsdk.URLPDFSourceParam{URL: part.URL}, part.Filename))
		default:
			blocks = append(blocks, anthropicsdk.NewImageBlock(anthropicsdk.URLImageSourceParam{URL: part.URL}))
		}
	}
	return blocks, nil
}

func documentBlock[T anthropicsdk.Base64PDFSourceParam | anthropicsdk.PlainTextSourceParam | anthropicsdk.URLPDFSourceParam](source T, title string) anthropicsdk.ContentBlockParamUnion {
	block := anthropicsdk.NewDocumentBlock(source)
	if title != "" {
		block.OfDocument.Title = anthropicsdk.String(title)
	}
	return block
}

func isPDF(part conversation.Part) bool {
	return part.MimeType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(part.Filename), ".pdf") ||
		strings.HasSuffix(strings.ToLower(part.URL), ".pdf")
}

// toolInput decodes stored arguments so the SDK re-encodes them as an
// object rather than a JSON string.
func toolInput(raw json.RawMessage) any {
	var v map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || v == nil {
		return map[string]any{}
	}
	return v
}

func convertTools(tools []provider.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.Opt(t.Description),
				InputSchema: extractSchema(t.InputSchema),
			},
		})
	}
	return result
}

// extractSchema maps a full JSON Schema object onto ToolInputSchemaParam,
// which carries properties and required as separate fields.
func extractSchema(raw map[string]any) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	if props, ok := raw["properties"]; ok {
		schema.Properties = props
	}
	switch req := raw["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		strs := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				strs = append(strs, s)
			}
		}
		schema.Required = strs
	}
	return schema
}

func (p *Provider) streamChat(ctx context.Context, params anthropicsdk.MessageNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	type toolAccum struct {
		id          string
		name        string
		partialJSON strings.Builder
	}
	toolBlocks := make(map[int64]*toolAccum)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			cb := event.ContentBlock
			if cb.Type == "tool_use" {
				toolBlocks[event.Index] = &toolAccum{id: cb.ID, name: cb.Name}
			}

		case "content_block_delta":
			delta := event.Delta
			switch delta.Type {
			case "text_delta":
				ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: delta.Text}
			case "input_json_delta":
				if acc, ok := toolBlocks[event.Index]; ok {
					acc.partialJSON.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if acc, ok := toolBlocks[event.Index]; ok {
				ch <- provider.ChatEvent{
					Type: provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{
						ID:        acc.id,
						Name:      acc.name,
						Arguments: acc.partialJSON.String(),
					},
				}
				delete(toolBlocks, event.Index)
			}

		case "message_start":
			u := event.Message.Usage
			if u.InputTokens > 0 || u.OutputTokens > 0 {
				ch <- provider.ChatEvent{
					Type: provider.EventTypeUsage,
					Usage: &provider.Usage{
						InputTokens:      int(u.InputTokens),
						CacheReadTokens:  int(u.CacheReadInputTokens),
						CacheWriteTokens: int(u.CacheCreationInputTokens),
					},
				}
			}

		case "message_delta":
			// Only output tokens are cumulative here; input was reported on message_start.
			ch <- provider.ChatEvent{
				Type:  provider.EventTypeUsage,
				Usage: &provider.Usage{OutputTokens: int(event.Usage.OutputTokens)},
			}

		case "message_stop":
			p.health.RecordSuccess()
			ch <- provider.ChatEvent{Type: provider.EventTypeDone}
			return
		}
	}

	if err := stream.Err(); err != nil {
		p.health.Record(err)
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()}
		return
	}

	p.health.RecordSuccess()
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}
