// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"

	"google.golang.org/genai"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Config holds Google provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
	// EmbeddingDimensions sets outputDimensionality when > 0.
	EmbeddingDimensions int
}

// Provider implements provider.Provider and provider.Embedder using the
// Google Gemini API.
type Provider struct {
	client *genai.Client
	config Config
	health *provider.HealthTracker
}

// New creates a new Google provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, pserr.New(pserr.CodeProviderRequestInvalid, "google: missing api_key in config", pserr.FieldProvider("google"))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, pserr.Wrapf(err, pserr.CodeProviderUpstreamFailure, "google: creating client")
	}

	return &Provider{
		client: client,
		config: cfg,
		health: provider.NewDefaultHealthTracker(),
	}, nil
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func knownModels() []provider.ModelInfo {
	chat := func(maxOut int) provider.ModelCapabilities {
		return provider.ModelCapabilities{
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsPDF:       true,
			SupportsStreaming: true,
			MaxContextTokens:  1000000,
			MaxOutputTokens:   maxOut,
		}
	}
	return []provider.ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "google", Capabilities: chat(65536)},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "google", Capabilities: chat(65536)},
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: "google", Capabilities: chat(8192)},
		{
			ID:           "gemini-embedding-001",
			Name:         "Gemini Embedding",
			Provider:     "google",
			Capabilities: provider.ModelCapabilities{SupportsEmbeddings: true, MaxContextTokens: 2048},
		},
	}
}

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return knownModels(), nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, pserr.Wrapf(err, pserr.CodeProviderRequestInvalid, "google: converting messages")
	}

	config := buildConfig(req)

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, req.Model, contents, config, eventCh)
	}()

	return eventCh, nil
}

// Embed returns one vector per input text, in input order.
func (p *Provider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if p.config.EmbeddingDimensions > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(p.config.EmbeddingDimensions))
	}

	resp, err := p.client.Models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		p.health.Record(err)
		return nil, pserr.Wrapf(err, pserr.CodeProviderUpstreamFailure, "google: embedding content")
	}
	if len(resp.Embeddings) != len(texts) {
		p.health.RecordFailure()
		return nil, pserr.Errorf(pserr.CodeProviderResponseInvalid,
			"google: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	p.health.RecordSuccess()

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e != nil {
			out[i] = e.Values
		}
	}
	return out, nil
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  "google",
		Message:   "ok",
	}, nil
}

func (p *Provider) Close() error { return nil }

func buildConfig(req provider.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Options.Temperature)
	}

	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}

	if len(req.Options.StopSequences) > 0 {
		cfg.StopSequences = req.Options.StopSequences
	}

	system := systemText(req)
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}

	return cfg
}

// systemText joins the request prompt with any system turns in the
// conversation; Gemini only accepts a single system instruction.
func systemText(req provider.ChatRequest) string {
	var parts []string
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	for _, m := range req.Messages {
		if m.Role == conversation.RoleSystem {
			if t := m.Text(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertMessages maps a conversation onto genai contents. System turns are
// carried by SystemInstruction and skipped here.
func convertMessages(conv conversation.Conversation) ([]*genai.Content, error) {
	var result []*genai.Content

	for i, msg := range conv {
		switch msg.Role {
		case conversation.RoleSystem:
			continue

		case conversation.RoleHuman:
			parts, err := convertParts(msg.Parts)
			if err != nil {
				return nil, pserr.With(err, pserr.Field("message_index", i))
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, genai.NewContentFromParts(parts, genai.RoleUser))

		case conversation.RoleAssistant:
			var parts []*genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, tr := range msg.ToolRequests {
				part := genai.NewPartFromFunctionCall(tr.Name, toolArgs(tr.Arguments))
				part.FunctionCall.ID = tr.ID
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, genai.NewContentFromParts(parts, genai.RoleModel))

		case conversation.RoleTool:
			if msg.ToolResult == nil {
				return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "google: tool message %d has no result", i)
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolResult.Name, functionResponse(msg.ToolResult))
			part.FunctionResponse.ID = msg.ToolResult.ID
			// Parallel calls answer in a single user turn.
			if n := len(result); n > 0 && isFunctionResponseTurn(result[n-1]) {
				result[n-1].Parts = append(result[n-1].Parts, part)
				continue
			}
			result = append(result, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))

		default:
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "google: unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != genai.RoleUser || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

func functionResponse(r *conversation.ToolResult) map[string]any {
	if r.Error != nil {
		return map[string]any{"error": r.Error.Message, "kind": string(r.Error.Kind)}
	}
	return map[string]any{"output": r.Payload}
}

func toolArgs(raw json.RawMessage) map[string]any {
	var v map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || v == nil {
		return map[string]any{}
	}
	return v
}

func convertParts(parts []conversation.Part) ([]*genai.Part, error) {
	var out []*genai.Part
	for _, part := range parts {
		if part.Type == conversation.PartText {
			if part.Text != "" {
				out = append(out, genai.NewPartFromText(part.Text))
			}
			continue
		}

		mimeType, data, inline, err := part.Inline()
		if err != nil {
			return nil, err
		}
		switch {
		case inline:
			out = append(out, genai.NewPartFromBytes(data, mimeType))
		case part.URL == "":
			return nil, pserr.Errorf(pserr.CodeProviderRequestInvalid, "google: %s part has neither data nor url", part.Type)
		default:
			out = append(out, genai.NewPartFromURI(part.URL, uriMIMEType(part)))
		}
	}
	return out, nil
}

func uriMIMEType(part conversation.Part) string {
	if part.MimeType != "" {
		return part.MimeType
	}
	name := part.Filename
	if name == "" {
		name = part.URL
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	if part.Type == conversation.PartImageURL {
		return "image/jpeg"
	}
	return "application/octet-stream"
}

func convertTools(tools []provider.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (p *Provider) streamChat(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	ch chan<- provider.ChatEvent,
) {
	var usage *genai.GenerateContentResponseUsageMetadata

	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			p.health.Record(err)
			ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()}
			return
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" && !part.Thought {
					ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: part.Text}
				}
				if part.FunctionCall == nil {
					continue
				}
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					p.health.RecordFailure()
					preview := fmt.Sprintf("%v", part.FunctionCall.Args)
					if len(preview) > 200 {
						preview = preview[:200] + "..."
					}
					slog.Error("failed to marshal tool call arguments",
						"function", part.FunctionCall.Name,
						"args_preview", preview,
						"error", err,
					)
					ch <- provider.ChatEvent{
						Type:  provider.EventTypeError,
						Error: fmt.Sprintf("google: marshaling tool call arguments for %q: %v", part.FunctionCall.Name, err),
					}
					return
				}
				ch <- provider.ChatEvent{
					Type: provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				}
			}
		}

		// Usage metadata is cumulative across chunks; keep the latest.
		if result.UsageMetadata != nil {
			usage = result.UsageMetadata
		}
	}

	if usage != nil {
		ch <- provider.ChatEvent{
			Type: provider.EventTypeUsage,
			Usage: &provider.Usage{
				InputTokens:     int(usage.PromptTokenCount),
				OutputTokens:    int(usage.CandidatesTokenCount),
				CacheReadTokens: int(usage.CachedContentTokenCount),
			},
		}
	}

	p.health.RecordSuccess()
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}
