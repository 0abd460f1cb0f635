// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package anthropic_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/provider/anthropic"
	pserr "github.com/partscout/partscout/pkg/errors"
)

var (
	_ provider.Provider       = (*anthropic.Provider)(nil)
	_ provider.HealthReporter = (*anthropic.Provider)(nil)
)

func TestAnthropicProvider_Name(t *testing.T) {
	p := mustNewProvider(t)
	assert.Equal(t, "anthropic", p.Name())
}

func TestAnthropicProvider_ListModels(t *testing.T) {
	models, err := mustNewProvider(t).ListModels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, models)

	for _, m := range models {
		assert.Equal(t, "anthropic", m.Provider, "model %s", m.ID)
		assert.NotEmpty(t, m.Name, "model %s", m.ID)
		assert.True(t, m.Capabilities.SupportsTools)
		assert.True(t, m.Capabilities.SupportsPDF)
		assert.Greater(t, m.Capabilities.MaxOutputTokens, 0)
	}
}

func TestAnthropicProvider_MissingAPIKey(t *testing.T) {
	_, err := anthropic.New(anthropic.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, pserr.HasCode(err, pserr.CodeProviderRequestInvalid))
}

func TestAnthropicProvider_StatusAndHealth(t *testing.T) {
	p := mustNewProvider(t)
	status, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", status.Provider)
	assert.True(t, status.Available)
	assert.True(t, p.HealthMetrics().Available)
	assert.NoError(t, p.Close())
}

func TestConvertMessages_Multimodal(t *testing.T) {
	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4"))
	conv := conversation.Conversation{
		{Role: conversation.RoleSystem, Parts: []conversation.Part{conversation.TextPart("extra instructions")}},
		conversation.Human(
			conversation.TextPart("what is this?"),
			conversation.Part{Type: conversation.PartFile, Data: pdf, MimeType: "application/pdf", Filename: "sheet.pdf"},
			conversation.Part{Type: conversation.PartImageURL, URL: "https://example.com/part.png"},
		),
	}

	system, msgs, err := anthropic.ConvertMessages(conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra instructions"}, system)
	require.Len(t, msgs, 1)

	blocks := msgs[0].Content
	require.Len(t, blocks, 3)
	require.NotNil(t, blocks[0].OfText)
	assert.Equal(t, "what is this?", blocks[0].OfText.Text)
	require.NotNil(t, blocks[1].OfDocument)
	require.NotNil(t, blocks[1].OfDocument.Source.OfBase64)
	assert.Equal(t, pdf, blocks[1].OfDocument.Source.OfBase64.Data)
	require.NotNil(t, blocks[2].OfImage)
	require.NotNil(t, blocks[2].OfImage.Source.OfURL)
	assert.Equal(t, "https://example.com/part.png", blocks[2].OfImage.Source.OfURL.URL)
}

func TestConvertMessages_DataURLImage(t *testing.T) {
	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	_, msgs, err := anthropic.ConvertMessages(conversation.Conversation{
		conversation.Human(conversation.Part{Type: conversation.PartImageURL, URL: url}),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	img := msgs[0].Content[0].OfImage
	require.NotNil(t, img)
	require.NotNil(t, img.Source.OfBase64)
	assert.EqualValues(t, "image/png", img.Source.OfBase64.MediaType)
}

func TestConvertMessages_ToolRoundTrip(t *testing.T) {
	conv := conversation.Conversation{
		conversation.HumanText("find similar"),
		{
			Role: conversation.RoleAssistant,
			ToolRequests: []conversation.ToolRequest{
				{ID: "t1", Name: "extract_product_info", Arguments: json.RawMessage(`{}`)},
				{ID: "t2", Name: "find_similar_products", Arguments: json.RawMessage(`{"product_tech_info":"M3"}`)},
			},
		},
		conversation.ToolMessage(conversation.ToolResult{ID: "t1", Name: "extract_product_info", Payload: map[string]any{"product_info": "x"}}),
		conversation.ToolMessage(conversation.ToolResult{ID: "t2", Name: "find_similar_products", Error: &conversation.ToolError{Kind: conversation.KindNotFound, Message: "empty"}}),
	}

	_, msgs, err := anthropic.ConvertMessages(conv)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "consecutive tool results share one user message")

	uses := msgs[1].Content
	require.Len(t, uses, 2)
	require.NotNil(t, uses[1].OfToolUse)
	assert.Equal(t, "find_similar_products", uses[1].OfToolUse.Name)
	assert.Equal(t, map[string]any{"product_tech_info": "M3"}, uses[1].OfToolUse.Input)

	results := msgs[2].Content
	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].OfToolResult.ToolUseID)
	assert.Equal(t, "t2", results[1].OfToolResult.ToolUseID)
	assert.True(t, results[1].OfToolResult.IsError.Value)
}

func TestConvertMessages_Errors(t *testing.T) {
	tests := []struct {
		name string
		conv conversation.Conversation
	}{
		{"tool message without result", conversation.Conversation{{Role: conversation.RoleTool}}},
		{"unknown role", conversation.Conversation{{Role: "robot"}}},
		{"unsupported inline type", conversation.Conversation{conversation.Human(conversation.Part{
			Type: conversation.PartFile, Data: base64.StdEncoding.EncodeToString([]byte("x")), MimeType: "application/zip",
		})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := anthropic.ConvertMessages(tt.conv)
			require.Error(t, err)
			assert.True(t, pserr.IsInvalidInput(err))
		})
	}
}

func TestBuildParams(t *testing.T) {
	temp := float32(0.2)
	params, err := anthropic.BuildParams(provider.ChatRequest{
		Model:        "claude-sonnet-4-5",
		SystemPrompt: "You are a parts assistant.",
		Messages:     conversation.Conversation{conversation.HumanText("hi")},
		Tools: []provider.ToolDefinition{{
			Name:        "find_similar_products",
			Description: "search",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"product_tech_info": map[string]any{"type": "string"}},
				"required":   []any{"product_tech_info"},
			},
		}},
		Options: provider.ChatOptions{Temperature: &temp},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 4096, params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "You are a parts assistant.", params.System[0].Text)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, []string{"product_tech_info"}, params.Tools[0].OfTool.InputSchema.Required)
	assert.InDelta(t, 0.2, params.Temperature.Value, 1e-6)
}

func TestExtractSchema_StringRequired(t *testing.T) {
	s := anthropic.ExtractSchema(map[string]any{"required": []string{"a", "b"}})
	assert.Equal(t, []string{"a", "b"}, s.Required)
}

func mustNewProvider(t *testing.T) *anthropic.Provider {
	t.Helper()
	p, err := anthropic.New(anthropic.Config{APIKey: "test-key-not-real"})
	require.NoError(t, err)
	return p
}
