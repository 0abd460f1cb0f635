// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/provider/openai"
	pserr "github.com/partscout/partscout/pkg/errors"
)

var (
	_ provider.Provider       = (*openai.Provider)(nil)
	_ provider.Embedder       = (*openai.Provider)(nil)
	_ provider.HealthReporter = (*openai.Provider)(nil)
)

func TestOpenAIProvider_Basics(t *testing.T) {
	p := mustNewProvider(t, "")
	assert.Equal(t, "openai", p.Name())
	assert.True(t, p.Available(context.Background()))

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	var chat, embed int
	for _, m := range models {
		assert.Equal(t, "openai", m.Provider)
		if m.Capabilities.SupportsEmbeddings {
			embed++
		} else {
			chat++
		}
	}
	assert.Positive(t, chat)
	assert.Positive(t, embed)
	assert.NoError(t, p.Close())
}

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.True(t, pserr.HasCode(err, pserr.CodeProviderRequestInvalid))
}

func TestConvertMessages(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	conv := conversation.Conversation{
		conversation.Human(
			conversation.TextPart("identify"),
			conversation.Part{Type: conversation.PartMedia, Data: png, MimeType: "image/png"},
			conversation.Part{Type: conversation.PartFile, Data: base64.StdEncoding.EncodeToString([]byte("%PDF")), MimeType: "application/pdf"},
		),
		{
			Role:         conversation.RoleAssistant,
			ToolRequests: []conversation.ToolRequest{{ID: "c1", Name: "extract_product_info"}},
		},
		conversation.ToolMessage(conversation.ToolResult{ID: "c1", Name: "extract_product_info", Payload: map[string]any{"product_info": "M3 bolt"}}),
	}

	msgs, err := openai.ConvertMessages(conv, "system prompt")
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	require.NotNil(t, msgs[0].OfSystem)

	parts := msgs[1].OfUser.Content.OfArrayOfContentParts
	require.Len(t, parts, 3)
	assert.Equal(t, "identify", parts[0].OfText.Text)
	assert.Equal(t, "data:image/png;base64,"+png, parts[1].OfImageURL.ImageURL.URL)
	assert.True(t, strings.HasPrefix(parts[2].OfFile.File.FileData.Value, "data:application/pdf;base64,"))
	assert.Equal(t, "document.pdf", parts[2].OfFile.File.Filename.Value)

	am := msgs[2].OfAssistant
	require.NotNil(t, am)
	require.Len(t, am.ToolCalls, 1)
	assert.Equal(t, "c1", am.ToolCalls[0].ID)
	assert.Equal(t, "{}", am.ToolCalls[0].Function.Arguments)

	tm := msgs[3].OfTool
	require.NotNil(t, tm)
	assert.Equal(t, "c1", tm.ToolCallID)
}

func TestConvertMessages_ToolWithoutResult(t *testing.T) {
	_, err := openai.ConvertMessages(conversation.Conversation{{Role: conversation.RoleTool}}, "")
	require.Error(t, err)
	assert.True(t, pserr.IsInvalidInput(err))
}

func TestBuildParams_Options(t *testing.T) {
	temp := float32(0)
	params, err := openai.BuildParams(provider.ChatRequest{
		Model:    "gpt-4o",
		Messages: conversation.Conversation{conversation.HumanText("hi")},
		Options:  provider.ChatOptions{Temperature: &temp, MaxTokens: 256, StopSequences: []string{"END"}},
	})
	require.NoError(t, err)
	assert.True(t, params.Temperature.Valid(), "explicit zero temperature is sent")
	assert.EqualValues(t, 256, params.MaxCompletionTokens.Value)
	assert.Equal(t, []string{"END"}, params.Stop.OfStringArray)
}

func TestOpenAIProvider_Embed(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose.
		_, _ = io.WriteString(w, `{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0.5,0.25]},
			{"object":"embedding","index":0,"embedding":[1,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	p, err := openai.New(openai.Config{APIKey: "k", BaseURL: srv.URL, EmbeddingDimensions: 2})
	require.NoError(t, err)

	vecs, err := p.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0.5, 0.25}}, vecs)
	assert.EqualValues(t, 2, gotBody["dimensions"])
	assert.Equal(t, []any{"a", "b"}, gotBody["input"])
}

func TestOpenAIProvider_EmbedFailureMarksUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL)
	_, err := p.Embed(context.Background(), "nope", []string{"a"})
	require.Error(t, err)
	assert.True(t, pserr.IsUpstreamFailure(err))
	assert.False(t, p.Available(context.Background()))
}

func TestOpenAIProvider_ChatStream(t *testing.T) {
	chunks := []string{
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Checking "}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"find_similar_products","arguments":"{\"product_"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"tech_info\":\"M3\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL)
	events, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:    "gpt-4o",
		Messages: conversation.Conversation{conversation.HumanText("similar to M3?")},
	})
	require.NoError(t, err)

	resp, err := provider.Collect(context.Background(), events, nil)
	require.NoError(t, err)
	assert.Equal(t, "Checking ", resp.Message.Text())
	require.Len(t, resp.Message.ToolRequests, 1)
	assert.Equal(t, "call_1", resp.Message.ToolRequests[0].ID)
	assert.JSONEq(t, `{"product_tech_info":"M3"}`, string(resp.Message.ToolRequests[0].Arguments))
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
}

func mustNewProvider(t *testing.T, baseURL string) *openai.Provider {
	t.Helper()
	p, err := openai.New(openai.Config{APIKey: "test-key-not-real", BaseURL: baseURL})
	require.NoError(t, err)
	return p
}
