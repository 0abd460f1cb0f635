// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package tools_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/tools"
)

func pdfPart() conversation.Part {
	return conversation.Part{Type: conversation.PartMedia, Data: "JVBERi0xLjQ=", MimeType: "application/pdf", Filename: "ds.pdf"}
}

func runExtract(t *testing.T, tool agent.Tool, conv conversation.Conversation) agent.Outcome {
	t.Helper()
	require.True(t, tool.NeedsConversation())
	require.NoError(t, tool.Validate(nil))
	return tool.Execute(context.Background(), agent.Call{Conversation: conv})
}

func TestExtract_Success(t *testing.T) {
	model := &fakeModel{reply: "## Specs\nVoltage: 5V"}
	tool, err := tools.NewExtractTool(model, "google/gemini-2.5-flash", "")
	require.NoError(t, err)
	assert.Equal(t, tools.ExtractProductInfo, tool.Name())

	older := conversation.Part{Type: conversation.PartImageURL, URL: "https://example.com/old.png"}
	conv := conversation.Conversation{
		conversation.Human(conversation.Part{Type: conversation.PartText, Text: "see", UserType: "admin"}, older),
		conversation.AssistantText("ok"),
		conversation.Human(conversation.TextPart("and this one"), pdfPart()),
	}

	out := runExtract(t, tool, conv)
	require.False(t, out.Failed())
	assert.Equal(t, "## Specs\nVoltage: 5V\n\n", out.Payload["product_info"])

	req := model.lastRequest()
	assert.Equal(t, "Extract product technical information contained inside the datasheet. "+
		"Return the information in a verbose summary using markdown.", req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	parts := req.Messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "Please analyze this product datasheet and extract all relevant information.", parts[0].Text)
	assert.Equal(t, pdfPart(), parts[1], "most recent attachment wins")
	assert.Equal(t, []string{"google/gemini-2.5-flash"}, model.refs)
}

func TestExtract_NoAttachment(t *testing.T) {
	model := &fakeModel{reply: "unused"}
	tool, err := tools.NewExtractTool(model, "", "")
	require.NoError(t, err)

	out := runExtract(t, tool, conversation.Conversation{conversation.HumanText("no files here")})
	require.True(t, out.Failed())
	assert.Equal(t, conversation.KindNotFound, out.Err.Kind)
	assert.Equal(t, "No PDF or image file found in message history", out.Err.Message)
	assert.Empty(t, model.requests)
}

func TestExtract_ModelFailure(t *testing.T) {
	model := &fakeModel{err: errors.New("quota exhausted")}
	tool, err := tools.NewExtractTool(model, "", "")
	require.NoError(t, err)

	out := runExtract(t, tool, conversation.Conversation{conversation.Human(pdfPart())})
	require.True(t, out.Failed())
	assert.Equal(t, conversation.KindExecutionFailed, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "Error processing PDF: ")
	assert.Contains(t, out.Err.Message, "quota exhausted")
}

func TestExtract_PromptOverride(t *testing.T) {
	dir := t.TempDir()
	content := "---\ndescription: Summarize an uploaded datasheet.\nmodel: anthropic/claude-sonnet-4-5\n---\nList only electrical ratings."
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_product_info.md"), []byte(content), 0o600))

	model := &fakeModel{reply: "5V"}
	tool, err := tools.NewExtractTool(model, "google/gemini-2.5-flash", dir)
	require.NoError(t, err)
	assert.Equal(t, "Summarize an uploaded datasheet.", tool.Description())

	out := runExtract(t, tool, conversation.Conversation{conversation.Human(pdfPart())})
	require.False(t, out.Failed())
	assert.Equal(t, "List only electrical ratings.", model.lastRequest().SystemPrompt)
	assert.Equal(t, []string{"anthropic/claude-sonnet-4-5"}, model.refs)
}
