// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package tools

import (
	"context"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
)

const (
	extractDescription = "Extract product information from an image file or PDF file that was " +
		"previously uploaded in the message history. Use this tool if there is a multimedia input from the user."
	extractSystemPrompt = "Extract product technical information contained inside the datasheet. " +
		"Return the information in a verbose summary using markdown."
	extractInstruction = "Please analyze this product datasheet and extract all relevant information."
	noAttachmentMsg    = "No PDF or image file found in message history"
)

type extractArgs struct{}

type extractor struct {
	router provider.Router
	prompt agent.Prompt
}

// NewExtractTool returns the extract_product_info tool. It reads the most
// recent attachment from the conversation and asks the vision model for a
// technical summary.
func NewExtractTool(router provider.Router, model, promptsDir string) (agent.Tool, error) {
	prompt, err := agent.LoadPrompt(promptsDir, ExtractProductInfo, agent.Prompt{
		Name:        ExtractProductInfo,
		Description: extractDescription,
		Model:       model,
		Body:        extractSystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	e := &extractor{router: router, prompt: prompt}
	return agent.NewConversationTool(ExtractProductInfo, prompt.Description, e.run)
}

func (e *extractor) run(ctx context.Context, conv conversation.Conversation, _ extractArgs) agent.Outcome {
	part, ok := conv.LastAttachment()
	if !ok {
		return agent.Failure(conversation.KindNotFound, noAttachmentMsg)
	}
	part.UserType = ""

	resp, err := provider.Complete(ctx, e.router, e.prompt.Model, provider.ChatRequest{
		Messages: conversation.Conversation{
			conversation.Human(conversation.TextPart(extractInstruction), part),
		},
		SystemPrompt: e.prompt.Body,
		Options:      e.prompt.Options(),
	})
	if err != nil {
		return agent.Failure(conversation.KindExecutionFailed, "Error processing PDF: "+err.Error())
	}
	return agent.Success(map[string]any{"product_info": resp.Message.Text() + "\n\n"})
}
