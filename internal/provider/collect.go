// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/partscout/partscout/internal/conversation"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Response is a fully assembled model answer.
type Response struct {
	Message conversation.Message
	Usage   Usage
}

// Collect drains events into a single assistant message. onDelta, when set,
// receives every text delta as it arrives. An error event, a closed channel
// without a done event, or context cancellation fail the call.
func Collect(ctx context.Context, events <-chan ChatEvent, onDelta func(string)) (*Response, error) {
	var (
		text  strings.Builder
		resp  = &Response{Message: conversation.Message{Role: conversation.RoleAssistant}}
		done  bool
		calls []conversation.ToolRequest
	)

	for !done {
		select {
		case <-ctx.Done():
			return nil, pserr.Wrap(ctx.Err(), pserr.CodeProviderUpstreamFailure, "waiting for model response")
		case ev, ok := <-events:
			if !ok {
				return nil, pserr.New(pserr.CodeProviderResponseInvalid, "model stream closed before completion")
			}
			switch ev.Type {
			case EventTypeTextDelta:
				text.WriteString(ev.Text)
				if onDelta != nil && ev.Text != "" {
					onDelta(ev.Text)
				}
			case EventTypeToolCall:
				if ev.ToolCall == nil {
					continue
				}
				calls = append(calls, toolRequest(*ev.ToolCall))
			case EventTypeUsage:
				if ev.Usage != nil {
					resp.Usage.Add(*ev.Usage)
				}
			case EventTypeError:
				return nil, pserr.New(pserr.CodeProviderUpstreamFailure, "model stream error: "+ev.Error)
			case EventTypeDone:
				done = true
			}
		}
	}

	if text.Len() > 0 {
		resp.Message.Parts = []conversation.Part{conversation.TextPart(text.String())}
	}
	resp.Message.ToolRequests = calls
	return resp, nil
}

func toolRequest(tc ToolCall) conversation.ToolRequest {
	id := tc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	tr := conversation.ToolRequest{ID: id, Name: tc.Name, Arguments: json.RawMessage("{}")}
	switch args := strings.TrimSpace(tc.Arguments); {
	case args == "":
	case json.Valid([]byte(args)):
		tr.Arguments = json.RawMessage(args)
	default:
		// Truncated or garbled output, e.g. a stream cut at max_tokens.
		tr.RawArguments = args
	}
	return tr
}

// Complete routes modelRef, sends req and collects the answer.
func Complete(ctx context.Context, router Router, modelRef string, req ChatRequest) (*Response, error) {
	return Stream(ctx, router, modelRef, req, nil)
}

// Stream is Complete with text deltas forwarded to onDelta as they arrive.
func Stream(ctx context.Context, router Router, modelRef string, req ChatRequest, onDelta func(string)) (*Response, error) {
	p, model, err := router.Route(ctx, modelRef)
	if err != nil {
		return nil, err
	}
	req.Model = model

	events, err := p.Chat(ctx, req)
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeProviderUpstreamFailure, "starting chat", pserr.FieldProvider(p.Name()))
	}
	resp, err := Collect(ctx, events, onDelta)
	if err != nil {
		return nil, pserr.With(err, pserr.FieldProvider(p.Name()))
	}
	return resp, nil
}
