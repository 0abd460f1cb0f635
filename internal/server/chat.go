// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// ChatRequest is the body of both chat endpoints. Messages are appended to
// the stored conversation of SessionID; the last one must be a human message.
type ChatRequest struct {
	SessionID string                 `json:"session_id,omitempty"`
	Messages  []conversation.Message `json:"messages"`
}

// DecodeChatRequest parses and checks a chat request body.
func DecodeChatRequest(data []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, pserr.Wrap(err, pserr.CodeServerRequestInvalid, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return req, pserr.New(pserr.CodeServerRequestInvalid, "messages must not be empty")
	}
	if err := conversation.Conversation(req.Messages).Validate(); err != nil {
		return req, pserr.Wrap(err, pserr.CodeServerRequestInvalid, "invalid message")
	}
	if req.Messages[len(req.Messages)-1].Role != conversation.RoleHuman {
		return req, pserr.New(pserr.CodeServerRequestInvalid, "last message must be a human message")
	}
	return req, nil
}

// RunTurn continues the session of req with its new messages and stores the
// turn's messages once it completes. An authenticated user's stored role
// replaces any user_type carried by the messages.
func (s *Services) RunTurn(ctx context.Context, req ChatRequest, sink agent.Sink) (*agent.TurnResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	turn := agent.Turn{SessionID: sessionID, Sink: sink}
	if u, ok := UserFromContext(ctx); ok {
		turn.Role = agent.NormalizeRole(u.Role)
		turn.Actor = u.Username
	}

	var result *agent.TurnResult
	err := s.lanes.Do(ctx, sessionID, func(ctx context.Context) error {
		prior, err := s.conversations.Load(ctx, sessionID)
		if err != nil && !pserr.IsNotFound(err) {
			return err
		}

		turn.Conversation = append(prior.Clone(), req.Messages...)
		res, err := s.chat.Run(ctx, turn)
		if err != nil {
			return err
		}
		if err := s.conversations.Append(ctx, sessionID, res.Conversation[len(prior):]...); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, pserr.With(err, pserr.FieldSessionID(sessionID))
	}
	return result, nil
}

type doneEvent struct {
	SessionID  string               `json:"session_id"`
	Role       string               `json:"role"`
	Message    conversation.Message `json:"message"`
	Content    string               `json:"content"`
	Iterations int                  `json:"iterations"`
	ToolCalls  int                  `json:"tool_calls"`
	Usage      provider.Usage       `json:"usage"`
}

func newDoneEvent(res *agent.TurnResult) doneEvent {
	return doneEvent{
		SessionID:  res.SessionID,
		Role:       res.Role,
		Message:    res.Final,
		Content:    res.Final.Text(),
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
		Usage:      res.Usage,
	}
}

// HandleStream runs a turn and forwards loop events to events, then a final
// done or error event. It closes events when finished.
func (s *Services) HandleStream(ctx context.Context, req ChatRequest, events chan<- SSEEvent) {
	defer close(events)

	send := func(name string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(errorBody{Code: string(pserr.CodeServerInternalFailure), Message: err.Error()})
			name = "error"
		}
		select {
		case events <- SSEEvent{Event: name, Data: string(data)}:
		case <-ctx.Done():
		}
	}

	res, err := s.RunTurn(ctx, req, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventTextDelta:
			send(string(ev.Type), map[string]string{"text": ev.Text})
		case agent.EventToolRequest:
			send(string(ev.Type), ev.ToolRequest)
		case agent.EventToolResult:
			send(string(ev.Type), ev.ToolResult)
		}
	})
	if err != nil {
		sessionID, _ := pserr.FieldsOf(err)["session_id"].(string)
		send("error", errorBody{Code: string(pserr.CodeOf(err)), Message: err.Error(), SessionID: sessionID})
		return
	}
	send("done", newDoneEvent(res))
}
