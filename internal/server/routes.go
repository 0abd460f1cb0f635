// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/chat",
		Summary:     "Run an agent turn and return the final answer",
		Tags:        []string{"chat"},
	}, s.handleSendMessage)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/api/v1/tools",
		Summary:     "List tools and whether the caller may use them",
		Tags:        []string{"tools"},
	}, s.handleListTools)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get a stored conversation",
		Tags:        []string{"sessions"},
	}, s.handleGetSession)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/api/v1/sessions/{id}",
		Summary:       "Delete a stored conversation",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteSession)
}

// --- Request/Response types for huma ---

type sendMessageInput struct {
	RawBody []byte `contentType:"application/json"`
}
type sendMessageOutput struct {
	Body doneEvent
}

type listToolsInput struct {
	Role string `query:"role" doc:"Role to report for unauthenticated callers; default when empty"`
}

// ToolInfo describes one tool as seen by a role.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Allowed     bool           `json:"allowed" doc:"Whether the caller's role may call the tool"`
}

type listToolsOutput struct {
	Body struct {
		Role  string     `json:"role"`
		Tools []ToolInfo `json:"tools"`
	}
}

type sessionInput struct {
	ID string `path:"id"`
}
type getSessionOutput struct {
	Body struct {
		SessionID string                 `json:"session_id"`
		Messages  []conversation.Message `json:"messages"`
	}
}

// --- Handlers ---

func (s *Server) handleSendMessage(ctx context.Context, input *sendMessageInput) (*sendMessageOutput, error) {
	req, err := DecodeChatRequest(input.RawBody)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	res, err := s.services.RunTurn(ctx, req, nil)
	if err != nil {
		return nil, s.apiError(err, "chat turn failed")
	}
	return &sendMessageOutput{Body: newDoneEvent(res)}, nil
}

func (s *Server) handleListTools(ctx context.Context, input *listToolsInput) (*listToolsOutput, error) {
	role := agent.NormalizeRole(input.Role)
	if u, ok := UserFromContext(ctx); ok {
		role = agent.NormalizeRole(u.Role)
	}

	out := &listToolsOutput{}
	out.Body.Role = role
	out.Body.Tools = []ToolInfo{}
	for _, def := range s.services.chat.Tools() {
		out.Body.Tools = append(out.Body.Tools, ToolInfo{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema,
			Allowed:     s.services.policy.Allowed(role, def.Name),
		})
	}
	return out, nil
}

func (s *Server) handleGetSession(ctx context.Context, input *sessionInput) (*getSessionOutput, error) {
	conv, err := s.services.conversations.Load(ctx, input.ID)
	if err != nil {
		return nil, s.apiError(err, "loading session")
	}
	out := &getSessionOutput{}
	out.Body.SessionID = input.ID
	out.Body.Messages = conv
	return out, nil
}

func (s *Server) handleDeleteSession(ctx context.Context, input *sessionInput) (*struct{}, error) {
	s.services.lanes.Forget(input.ID)
	if err := s.services.conversations.Delete(ctx, input.ID); err != nil {
		return nil, s.apiError(err, "deleting session")
	}
	return &struct{}{}, nil
}

// apiError maps a coded error to a huma status error. Internal failures are
// logged and hidden from the client.
func (s *Server) apiError(err error, msg string) error {
	status := pserr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		s.log.Error(msg, "error", err, "code", pserr.CodeOf(err))
		return huma.NewError(status, msg)
	}
	return huma.NewError(status, err.Error())
}
