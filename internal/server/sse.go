// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// maxRequestBytes bounds chat bodies; attachments travel inline as base64.
const maxRequestBytes = 32 << 20

// SSEEvent represents a single server-sent event.
type SSEEvent struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// StreamHandler processes chat messages and sends SSE events to a channel.
// Implementations must close the channel when done.
type StreamHandler interface {
	HandleStream(ctx context.Context, req ChatRequest, events chan<- SSEEvent)
}

// RegisterStreamHandler replaces the handler used by the SSE endpoint.
func (s *Server) RegisterStreamHandler(h StreamHandler) {
	s.streamHandler = h
}

func (s *Server) registerSSERoute() {
	s.router.Post("/api/v1/chat/stream", s.handleChatStream)

	// The streaming handler needs the raw ResponseWriter, so the chi route
	// serves requests and the OpenAPI entry is added by hand.
	minItems := 1
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "chat-stream",
		Method:      http.MethodPost,
		Path:        "/api/v1/chat/stream",
		Summary:     "Stream an agent turn",
		Description: "Runs one agent turn. With Accept: text/event-stream the events " +
			"text_delta, tool_request, tool_result and then done or error are streamed; " +
			"otherwise the collected events are returned as a JSON array.",
		Tags: []string{"chat"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: chatRequestSchema(&minItems)},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Streaming response (SSE or JSON depending on Accept header)",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{Type: "string", Description: "Server-sent event stream"},
					},
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"events": {
									Type:        "array",
									Description: "Collected events",
									Items:       &huma.Schema{Type: "object"},
								},
							},
						},
					},
				},
			},
			"400": {Description: "Invalid request body"},
			"401": {Description: "Missing or invalid credentials"},
		},
	})
}

func chatRequestSchema(minItems *int) *huma.Schema {
	part := &huma.Schema{
		Type:     "object",
		Required: []string{"type"},
		Properties: map[string]*huma.Schema{
			"type":      {Type: "string", Enum: []any{"text", "image_url", "media", "file"}},
			"text":      {Type: "string"},
			"url":       {Type: "string", Description: "http(s) or data: URI"},
			"data":      {Type: "string", Description: "Base64 content"},
			"mime_type": {Type: "string"},
			"filename":  {Type: "string"},
			"user_type": {Type: "string", Description: "Caller role; ignored for authenticated requests"},
		},
	}
	message := &huma.Schema{
		Type:     "object",
		Required: []string{"role"},
		Properties: map[string]*huma.Schema{
			"role":  {Type: "string", Enum: []any{"system", "human", "assistant", "tool"}},
			"parts": {Type: "array", Items: part},
		},
	}
	return &huma.Schema{
		Type:     "object",
		Required: []string{"messages"},
		Properties: map[string]*huma.Schema{
			"session_id": {Type: "string", Description: "Session to continue; a new one is created when empty"},
			"messages":   {Type: "array", MinItems: minItems, Items: message},
		},
	}
}

func readChatRequest(r *http.Request) (ChatRequest, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return ChatRequest{}, pserr.Wrap(err, pserr.CodeServerRequestInvalid, "reading request body")
	}
	if len(data) > maxRequestBytes {
		return ChatRequest{}, pserr.New(pserr.CodeServerRequestInvalid, "request body too large")
	}
	return DecodeChatRequest(data)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := readChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, pserr.CodeServerRequestInvalid, err.Error())
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.writeSSE(w, r, req)
		return
	}
	s.writeJSON(w, r, req)
}

func (s *Server) writeSSE(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := make(chan SSEEvent, 16)
	go s.streamHandler.HandleStream(ctx, req, ch)

	for event := range ch {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data); err != nil {
			cancel()
			for range ch {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	ch := make(chan SSEEvent, 16)
	go s.streamHandler.HandleStream(r.Context(), req, ch)

	events := []jsonEvent{}
	for event := range ch {
		raw := json.RawMessage(event.Data)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(event.Data)
		}
		events = append(events, jsonEvent{Event: event.Event, Data: raw})
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Events []jsonEvent `json:"events"`
	}{Events: events}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("encoding chat events", "error", err)
	}
}

type jsonEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
