// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package conversation defines the message model shared by the agent loop,
// the provider adapters, the stores and the HTTP API.
package conversation

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleHuman, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartType is the kind of a content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
	PartMedia    PartType = "media"
	PartFile     PartType = "file"
)

// Part is one typed piece of message content.
//
// Attachments carry either a URL (http(s) or data: URI) or base64 Data with a
// MimeType. UserType is only meaningful on the first part of a human message.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	Data     string   `json:"data,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Filename string   `json:"filename,omitempty"`
	UserType string   `json:"user_type,omitempty"`
}

// IsAttachment reports whether the part carries a file or image.
func (p Part) IsAttachment() bool {
	return p.Type == PartImageURL || p.Type == PartMedia || p.Type == PartFile
}

// TextPart returns a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// DataURL returns the part as a URL. Inline data is rendered as a data: URI.
func (p Part) DataURL() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Data == "" {
		return ""
	}
	mime := p.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + p.Data
}

// Inline returns the decoded bytes and mime type of an attachment that is
// carried inline, either as Data or as a base64 data: URI. ok is false when
// the part references a remote URL instead.
func (p Part) Inline() (mime string, data []byte, ok bool, err error) {
	encoded, mime := p.Data, p.MimeType
	if encoded == "" {
		header, payload, found := strings.Cut(p.URL, ",")
		if !found || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
			return "", nil, false, nil
		}
		mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		encoded = payload
	}

	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, false, pserr.Wrap(err, pserr.CodeProviderRequestInvalid, "decoding inline attachment")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return mime, data, true, nil
}

// ToolRequest is a tool invocation proposed by the model.
//
// Arguments is always valid JSON. When the model produced argument text that
// does not parse, Arguments is {} and the text is kept in RawArguments so the
// dispatcher can reject the call.
type ToolRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	RawArguments string          `json:"raw_arguments,omitempty"`
}

// Malformed reports whether the model's argument text did not parse.
func (r ToolRequest) Malformed() bool {
	return r.RawArguments != ""
}

// ErrorKind classifies a tool failure recovered inside the loop.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNotFound         ErrorKind = "not_found"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindTimeout          ErrorKind = "timeout"
	KindBudgetExceeded   ErrorKind = "budget_exceeded"
)

// ToolError is the error payload of a failed tool call.
type ToolError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

func (e *ToolError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ToolResult is the outcome of one ToolRequest, correlated by ID.
type ToolResult struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   *ToolError     `json:"error,omitempty"`
}

// Content renders the result as the JSON text sent back to the model.
func (r ToolResult) Content() string {
	var v any = r.Payload
	if r.Error != nil {
		v = map[string]any{"error": r.Error.Message, "kind": r.Error.Kind}
	} else if r.Payload == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unserializable tool result"}`
	}
	return string(b)
}

// Message is one entry of a Conversation.
type Message struct {
	Role         Role          `json:"role"`
	Parts        []Part        `json:"parts,omitempty"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
	ToolResult   *ToolResult   `json:"tool_result,omitempty"`
}

// Human builds a human message from parts.
func Human(parts ...Part) Message {
	return Message{Role: RoleHuman, Parts: parts}
}

// HumanText builds a human message with a single text part.
func HumanText(text string) Message {
	return Human(TextPart(text))
}

// AssistantText builds an assistant message without tool requests.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}}
}

// ToolMessage wraps a result into a tool message.
func ToolMessage(result ToolResult) Message {
	return Message{Role: RoleTool, ToolResult: &result}
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Validate checks the structural invariants of a single message.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return pserr.Errorf(pserr.CodeAgentLoopInvalidInput, "unknown message role %q", m.Role)
	}
	if m.Role == RoleTool {
		if m.ToolResult == nil || m.ToolResult.ID == "" {
			return pserr.New(pserr.CodeAgentLoopInvalidInput, "tool message requires a tool result with an id")
		}
		return nil
	}
	if m.ToolResult != nil {
		return pserr.Errorf(pserr.CodeAgentLoopInvalidInput, "%s message cannot carry a tool result", m.Role)
	}
	if len(m.ToolRequests) > 0 && m.Role != RoleAssistant {
		return pserr.Errorf(pserr.CodeAgentLoopInvalidInput, "%s message cannot carry tool requests", m.Role)
	}
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
		case PartImageURL, PartMedia, PartFile:
			if p.URL == "" && p.Data == "" {
				return pserr.Errorf(pserr.CodeAgentLoopInvalidInput, "%s part requires url or data", p.Type)
			}
		default:
			return pserr.Errorf(pserr.CodeAgentLoopInvalidInput, "unknown part type %q", p.Type)
		}
	}
	return nil
}

// Conversation is an ordered, append-only sequence of messages.
type Conversation []Message

// Validate checks every message of c.
func (c Conversation) Validate() error {
	for i, m := range c {
		if err := m.Validate(); err != nil {
			return pserr.With(err, pserr.Field("index", i))
		}
	}
	return nil
}

// Clone returns a copy of c that can be appended to without aliasing.
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// LatestHuman returns the most recent human message.
func (c Conversation) LatestHuman() (Message, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Role == RoleHuman {
			return c[i], true
		}
	}
	return Message{}, false
}

// LastAttachment scans backwards for the most recent image or file part.
func (c Conversation) LastAttachment() (Part, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		parts := c[i].Parts
		for j := len(parts) - 1; j >= 0; j-- {
			if parts[j].IsAttachment() {
				return parts[j], true
			}
		}
	}
	return Part{}, false
}

// Last returns the final message of c.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}
