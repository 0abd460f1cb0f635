// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/partscout/partscout/internal/conversation"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Outcome is the result of one tool execution: a payload on success or a
// ToolError describing a locally recovered failure.
type Outcome struct {
	Payload map[string]any
	Err     *conversation.ToolError
}

// Success wraps payload as a successful Outcome.
func Success(payload map[string]any) Outcome {
	if payload == nil {
		payload = map[string]any{}
	}
	return Outcome{Payload: payload}
}

// Failure builds an error Outcome.
func Failure(kind conversation.ErrorKind, msg string) Outcome {
	return Outcome{Err: &conversation.ToolError{Kind: kind, Message: msg}}
}

// Failed reports whether the outcome carries an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// Result pairs the outcome with the request it answers.
func (o Outcome) Result(req conversation.ToolRequest) conversation.ToolResult {
	return conversation.ToolResult{ID: req.ID, Name: req.Name, Payload: o.Payload, Error: o.Err}
}

// Call is the input to Tool.Execute.
type Call struct {
	Arguments json.RawMessage
	// Conversation is a read-only snapshot taken at the start of the acting
	// step. Only set for tools that report NeedsConversation.
	Conversation conversation.Conversation
	SessionID    string
	Role         string
}

// Tool is a capability the model can request.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema object of the arguments.
	Schema() map[string]any
	NeedsConversation() bool
	// Validate checks raw arguments against Schema.
	Validate(args json.RawMessage) error
	Execute(ctx context.Context, call Call) Outcome
}

type typedTool[A any] struct {
	name        string
	description string
	schema      map[string]any
	validator   *gojsonschema.Schema
	withConv    bool
	run         func(ctx context.Context, conv conversation.Conversation, args A) Outcome
}

// NewTool builds a Tool whose arguments decode into A. The schema is
// reflected from A.
func NewTool[A any](name, description string, fn func(ctx context.Context, args A) Outcome) (Tool, error) {
	if fn == nil {
		return nil, pserr.New(pserr.CodeAgentToolRegistrationInvalid, "tool function is nil", pserr.FieldTool(name))
	}
	return newTypedTool(name, description, false, func(ctx context.Context, _ conversation.Conversation, args A) Outcome {
		return fn(ctx, args)
	})
}

// NewConversationTool is NewTool for tools that read the conversation.
func NewConversationTool[A any](name, description string, fn func(ctx context.Context, conv conversation.Conversation, args A) Outcome) (Tool, error) {
	if fn == nil {
		return nil, pserr.New(pserr.CodeAgentToolRegistrationInvalid, "tool function is nil", pserr.FieldTool(name))
	}
	return newTypedTool(name, description, true, fn)
}

func newTypedTool[A any](name, description string, withConv bool, fn func(context.Context, conversation.Conversation, A) Outcome) (*typedTool[A], error) {
	if strings.TrimSpace(name) == "" {
		return nil, pserr.New(pserr.CodeAgentToolRegistrationInvalid, "tool name must not be empty")
	}

	schema, err := ReflectSchema[A]()
	if err != nil {
		return nil, pserr.With(err, pserr.FieldTool(name))
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeAgentToolRegistrationInvalid, "compiling argument schema", pserr.FieldTool(name))
	}

	return &typedTool[A]{
		name:        name,
		description: description,
		schema:      schema,
		validator:   validator,
		withConv:    withConv,
		run:         fn,
	}, nil
}

// ReflectSchema returns the inline JSON schema of A as a plain map, without
// the $schema and $id keys that model APIs reject.
func ReflectSchema[A any]() (map[string]any, error) {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero A
	raw, err := json.Marshal(r.Reflect(zero))
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeAgentToolRegistrationInvalid, "marshaling argument schema")
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, pserr.Wrap(err, pserr.CodeAgentToolRegistrationInvalid, "decoding argument schema")
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}

func (t *typedTool[A]) Name() string            { return t.name }
func (t *typedTool[A]) Description() string     { return t.description }
func (t *typedTool[A]) NeedsConversation() bool { return t.withConv }

func (t *typedTool[A]) Schema() map[string]any {
	out := make(map[string]any, len(t.schema))
	for k, v := range t.schema {
		out[k] = v
	}
	return out
}

func (t *typedTool[A]) Validate(args json.RawMessage) error {
	res, err := t.validator.Validate(gojsonschema.NewBytesLoader(normalizeArgs(args)))
	if err != nil {
		return pserr.Wrap(err, pserr.CodeAgentToolArgumentsInvalid, "arguments are not valid JSON", pserr.FieldTool(t.name))
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	return pserr.New(pserr.CodeAgentToolArgumentsInvalid, strings.Join(problems, "; "), pserr.FieldTool(t.name))
}

func (t *typedTool[A]) Execute(ctx context.Context, call Call) Outcome {
	var args A
	if err := json.Unmarshal(normalizeArgs(call.Arguments), &args); err != nil {
		return Failure(conversation.KindInvalidArguments, "decoding arguments: "+err.Error())
	}
	return t.run(ctx, call.Conversation, args)
}

func normalizeArgs(raw json.RawMessage) []byte {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return []byte("{}")
	}
	return raw
}
