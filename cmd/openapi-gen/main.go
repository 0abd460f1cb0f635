// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Command openapi-gen writes the OpenAPI document of the partscout HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/server"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func main() {
	outPath := "api/openapi/partscout.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	spec, err := generateSpec(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec builds a server with every route registered and renders the
// document huma derives from the handler types. A .yaml or .yml outPath
// selects YAML output.
func generateSpec(outPath string) ([]byte, error) {
	svc, err := server.NewServices(server.ServicesConfig{
		Chat:          stubChat{},
		Conversations: stubConversations{},
		Policy:        stubPolicy{},
	})
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCLISetupFailure, "creating services")
	}
	defer svc.Close()

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, svc)
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCLISetupFailure, "creating server")
	}

	switch strings.ToLower(filepath.Ext(outPath)) {
	case ".yaml", ".yml":
		return srv.API().OpenAPI().YAML()
	default:
		return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
	}
}

// Handlers are never invoked during generation.

type stubChat struct{}

func (stubChat) Run(context.Context, agent.Turn) (*agent.TurnResult, error) { return nil, nil }
func (stubChat) Tools() []provider.ToolDefinition                           { return nil }

type stubConversations struct{}

func (stubConversations) Load(context.Context, string) (conversation.Conversation, error) {
	return nil, nil
}

func (stubConversations) Append(context.Context, string, ...conversation.Message) error { return nil }
func (stubConversations) Delete(context.Context, string) error                          { return nil }

type stubPolicy struct{}

func (stubPolicy) Allowed(string, string) bool { return false }
