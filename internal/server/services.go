// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package server

import (
	"context"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// ChatRunner drives one agent turn. *agent.Loop satisfies it.
type ChatRunner interface {
	Run(ctx context.Context, turn agent.Turn) (*agent.TurnResult, error)
	Tools() []provider.ToolDefinition
}

// ToolPolicy reports whether a role may call a tool. *security.PermissionTable
// satisfies it.
type ToolPolicy interface {
	Allowed(role, tool string) bool
}

// ServicesConfig lists the dependencies of the route handlers.
type ServicesConfig struct {
	Chat          ChatRunner
	Conversations store.ConversationStore
	Policy        ToolPolicy
	// Auth is optional; nil disables basic auth.
	Auth Authenticator
}

// Services holds dependencies injected into route handlers. Turns of one
// session run one at a time on that session's lane.
type Services struct {
	chat          ChatRunner
	conversations store.ConversationStore
	policy        ToolPolicy
	auth          Authenticator
	lanes         *agent.LanePool
}

// NewServices creates a Services instance. Chat, Conversations and Policy
// are required.
func NewServices(cfg ServicesConfig) (*Services, error) {
	if cfg.Chat == nil {
		return nil, pserr.New(pserr.CodeServerConfigInvalid, "chat runner is required")
	}
	if cfg.Conversations == nil {
		return nil, pserr.New(pserr.CodeServerConfigInvalid, "conversation store is required")
	}
	if cfg.Policy == nil {
		return nil, pserr.New(pserr.CodeServerConfigInvalid, "tool policy is required")
	}
	return &Services{
		chat:          cfg.Chat,
		conversations: cfg.Conversations,
		policy:        cfg.Policy,
		auth:          cfg.Auth,
		lanes:         agent.NewLanePool(),
	}, nil
}

// Close stops every session lane. Queued turns finish first.
func (s *Services) Close() {
	s.lanes.Close()
}
