// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package store

import (
	"context"

	"github.com/partscout/partscout/internal/conversation"
)

// Store bundles every persistent store the service needs.
type Store interface {
	Conversations() ConversationStore
	Chunks() ChunkStore
	Audit() AuditStore
	Close() error
}

// ConversationStore persists session conversations so a client may send only
// the new human message of a turn.
type ConversationStore interface {
	// Load returns the stored conversation. Unknown sessions are not found.
	Load(ctx context.Context, sessionID string) (conversation.Conversation, error)
	// Append adds messages to the end of the session, creating it if needed.
	Append(ctx context.Context, sessionID string, msgs ...conversation.Message) error
	Delete(ctx context.Context, sessionID string) error
}

// ChunkStore is the datasheet chunk index used for similarity search.
type ChunkStore interface {
	Upsert(ctx context.Context, chunk Chunk, embedding []float32) error
	Search(ctx context.Context, query []float32, k int) ([]ChunkResult, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, ids []string) error
}

// AuditStore manages the audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
