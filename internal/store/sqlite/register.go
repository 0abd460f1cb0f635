// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/partscout/partscout/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newStore)
}

var _ store.Store = (*Store)(nil)

// Store composes the state database (conversations and audit log) with the
// vector-backed chunk index.
type Store struct {
	state  *StateStore
	chunks *ChunkStore
}

func newStore(dataPath string, vectorDims int) (store.Store, error) {
	return Open(dataPath, vectorDims)
}

// Open creates dataPath if needed and opens state.db and chunks.db inside it.
func Open(dataPath string, vectorDims int) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	state, err := NewStateStore(filepath.Join(dataPath, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("creating state store: %w", err)
	}

	chunks, err := NewChunkStore(filepath.Join(dataPath, "chunks.db"), vectorDims)
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("creating chunk store: %w", err)
	}

	return &Store{state: state, chunks: chunks}, nil
}

func (s *Store) Conversations() store.ConversationStore { return s.state.Conversations() }
func (s *Store) Audit() store.AuditStore                { return s.state.Audit() }
func (s *Store) Chunks() store.ChunkStore               { return s.chunks }

func (s *Store) Close() error {
	return errors.Join(s.chunks.Close(), s.state.Close())
}
