// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package store

// DefaultChunkDimensions is the width of the chunk index when none is given.
// It matches google/text-embedding-004, the default embedding model.
const DefaultChunkDimensions = 768

// StorageConfig selects the backend that holds conversations, the audit log
// and the datasheet chunk index.
type StorageConfig struct {
	// Backend names a registered backend. Empty means sqlite.
	Backend string
	// VectorDimensions must equal the output width of models.embedding.
	VectorDimensions int
}

func (c *StorageConfig) backend() string {
	if c == nil || c.Backend == "" {
		return "sqlite"
	}
	return c.Backend
}

func (c *StorageConfig) dimensions() int {
	if c == nil || c.VectorDimensions <= 0 {
		return DefaultChunkDimensions
	}
	return c.VectorDimensions
}
