// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package store

import "time"

// Chunk is one page fragment of a product datasheet.
type Chunk struct {
	ID       string `json:"id,omitempty"`
	Document string `json:"document"`
	Title    string `json:"title"`
	Page     int    `json:"page"`
	Content  string `json:"content"`
}

// ChunkResult is a chunk returned by a nearest-neighbour search.
// Distance is lower for closer matches; 0 is an exact match.
type ChunkResult struct {
	Chunk
	Distance float64
}

// AuditEntry records a security-relevant action.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Action    string
	Actor     string
	Role      string
	Tool      string
	SessionID string
	Details   map[string]any
	Result    string
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	Action    string
	Role      string
	Tool      string
	SessionID string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
