// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package tools implements the datasheet tools offered to the agent.
package tools

import (
	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Tool names, also used as permission table entries and prompt file names.
const (
	ExtractProductInfo  = "extract_product_info"
	FindSimilarProducts = "find_similar_products"
)

const defaultTopK = 10

// EmbeddingSource yields the configured embedder. *provider.Registry
// satisfies it.
type EmbeddingSource interface {
	Embedder() (provider.Embedder, string, error)
}

// Config holds the dependencies of the datasheet tools.
type Config struct {
	Router     provider.Router
	Embeddings EmbeddingSource
	Chunks     store.ChunkStore
	// ExtractModel is the vision model ref; empty means the router default.
	ExtractModel string
	// TopK is the number of chunks retrieved per similarity search.
	TopK       int
	PromptsDir string
}

// Names lists every tool this package registers, in registration order.
func Names() []string {
	return []string{ExtractProductInfo, FindSimilarProducts}
}

// Register builds both tools from cfg and adds them to reg.
func Register(reg *agent.ToolRegistry, cfg Config) error {
	if cfg.Router == nil {
		return pserr.New(pserr.CodeAgentToolRegistrationInvalid, "tools: Router is required")
	}

	extract, err := NewExtractTool(cfg.Router, cfg.ExtractModel, cfg.PromptsDir)
	if err != nil {
		return err
	}
	if err := reg.Register(extract); err != nil {
		return err
	}

	similar, err := NewSimilarTool(SimilarConfig{
		Router:     cfg.Router,
		Embeddings: cfg.Embeddings,
		Chunks:     cfg.Chunks,
		TopK:       cfg.TopK,
		PromptsDir: cfg.PromptsDir,
	})
	if err != nil {
		return err
	}
	return reg.Register(similar)
}
