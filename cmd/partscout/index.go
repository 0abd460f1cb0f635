// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/tools"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load datasheet chunks into the similarity index",
		Long: `Read datasheet chunks as JSON lines and add them to the vector index used
by find_similar_products. Each line is an object:

  {"document": "lm317.pdf", "title": "LM317 regulator", "page": 3, "content": "..."}

Chunks are embedded with models.embedding. Re-indexing the same chunk
replaces it.`,
		RunE: runIndex,
	}
	cmd.Flags().StringP("file", "f", "", "JSON lines file to index, or - for stdin")
	cmd.Flags().Int("batch", 32, "chunks per embedding request")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runIndex(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	batch, _ := cmd.Flags().GetInt("batch")

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return pserr.Wrapf(err, pserr.CodeCLIInputInvalid, "opening %s", path)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	reg, err := buildEmbeddings(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ix, err := tools.NewIndexer(reg, st.Chunks(), batch, slog.Default())
	if err != nil {
		return err
	}
	report, err := ix.Index(cmd.Context(), in)
	if err != nil {
		return err
	}
	total, err := st.Chunks().Count(cmd.Context())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Read %d chunks: indexed %d, skipped %d. Index now holds %d chunks.\n",
		report.Read, report.Indexed, report.Skipped, total)
	return err
}

// buildEmbeddings registers the configured providers and requires a usable
// embedding model.
func buildEmbeddings(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	registerBuiltinProviders(cfg, reg)
	if err := reg.SetEmbedding(cfg.Models.Embedding); err != nil {
		_ = reg.Close()
		return nil, pserr.Wrapf(err, pserr.CodeCLISetupFailure,
			"embedding model %q is not usable; set its provider API key", cfg.Models.Embedding)
	}
	return reg, nil
}
