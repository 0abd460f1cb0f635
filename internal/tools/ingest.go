// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

const (
	defaultBatchSize = 32
	maxLineBytes     = 4 << 20
)

// chunkNamespace scopes deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f3d1c9e-5a0b-4e57-9a43-2b8f0d7c1e64")

// ChunkID derives a stable id from the chunk's document, page and content so
// re-indexing the same file replaces rows instead of duplicating them.
func ChunkID(c store.Chunk) string {
	key := c.Document + "\x00" + strconv.Itoa(c.Page) + "\x00" + c.Content
	return uuid.NewSHA1(chunkNamespace, []byte(key)).String()
}

// IndexReport summarizes one ingestion run.
type IndexReport struct {
	Read    int
	Indexed int
	Skipped int
}

// Indexer embeds datasheet chunks read as JSON lines and stores them in the
// chunk index.
type Indexer struct {
	embedder  provider.Embedder
	model     string
	chunks    store.ChunkStore
	batchSize int
	log       *slog.Logger
}

// NewIndexer resolves the embedder from src. batchSize <= 0 uses the default.
func NewIndexer(src EmbeddingSource, chunks store.ChunkStore, batchSize int, log *slog.Logger) (*Indexer, error) {
	if src == nil || chunks == nil {
		return nil, pserr.New(pserr.CodeToolIndexInvalidInput, "indexer requires an embedder and a chunk store")
	}
	emb, model, err := src.Embedder()
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{embedder: emb, model: model, chunks: chunks, batchSize: batchSize, log: log}, nil
}

// Index reads {document, title, page, content} records, one per line, and
// upserts them in embedding batches. Blank lines and records without content
// are skipped; a malformed line aborts the run.
func (ix *Indexer) Index(ctx context.Context, r io.Reader) (IndexReport, error) {
	var (
		report IndexReport
		batch  []store.Chunk
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		report.Read++

		var c store.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return report, pserr.Wrap(err, pserr.CodeToolIndexInvalidInput, "decoding chunk", pserr.Field("line", line))
		}
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" || c.Document == "" {
			ix.log.Warn("skipping chunk without document or content", "line", line)
			report.Skipped++
			continue
		}
		if c.Title == "" {
			c.Title = c.Document
		}
		c.ID = ChunkID(c)

		batch = append(batch, c)
		if len(batch) == ix.batchSize {
			if err := ix.flush(ctx, batch); err != nil {
				return report, err
			}
			report.Indexed += len(batch)
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return report, pserr.Wrap(err, pserr.CodeToolIndexInvalidInput, "reading chunks", pserr.Field("line", line+1))
	}

	if len(batch) > 0 {
		if err := ix.flush(ctx, batch); err != nil {
			return report, err
		}
		report.Indexed += len(batch)
	}
	return report, nil
}

func (ix *Indexer) flush(ctx context.Context, batch []store.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Title + "\n\n" + c.Content
	}

	vectors, err := ix.embedder.Embed(ctx, ix.model, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return pserr.Errorf(pserr.CodeProviderResponseInvalid, "embedder returned %d vectors for %d chunks", len(vectors), len(batch))
	}

	for i, c := range batch {
		if err := ix.chunks.Upsert(ctx, c, vectors[i]); err != nil {
			return err
		}
	}
	ix.log.Debug("indexed chunk batch", "size", len(batch))
	return nil
}
