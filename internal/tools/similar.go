// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

const (
	similarDescription = "Find similar products given a summary of technical details about a specific product. " +
		"Use this tool after the call of extract_product_info tool to find similar products."
	similarSystemPrompt = "You will receive a summary of technical information about a specific product and a " +
		"list of chunks retreived from the datasheets of similar products.\n" +
		"Identify the most similar products that could be used to substitute the target one.\n" +
		"Return those similar products and the reason why you consider them substitute."
	similarQuery = "Find the most three similar products with features that enable them to be used " +
		"instead of the following product.\n<product_info>\n%s\n</product_info>"
	emptyIndexMsg = "The datasheet index is empty; no similar products can be searched."
	noMatchMsg    = "No datasheet chunks matched the product description."
)

type similarArgs struct {
	ProductTechInfo string `json:"product_tech_info" jsonschema:"minLength=1,description=Technical summary of the target product"`
}

// SimilarConfig holds the dependencies of find_similar_products.
type SimilarConfig struct {
	Router     provider.Router
	Embeddings EmbeddingSource
	Chunks     store.ChunkStore
	TopK       int
	PromptsDir string
}

type similarFinder struct {
	router     provider.Router
	embeddings EmbeddingSource
	chunks     store.ChunkStore
	topK       int
	prompt     agent.Prompt
}

// NewSimilarTool returns the find_similar_products tool: embed the product
// summary, fetch the nearest datasheet chunks, and let the model pick
// substitutes.
func NewSimilarTool(cfg SimilarConfig) (agent.Tool, error) {
	if cfg.Embeddings == nil || cfg.Chunks == nil {
		return nil, pserr.New(pserr.CodeAgentToolRegistrationInvalid,
			"find_similar_products requires an embedder and a chunk store")
	}
	prompt, err := agent.LoadPrompt(cfg.PromptsDir, FindSimilarProducts, agent.Prompt{
		Name:        FindSimilarProducts,
		Description: similarDescription,
		Body:        similarSystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	f := &similarFinder{
		router:     cfg.Router,
		embeddings: cfg.Embeddings,
		chunks:     cfg.Chunks,
		topK:       cfg.TopK,
		prompt:     prompt,
	}
	if f.topK <= 0 {
		f.topK = defaultTopK
	}
	return agent.NewTool(FindSimilarProducts, prompt.Description, f.run)
}

func (f *similarFinder) run(ctx context.Context, args similarArgs) agent.Outcome {
	n, err := f.chunks.Count(ctx)
	if err != nil {
		return failed(err)
	}
	if n == 0 {
		return agent.Failure(conversation.KindNotFound, emptyIndexMsg)
	}

	emb, model, err := f.embeddings.Embedder()
	if err != nil {
		return failed(err)
	}
	vectors, err := emb.Embed(ctx, model, []string{fmt.Sprintf(similarQuery, args.ProductTechInfo)})
	if err != nil {
		return failed(err)
	}
	if len(vectors) != 1 {
		return failed(pserr.Errorf(pserr.CodeProviderResponseInvalid, "expected 1 embedding, got %d", len(vectors)))
	}

	hits, err := f.chunks.Search(ctx, vectors[0], f.topK)
	if err != nil {
		return failed(err)
	}
	if len(hits) == 0 {
		return agent.Failure(conversation.KindNotFound, noMatchMsg)
	}

	input := "<summary>\n" + args.ProductTechInfo + "\n</summary>\n<chunks>\n" + FormatChunks(hits) + "</chunks>"
	resp, err := provider.Complete(ctx, f.router, f.prompt.Model, provider.ChatRequest{
		Messages:     conversation.Conversation{conversation.HumanText(input)},
		SystemPrompt: f.prompt.Body,
		Options:      f.prompt.Options(),
	})
	if err != nil {
		return failed(err)
	}
	return agent.Success(map[string]any{"similar_products": resp.Message.Text()})
}

// FormatChunks renders search hits grouped by document, keeping the order in
// which documents first appear:
//
//	Document name: <title>
//	Page <n>: <content>
func FormatChunks(hits []store.ChunkResult) string {
	groups := lo.GroupBy(hits, func(h store.ChunkResult) string { return h.Document })
	order := lo.Uniq(lo.Map(hits, func(h store.ChunkResult, _ int) string { return h.Document }))

	var sb strings.Builder
	for _, doc := range order {
		chunks := groups[doc]
		title := chunks[0].Title
		if title == "" {
			title = doc
		}
		sb.WriteString("Document name: " + title + "\n")
		for _, c := range chunks {
			fmt.Fprintf(&sb, "Page %d: %s\n", c.Page, strings.TrimSpace(c.Content))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func failed(err error) agent.Outcome {
	return agent.Failure(conversation.KindExecutionFailed, err.Error())
}
