package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Embedder turns text into a vector. *embed.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a similarity search. *Store satisfies it.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, p SearchParams) ([]Result, error)
}

// Source is one citation attached to an answer. Index is 1-based and matches
// the [n] markers in the prompt context exactly.
type Source struct {
	Index      int     `json:"citation"`
	FileID     string  `json:"fileId"`
	FileName   string  `json:"fileName"`
	Snippet    string  `json:"snippet"`
	Similarity float64 `json:"similarity"`
}

// snippetLen bounds source previews.
const snippetLen = 200

// Retriever embeds a query and finds the matching chunks.
type Retriever struct {
	searcher Searcher
	embedder Embedder
	logger   *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(searcher Searcher, embedder Embedder, logger *slog.Logger) (*Retriever, error) {
	if searcher == nil || embedder == nil {
		return nil, fmt.Errorf("searcher and embedder are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{searcher: searcher, embedder: embedder, logger: logger}, nil
}

// Retrieve searches the user's knowledge base for chunks relevant to query.
// An empty or whitespace-only query returns no results without calling the
// embedding API.
func (r *Retriever) Retrieve(ctx context.Context, query string, p SearchParams) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	results, err := r.searcher.Search(ctx, vec, p)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	r.logger.Debug("retrieved chunks", "query_len", len(query), "results", len(results))
	return results, nil
}

// BuildContext renders results as numbered context blocks for the chat
// prompt, and the parallel source list for citations. Block [n] and source
// with Index n always refer to the same chunk.
func BuildContext(results []Result) (string, []Source) {
	if len(results) == 0 {
		return "", nil
	}

	blocks := make([]string, 0, len(results))
	sources := make([]Source, 0, len(results))
	for i, res := range results {
		name := res.FileName
		if name == "" {
			name = "Unknown"
		}
		blocks = append(blocks, fmt.Sprintf("[%d] From %q:\n%s", i+1, name, res.Content))
		sources = append(sources, Source{
			Index:      i + 1,
			FileID:     res.FileID.String(),
			FileName:   name,
			Snippet:    snippet(res.Content),
			Similarity: res.Similarity,
		})
	}
	return strings.Join(blocks, "\n\n---\n\n"), sources
}

func snippet(content string) string {
	if len(content) <= snippetLen {
		return content
	}
	runes := []rune(content)
	if len(runes) <= snippetLen {
		return content
	}
	return string(runes[:snippetLen]) + "..."
}
