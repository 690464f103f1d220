// Package embed turns text into fixed-dimension vectors via the Gemini
// embedding API. Inputs are deterministically truncated, transient API
// failures are retried with exponential backoff, and the returned vector
// dimension is validated before anything downstream sees it.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"
)

const (
	// Dimension is the embedding vector size. It must match the dimension of
	// the knowledge_chunks embedding column.
	Dimension = 768

	// MaxInputChars bounds the text sent to the embedding model, counted in
	// runes. Longer inputs are truncated at the end, never sampled, so
	// identical input always produces identical output.
	MaxInputChars = 8000

	maxAttempts     = 3
	initialInterval = 500 * time.Millisecond
)

var (
	// ErrEmptyInput indicates the text was empty or whitespace-only. No API
	// call is made for such input.
	ErrEmptyInput = errors.New("embedding input is empty")

	// ErrDimensionMismatch indicates the API returned a vector of the wrong
	// size.
	ErrDimensionMismatch = errors.New("unexpected embedding dimension")
)

// contentEmbedder is the slice of the Gemini SDK the service needs.
// *genai.Models satisfies it.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Service generates embeddings with a fixed model and dimension.
type Service struct {
	models contentEmbedder
	model  string
	logger *slog.Logger
}

// New creates a Service. models is typically client.Models from a
// *genai.Client.
func New(models contentEmbedder, model string, logger *slog.Logger) *Service {
	return &Service{models: models, model: model, logger: logger}
}

// Embed returns the vector for text. Empty or whitespace-only input is a
// validation error. Over-long input is truncated to MaxInputChars before the
// call. Transient API failures are retried up to maxAttempts with exponential
// backoff; non-retryable API errors and context cancellation fail immediately.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	// Byte length bounds the rune count, so short inputs skip the copy.
	if len(text) > MaxInputChars {
		if runes := []rune(text); len(runes) > MaxInputChars {
			text = string(runes[:MaxInputChars])
		}
	}

	dim := int32(Dimension)
	cfg := &genai.EmbedContentConfig{OutputDimensionality: &dim}

	var values []float32
	operation := func() error {
		resp, err := s.models.EmbedContent(ctx, s.model, genai.Text(text), cfg)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("embedding call failed, will retry", "error", err)
			return err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
			return backoff.Permanent(errors.New("embedding response contains no vector"))
		}
		values = resp.Embeddings[0].Values
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(values) != Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(values), Dimension)
	}
	return values, nil
}

// retryable reports whether an API error is worth retrying. Rate limiting and
// server-side failures are transient; client errors and cancellation are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	// Unclassified errors (network, transport) are assumed transient.
	return true
}
