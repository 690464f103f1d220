// Package analyze produces structured AI analysis of file content. A pure
// media-type lookup selects the prompt variant (document, image, code,
// tabular); the model call goes through a circuit breaker; unparseable model
// output degrades to a best-effort result instead of failing the job.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// maxContentChars bounds the content included in the analysis prompt.
const maxContentChars = 50000

// ErrNoContent indicates there was nothing to analyze.
var ErrNoContent = errors.New("no content to analyze")

// Importance levels for insights.
const (
	ImportanceLow    = "low"
	ImportanceMedium = "medium"
	ImportanceHigh   = "high"
)

// Result is the structured analysis of one file.
type Result struct {
	Summary       string         `json:"summary"`
	KeyPoints     []string       `json:"keyPoints"`
	Insights      []Insight      `json:"insights"`
	Metadata      Metadata       `json:"metadata"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Insight is one actionable finding.
type Insight struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Importance  string `json:"importance"`
}

// Metadata describes the content as a whole.
type Metadata struct {
	Topics    []string `json:"topics"`
	Language  string   `json:"language"`
	Sentiment string   `json:"sentiment,omitempty"`
}

// Entity is a named entity found in the content.
type Entity struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Context string `json:"context,omitempty"`
}

// Relationship links two entities; Strength is in [0,1].
type Relationship struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// Text renders the result as plain text suitable for chunking and embedding.
// Used for image files, which have no extractable text of their own.
func (r *Result) Text() string {
	var sb strings.Builder
	sb.WriteString(r.Summary)
	for _, p := range r.KeyPoints {
		sb.WriteString("\n- ")
		sb.WriteString(p)
	}
	for _, in := range r.Insights {
		sb.WriteString("\n")
		sb.WriteString(in.Title)
		sb.WriteString(": ")
		sb.WriteString(in.Description)
	}
	return sb.String()
}

// Input is one analysis request. Text carries extracted content; Blob carries
// raw bytes for media the model consumes directly (images).
type Input struct {
	MediaType string
	Text      string
	Blob      []byte
}

// contentGenerator is the slice of the Gemini SDK the analyzer needs.
// *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Analyzer runs structured analysis against a generative model.
type Analyzer struct {
	models  contentGenerator
	model   string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates an Analyzer. The circuit breaker opens after consecutive model
// failures so a degraded upstream does not pin every worker on timeouts.
func New(models contentGenerator, model string, logger *slog.Logger) *Analyzer {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analysis-model",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Analyzer{models: models, model: model, breaker: breaker, logger: logger}
}

// Analyze produces a structured result for in. The returned bool is true when
// the model's output could not be parsed and the result is a degraded
// fallback built from the raw text.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, bool, error) {
	variant := variantFor(in.MediaType)

	var contents []*genai.Content
	switch {
	case variant.kind == KindImage:
		if len(in.Blob) == 0 {
			return nil, false, ErrNoContent
		}
		contents = []*genai.Content{genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(in.Blob, in.MediaType),
			genai.NewPartFromText(variant.prompt("")),
		}, genai.RoleUser)}
	default:
		if strings.TrimSpace(in.Text) == "" {
			return nil, false, ErrNoContent
		}
		text := in.Text
		if len(text) > maxContentChars {
			if runes := []rune(text); len(runes) > maxContentChars {
				text = string(runes[:maxContentChars]) + "...[truncated]"
			}
		}
		contents = genai.Text(variant.prompt(text))
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.3),
		MaxOutputTokens:  8192,
	}

	raw, err := a.breaker.Execute(func() (any, error) {
		resp, err := a.models.GenerateContent(ctx, a.model, contents, cfg)
		if err != nil {
			return nil, err
		}
		return resp.Text(), nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("generating analysis: %w", err)
	}
	text := raw.(string)

	result, ok := parseResult(text)
	if !ok {
		a.logger.Warn("analysis output failed JSON parsing, using fallback",
			"media_type", in.MediaType, "output_len", len(text))
		return fallbackResult(text), true, nil
	}
	normalize(result)
	return result, false, nil
}

// parseResult extracts a Result from model output, tolerating markdown code
// fences around the JSON.
func parseResult(text string) (*Result, bool) {
	s := strings.TrimSpace(text)
	if after, found := strings.CutPrefix(s, "```json"); found {
		s = after
	} else if after, found := strings.CutPrefix(s, "```"); found {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, false
	}
	if r.Summary == "" {
		return nil, false
	}
	return &r, true
}

// fallbackResult builds a best-effort result from unstructured model output.
func fallbackResult(text string) *Result {
	return &Result{
		Summary:   truncate(text, 500),
		KeyPoints: []string{truncate(text, 200)},
		Insights: []Insight{{
			Title:       "Analysis",
			Description: truncate(text, 300),
			Importance:  ImportanceMedium,
		}},
		Metadata: Metadata{Topics: []string{}, Language: "en"},
	}
}

// normalize clamps model output into the documented value ranges.
func normalize(r *Result) {
	for i := range r.Insights {
		switch r.Insights[i].Importance {
		case ImportanceLow, ImportanceMedium, ImportanceHigh:
		default:
			r.Insights[i].Importance = ImportanceMedium
		}
	}
	for i := range r.Relationships {
		if r.Relationships[i].Strength < 0 {
			r.Relationships[i].Strength = 0
		}
		if r.Relationships[i].Strength > 1 {
			r.Relationships[i].Strength = 1
		}
	}
}

// truncate caps s at n runes, never cutting mid-character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
