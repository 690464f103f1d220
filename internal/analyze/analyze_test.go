package analyze

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/fathomhq/fathom/internal/log"
)

const validAnalysisJSON = `{
	"summary": "A quarterly revenue report.",
	"keyPoints": ["Revenue grew 12%", "Costs were flat"],
	"insights": [{"title": "Growth", "description": "Sustained upward trend", "importance": "high"}],
	"metadata": {"topics": ["finance"], "language": "en", "sentiment": "positive"},
	"entities": [{"name": "Acme Corp", "type": "organization"}],
	"relationships": [{"source": "Acme Corp", "target": "Q1", "type": "reports", "strength": 0.9}]
}`

type mockGenerator struct {
	calls    int
	prompts  []string
	contents [][]*genai.Content
	fn       func(call int) (string, error)
}

func (m *mockGenerator) GenerateContent(_ context.Context, _ string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls++
	m.contents = append(m.contents, contents)
	for _, c := range contents {
		for _, p := range c.Parts {
			if p.Text != "" {
				m.prompts = append(m.prompts, p.Text)
			}
		}
	}
	text, err := m.fn(m.calls)
	if err != nil {
		return nil, err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}, nil
}

func TestKindFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mediaType string
		want      Kind
	}{
		{"application/pdf", KindDocument},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", KindDocument},
		{"text/plain", KindDocument},
		{"text/markdown", KindDocument},
		{"image/png", KindImage},
		{"image/jpeg", KindImage},
		{"text/x-python", KindCode},
		{"application/javascript", KindCode},
		{"application/json", KindCode},
		{"text/csv", KindTabular},
		{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", KindTabular},
		{"application/octet-stream", KindDocument},
	}
	for _, tt := range tests {
		if got := KindFor(tt.mediaType); got != tt.want {
			t.Errorf("KindFor(%q) = %q, want %q", tt.mediaType, got, tt.want)
		}
	}
}

func TestAnalyze_ParsesStructuredOutput(t *testing.T) {
	t.Parallel()

	mock := &mockGenerator{fn: func(int) (string, error) { return validAnalysisJSON, nil }}
	a := New(mock, "test-model", log.NewNop())

	result, degraded, err := a.Analyze(context.Background(), Input{
		MediaType: "text/plain",
		Text:      "Quarterly revenue report content",
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if degraded {
		t.Error("valid output marked degraded")
	}
	if result.Summary != "A quarterly revenue report." {
		t.Errorf("summary = %q", result.Summary)
	}
	if len(result.KeyPoints) != 2 || len(result.Insights) != 1 {
		t.Errorf("keyPoints=%d insights=%d", len(result.KeyPoints), len(result.Insights))
	}
	if result.Entities[0].Name != "Acme Corp" {
		t.Errorf("entity = %+v", result.Entities[0])
	}
}

func TestAnalyze_ToleratesCodeFences(t *testing.T) {
	t.Parallel()

	mock := &mockGenerator{fn: func(int) (string, error) {
		return "```json\n" + validAnalysisJSON + "\n```", nil
	}}
	a := New(mock, "test-model", log.NewNop())

	result, degraded, err := a.Analyze(context.Background(), Input{MediaType: "text/plain", Text: "content"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if degraded {
		t.Error("fenced JSON marked degraded")
	}
	if result.Summary == "" {
		t.Error("summary lost through fence stripping")
	}
}

func TestAnalyze_FallbackOnUnparseableOutput(t *testing.T) {
	t.Parallel()

	prose := strings.Repeat("The document discusses revenue trends. ", 30)
	mock := &mockGenerator{fn: func(int) (string, error) { return prose, nil }}
	a := New(mock, "test-model", log.NewNop())

	result, degraded, err := a.Analyze(context.Background(), Input{MediaType: "text/plain", Text: "content"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !degraded {
		t.Fatal("unparseable output not marked degraded")
	}
	if len(result.Summary) != 500 {
		t.Errorf("fallback summary length = %d, want 500", len(result.Summary))
	}
	if len(result.KeyPoints) != 1 || len(result.KeyPoints[0]) != 200 {
		t.Errorf("fallback keyPoints = %v", result.KeyPoints)
	}
	if result.Insights[0].Importance != ImportanceMedium {
		t.Errorf("fallback importance = %q", result.Insights[0].Importance)
	}
	if result.Metadata.Language != "en" {
		t.Errorf("fallback language = %q", result.Metadata.Language)
	}
}

func TestAnalyze_NormalizesOutOfRangeValues(t *testing.T) {
	t.Parallel()

	out := `{
		"summary": "s",
		"keyPoints": [],
		"insights": [{"title": "t", "description": "d", "importance": "critical"}],
		"metadata": {"topics": [], "language": "en"},
		"entities": [],
		"relationships": [
			{"source": "a", "target": "b", "type": "r", "strength": 1.7},
			{"source": "c", "target": "d", "type": "r", "strength": -0.2}
		]
	}`
	mock := &mockGenerator{fn: func(int) (string, error) { return out, nil }}
	a := New(mock, "test-model", log.NewNop())

	result, _, err := a.Analyze(context.Background(), Input{MediaType: "text/plain", Text: "content"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if result.Insights[0].Importance != ImportanceMedium {
		t.Errorf("unknown importance not clamped: %q", result.Insights[0].Importance)
	}
	if result.Relationships[0].Strength != 1 || result.Relationships[1].Strength != 0 {
		t.Errorf("strengths not clamped: %+v", result.Relationships)
	}
}

func TestAnalyze_EmptyInput(t *testing.T) {
	t.Parallel()

	mock := &mockGenerator{fn: func(int) (string, error) { return validAnalysisJSON, nil }}
	a := New(mock, "test-model", log.NewNop())

	_, _, err := a.Analyze(context.Background(), Input{MediaType: "text/plain", Text: "   "})
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("error = %v, want ErrNoContent", err)
	}
	_, _, err = a.Analyze(context.Background(), Input{MediaType: "image/png"})
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("image without blob: error = %v, want ErrNoContent", err)
	}
	if mock.calls != 0 {
		t.Errorf("empty input reached the model: %d calls", mock.calls)
	}
}

func TestAnalyze_ImageSendsInlineBytes(t *testing.T) {
	t.Parallel()

	mock := &mockGenerator{fn: func(int) (string, error) { return validAnalysisJSON, nil }}
	a := New(mock, "test-model", log.NewNop())

	blob := []byte{0x89, 'P', 'N', 'G'}
	_, _, err := a.Analyze(context.Background(), Input{MediaType: "image/png", Blob: blob})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	parts := mock.contents[0][0].Parts
	var sawBytes bool
	for _, p := range parts {
		if p.InlineData != nil && p.InlineData.MIMEType == "image/png" {
			sawBytes = true
		}
	}
	if !sawBytes {
		t.Error("image bytes not sent inline")
	}
}

func TestAnalyze_TruncatesLongContent(t *testing.T) {
	t.Parallel()

	mock := &mockGenerator{fn: func(int) (string, error) { return validAnalysisJSON, nil }}
	a := New(mock, "test-model", log.NewNop())

	long := strings.Repeat("x", maxContentChars+1000)
	if _, _, err := a.Analyze(context.Background(), Input{MediaType: "text/plain", Text: long}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mock.prompts[0], "...[truncated]") {
		t.Error("truncation marker missing from prompt")
	}
	if strings.Contains(mock.prompts[0], strings.Repeat("x", maxContentChars+1)) {
		t.Error("over-limit content sent to model")
	}
}

func TestAnalyze_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	mock := &mockGenerator{fn: func(int) (string, error) {
		return "", errors.New("model unavailable")
	}}
	a := New(mock, "test-model", log.NewNop())

	in := Input{MediaType: "text/plain", Text: "content"}
	for range 5 {
		if _, _, err := a.Analyze(context.Background(), in); err == nil {
			t.Fatal("expected failure")
		}
	}
	callsBefore := mock.calls

	_, _, err := a.Analyze(context.Background(), in)
	if err == nil {
		t.Fatal("expected open-circuit failure")
	}
	if mock.calls != callsBefore {
		t.Errorf("open breaker still called the model (%d → %d calls)", callsBefore, mock.calls)
	}
}
