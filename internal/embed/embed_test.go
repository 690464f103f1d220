package embed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/fathomhq/fathom/internal/log"
)

type mockEmbedder struct {
	calls  int
	inputs []string
	fn     func(call int) (*genai.EmbedContentResponse, error)
}

func (m *mockEmbedder) EmbedContent(_ context.Context, _ string, contents []*genai.Content, _ *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	m.calls++
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		m.inputs = append(m.inputs, contents[0].Parts[0].Text)
	}
	return m.fn(m.calls)
}

func vectorResponse(dim int) *genai.EmbedContentResponse {
	return &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: make([]float32, dim)}},
	}
}

func TestEmbed_EmptyInputNoAPICall(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return vectorResponse(Dimension), nil
	}}
	svc := New(mock, "test-model", log.NewNop())

	for _, input := range []string{"", "   ", "\n\t "} {
		_, err := svc.Embed(context.Background(), input)
		if !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Embed(%q) error = %v, want ErrEmptyInput", input, err)
		}
	}
	if mock.calls != 0 {
		t.Errorf("empty input reached the API: %d calls", mock.calls)
	}
}

func TestEmbed_Success(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return vectorResponse(Dimension), nil
	}}
	svc := New(mock, "test-model", log.NewNop())

	vec, err := svc.Embed(context.Background(), "some content")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != Dimension {
		t.Errorf("vector dimension = %d, want %d", len(vec), Dimension)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

func TestEmbed_TruncatesLongInput(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return vectorResponse(Dimension), nil
	}}
	svc := New(mock, "test-model", log.NewNop())

	long := strings.Repeat("a", MaxInputChars+500)
	if _, err := svc.Embed(context.Background(), long); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got := len(mock.inputs[0]); got != MaxInputChars {
		t.Errorf("sent %d chars, want %d", got, MaxInputChars)
	}
	if mock.inputs[0] != long[:MaxInputChars] {
		t.Error("truncation is not a clean prefix")
	}
}

func TestEmbed_TruncatesMultibyteOnRuneBoundary(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return vectorResponse(Dimension), nil
	}}
	svc := New(mock, "test-model", log.NewNop())

	long := strings.Repeat("語", MaxInputChars+500)
	if _, err := svc.Embed(context.Background(), long); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	sent := mock.inputs[0]
	if !utf8.ValidString(sent) {
		t.Error("truncated input is not valid UTF-8")
	}
	if got := utf8.RuneCountInString(sent); got != MaxInputChars {
		t.Errorf("sent %d runes, want %d", got, MaxInputChars)
	}

	// Over the byte limit but under the rune limit stays untouched.
	mid := strings.Repeat("語", MaxInputChars/2)
	if _, err := svc.Embed(context.Background(), mid); err != nil {
		t.Fatal(err)
	}
	if mock.inputs[1] != mid {
		t.Error("input under the rune limit was modified")
	}
}

func TestEmbed_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(call int) (*genai.EmbedContentResponse, error) {
		if call < 3 {
			return nil, genai.APIError{Code: 503, Message: "overloaded"}
		}
		return vectorResponse(Dimension), nil
	}}
	svc := New(mock, "test-model", log.NewNop())

	if _, err := svc.Embed(context.Background(), "retry me"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if mock.calls != 3 {
		t.Errorf("calls = %d, want 3", mock.calls)
	}
}

func TestEmbed_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return nil, genai.APIError{Code: 500, Message: "internal"}
	}}
	svc := New(mock, "test-model", log.NewNop())

	if _, err := svc.Embed(context.Background(), "doomed"); err == nil {
		t.Fatal("Embed() succeeded, want error")
	}
	if mock.calls != maxAttempts {
		t.Errorf("calls = %d, want %d", mock.calls, maxAttempts)
	}
}

func TestEmbed_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return nil, genai.APIError{Code: 400, Message: "invalid argument"}
	}}
	svc := New(mock, "test-model", log.NewNop())

	if _, err := svc.Embed(context.Background(), "bad request"); err == nil {
		t.Fatal("Embed() succeeded, want error")
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1 (client errors must not retry)", mock.calls)
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	t.Parallel()

	mock := &mockEmbedder{fn: func(int) (*genai.EmbedContentResponse, error) {
		return vectorResponse(512), nil
	}}
	svc := New(mock, "test-model", log.NewNop())

	_, err := svc.Embed(context.Background(), "wrong size")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Embed() error = %v, want ErrDimensionMismatch", err)
	}
}
