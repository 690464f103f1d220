// Package chunk splits extracted text into overlapping fixed-size segments,
// the unit of embedding and retrieval.
package chunk

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOverlap indicates overlap >= size, which would prevent the window
// from advancing.
var ErrInvalidOverlap = errors.New("chunk overlap must be smaller than chunk size")

// Defaults match the knowledge-base chunking policy.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Splitter produces deterministic overlapping chunks. The zero value is not
// usable; construct with New.
type Splitter struct {
	size    int
	overlap int
}

// New creates a Splitter with the given target chunk size (maximum characters
// per chunk) and overlap (trailing characters repeated at the start of the
// next chunk). Rejects size <= 0 and overlap >= size at construction time.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidOverlap, size, overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Size returns the configured maximum chunk length.
func (s *Splitter) Size() int { return s.size }

// Overlap returns the configured overlap length.
func (s *Splitter) Overlap() int { return s.overlap }

// Split divides text into ordered chunks. Size and overlap count runes, not
// bytes, so multibyte text is never cut mid-character and every chunk is
// valid UTF-8. Inputs no longer than the chunk size yield exactly one chunk
// equal to the input. Longer inputs are windowed with a stride of
// size-overlap; the final chunk may be shorter. The result is fully
// determined by the input and configuration — no randomness, no boundary
// heuristics — so re-chunking identical input yields identical output.
func (s *Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= s.size {
		return []string{text}
	}

	stride := s.size - s.overlap
	chunks := make([]string, 0, (len(runes)+stride-1)/stride)
	for start := 0; start < len(runes); start += stride {
		end := min(start+s.size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Join reconstructs the original text from chunks produced by Split, dropping
// the overlap prefix of every chunk after the first. Inverse of Split for any
// input.
func (s *Splitter) Join(chunks []string) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		// Every chunk after the first is strictly longer than the overlap:
		// the window only advances while text remains past the stride.
		b.WriteString(string([]rune(c)[s.overlap:]))
	}
	return b.String()
}
