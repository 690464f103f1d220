package analyze

import (
	"fmt"
	"strings"
)

// Kind is an analysis variant, selected purely by media type.
type Kind string

const (
	KindDocument Kind = "document"
	KindImage    Kind = "image"
	KindCode     Kind = "code"
	KindTabular  Kind = "tabular"
)

// variant pairs a kind with its prompt construction.
type variant struct {
	kind   Kind
	prompt func(content string) string
}

// kindByMediaType is the exact-match lookup; prefix rules in variantFor cover
// the open-ended families (text/*, image/*).
var kindByMediaType = map[string]Kind{
	"application/pdf": KindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": KindDocument,
	"application/msword": KindDocument,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": KindTabular,
	"application/vnd.ms-excel": KindTabular,
	"text/csv":                 KindTabular,
	"application/json":         KindCode,
	"application/javascript":   KindCode,
	"application/typescript":   KindCode,
	"application/xml":          KindCode,
	"application/x-yaml":       KindCode,
	"text/x-python":            KindCode,
	"text/x-go":                KindCode,
	"text/x-java":              KindCode,
	"text/x-c":                 KindCode,
	"text/x-sh":                KindCode,
	"text/html":                KindCode,
}

// KindFor returns the analysis kind for a media type. Anything unrecognized
// is treated as a document.
func KindFor(mediaType string) Kind {
	if k, ok := kindByMediaType[mediaType]; ok {
		return k
	}
	if strings.HasPrefix(mediaType, "image/") {
		return KindImage
	}
	return KindDocument
}

func variantFor(mediaType string) variant {
	kind := KindFor(mediaType)
	switch kind {
	case KindImage:
		return variant{kind: kind, prompt: imagePrompt}
	case KindCode:
		return variant{kind: kind, prompt: codePrompt}
	case KindTabular:
		return variant{kind: kind, prompt: tabularPrompt}
	default:
		return variant{kind: kind, prompt: documentPrompt}
	}
}

// resultShape is the JSON contract repeated in every prompt so the model
// returns the same structure regardless of variant.
const resultShape = `{
  "summary": "Brief 2-3 sentence summary of the content",
  "keyPoints": ["Main point 1", "Main point 2"],
  "insights": [
    {"title": "Insight title", "description": "Detailed description", "importance": "high"}
  ],
  "metadata": {"topics": ["topic1", "topic2"], "language": "en", "sentiment": "neutral"},
  "entities": [{"name": "Entity name", "type": "person|organization|place|concept", "context": "where it appears"}],
  "relationships": [{"source": "Entity A", "target": "Entity B", "type": "relation", "strength": 0.8}]
}`

func documentPrompt(content string) string {
	return fmt.Sprintf(`Analyze this document and provide a structured analysis in JSON format:

Document Content:
%s

Response format (must be valid JSON):
%s

Provide actionable insights and key takeaways. Return ONLY valid JSON.`, content, resultShape)
}

func codePrompt(content string) string {
	return fmt.Sprintf(`Analyze this source code and provide structured insights in JSON format.
Cover functionality, key algorithms or patterns, dependencies, and potential issues
(code quality, improvements, security).

Code:
%s

Response format (must be valid JSON):
%s

Return ONLY valid JSON.`, content, resultShape)
}

func tabularPrompt(content string) string {
	return fmt.Sprintf(`Analyze this spreadsheet data and provide structured insights in JSON format.
Cover the number of sheets and records, main data categories, patterns or trends,
and data quality observations.

Data:
%s

Response format (must be valid JSON):
%s

Return ONLY valid JSON.`, content, resultShape)
}

func imagePrompt(string) string {
	return fmt.Sprintf(`Analyze this image in detail and provide structured insights in JSON format.
Describe the main subject, notable details, context or setting, and visual style.

Response format (must be valid JSON):
%s

Be thorough and specific. Return ONLY valid JSON.`, resultShape)
}
