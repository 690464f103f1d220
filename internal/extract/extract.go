// Package extract converts raw file bytes into plain text by declared media
// type. It is a pure transform: no I/O, no retries. Malformed documents are
// reported as ErrMalformedDocument so the job pipeline can distinguish them
// from transient failures.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedMediaType indicates no extractor exists for the media type.
	// Image types fall here: they bypass extraction and go to the analyzer
	// as raw bytes.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrMalformedDocument indicates the bytes could not be parsed as the
	// declared media type. Not retryable.
	ErrMalformedDocument = errors.New("malformed document")
)

// Media type constants for the formats with dedicated extractors.
const (
	MediaTypePDF  = "application/pdf"
	MediaTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeDoc  = "application/msword"
	MediaTypeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MediaTypeXls  = "application/vnd.ms-excel"
	MediaTypeCSV  = "text/csv"
	MediaTypeJSON = "application/json"
)

// textualTypes are non-text/* media types decoded as plain UTF-8.
var textualTypes = map[string]bool{
	MediaTypeJSON:            true,
	MediaTypeCSV:             true,
	"application/javascript": true,
	"application/typescript": true,
	"application/xml":        true,
	"application/x-yaml":     true,
}

// IsImage reports whether the media type is an image. Images are not
// extractable to text; the analyzer consumes their bytes directly.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}

// Supported reports whether the pipeline can process the media type, either
// through text extraction or the image path.
func Supported(mediaType string) bool {
	switch {
	case strings.HasPrefix(mediaType, "text/"), IsImage(mediaType):
		return true
	case textualTypes[mediaType]:
		return true
	case mediaType == MediaTypePDF, mediaType == MediaTypeDocx, mediaType == MediaTypeDoc,
		mediaType == MediaTypeXlsx, mediaType == MediaTypeXls:
		return true
	}
	return false
}

// Extract converts blob into plain text according to mediaType.
//
//   - text/* and code/JSON types: UTF-8 passthrough
//   - Word documents: raw text, formatting discarded
//   - spreadsheets: rows serialized per sheet, sheet name as heading
//   - PDF: text per page, concatenated in page order
//
// Image types return ErrUnsupportedMediaType; callers route them to the
// image analyzer instead.
func Extract(blob []byte, mediaType string) (string, error) {
	switch {
	case strings.HasPrefix(mediaType, "text/") && mediaType != MediaTypeCSV:
		return extractText(blob)
	case textualTypes[mediaType]:
		return extractText(blob)
	case mediaType == MediaTypePDF:
		return extractPDF(blob)
	case mediaType == MediaTypeDocx || mediaType == MediaTypeDoc:
		return extractDocx(blob)
	case mediaType == MediaTypeXlsx || mediaType == MediaTypeXls:
		return extractSpreadsheet(blob)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
}

// extractText decodes blob as UTF-8, replacing invalid sequences.
func extractText(blob []byte) (string, error) {
	if utf8.Valid(blob) {
		return string(blob), nil
	}
	return strings.ToValidUTF8(string(blob), "�"), nil
}

// extractPDF extracts text page by page in page order.
func extractPDF(blob []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: page %d: %v", ErrMalformedDocument, i, err)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// extractDocx extracts raw text from a Word document, discarding formatting.
func extractDocx(blob []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	defer func() { _ = r.Close() }()

	// GetContent returns the document XML; strip tags to keep only text runs.
	return stripTags(r.Editable().GetContent()), nil
}

// extractSpreadsheet serializes each sheet to a tab-separated text block with
// the sheet name as a heading, sheets separated by a blank line.
func extractSpreadsheet(blob []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	defer func() { _ = f.Close() }()

	var sb strings.Builder
	for i, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return "", fmt.Errorf("%w: sheet %q: %v", ErrMalformedDocument, sheetName, err)
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("# ")
		sb.WriteString(sheetName)
		sb.WriteString("\n")
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// stripTags removes XML/HTML tags, inserting line breaks at paragraph ends.
func stripTags(s string) string {
	var sb strings.Builder
	inTag := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '<':
			// Word paragraph close becomes a newline so text keeps its shape.
			if strings.HasPrefix(s[i:], "</w:p>") {
				sb.WriteByte('\n')
			}
			inTag = true
		case s[i] == '>':
			inTag = false
		case !inTag:
			sb.WriteByte(s[i])
		}
	}
	return strings.TrimSpace(sb.String())
}
