// Package chat assembles grounded answers over the user's knowledge base and
// streams them. Retrieval happens before streaming starts, so the citation
// list is final when the first token goes out.
package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/fathomhq/fathom/internal/knowledge"
)

// Retrieval parameters for chat grounding.
const (
	retrieveLimit     = 5
	retrieveThreshold = 0.7
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation, supplied by the caller. The
// platform does not persist conversations; history arrives with each request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventType discriminates stream events.
type EventType string

const (
	// EventText carries one text increment of the answer.
	EventText EventType = "text"
	// EventSources carries the final citation list, sent after the last text.
	EventSources EventType = "sources"
	// EventError reports a mid-stream failure; it is the last event.
	EventError EventType = "error"
	// EventDone marks a successful end of stream; it is the last event.
	EventDone EventType = "done"
)

// Event is one unit of the answer stream.
type Event struct {
	Type    EventType
	Text    string
	Sources []knowledge.Source
	Err     error
}

// Retriever finds the chunks relevant to a query. *knowledge.Retriever
// satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, p knowledge.SearchParams) ([]knowledge.Result, error)
}

// contentStreamer is the slice of the Gemini SDK the assembler needs.
// *genai.Models satisfies it.
type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Assembler answers questions grounded in retrieved chunks.
type Assembler struct {
	models    contentStreamer
	retriever Retriever
	model     string
	logger    *slog.Logger
}

// New creates an Assembler.
func New(models contentStreamer, retriever Retriever, model string, logger *slog.Logger) (*Assembler, error) {
	if models == nil || retriever == nil {
		return nil, fmt.Errorf("models and retriever are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{models: models, retriever: retriever, model: model, logger: logger}, nil
}

// Request is one chat turn. Messages must end with the user's question.
// FileIDs optionally restricts retrieval to specific files.
type Request struct {
	UserID   uuid.UUID
	Messages []Message
	FileIDs  []uuid.UUID
}

// Stream retrieves context for the last user message and streams the
// grounded answer. Sources are final before the first event: callers can
// emit them in a response header while events flow. The channel is closed
// after a terminal EventDone or EventError.
func (a *Assembler) Stream(ctx context.Context, req Request) (<-chan Event, []knowledge.Source, error) {
	if len(req.Messages) == 0 {
		return nil, nil, fmt.Errorf("messages are required")
	}
	query := req.Messages[len(req.Messages)-1].Content

	results, err := a.retriever.Retrieve(ctx, query, knowledge.SearchParams{
		UserID:    req.UserID,
		FileIDs:   req.FileIDs,
		Limit:     retrieveLimit,
		Threshold: retrieveThreshold,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving context: %w", err)
	}
	contextText, sources := knowledge.BuildContext(results)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(contextText), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.7),
		MaxOutputTokens:   2048,
	}
	contents := toContents(req.Messages)

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		for resp, err := range a.models.GenerateContentStream(ctx, a.model, contents, cfg) {
			if err != nil {
				a.logger.Error("chat stream failed", "error", err)
				a.send(ctx, events, Event{Type: EventError, Err: err})
				return
			}
			if text := resp.Text(); text != "" {
				if !a.send(ctx, events, Event{Type: EventText, Text: text}) {
					return
				}
			}
		}
		if !a.send(ctx, events, Event{Type: EventSources, Sources: sources}) {
			return
		}
		a.send(ctx, events, Event{Type: EventDone})
	}()

	return events, sources, nil
}

// send delivers an event unless the caller has gone away.
func (a *Assembler) send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toContents converts the conversation to model content, mapping assistant
// turns to the model role.
func toContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	return contents
}

// systemPrompt grounds the model in the retrieved context, or tells it
// plainly that no documents matched.
func systemPrompt(contextText string) string {
	if strings.TrimSpace(contextText) == "" {
		return "You are a helpful AI assistant. The user has not uploaded any files yet, " +
			"so you cannot reference specific documents."
	}
	return fmt.Sprintf(`You are a helpful AI assistant with access to the user's uploaded files and documents.

CONTEXT FROM USER'S KNOWLEDGE BASE:

%s

INSTRUCTIONS:

1. Answer the user's question using the context provided above
2. Cite your sources using [1], [2], etc. when referencing information
3. If the context doesn't contain relevant information, say so clearly
4. Be specific and quote exact phrases from the context when appropriate
5. If asked to compare or analyze, use information from multiple sources

Always prioritize accuracy over completeness. If you're unsure, acknowledge it.`, contextText)
}
