package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/qdrant"
)

// ragDefaultLimit is how many chunks a retrieval pulls when the caller does
// not say otherwise.
const ragDefaultLimit = 5

// RAGDocument is one retrieved chunk, shaped for response payloads.
type RAGDocument struct {
	Content  string  `json:"content"`
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
}

// RAGContext summarizes a retrieval for the client: how many excerpts fed
// the answer and the distinct filenames they came from.
type RAGContext struct {
	DocumentsUsed int      `json:"documents_used"`
	Sources       []string `json:"sources"`
}

// RAGService grounds chat turns in indexed documents: embed the query,
// search the tenant's slice of the vector index, and render the excerpts
// into an augmented turn. Zero hits means the turn proceeds un-augmented.
type RAGService interface {
	Retrieve(ctx context.Context, orgID uuid.UUID, query string, limit int) ([]RAGDocument, error)
	// AugmentTurn rewrites the raw query into the document-excerpt prompt.
	// With no documents it returns the query unchanged.
	AugmentTurn(query string, docs []RAGDocument) string
	ContextOf(docs []RAGDocument) *RAGContext
}

type ragService struct {
	log     *logger.Logger
	embed   llm.Embedder
	vectors qdrant.VectorStore
}

func NewRAGService(embedder llm.Embedder, vectors qdrant.VectorStore, baseLog *logger.Logger) RAGService {
	return &ragService{
		log:     baseLog.With("service", "RAGService"),
		embed:   embedder,
		vectors: vectors,
	}
}

func (s *ragService) Retrieve(ctx context.Context, orgID uuid.UUID, query string, limit int) ([]RAGDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = ragDefaultLimit
	}

	vecs, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.vectors.Search(ctx, orgID, vecs[0], limit, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	docs := make([]RAGDocument, 0, len(matches))
	for _, m := range matches {
		content, _ := m.Payload[qdrant.PayloadContentKey].(string)
		if content == "" {
			s.log.Warn("Vector match without content payload, skipping", "point_id", m.ID)
			continue
		}
		filename, _ := m.Payload[qdrant.PayloadFilenameKey].(string)
		docs = append(docs, RAGDocument{Content: content, Filename: filename, Score: m.Score})
	}
	return docs, nil
}

func (s *ragService) AugmentTurn(query string, docs []RAGDocument) string {
	if len(docs) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("Answer the question using the document excerpts below. ")
	b.WriteString("Cite the documents you rely on by number (for example \"Document 1\"). ")
	b.WriteString("If the excerpts do not contain the answer, say so and answer from general knowledge.\n\n")
	b.WriteString("[DOCUMENT EXCERPTS]\n")
	for i, d := range docs {
		if i > 0 {
			b.WriteString("---\n")
		}
		fmt.Fprintf(&b, "Document %d (%s): %s\n", i+1, d.Filename, d.Content)
	}
	b.WriteString("\n[USER QUESTION]\n")
	b.WriteString(query)
	return b.String()
}

func (s *ragService) ContextOf(docs []RAGDocument) *RAGContext {
	sources := make([]string, 0, len(docs))
	seen := map[string]bool{}
	for _, d := range docs {
		if d.Filename == "" || seen[d.Filename] {
			continue
		}
		seen[d.Filename] = true
		sources = append(sources, d.Filename)
	}
	return &RAGContext{DocumentsUsed: len(docs), Sources: sources}
}
