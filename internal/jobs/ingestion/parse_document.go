package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	extract "github.com/yungbote/loqui-backend/internal/ingestion"
	"github.com/yungbote/loqui-backend/internal/jobs"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/blob"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
	"github.com/yungbote/loqui-backend/internal/platform/qdrant"
	"github.com/yungbote/loqui-backend/internal/repos"
)

const (
	// A parse that cannot finish in this window is wedged, not slow; the
	// retry starts clean.
	parseTimeout   = 10 * time.Minute
	embedBatchSize = 32
)

// TextExtractor is the slice of extract.Extractor the handler needs.
type TextExtractor interface {
	ExtractPDF(ctx context.Context, data []byte) (extract.ExtractResult, error)
}

// ParseDocumentHandler runs the asynchronous half of ingestion: download the
// blob, extract text, chunk, embed, index, then flip the document row to
// parsed (or failed with the cause). Chunk rows keep stable ids across
// re-parses, so vector points are written against the stored rows, not the
// in-memory ones.
type ParseDocumentHandler struct {
	log       *logger.Logger
	docs      repos.DocumentRepo
	chunks    repos.ChunkRepo
	blobs     blob.Store
	vectors   qdrant.VectorStore
	embedder  llm.Embedder
	extractor TextExtractor
	metrics   *observability.Metrics
	workers   int
}

func NewParseDocumentHandler(
	docs repos.DocumentRepo,
	chunks repos.ChunkRepo,
	blobs blob.Store,
	vectors qdrant.VectorStore,
	embedder llm.Embedder,
	extractor TextExtractor,
	workers int,
	metrics *observability.Metrics,
	baseLog *logger.Logger,
) *ParseDocumentHandler {
	if workers <= 0 {
		workers = 1
	}
	return &ParseDocumentHandler{
		log:       baseLog.With("handler", "ParseDocumentHandler"),
		docs:      docs,
		chunks:    chunks,
		blobs:     blobs,
		vectors:   vectors,
		embedder:  embedder,
		extractor: extractor,
		metrics:   metrics,
		workers:   workers,
	}
}

func (h *ParseDocumentHandler) Kind() string { return types.JobKindParseDocument }

func (h *ParseDocumentHandler) Run(ctx context.Context, exec *jobs.Execution) error {
	docID, ok := exec.PayloadUUID("document_id")
	if !ok {
		return jobs.Permanent(errors.New("payload has no document_id"))
	}

	ctx, cancel := context.WithTimeout(ctx, parseTimeout)
	defer cancel()
	dbc := dbctx.Context{Ctx: ctx}

	doc, err := h.docs.GetAnyByID(dbc, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted between upload and claim; nothing left to parse.
			return jobs.Permanent(fmt.Errorf("document %s is gone", docID))
		}
		return fmt.Errorf("load document: %w", err)
	}

	if err := h.docs.UpdateFields(dbc, doc.ID, map[string]interface{}{
		"status": types.DocumentStatusProcessing,
		"error":  "",
	}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	pages, written, parseErr := h.parse(dbc, doc)
	if parseErr != nil {
		h.metrics.IncDocumentIngested(types.DocumentStatusFailed)
		if updErr := h.docs.UpdateFields(dbc, doc.ID, map[string]interface{}{
			"status": types.DocumentStatusFailed,
			"error":  parseErr.Error(),
		}); updErr != nil {
			h.log.Error("Failed parse could not be recorded",
				"document_id", doc.ID, "error", updErr)
		}
		return parseErr
	}

	if err := h.docs.UpdateFields(dbc, doc.ID, map[string]interface{}{
		"status":      types.DocumentStatusParsed,
		"error":       "",
		"page_count":  pages,
		"chunk_count": written,
	}); err != nil {
		return fmt.Errorf("mark parsed: %w", err)
	}
	h.metrics.IncDocumentIngested(types.DocumentStatusParsed)
	h.metrics.AddChunksWritten(written)
	h.log.Info("Document parsed",
		"document_id", doc.ID,
		"org_id", doc.OrgID,
		"pages", pages,
		"chunks", written,
	)
	return nil
}

func (h *ParseDocumentHandler) parse(dbc dbctx.Context, doc *types.Document) (int, int, error) {
	rc, err := h.blobs.Download(dbc.Ctx, doc.BlobKey)
	if err != nil {
		return 0, 0, fmt.Errorf("download blob %s: %w", doc.BlobKey, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("read blob %s: %w", doc.BlobKey, err)
	}

	res, err := h.extractor.ExtractPDF(dbc.Ctx, data)
	if err != nil {
		return 0, 0, fmt.Errorf("extract text: %w", err)
	}
	pieces := extract.SplitText(res.Text, extract.DefaultChunkWindow, extract.DefaultChunkOverlap)
	if len(pieces) == 0 {
		// Retrying the same bytes cannot produce text.
		return 0, 0, jobs.Permanent(fmt.Errorf("document %s has no extractable text", doc.ID))
	}

	rows := make([]*types.DocumentChunk, 0, len(pieces))
	for i, content := range pieces {
		rows = append(rows, &types.DocumentChunk{
			DocumentID: doc.ID,
			OrgID:      doc.OrgID,
			ChunkIndex: i,
			Content:    content,
			TokenCount: llm.EstimateTokens(content),
		})
	}
	if err := h.chunks.BulkUpsert(dbc, rows); err != nil {
		return 0, 0, fmt.Errorf("persist chunks: %w", err)
	}
	// Re-read for canonical ids: an upsert over a previous parse keeps the
	// old row ids and the insert does not report them back.
	stored, err := h.chunks.ListByDocument(dbc, doc.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list chunks: %w", err)
	}

	if err := h.index(dbc.Ctx, doc, stored); err != nil {
		return 0, 0, err
	}
	return res.PageCount, len(stored), nil
}

// index embeds and upserts chunks in batches, at most h.workers batches in
// flight. Point ids are chunk row ids, so re-indexing overwrites instead of
// duplicating.
func (h *ParseDocumentHandler) index(ctx context.Context, doc *types.Document, chunks []*types.DocumentChunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		g.Go(func() error {
			inputs := make([]string, len(batch))
			for i, ch := range batch {
				inputs[i] = ch.Content
			}
			vectors, err := h.embedder.Embed(gctx, inputs)
			if err != nil {
				return fmt.Errorf("embed batch at chunk %d: %w", batch[0].ChunkIndex, err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(batch))
			}
			points := make([]qdrant.Point, len(batch))
			for i, ch := range batch {
				points[i] = qdrant.Point{
					ID:     ch.ID,
					Vector: vectors[i],
					Payload: map[string]any{
						qdrant.PayloadOrgIDKey:      ch.OrgID.String(),
						qdrant.PayloadDocumentIDKey: ch.DocumentID.String(),
						qdrant.PayloadChunkIndexKey: ch.ChunkIndex,
						qdrant.PayloadContentKey:    ch.Content,
						qdrant.PayloadFilenameKey:   doc.Filename,
					},
				}
			}
			if err := h.vectors.Upsert(gctx, points); err != nil {
				return fmt.Errorf("index batch at chunk %d: %w", batch[0].ChunkIndex, err)
			}
			return nil
		})
	}
	return g.Wait()
}
