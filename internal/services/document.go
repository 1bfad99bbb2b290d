package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/config"
	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/platform/blob"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
	"github.com/yungbote/loqui-backend/internal/platform/qdrant"
	"github.com/yungbote/loqui-backend/internal/repos"
)

const pdfMimeType = "application/pdf"

// UploadInput is one incoming document. Body is read exactly once, straight
// into blob storage.
type UploadInput struct {
	OrgID    uuid.UUID
	UserID   uuid.UUID
	Filename string
	MimeType string
	Size     int64
	Body     io.Reader
}

// DocumentSearchResult is one semantic search hit, resolved entirely from
// the vector payload so a search never touches Postgres.
type DocumentSearchResult struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	Score      float64   `json:"score"`
	Content    string    `json:"content"`
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
}

// DocumentService owns the synchronous half of ingestion: validate, store
// the blob, insert the row, enqueue the parse job. The asynchronous half
// lives in the job handler.
type DocumentService interface {
	Upload(dbc dbctx.Context, in UploadInput) (*types.Document, error)
	List(dbc dbctx.Context, orgID uuid.UUID, limit int) ([]*types.Document, error)
	Get(dbc dbctx.Context, orgID, id uuid.UUID) (*types.Document, error)
	// Delete removes the row, its chunks, its vector points and (best
	// effort) its blob. Cross-tenant ids surface as not-found.
	Delete(dbc dbctx.Context, orgID, id uuid.UUID) error
	Search(ctx context.Context, orgID uuid.UUID, query string, limit int) ([]DocumentSearchResult, error)
}

type documentService struct {
	log     *logger.Logger
	docs    repos.DocumentRepo
	chunks  repos.ChunkRepo
	jobs    repos.JobRepo
	blobs   blob.Store
	embed   llm.Embedder
	vectors qdrant.VectorStore
	metrics *observability.Metrics

	maxUploadBytes int64
}

func NewDocumentService(
	docRepo repos.DocumentRepo,
	chunkRepo repos.ChunkRepo,
	jobRepo repos.JobRepo,
	blobStore blob.Store,
	embedder llm.Embedder,
	vectors qdrant.VectorStore,
	cfg config.IngestConfig,
	metrics *observability.Metrics,
	baseLog *logger.Logger,
) DocumentService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &documentService{
		log:            baseLog.With("service", "DocumentService"),
		docs:           docRepo,
		chunks:         chunkRepo,
		jobs:           jobRepo,
		blobs:          blobStore,
		embed:          embedder,
		vectors:        vectors,
		metrics:        metrics,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

func (s *documentService) Upload(dbc dbctx.Context, in UploadInput) (*types.Document, error) {
	mime := strings.ToLower(strings.TrimSpace(in.MimeType))
	if mime != pdfMimeType {
		return nil, apierr.New(http.StatusBadRequest, "unsupported_media_type",
			fmt.Errorf("unsupported mime type %q, only %s is accepted", in.MimeType, pdfMimeType))
	}
	if in.Size <= 0 {
		return nil, apierr.New(http.StatusBadRequest, "empty_file", errors.New("file is empty"))
	}
	if in.Size > s.maxUploadBytes {
		return nil, apierr.New(http.StatusBadRequest, "file_too_large",
			fmt.Errorf("file is %d bytes, limit is %d", in.Size, s.maxUploadBytes))
	}

	filename := filepath.Base(strings.TrimSpace(in.Filename))
	if filename == "" || filename == "." || filename == "/" {
		filename = "document.pdf"
	}

	blobKey := fmt.Sprintf("%s/%s.pdf", in.OrgID, uuid.New())
	if err := s.blobs.Upload(dbc.Ctx, blobKey, in.Body, mime); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}

	doc := &types.Document{
		OrgID:     in.OrgID,
		UserID:    in.UserID,
		Filename:  filename,
		MimeType:  mime,
		SizeBytes: in.Size,
		BlobKey:   blobKey,
		Status:    types.DocumentStatusUploaded,
	}
	if _, err := s.docs.Create(dbc, []*types.Document{doc}); err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"document_id": doc.ID,
		"org_id":      in.OrgID,
	})
	job := &types.Job{
		OrgID:       in.OrgID,
		Kind:        types.JobKindParseDocument,
		DedupKey:    "doc-" + doc.ID.String(),
		Payload:     payload,
		MaxAttempts: 3,
		RunAt:       time.Now(),
	}
	if _, _, err := s.jobs.Enqueue(dbc, job); err != nil {
		return nil, fmt.Errorf("enqueue parse job: %w", err)
	}

	s.metrics.IncDocumentIngested(types.DocumentStatusUploaded)
	s.log.Info("Document uploaded",
		"document_id", doc.ID,
		"org_id", in.OrgID,
		"filename", filename,
		"size_bytes", in.Size,
	)
	return doc, nil
}

func (s *documentService) List(dbc dbctx.Context, orgID uuid.UUID, limit int) ([]*types.Document, error) {
	return s.docs.ListByOrg(dbc, orgID, limit)
}

func (s *documentService) Get(dbc dbctx.Context, orgID, id uuid.UUID) (*types.Document, error) {
	return s.docs.GetByID(dbc, orgID, id)
}

func (s *documentService) Delete(dbc dbctx.Context, orgID, id uuid.UUID) error {
	doc, err := s.docs.GetByID(dbc, orgID, id)
	if err != nil {
		return err
	}

	filter := map[string]any{qdrant.PayloadDocumentIDKey: id.String()}
	if err := s.vectors.DeleteByFilter(dbc.Ctx, orgID, filter); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := s.chunks.DeleteByDocument(dbc, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.docs.SoftDelete(dbc, orgID, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	if doc.BlobKey != "" {
		if err := s.blobs.Delete(dbc.Ctx, doc.BlobKey); err != nil {
			s.log.Warn("Blob delete failed, object orphaned",
				"document_id", id, "blob_key", doc.BlobKey, "error", err)
		}
	}

	s.log.Info("Document deleted", "document_id", id, "org_id", orgID)
	return nil
}

func (s *documentService) Search(ctx context.Context, orgID uuid.UUID, query string, limit int) ([]DocumentSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apierr.New(http.StatusBadRequest, "empty_query", errors.New("query must not be empty"))
	}
	if limit <= 0 {
		limit = ragDefaultLimit
	}
	if limit > 20 {
		limit = 20
	}

	vecs, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.vectors.Search(ctx, orgID, vecs[0], limit, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]DocumentSearchResult, 0, len(matches))
	for _, m := range matches {
		content, _ := m.Payload[qdrant.PayloadContentKey].(string)
		filename, _ := m.Payload[qdrant.PayloadFilenameKey].(string)
		res := DocumentSearchResult{
			ChunkID:  m.ID,
			Score:    m.Score,
			Content:  content,
			Filename: filename,
		}
		if rawID, _ := m.Payload[qdrant.PayloadDocumentIDKey].(string); rawID != "" {
			if docID, err := uuid.Parse(rawID); err == nil {
				res.DocumentID = docID
			}
		}
		out = append(out, res)
	}
	return out, nil
}
