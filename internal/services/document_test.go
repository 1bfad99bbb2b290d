package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/platform/qdrant"
)

type documentFixture struct {
	svc     *documentService
	docs    *fakeDocumentRepo
	chunks  *fakeChunkRepo
	jobs    *fakeJobRepo
	blobs   *fakeBlobStore
	embed   *fakeEmbedder
	vectors *fakeVectorStore
}

func newDocumentFixture(t *testing.T) *documentFixture {
	t.Helper()
	f := &documentFixture{
		docs:    newFakeDocumentRepo(),
		chunks:  &fakeChunkRepo{},
		jobs:    &fakeJobRepo{},
		blobs:   newFakeBlobStore(),
		embed:   &fakeEmbedder{},
		vectors: &fakeVectorStore{},
	}
	f.svc = &documentService{
		log:            newTestLogger(t).With("service", "DocumentService"),
		docs:           f.docs,
		chunks:         f.chunks,
		jobs:           f.jobs,
		blobs:          f.blobs,
		embed:          f.embed,
		vectors:        f.vectors,
		maxUploadBytes: 1 << 20,
	}
	return f
}

func pdfUpload(orgID, userID uuid.UUID, filename string, size int64) UploadInput {
	return UploadInput{
		OrgID:    orgID,
		UserID:   userID,
		Filename: filename,
		MimeType: "application/pdf",
		Size:     size,
		Body:     strings.NewReader("%PDF-1.4 fake"),
	}
}

func TestDocumentUploadRejectsNonPDF(t *testing.T) {
	f := newDocumentFixture(t)
	in := pdfUpload(uuid.New(), uuid.New(), "notes.txt", 10)
	in.MimeType = "text/plain"

	_, err := f.svc.Upload(testDBC(context.Background()), in)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Code != "unsupported_media_type" {
		t.Fatalf("want 400 unsupported_media_type got %v", err)
	}
	if len(f.blobs.objects) != 0 {
		t.Fatalf("rejected upload must not reach blob storage")
	}
}

func TestDocumentUploadRejectsBadSizes(t *testing.T) {
	f := newDocumentFixture(t)
	orgID, userID := uuid.New(), uuid.New()

	_, err := f.svc.Upload(testDBC(context.Background()), pdfUpload(orgID, userID, "a.pdf", 0))
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != "empty_file" {
		t.Fatalf("zero size: want empty_file got %v", err)
	}

	_, err = f.svc.Upload(testDBC(context.Background()), pdfUpload(orgID, userID, "a.pdf", (1<<20)+1))
	if !errors.As(err, &apiErr) || apiErr.Code != "file_too_large" {
		t.Fatalf("oversize: want file_too_large got %v", err)
	}
}

func TestDocumentUploadStoresBlobRowAndJob(t *testing.T) {
	f := newDocumentFixture(t)
	orgID, userID := uuid.New(), uuid.New()

	doc, err := f.svc.Upload(testDBC(context.Background()), pdfUpload(orgID, userID, "report.pdf", 13))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Status != types.DocumentStatusUploaded {
		t.Fatalf("status: want=uploaded got=%s", doc.Status)
	}
	if doc.Filename != "report.pdf" || doc.SizeBytes != 13 {
		t.Fatalf("row fields wrong: %+v", doc)
	}
	if !strings.HasPrefix(doc.BlobKey, orgID.String()+"/") || !strings.HasSuffix(doc.BlobKey, ".pdf") {
		t.Fatalf("blob key shape: got=%s", doc.BlobKey)
	}
	if _, ok := f.blobs.objects[doc.BlobKey]; !ok {
		t.Fatalf("blob bytes not stored under %s", doc.BlobKey)
	}

	if len(f.jobs.enqueued) != 1 {
		t.Fatalf("jobs enqueued: want=1 got=%d", len(f.jobs.enqueued))
	}
	job := f.jobs.enqueued[0]
	if job.Kind != types.JobKindParseDocument {
		t.Fatalf("job kind: want=%s got=%s", types.JobKindParseDocument, job.Kind)
	}
	if job.DedupKey != "doc-"+doc.ID.String() {
		t.Fatalf("dedup key: got=%s", job.DedupKey)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("max attempts: want=3 got=%d", job.MaxAttempts)
	}
	var payload struct {
		DocumentID uuid.UUID `json:"document_id"`
		OrgID      uuid.UUID `json:"org_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.DocumentID != doc.ID || payload.OrgID != orgID {
		t.Fatalf("payload ids wrong: %+v", payload)
	}
}

func TestDocumentUploadSanitizesFilename(t *testing.T) {
	f := newDocumentFixture(t)
	dbc := testDBC(context.Background())

	doc, err := f.svc.Upload(dbc, pdfUpload(uuid.New(), uuid.New(), "../../etc/passwd", 5))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Filename != "passwd" {
		t.Fatalf("path components must be stripped, got %q", doc.Filename)
	}

	doc, err = f.svc.Upload(dbc, pdfUpload(uuid.New(), uuid.New(), "", 5))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Filename != "document.pdf" {
		t.Fatalf("blank filename fallback: got %q", doc.Filename)
	}
}

func TestDocumentDeleteScrubsAllStores(t *testing.T) {
	f := newDocumentFixture(t)
	orgID := uuid.New()
	dbc := testDBC(context.Background())

	doc, err := f.svc.Upload(dbc, pdfUpload(orgID, uuid.New(), "a.pdf", 5))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := f.chunks.BulkUpsert(dbc, []*types.DocumentChunk{
		{DocumentID: doc.ID, OrgID: orgID, ChunkIndex: 0, Content: "x"},
	}); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}

	if err := f.svc.Delete(dbc, orgID, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(f.vectors.deleteFilters) != 1 {
		t.Fatalf("vector delete calls: want=1 got=%d", len(f.vectors.deleteFilters))
	}
	if got := f.vectors.deleteFilters[0][qdrant.PayloadDocumentIDKey]; got != doc.ID.String() {
		t.Fatalf("vector delete filter: got=%v", got)
	}
	if n, _ := f.chunks.CountByDocument(dbc, doc.ID); n != 0 {
		t.Fatalf("chunks must be deleted, %d left", n)
	}
	if _, err := f.docs.GetByID(dbc, orgID, doc.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("document row must be gone, got %v", err)
	}
	if _, ok := f.blobs.objects[doc.BlobKey]; ok {
		t.Fatalf("blob must be deleted")
	}
}

func TestDocumentDeleteSurvivesBlobFailure(t *testing.T) {
	f := newDocumentFixture(t)
	orgID := uuid.New()
	dbc := testDBC(context.Background())

	doc, err := f.svc.Upload(dbc, pdfUpload(orgID, uuid.New(), "a.pdf", 5))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	f.blobs.deleteErr = errors.New("bucket unavailable")

	if err := f.svc.Delete(dbc, orgID, doc.ID); err != nil {
		t.Fatalf("blob failure must not fail the delete: %v", err)
	}
}

func TestDocumentDeleteCrossTenantIsNotFound(t *testing.T) {
	f := newDocumentFixture(t)
	dbc := testDBC(context.Background())

	doc, err := f.svc.Upload(dbc, pdfUpload(uuid.New(), uuid.New(), "a.pdf", 5))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	err = f.svc.Delete(dbc, uuid.New(), doc.ID)
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("cross-tenant delete: want record-not-found got %v", err)
	}
	if len(f.vectors.deleteFilters) != 0 {
		t.Fatalf("cross-tenant delete must not touch vectors")
	}
}

func TestDocumentSearchValidatesQuery(t *testing.T) {
	f := newDocumentFixture(t)

	_, err := f.svc.Search(context.Background(), uuid.New(), "  ", 5)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != "empty_query" {
		t.Fatalf("want empty_query got %v", err)
	}
}

func TestDocumentSearchMapsVectorPayload(t *testing.T) {
	f := newDocumentFixture(t)
	docID := uuid.New()
	chunkID := uuid.New()
	var sawLimit int
	f.vectors.searchFn = func(ctx context.Context, orgID uuid.UUID, vector []float32, limit int, filter map[string]any) ([]qdrant.Match, error) {
		sawLimit = limit
		return []qdrant.Match{{
			ID:    chunkID,
			Score: 0.77,
			Payload: map[string]any{
				qdrant.PayloadContentKey:    "chunk text",
				qdrant.PayloadFilenameKey:   "spec.pdf",
				qdrant.PayloadDocumentIDKey: docID.String(),
			},
		}}, nil
	}

	out, err := f.svc.Search(context.Background(), uuid.New(), "chunk", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if sawLimit != 20 {
		t.Fatalf("limit must cap at 20, got %d", sawLimit)
	}
	if len(out) != 1 {
		t.Fatalf("results: want=1 got=%d", len(out))
	}
	res := out[0]
	if res.ChunkID != chunkID || res.DocumentID != docID || res.Filename != "spec.pdf" || res.Content != "chunk text" || res.Score != 0.77 {
		t.Fatalf("result mapping wrong: %+v", res)
	}
}
