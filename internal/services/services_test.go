package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/blob"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/kv"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/qdrant"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

func testIdentity(orgID, userID uuid.UUID, role string) context.Context {
	return requestmeta.WithIdentity(context.Background(), &requestmeta.Identity{
		UserID: userID,
		OrgID:  orgID,
		Role:   role,
		Email:  "test@example.com",
	})
}

func testDBC(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }

// ---- kv ----

type fakeKVEntry struct {
	value string
	ttl   time.Duration
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]fakeKVEntry

	getErr  error
	setErr  error
	mgetErr error
	delErr  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]fakeKVEntry{}}
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	e, ok := f.data[key]
	return e.value, ok, nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = fakeKVEntry{value: value, ttl: ttl}
	return nil
}

func (f *fakeKV) SetAll(ctx context.Context, entries []kv.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	for _, e := range entries {
		f.data[e.Key] = fakeKVEntry{value: e.Value, ttl: e.TTL}
	}
	return nil
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgetErr != nil {
		return nil, f.mgetErr
	}
	out := make([]*string, len(keys))
	for i, k := range keys {
		if e, ok := f.data[k]; ok {
			v := e.value
			out[i] = &v
		}
	}
	return out, nil
}

func (f *fakeKV) Ping(ctx context.Context) error { return nil }
func (f *fakeKV) Close() error                   { return nil }

// ---- provider / embedder ----

type fakeChatProvider struct {
	name     string
	chatFn   func(ctx context.Context, msgs []llm.Message, promptName string) (*llm.Result, error)
	streamFn func(ctx context.Context, msgs []llm.Message, cb llm.StreamCallbacks) error
}

func (f *fakeChatProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeChatProvider) Chat(ctx context.Context, msgs []llm.Message, promptName string) (*llm.Result, error) {
	if f.chatFn == nil {
		return &llm.Result{Text: "ok", Provider: f.Name()}, nil
	}
	return f.chatFn(ctx, msgs, promptName)
}

func (f *fakeChatProvider) StreamChat(ctx context.Context, msgs []llm.Message, cb llm.StreamCallbacks) error {
	if f.streamFn == nil {
		return nil
	}
	return f.streamFn(ctx, msgs, cb)
}

func (f *fakeChatProvider) EstimateTokens(text string) int            { return llm.EstimateTokens(text) }
func (f *fakeChatProvider) WouldExceedBudget(msgs []llm.Message) bool { return false }

type fakeEmbedder struct {
	dim     int
	embedFn func(ctx context.Context, inputs []string) ([][]float32, error)
}

func (f *fakeEmbedder) Dim() int {
	if f.dim == 0 {
		return 3
	}
	return f.dim
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, inputs)
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = make([]float32, f.Dim())
	}
	return out, nil
}

// ---- repos ----

type fakeMessageRepo struct {
	mu              sync.Mutex
	rows            []*types.Message
	createErr       error
	seq             int
	listRecentCalls int
}

func (f *fakeMessageRepo) Create(dbc dbctx.Context, rows []*types.Message) ([]*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		f.seq++
		r.CreatedAt = time.Unix(0, int64(f.seq)*int64(time.Millisecond))
		f.rows = append(f.rows, r)
	}
	return rows, nil
}

func (f *fakeMessageRepo) byChat(chatID uuid.UUID) []*types.Message {
	var out []*types.Message
	for _, r := range f.rows {
		if r.ChatID == chatID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeMessageRepo) ListByChat(dbc dbctx.Context, chatID uuid.UUID, limit int) ([]*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.byChat(chatID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageRepo) ListRecent(dbc dbctx.Context, chatID uuid.UUID, limit int) ([]*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listRecentCalls++
	asc := f.byChat(chatID)
	out := make([]*types.Message, 0, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		out = append(out, asc[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) CountByChat(dbc dbctx.Context, chatID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.byChat(chatID))), nil
}

func (f *fakeMessageRepo) DeleteByChat(dbc dbctx.Context, chatID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.ChatID != chatID {
			kept = append(kept, r)
		}
	}
	f.rows = kept
	return nil
}

type fakeSummaryRepo struct {
	mu        sync.Mutex
	rows      []*types.Summary
	createErr error
}

func (f *fakeSummaryRepo) Create(dbc dbctx.Context, rows []*types.Summary) ([]*types.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		f.rows = append(f.rows, r)
	}
	return rows, nil
}

func (f *fakeSummaryRepo) GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.Summary
	for _, r := range f.rows {
		if r.ChatID != chatID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, nil
}

func (f *fakeSummaryRepo) DeleteByChat(dbc dbctx.Context, chatID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.ChatID != chatID {
			kept = append(kept, r)
		}
	}
	f.rows = kept
	return nil
}

type fakeChatRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Chat
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{rows: map[uuid.UUID]*types.Chat{}}
}

func (f *fakeChatRepo) Create(dbc dbctx.Context, rows []*types.Chat) ([]*types.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.CreatedAt = time.Now()
		f.rows[r.ID] = r
	}
	return rows, nil
}

func (f *fakeChatRepo) GetByID(dbc dbctx.Context, orgID, id uuid.UUID) (*types.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.OrgID != orgID {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (f *fakeChatRepo) ListByUser(dbc dbctx.Context, orgID, userID uuid.UUID, limit int) ([]*types.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Chat
	for _, r := range f.rows {
		if r.OrgID == orgID && r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (f *fakeChatRepo) UpdateFields(dbc dbctx.Context, orgID, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.OrgID != orgID {
		return false, nil
	}
	if title, ok := updates["title"].(string); ok {
		row.Title = title
	}
	return true, nil
}

func (f *fakeChatRepo) TouchLastMessage(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		row.LastMessageAt = at
	}
	return nil
}

func (f *fakeChatRepo) SoftDelete(dbc dbctx.Context, orgID, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.OrgID != orgID {
		return false, nil
	}
	delete(f.rows, id)
	return true, nil
}

type fakePromptRepo struct {
	mu   sync.Mutex
	rows []*types.Prompt

	recordUsageCalls int
	getActiveErr     error
}

func (f *fakePromptRepo) CreateNextVersion(dbc dbctx.Context, name, content string, createdBy *uuid.UUID, metadata datatypes.JSON, activate bool) (*types.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version := 1
	for _, r := range f.rows {
		if r.Name == name && r.Version >= version {
			version = r.Version + 1
		}
		if r.Name == name && activate {
			r.Active = false
		}
	}
	row := &types.Prompt{
		ID:        uuid.New(),
		Name:      name,
		Version:   version,
		Content:   content,
		Active:    activate,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	f.rows = append(f.rows, row)
	return row, nil
}

func (f *fakePromptRepo) Activate(dbc dbctx.Context, name string, version int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var target *types.Prompt
	for _, r := range f.rows {
		if r.Name == name && r.Version == version {
			target = r
		}
	}
	if target == nil {
		return false, nil
	}
	for _, r := range f.rows {
		if r.Name == name {
			r.Active = false
		}
	}
	target.Active = true
	return true, nil
}

func (f *fakePromptRepo) GetActive(dbc dbctx.Context, name string) (*types.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getActiveErr != nil {
		return nil, f.getActiveErr
	}
	for _, r := range f.rows {
		if r.Name == name && r.Active {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakePromptRepo) GetByNameVersion(dbc dbctx.Context, name string, version int) (*types.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.Name == name && r.Version == version {
			return r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePromptRepo) ListByName(dbc dbctx.Context, name string) ([]*types.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Prompt
	for _, r := range f.rows {
		if r.Name == name {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (f *fakePromptRepo) List(dbc dbctx.Context) ([]*types.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Prompt, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakePromptRepo) RecordUsage(dbc dbctx.Context, id uuid.UUID, totalTokens int, latencyMs float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordUsageCalls++
	for _, r := range f.rows {
		if r.ID == id {
			r.UsageCount++
		}
	}
	return nil
}

type fakeDocumentRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Document
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{rows: map[uuid.UUID]*types.Document{}}
}

func (f *fakeDocumentRepo) Create(dbc dbctx.Context, rows []*types.Document) ([]*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.CreatedAt = time.Now()
		f.rows[r.ID] = r
	}
	return rows, nil
}

func (f *fakeDocumentRepo) GetByID(dbc dbctx.Context, orgID, id uuid.UUID) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.OrgID != orgID {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (f *fakeDocumentRepo) GetAnyByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (f *fakeDocumentRepo) ListByOrg(dbc dbctx.Context, orgID uuid.UUID, limit int) ([]*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Document
	for _, r := range f.rows {
		if r.OrgID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDocumentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if status, ok := updates["status"].(string); ok {
		row.Status = status
	}
	if errMsg, ok := updates["error"].(string); ok {
		row.Error = errMsg
	}
	return nil
}

func (f *fakeDocumentRepo) SoftDelete(dbc dbctx.Context, orgID, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.OrgID != orgID {
		return false, nil
	}
	delete(f.rows, id)
	return true, nil
}

type fakeChunkRepo struct {
	mu   sync.Mutex
	rows []*types.DocumentChunk
}

func (f *fakeChunkRepo) BulkUpsert(dbc dbctx.Context, rows []*types.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		f.rows = append(f.rows, r)
	}
	return nil
}

func (f *fakeChunkRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.DocumentChunk
	for _, r := range f.rows {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (f *fakeChunkRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*types.DocumentChunk
	for _, r := range f.rows {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeChunkRepo) CountByDocument(dbc dbctx.Context, documentID uuid.UUID) (int64, error) {
	rows, _ := f.ListByDocument(dbc, documentID)
	return int64(len(rows)), nil
}

func (f *fakeChunkRepo) DeleteByDocument(dbc dbctx.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.DocumentID != documentID {
			kept = append(kept, r)
		}
	}
	f.rows = kept
	return nil
}

type fakeJobRepo struct {
	mu         sync.Mutex
	enqueued   []*types.Job
	enqueueErr error
}

func (f *fakeJobRepo) Enqueue(dbc dbctx.Context, job *types.Job) (*types.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, false, f.enqueueErr
	}
	for _, existing := range f.enqueued {
		if job.DedupKey != "" && existing.DedupKey == job.DedupKey {
			return existing, false, nil
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = types.JobStatusPending
	f.enqueued = append(f.enqueued, job)
	return job, true, nil
}

func (f *fakeJobRepo) ClaimNext(dbc dbctx.Context, kinds []string, staleRunning time.Duration) (*types.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }
func (f *fakeJobRepo) Complete(dbc dbctx.Context, id uuid.UUID) error  { return nil }
func (f *fakeJobRepo) Fail(dbc dbctx.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	return nil
}
func (f *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	return nil, gorm.ErrRecordNotFound
}
func (f *fakeJobRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (f *fakeJobRepo) PurgeCompletedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeJobRepo) PurgeFailedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// ---- vector store / blob ----

type fakeVectorStore struct {
	mu            sync.Mutex
	upserted      []qdrant.Point
	deleteFilters []map[string]any
	searchFn      func(ctx context.Context, orgID uuid.UUID, vector []float32, limit int, filter map[string]any) ([]qdrant.Match, error)
	deleteErr     error
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeVectorStore) Upsert(ctx context.Context, points []qdrant.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, orgID uuid.UUID, vector []float32, limit int, filter map[string]any) ([]qdrant.Match, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(ctx, orgID, vector, limit, filter)
}

func (f *fakeVectorStore) DeleteByFilter(ctx context.Context, orgID uuid.UUID, filter map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleteFilters = append(f.deleteFilters, filter)
	return nil
}

type fakeBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	deleteErr error
	deleted   []string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobStore) Attrs(ctx context.Context, key string) (*blob.ObjectAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return &blob.ObjectAttrs{Size: int64(len(data))}, nil
}
