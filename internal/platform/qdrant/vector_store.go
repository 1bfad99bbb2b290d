package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// Payload keys written with every point. Search and DeleteByFilter always
// pin PayloadOrgIDKey so one tenant can never read or remove another
// tenant's vectors, whatever the caller-supplied filter says.
const (
	PayloadOrgIDKey      = "org_id"
	PayloadDocumentIDKey = "document_id"
	PayloadChunkIndexKey = "chunk_index"
	PayloadContentKey    = "content"
	PayloadFilenameKey   = "filename"

	maxErrorBodyBytes = 1024
)

// Point is one embedded chunk. ID doubles as the qdrant point id, so
// re-upserting the same chunk overwrites its previous vector in place.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload map[string]any
}

type Match struct {
	ID      uuid.UUID
	Score   float64
	Payload map[string]any
}

type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, orgID uuid.UUID, vector []float32, limit int, filter map[string]any) ([]Match, error)
	DeleteByFilter(ctx context.Context, orgID uuid.UUID, filter map[string]any) error
}

type vectorStore struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type qdrantCollectionInfo struct {
	Config struct {
		Params struct {
			Vectors json.RawMessage `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

type qdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

func NewVectorStore(log *logger.Logger, cfg Config) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &vectorStore{
		log:     log.With("component", "QdrantVectorStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// EnsureCollection creates the collection (cosine distance, configured
// dimension) if it does not exist yet, and verifies the dimension when it
// does. On create it also adds a keyword payload index on org_id, which
// every search and delete filters on.
func (s *vectorStore) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	info, found, err := s.getCollection(ctx, op)
	if err != nil {
		return err
	}
	if found {
		return s.checkCollectionParams(op, info)
	}

	createBody := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.VectorDim,
			"distance": "Cosine",
		},
	}
	if err := s.doJSON(ctx, op, http.MethodPut, "/collections/"+s.cfg.Collection, createBody, nil); err != nil {
		return err
	}

	indexBody := map[string]any{
		"field_name":   PayloadOrgIDKey,
		"field_schema": "keyword",
	}
	indexPath := "/collections/" + s.cfg.Collection + "/index?wait=true"
	if err := s.doJSON(ctx, op, http.MethodPut, indexPath, indexBody, nil); err != nil {
		s.log.Warn("Qdrant payload index creation failed", "field", PayloadOrgIDKey, "error", err)
	}

	s.log.Info("Qdrant collection created",
		"collection", s.cfg.Collection,
		"dim", s.cfg.VectorDim,
	)
	return nil
}

func (s *vectorStore) getCollection(ctx context.Context, op string) (qdrantCollectionInfo, bool, error) {
	var info qdrantCollectionInfo
	err := s.doJSON(ctx, op, http.MethodGet, "/collections/"+s.cfg.Collection, nil, &info)
	if err == nil {
		return info, true, nil
	}
	var opError *OperationError
	if errors.As(err, &opError) && opError.StatusCode == http.StatusNotFound {
		return qdrantCollectionInfo{}, false, nil
	}
	return qdrantCollectionInfo{}, false, err
}

func (s *vectorStore) checkCollectionParams(op string, info qdrantCollectionInfo) error {
	if len(info.Config.Params.Vectors) == 0 {
		return nil
	}
	var params qdrantVectorParams
	if err := json.Unmarshal(info.Config.Params.Vectors, &params); err != nil {
		// Named-vector collections encode params as a map; nothing to verify.
		return nil
	}
	if params.Size != 0 && params.Size != s.cfg.VectorDim {
		return opErr(op, OperationErrorCollectionMismatch,
			fmt.Sprintf("collection %q has dimension %d, want %d", s.cfg.Collection, params.Size, s.cfg.VectorDim), nil)
	}
	if params.Distance != "" && !strings.EqualFold(params.Distance, "cosine") {
		return opErr(op, OperationErrorCollectionMismatch,
			fmt.Sprintf("collection %q uses distance %q, want cosine", s.cfg.Collection, params.Distance), nil)
	}
	return nil
}

func (s *vectorStore) Upsert(ctx context.Context, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]map[string]any, 0, len(points))
	for i, p := range points {
		if p.ID == uuid.Nil {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("point %d has no id", i), nil)
		}
		if len(p.Vector) != s.cfg.VectorDim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("point %d has dimension %d, want %d", i, len(p.Vector), s.cfg.VectorDim), nil)
		}
		if orgID, _ := p.Payload[PayloadOrgIDKey].(string); strings.TrimSpace(orgID) == "" {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("point %d payload is missing %s", i, PayloadOrgIDKey), nil)
		}
		qpoints = append(qpoints, map[string]any{
			"id":      p.ID.String(),
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}

	body := map[string]any{"points": qpoints}
	path := "/collections/" + s.cfg.Collection + "/points?wait=true"
	return s.doJSON(ctx, op, http.MethodPut, path, body, nil)
}

// Search runs a similarity query scoped to one org. The org condition is
// merged into the translated filter server-side of any caller input, so an
// empty or adversarial filter still cannot cross tenants.
func (s *vectorStore) Search(ctx context.Context, orgID uuid.UUID, vector []float32, limit int, filter map[string]any) ([]Match, error) {
	const op = "search"
	if orgID == uuid.Nil {
		return nil, opErr(op, OperationErrorValidation, "org id required", nil)
	}
	if len(vector) != s.cfg.VectorDim {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector has dimension %d, want %d", len(vector), s.cfg.VectorDim), nil)
	}
	if limit <= 0 {
		return nil, opErr(op, OperationErrorValidation, "limit must be positive", nil)
	}

	translated, err := translateFilterMap(filter)
	if err != nil {
		return nil, err
	}
	translated.Must = append([]any{qdrantMatchCondition(PayloadOrgIDKey, orgID.String())}, translated.Must...)

	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"filter":       translated.asMap(),
	}

	var items []qdrantSearchResultItem
	path := "/collections/" + s.cfg.Collection + "/points/search"
	if err := s.doJSON(ctx, op, http.MethodPost, path, body, &items); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(items))
	for _, item := range items {
		id, ok := parsePointID(item.ID)
		if !ok {
			s.log.Warn("Qdrant returned a non-uuid point id", "raw", string(item.ID))
			continue
		}
		matches = append(matches, Match{ID: id, Score: item.Score, Payload: item.Payload})
	}
	return matches, nil
}

func (s *vectorStore) DeleteByFilter(ctx context.Context, orgID uuid.UUID, filter map[string]any) error {
	const op = "delete_by_filter"
	if orgID == uuid.Nil {
		return opErr(op, OperationErrorValidation, "org id required", nil)
	}

	translated, err := translateFilterMap(filter)
	if err != nil {
		return err
	}
	translated.Must = append([]any{qdrantMatchCondition(PayloadOrgIDKey, orgID.String())}, translated.Must...)

	body := map[string]any{"filter": translated.asMap()}
	path := "/collections/" + s.cfg.Collection + "/points/delete?wait=true"
	return s.doJSON(ctx, op, http.MethodPost, path, body, nil)
}

func parsePointID(raw json.RawMessage) (uuid.UUID, bool) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(asString)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *vectorStore) doJSON(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return opErr(op, OperationErrorEncodeFailed, "marshal request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return opErr(op, OperationErrorValidation, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil
	}

	var envelope qdrantEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode response envelope", err)
	}
	if len(envelope.Result) == 0 {
		return opErr(op, OperationErrorDecodeFailed, "response envelope has no result", nil)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode result", err)
	}
	return nil
}

func classifyHTTPCallError(op, phase string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return opErr(op, OperationErrorTimeout, phase, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return opErr(op, OperationErrorTimeout, phase, err)
	default:
		return opErr(op, OperationErrorTransportFailed, phase, err)
	}
}
