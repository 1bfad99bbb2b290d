package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
	"github.com/yungbote/loqui-backend/internal/services"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// withIdentity injects a resolved identity the way the middleware would.
func withIdentity(id *requestmeta.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := requestmeta.WithIdentity(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func testIdentity() *requestmeta.Identity {
	return &requestmeta.Identity{
		UserID: uuid.New(),
		OrgID:  uuid.New(),
		Role:   requestmeta.RoleMember,
		Email:  "member@example.com",
	}
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal response: %v (%s)", err, body)
	}
	return out
}

type fakeQuotaService struct {
	peek  *services.QuotaDecision
	debit *services.QuotaDecision
}

func (f *fakeQuotaService) Debit(ctx context.Context, orgID uuid.UUID) *services.QuotaDecision {
	if f.debit != nil {
		return f.debit
	}
	return &services.QuotaDecision{Allowed: true, Limit: 20, Remaining: 19, ResetAt: time.Now().Add(time.Second)}
}

func (f *fakeQuotaService) Peek(ctx context.Context, orgID uuid.UUID) *services.QuotaDecision {
	if f.peek != nil {
		return f.peek
	}
	return &services.QuotaDecision{Allowed: true, Limit: 20, Remaining: 20, ResetAt: time.Now()}
}

type fakeHealthService struct {
	status *services.HealthStatus
}

func (f *fakeHealthService) Check(ctx context.Context) *services.HealthStatus {
	if f.status != nil {
		return f.status
	}
	return &services.HealthStatus{Healthy: true, Services: map[string]string{"database": "ok", "kv": "ok"}}
}

func TestQuotaPeekReportsBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reset := time.Now().Add(5 * time.Second).UTC()
	h := NewQuotaHandler(&fakeQuotaService{
		peek: &services.QuotaDecision{Allowed: true, Limit: 20, Remaining: 12, ResetAt: reset},
	})

	r := gin.New()
	r.Use(withIdentity(testIdentity()))
	r.GET("/api/quota", h.Peek)

	req := httptest.NewRequest(http.MethodGet, "/api/quota", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec.Body.Bytes())
	if body["limit"] != float64(20) || body["remaining"] != float64(12) {
		t.Fatalf("bucket fields wrong: %v", body)
	}
	if body["reset_at"] == nil {
		t.Fatal("reset_at missing")
	}
}

func TestQuotaPeekRequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := NewQuotaHandler(&fakeQuotaService{})
	r := gin.New()
	r.GET("/api/quota", h.Peek)

	req := httptest.NewRequest(http.MethodGet, "/api/quota", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: want=401 got=%d", rec.Code)
	}
}

func TestHealthCheckHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := NewHealthHandler(&fakeHealthService{}, "test")
	r := gin.New()
	r.GET("/health", h.HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	body := decodeBody(t, rec.Body.Bytes())
	if body["status"] != "healthy" || body["env"] != "test" {
		t.Fatalf("body wrong: %v", body)
	}
	svcs, ok := body["services"].(map[string]any)
	if !ok || svcs["database"] != "ok" || svcs["kv"] != "ok" {
		t.Fatalf("services wrong: %v", body["services"])
	}
}

func TestHealthCheckDegradedIs503(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := NewHealthHandler(&fakeHealthService{
		status: &services.HealthStatus{
			Healthy:  false,
			Services: map[string]string{"database": "error", "kv": "ok"},
		},
	}, "test")
	r := gin.New()
	r.GET("/health", h.HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: want=503 got=%d", rec.Code)
	}
	body := decodeBody(t, rec.Body.Bytes())
	if body["status"] != "unhealthy" {
		t.Fatalf("status field wrong: %v", body)
	}
}
