package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/loqui-backend/internal/requestmeta"
	"github.com/yungbote/loqui-backend/internal/services"
)

type HealthHandler struct {
	health services.HealthService
	env    string
}

func NewHealthHandler(health services.HealthService, env string) *HealthHandler {
	return &HealthHandler{health: health, env: env}
}

// GET /health pings the database and the KV store; any red dependency turns
// the whole report 503 so orchestrators stop routing here.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	if !report.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"services":  report.Services,
		"env":       h.env,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"requestId": requestmeta.GetRequestID(c.Request.Context()),
	})
}
