package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/loqui-backend/internal/http/response"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
	"github.com/yungbote/loqui-backend/internal/services"
)

type QuotaHandler struct {
	quota services.QuotaService
}

func NewQuotaHandler(quota services.QuotaService) *QuotaHandler {
	return &QuotaHandler{quota: quota}
}

// GET /api/quota reports the caller's bucket without consuming from it.
func (h *QuotaHandler) Peek(c *gin.Context) {
	id := requestmeta.GetIdentity(c.Request.Context())
	if id == nil {
		response.RespondError(c, http.StatusUnauthorized, "missing_identity", nil)
		return
	}
	d := h.quota.Peek(c.Request.Context(), id.OrgID)
	response.RespondOK(c, gin.H{
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt,
	})
}
