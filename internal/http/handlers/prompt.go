package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/loqui-backend/internal/http/response"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
	"github.com/yungbote/loqui-backend/internal/services"
)

type PromptHandler struct {
	log     *logger.Logger
	prompts services.PromptService
}

func NewPromptHandler(prompts services.PromptService, baseLog *logger.Logger) *PromptHandler {
	return &PromptHandler{
		log:     baseLog.With("handler", "PromptHandler"),
		prompts: prompts,
	}
}

// GET /api/prompts
func (h *PromptHandler) Overview(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	overview, err := h.prompts.Overview(dbc)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"prompts": overview})
}

// GET /api/prompts/:name
func (h *PromptHandler) ListVersions(c *gin.Context) {
	name := c.Param("name")
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	versions, err := h.prompts.ListVersions(dbc, name)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"name": name, "versions": versions})
}

type createPromptRequest struct {
	Name     string         `json:"name"`
	Content  string         `json:"content"`
	Activate bool           `json:"activate"`
	Metadata datatypes.JSON `json:"metadata"`
}

// POST /api/prompts (owner/admin)
func (h *PromptHandler) Create(c *gin.Context) {
	var req createPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var createdBy *uuid.UUID
	if id := requestmeta.GetIdentity(c.Request.Context()); id != nil {
		createdBy = &id.UserID
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	prompt, err := h.prompts.Create(dbc, req.Name, req.Content, createdBy, req.Activate, req.Metadata)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"prompt": prompt})
}

type activatePromptRequest struct {
	Version int `json:"version"`
}

// POST /api/prompts/:name/activate (owner/admin)
func (h *PromptHandler) Activate(c *gin.Context) {
	name := c.Param("name")
	var req activatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.prompts.Activate(dbc, name, req.Version); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"activated": true, "name": name, "version": req.Version})
}
