package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/http/response"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
	"github.com/yungbote/loqui-backend/internal/services"
)

type DocumentHandler struct {
	log  *logger.Logger
	docs services.DocumentService
}

func NewDocumentHandler(docs services.DocumentService, baseLog *logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		log:  baseLog.With("handler", "DocumentHandler"),
		docs: docs,
	}
}

// POST /api/documents (multipart, field "file")
func (h *DocumentHandler) Upload(c *gin.Context) {
	id := requestmeta.GetIdentity(c.Request.Context())
	if id == nil {
		response.RespondError(c, http.StatusUnauthorized, "missing_identity", nil)
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}
	defer f.Close()

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	doc, err := h.docs.Upload(dbc, services.UploadInput{
		OrgID:    id.OrgID,
		UserID:   id.UserID,
		Filename: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Size:     fileHeader.Size,
		Body:     f,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"document": doc})
}

// GET /api/documents?limit=50
func (h *DocumentHandler) List(c *gin.Context) {
	id := requestmeta.GetIdentity(c.Request.Context())
	if id == nil {
		response.RespondError(c, http.StatusUnauthorized, "missing_identity", nil)
		return
	}
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	docs, err := h.docs.List(dbc, id.OrgID, limit)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"documents": docs})
}

// GET /api/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	id := requestmeta.GetIdentity(c.Request.Context())
	if id == nil {
		response.RespondError(c, http.StatusUnauthorized, "missing_identity", nil)
		return
	}
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	doc, err := h.docs.Get(dbc, id.OrgID, docID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"document": doc})
}

// DELETE /api/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	id := requestmeta.GetIdentity(c.Request.Context())
	if id == nil {
		response.RespondError(c, http.StatusUnauthorized, "missing_identity", nil)
		return
	}
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.docs.Delete(dbc, id.OrgID, docID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true, "document_id": docID})
}

type documentSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// POST /api/documents/search
func (h *DocumentHandler) Search(c *gin.Context) {
	id := requestmeta.GetIdentity(c.Request.Context())
	if id == nil {
		response.RespondError(c, http.StatusUnauthorized, "missing_identity", nil)
		return
	}
	var req documentSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	results, err := h.docs.Search(c.Request.Context(), id.OrgID, req.Query, req.Limit)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}
