package response

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
	"github.com/yungbote/loqui-backend/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope carries the correlation id so a client can quote it when
// reporting a failure.
type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

// QuotaEnvelope is the 429 body. Clients schedule retries off reset_at.
type QuotaEnvelope struct {
	Error     APIError  `json:"error"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	RequestID string    `json:"request_id,omitempty"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
		RequestID: requestmeta.GetRequestID(c.Request.Context()),
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

// RespondServiceError maps a service-layer error onto the wire. Typed
// errors keep the status and code they were raised with; untyped repo
// not-found errors stay 404 so cross-tenant probes look like missing rows.
func RespondServiceError(c *gin.Context, err error) {
	var quotaErr *services.QuotaExceededError
	if errors.As(err, &quotaErr) {
		RespondQuotaExceeded(c, quotaErr.Decision)
		return
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		RespondError(c, apiErr.Status, apiErr.Code, apiErr)
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	RespondError(c, http.StatusInternalServerError, "internal_error", err)
}

func RespondQuotaExceeded(c *gin.Context, d *services.QuotaDecision) {
	env := QuotaEnvelope{
		Error:     APIError{Message: "quota exhausted", Code: "quota_exceeded"},
		RequestID: requestmeta.GetRequestID(c.Request.Context()),
	}
	if d != nil {
		env.Limit = d.Limit
		env.Remaining = d.Remaining
		env.ResetAt = d.ResetAt
		if wait := time.Until(d.ResetAt); wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		}
	}
	c.JSON(http.StatusTooManyRequests, env)
}
