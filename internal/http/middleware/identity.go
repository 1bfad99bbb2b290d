package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/loqui-backend/internal/http/response"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/repos"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
)

const (
	headerOrgID  = "x-org-id"
	headerUserID = "x-user-id"
)

// IdentityMiddleware resolves the x-org-id/x-user-id headers into a verified
// requestmeta.Identity. The gateway in front of this service has already
// authenticated the caller; here we only check that the user exists and
// belongs to the organization it claims.
type IdentityMiddleware struct {
	log   *logger.Logger
	users repos.UserRepo
}

func NewIdentityMiddleware(users repos.UserRepo, baseLog *logger.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{
		log:   baseLog.With("middleware", "IdentityMiddleware"),
		users: users,
	}
}

func (m *IdentityMiddleware) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgRaw := strings.TrimSpace(c.GetHeader(headerOrgID))
		userRaw := strings.TrimSpace(c.GetHeader(headerUserID))
		if orgRaw == "" || userRaw == "" {
			abortError(c, http.StatusUnauthorized, "missing_identity", "x-org-id and x-user-id headers are required")
			return
		}
		orgID, err := uuid.Parse(orgRaw)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "invalid_identity", "x-org-id is not a valid uuid")
			return
		}
		userID, err := uuid.Parse(userRaw)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "invalid_identity", "x-user-id is not a valid uuid")
			return
		}

		user, err := m.users.GetByID(dbctx.Context{Ctx: c.Request.Context()}, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				abortError(c, http.StatusUnauthorized, "unknown_user", "user not found")
				return
			}
			m.log.Error("Identity lookup failed", "error", err, "user_id", userID)
			abortError(c, http.StatusInternalServerError, "identity_lookup_failed", "could not resolve identity")
			return
		}
		if user.OrgID != orgID {
			abortError(c, http.StatusForbidden, "wrong_organization", "user does not belong to this organization")
			return
		}

		identity := &requestmeta.Identity{
			UserID: user.ID,
			OrgID:  user.OrgID,
			Role:   user.Role,
			Email:  user.Email,
		}
		ctx := requestmeta.WithIdentity(c.Request.Context(), identity)
		c.Request = c.Request.WithContext(ctx)
		c.Set("org_id", identity.OrgID.String())
		c.Set("user_id", identity.UserID.String())
		c.Next()
	}
}

// Optional resolves the header pair when it is present and valid and proceeds
// anonymously otherwise. Public routes use it so probes stay open while
// authenticated callers keep their identity on the request context.
func (m *IdentityMiddleware) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgRaw := strings.TrimSpace(c.GetHeader(headerOrgID))
		userRaw := strings.TrimSpace(c.GetHeader(headerUserID))
		if orgRaw == "" || userRaw == "" {
			c.Next()
			return
		}
		orgID, err := uuid.Parse(orgRaw)
		if err != nil {
			c.Next()
			return
		}
		userID, err := uuid.Parse(userRaw)
		if err != nil {
			c.Next()
			return
		}
		user, err := m.users.GetByID(dbctx.Context{Ctx: c.Request.Context()}, userID)
		if err != nil || user.OrgID != orgID {
			c.Next()
			return
		}

		identity := &requestmeta.Identity{
			UserID: user.ID,
			OrgID:  user.OrgID,
			Role:   user.Role,
			Email:  user.Email,
		}
		ctx := requestmeta.WithIdentity(c.Request.Context(), identity)
		c.Request = c.Request.WithContext(ctx)
		c.Set("org_id", identity.OrgID.String())
		c.Set("user_id", identity.UserID.String())
		c.Next()
	}
}

// RequireRole gates a route on the identity resolved by Require. Role rank
// is owner > admin > member.
func RequireRole(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestmeta.GetIdentity(c.Request.Context())
		if id == nil {
			abortError(c, http.StatusUnauthorized, "missing_identity", "no identity on request")
			return
		}
		if !id.HasRole(required) {
			abortError(c, http.StatusForbidden, "insufficient_role", "role "+id.Role+" may not perform this action")
			return
		}
		c.Next()
	}
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, response.ErrorEnvelope{
		Error:     response.APIError{Message: message, Code: code},
		RequestID: requestmeta.GetRequestID(c.Request.Context()),
	})
}
