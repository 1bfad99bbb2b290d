package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/loqui-backend/internal/http/handlers"
	"github.com/yungbote/loqui-backend/internal/http/middleware"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
)

type RouterConfig struct {
	Log                *logger.Logger
	Metrics            *observability.Metrics
	CORSAllowedOrigins []string
	ServiceName        string

	Identity *middleware.IdentityMiddleware

	ChatHandler     *handlers.ChatHandler
	DocumentHandler *handlers.DocumentHandler
	PromptHandler   *handlers.PromptHandler
	QuotaHandler    *handlers.QuotaHandler
	HealthHandler   *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "loqui-backend"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.AttachRequestID())
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.RequestLogger(cfg.Log))

	// Public. Identity attaches when the caller sends a valid header pair
	// but is never required here.
	public := r.Group("")
	if cfg.Identity != nil {
		public.Use(cfg.Identity.Optional())
	}
	if cfg.HealthHandler != nil {
		public.GET("/health", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		public.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	// Everything under /api is tenant-scoped.
	api := r.Group("/api")
	if cfg.Identity != nil {
		api.Use(cfg.Identity.Require())
	}
	{
		if cfg.ChatHandler != nil {
			api.POST("/chat", cfg.ChatHandler.Turn)
			api.POST("/chat/stream", cfg.ChatHandler.TurnStream)
			api.POST("/chat/rag", cfg.ChatHandler.RAGTurn)
			api.POST("/chat/rag/stream", cfg.ChatHandler.RAGTurnStream)

			api.GET("/chats", cfg.ChatHandler.ListChats)
			api.GET("/chats/:id", cfg.ChatHandler.GetChat)
			api.PATCH("/chats/:id", cfg.ChatHandler.RenameChat)
			api.DELETE("/chats/:id", cfg.ChatHandler.DeleteChat)
		}

		if cfg.QuotaHandler != nil {
			api.GET("/quota", cfg.QuotaHandler.Peek)
		}

		if cfg.DocumentHandler != nil {
			api.POST("/documents", cfg.DocumentHandler.Upload)
			api.GET("/documents", cfg.DocumentHandler.List)
			api.POST("/documents/search", cfg.DocumentHandler.Search)
			api.GET("/documents/:id", cfg.DocumentHandler.Get)
			api.DELETE("/documents/:id", cfg.DocumentHandler.Delete)
		}

		if cfg.PromptHandler != nil {
			api.GET("/prompts", cfg.PromptHandler.Overview)
			api.GET("/prompts/:name", cfg.PromptHandler.ListVersions)
			api.POST("/prompts", middleware.RequireRole(requestmeta.RoleAdmin), cfg.PromptHandler.Create)
			api.POST("/prompts/:name/activate", middleware.RequireRole(requestmeta.RoleAdmin), cfg.PromptHandler.Activate)
		}
	}

	return r
}
