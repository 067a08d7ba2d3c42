package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loreforge/loreforge/internal/agent"
	"github.com/loreforge/loreforge/internal/auth"
	"github.com/loreforge/loreforge/internal/extraction"
	"github.com/loreforge/loreforge/internal/hub"
	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/ratelimit"
	"github.com/loreforge/loreforge/internal/rebuild"
	"github.com/loreforge/loreforge/internal/storage"
	"github.com/loreforge/loreforge/internal/upload"
)

// Server is the Loreforge HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): APILimiter, AuthLimiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	KV      kv.Namespacer
	JWTMgr  *auth.JWTManager
	Hub     *hub.Hub
	Uploads *upload.Manager
	Queue   *extraction.Queue
	Orch    *rebuild.Orchestrator
	Chat    *agent.Chat
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	APILimiter  ratelimit.Limiter // authenticated traffic, keyed by user
	AuthLimiter ratelimit.Limiter // /authenticate, keyed by client IP
	MCPServer   *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:          cfg.DB,
		KV:          cfg.KV,
		JWTMgr:      cfg.JWTMgr,
		Hub:         cfg.Hub,
		Uploads:     cfg.Uploads,
		Queue:       cfg.Queue,
		Orch:        cfg.Orch,
		Chat:        cfg.Chat,
		Logger:      cfg.Logger,
		Version:     cfg.Version,
		OpenAPISpec: cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	apiRL := ratelimit.Middleware(cfg.APILimiter, userKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoints (no bearer auth, rate limited by IP).
	mux.Handle("POST /authenticate", authRL(http.HandlerFunc(h.HandleAuthenticate)))

	// Notification stream. The mint endpoint requires the API bearer token;
	// /stream validates its own short-lived query token.
	mux.Handle("POST /notifications/mint-stream", apiRL(http.HandlerFunc(h.HandleMintStream)))
	mux.HandleFunc("GET /stream", h.HandleStream)

	// Campaign CRUD.
	mux.Handle("GET /campaigns", apiRL(http.HandlerFunc(h.HandleListCampaigns)))
	mux.Handle("POST /campaigns", apiRL(http.HandlerFunc(h.HandleCreateCampaign)))
	mux.Handle("DELETE /campaigns", apiRL(http.HandlerFunc(h.HandleDeleteAllCampaigns)))
	mux.Handle("GET /campaigns/{id}", apiRL(http.HandlerFunc(h.HandleGetCampaign)))
	mux.Handle("PATCH /campaigns/{id}", apiRL(http.HandlerFunc(h.HandleUpdateCampaign)))
	mux.Handle("DELETE /campaigns/{id}", apiRL(http.HandlerFunc(h.HandleDeleteCampaign)))

	// Campaign resources and extraction.
	mux.Handle("GET /campaigns/{id}/resources", apiRL(http.HandlerFunc(h.HandleListResources)))
	mux.Handle("POST /campaigns/{id}/resource", apiRL(http.HandlerFunc(h.HandleAttachResource)))
	mux.Handle("DELETE /campaigns/{id}/resource/{rid}", apiRL(http.HandlerFunc(h.HandleDeleteResource)))
	mux.Handle("POST /campaigns/{id}/resource/{rid}/retry-entity-extraction", apiRL(http.HandlerFunc(h.HandleRetryExtraction)))
	mux.Handle("GET /campaigns/{id}/resource/{rid}/entity-extraction-status", apiRL(http.HandlerFunc(h.HandleExtractionStatus)))

	// Files.
	mux.Handle("GET /files", apiRL(http.HandlerFunc(h.HandleListFiles)))
	mux.Handle("GET /files/{id}", apiRL(http.HandlerFunc(h.HandleGetFile)))

	// Multipart upload sessions.
	mux.Handle("POST /uploads", apiRL(http.HandlerFunc(h.HandleCreateUpload)))
	mux.Handle("GET /uploads/{id}", apiRL(http.HandlerFunc(h.HandleGetUpload)))
	mux.Handle("DELETE /uploads/{id}", apiRL(http.HandlerFunc(h.HandleDeleteUpload)))
	mux.Handle("POST /uploads/{id}/parts", apiRL(http.HandlerFunc(h.HandleUploadPart)))
	mux.Handle("POST /uploads/{id}/complete", apiRL(http.HandlerFunc(h.HandleCompleteUpload)))

	// World graph reads.
	mux.Handle("GET /campaigns/{id}/entities", apiRL(http.HandlerFunc(h.HandleListEntities)))
	mux.Handle("GET /campaigns/{id}/entities/{eid}", apiRL(http.HandlerFunc(h.HandleGetEntity)))
	mux.Handle("GET /campaigns/{id}/entities/{eid}/importance", apiRL(http.HandlerFunc(h.HandleGetEntityImportance)))
	mux.Handle("GET /campaigns/{id}/relationships", apiRL(http.HandlerFunc(h.HandleListRelationships)))
	mux.Handle("GET /campaigns/{id}/communities", apiRL(http.HandlerFunc(h.HandleListCommunities)))
	mux.Handle("GET /campaigns/{id}/community-summaries", apiRL(http.HandlerFunc(h.HandleListCommunitySummaries)))

	// World state overlay, changelog and rebuilds.
	mux.Handle("GET /campaigns/{id}/world-state", apiRL(http.HandlerFunc(h.HandleWorldState)))
	mux.Handle("GET /campaigns/{id}/changelog", apiRL(http.HandlerFunc(h.HandleListChangelog)))
	mux.Handle("GET /campaigns/{id}/rebuild-status", apiRL(http.HandlerFunc(h.HandleRebuildStatus)))
	mux.Handle("POST /campaigns/{id}/rebuild", apiRL(http.HandlerFunc(h.HandleTriggerRebuild)))

	// Agent chat.
	mux.Handle("GET /campaigns/{id}/chat", apiRL(http.HandlerFunc(h.HandleChatHistory)))
	mux.Handle("POST /campaigns/{id}/chat", apiRL(http.HandlerFunc(h.HandleChat)))
	mux.Handle("POST /campaigns/{id}/chat/confirm", apiRL(http.HandlerFunc(h.HandleChatConfirm)))

	// Assessment.
	mux.Handle("GET /assessment/user-state", apiRL(http.HandlerFunc(h.HandleUserState)))
	mux.Handle("GET /assessment/recommendations", apiRL(http.HandlerFunc(h.HandleRecommendations)))
	mux.Handle("GET /assessment/activity", apiRL(http.HandlerFunc(h.HandleActivity)))

	// MCP StreamableHTTP transport (bearer auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if cfg.MaxRequestBodyBytes > 0 {
		handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the authenticated user ID for rate limiting.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// Handlers returns the underlying Handlers for access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
