package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/agent"
	"github.com/loreforge/loreforge/internal/auth"
	"github.com/loreforge/loreforge/internal/extraction"
	"github.com/loreforge/loreforge/internal/hub"
	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/rebuild"
	"github.com/loreforge/loreforge/internal/storage"
	"github.com/loreforge/loreforge/internal/upload"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	db      *storage.DB
	kvdb    kv.Namespacer
	jwtMgr  *auth.JWTManager
	hub     *hub.Hub
	uploads *upload.Manager
	queue   *extraction.Queue
	orch    *rebuild.Orchestrator
	chat    *agent.Chat
	logger  *slog.Logger

	version     string
	openAPISpec []byte
}

// HandlersDeps are the dependencies for NewHandlers.
type HandlersDeps struct {
	DB      *storage.DB
	KV      kv.Namespacer
	JWTMgr  *auth.JWTManager
	Hub     *hub.Hub
	Uploads *upload.Manager
	Queue   *extraction.Queue
	Orch    *rebuild.Orchestrator
	Chat    *agent.Chat
	Logger  *slog.Logger

	Version     string
	OpenAPISpec []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:          deps.DB,
		kvdb:        deps.KV,
		jwtMgr:      deps.JWTMgr,
		hub:         deps.Hub,
		uploads:     deps.Uploads,
		queue:       deps.Queue,
		orch:        deps.Orch,
		chat:        deps.Chat,
		logger:      deps.Logger,
		version:     deps.Version,
		openAPISpec: deps.OpenAPISpec,
	}
}

// HandleAuthenticate serves POST /authenticate.
func (h *Handlers) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req model.AuthenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "user_id and api_key are required")
		return
	}

	hash, err := h.db.GetUserAPIKeyHash(r.Context(), req.UserID)
	if err != nil {
		// Constant shape regardless of whether the user exists.
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	ok, err := auth.VerifyAPIKey(req.APIKey, hash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	user, err := h.db.GetUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load user")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(user.ID, user.DisplayName)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthenticateResponse{Token: token, ExpiresAt: exp})
}

// HandleMintStream serves POST /notifications/mint-stream: trades the API
// bearer token for a short-lived token accepted by GET /stream.
func (h *Handlers) HandleMintStream(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	token, exp, err := h.jwtMgr.IssueStreamToken(claims.UserID, claims.DisplayName)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to mint stream token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.MintStreamResponse{Token: token, ExpiresAt: exp})
}

// HandleListCampaigns serves GET /campaigns.
func (h *Handlers) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	campaigns, err := h.db.ListCampaigns(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list campaigns")
		return
	}
	writeJSON(w, r, http.StatusOK, campaigns)
}

// HandleCreateCampaign serves POST /campaigns.
func (h *Handlers) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "name is required")
		return
	}

	campaign, err := h.db.CreateCampaign(r.Context(), claims.UserID, req.Name, req.Description)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create campaign")
		return
	}

	h.publish(r, claims.UserID, model.NotificationPayload{
		Type:    model.NotifyCampaignCreated,
		Title:   "Campaign created",
		Message: campaign.Name,
		Data:    map[string]any{"campaignId": campaign.ID.String()},
	})
	writeJSON(w, r, http.StatusCreated, campaign)
}

// HandleGetCampaign serves GET /campaigns/{id}.
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, campaign)
}

// HandleUpdateCampaign serves PUT /campaigns/{id}.
func (h *Handlers) HandleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req model.UpdateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Name == nil && req.Description == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "nothing to update")
		return
	}

	campaign, err := h.db.UpdateCampaign(r.Context(), claims.UserID, id, req.Name, req.Description)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "campaign not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update campaign")
		return
	}
	writeJSON(w, r, http.StatusOK, campaign)
}

// HandleDeleteCampaign serves DELETE /campaigns/{id}.
func (h *Handlers) HandleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeleteCampaign(r.Context(), claims.UserID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "campaign not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete campaign")
		return
	}
	h.publish(r, claims.UserID, model.NotificationPayload{
		Type:    model.NotifyCampaignDeleted,
		Title:   "Campaign deleted",
		Message: id.String(),
		Data:    map[string]any{"campaignId": id.String()},
	})
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": id})
}

// HandleDeleteAllCampaigns serves DELETE /campaigns.
func (h *Handlers) HandleDeleteAllCampaigns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	n, err := h.db.DeleteAllCampaigns(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete campaigns")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": n})
}

// HandleHealth serves GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]any{}

	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		checks["postgres"] = "unreachable"
	} else {
		checks["postgres"] = "ok"
	}

	// A namespaced probe read exercises the KV path end to end.
	probe := h.kvdb.Namespace("health")
	if _, err := probe.Get(r.Context(), "probe"); err != nil && !errors.Is(err, kv.ErrNotFound) {
		status = "degraded"
		checks["kv"] = "unreachable"
	} else {
		checks["kv"] = "ok"
	}

	checks["hub_subscribers"] = h.hub.SubscriberCount()
	checks["extraction_queue_depth"] = h.queue.Depth()

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// HandleOpenAPISpec serves GET /openapi.yaml if a spec was embedded.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openAPISpec)
}

// publish delivers a notification best-effort; handler paths never fail on
// notification errors.
func (h *Handlers) publish(r *http.Request, userID string, p model.NotificationPayload) {
	if err := h.hub.Publish(r.Context(), userID, p); err != nil {
		h.logger.Warn("notification publish failed",
			"user_id", userID,
			"type", string(p.Type),
			"error", err.Error())
	}
}

// pathUUID parses a UUID path value, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// ownedCampaign loads the {id} campaign scoped to the caller, writing the
// error response itself on failure.
func (h *Handlers) ownedCampaign(w http.ResponseWriter, r *http.Request) (model.Campaign, bool) {
	claims := ClaimsFromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.Campaign{}, false
	}
	campaign, err := h.db.GetCampaign(r.Context(), claims.UserID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "campaign not found")
		} else {
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get campaign")
		}
		return model.Campaign{}, false
	}
	return campaign, true
}
