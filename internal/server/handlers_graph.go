package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/loreforge/loreforge/internal/graph"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/rebuild"
	"github.com/loreforge/loreforge/internal/storage"
)

// HandleListEntities serves GET /campaigns/{id}/entities.
func (h *Handlers) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	entities, err := h.db.ListEntities(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list entities")
		return
	}
	writeJSON(w, r, http.StatusOK, entities)
}

// HandleGetEntity serves GET /campaigns/{id}/entities/{eid}. Bare slugs are
// scoped to the campaign.
func (h *Handlers) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	entityID := model.ScopeEntityID(campaign.ID, r.PathValue("eid"))
	entity, err := h.db.GetEntity(r.Context(), campaign.ID, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "entity not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get entity")
		return
	}
	writeJSON(w, r, http.StatusOK, entity)
}

// HandleListRelationships serves GET /campaigns/{id}/relationships.
func (h *Handlers) HandleListRelationships(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	rels, err := h.db.ListRelationships(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list relationships")
		return
	}
	writeJSON(w, r, http.StatusOK, rels)
}

// HandleListCommunities serves GET /campaigns/{id}/communities.
func (h *Handlers) HandleListCommunities(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	communities, err := h.db.ListCommunities(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list communities")
		return
	}
	writeJSON(w, r, http.StatusOK, communities)
}

// HandleListCommunitySummaries serves GET /campaigns/{id}/community-summaries.
func (h *Handlers) HandleListCommunitySummaries(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	summaries, err := h.db.ListCommunitySummaries(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list summaries")
		return
	}
	writeJSON(w, r, http.StatusOK, summaries)
}

// HandleGetEntityImportance serves GET /campaigns/{id}/entities/{eid}/importance.
// Manual overrides in entity metadata replace the computed score on read.
func (h *Handlers) HandleGetEntityImportance(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	entityID := model.ScopeEntityID(campaign.ID, r.PathValue("eid"))

	entity, err := h.db.GetEntity(r.Context(), campaign.ID, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "entity not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get entity")
		return
	}

	row, err := h.db.GetEntityImportance(r.Context(), campaign.ID, entityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get importance")
		return
	}
	row.EntityID = entityID
	row.CampaignID = campaign.ID
	row.ImportanceScore = graph.EffectiveImportance(entity.Metadata, row.ImportanceScore)
	writeJSON(w, r, http.StatusOK, row)
}

// HandleWorldState serves GET /campaigns/{id}/world-state: the overlay of
// changes recorded since the last rebuild.
func (h *Handlers) HandleWorldState(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	entries, err := h.db.ListUnappliedChangelog(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load changelog")
		return
	}
	writeJSON(w, r, http.StatusOK, rebuild.Reduce(entries))
}

// HandleListChangelog serves GET /campaigns/{id}/changelog?limit=N.
func (h *Handlers) HandleListChangelog(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := h.db.ListChangelog(r.Context(), campaign.ID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list changelog")
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleRebuildStatus serves GET /campaigns/{id}/rebuild-status.
func (h *Handlers) HandleRebuildStatus(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	status, err := h.db.LatestRebuildStatus(r.Context(), campaign.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no rebuilds recorded")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get rebuild status")
		return
	}

	impact, pending, err := h.db.UnappliedImpact(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get pending impact")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         status,
		"pendingImpact":  impact,
		"pendingChanges": pending,
	})
}

// TriggerRebuildRequest is the body of POST /campaigns/{id}/rebuild.
type TriggerRebuildRequest struct {
	Type string `json:"type,omitempty"`
}

// HandleTriggerRebuild serves POST /campaigns/{id}/rebuild.
func (h *Handlers) HandleTriggerRebuild(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	// An empty body means "full rebuild".
	var req TriggerRebuildRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	rebuildType := model.RebuildFull
	switch req.Type {
	case "", string(model.RebuildFull):
	case string(model.RebuildPartial):
		rebuildType = model.RebuildPartial
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "type must be full or partial")
		return
	}

	status, err := h.orch.Trigger(r.Context(), campaign.ID, rebuildType)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "failed to schedule rebuild")
		return
	}
	writeJSON(w, r, http.StatusAccepted, status)
}
