package server

import (
	"errors"
	"net/http"

	"github.com/loreforge/loreforge/internal/extraction"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/storage"
)

// HandleListResources serves GET /campaigns/{id}/resources.
func (h *Handlers) HandleListResources(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	resources, err := h.db.ListResources(r.Context(), campaign.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list resources")
		return
	}
	writeJSON(w, r, http.StatusOK, resources)
}

// HandleAttachResource serves POST /campaigns/{id}/resource.
//
// Semantics: 201 on first attach, 200 with the existing row when the same
// file is attached again, 400 with reindexTriggered when the file is not yet
// completed, 404 for unknown files, 5xx for transient storage failures.
func (h *Handlers) HandleAttachResource(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	var req model.AttachResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	ref, err := model.NormalizeResourceRef(req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	file, err := h.db.GetFile(r.Context(), claims.UserID, ref.FileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "file not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load file")
		return
	}

	if file.Status != model.FileCompleted {
		// Precondition failure. Kick the indexing pipeline so the client can
		// retry once a file_status_updated arrives.
		h.triggerReindex(r, claims.UserID, campaign, file)
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodePrecondition,
			"file is not ready to attach",
			map[string]any{"reindexTriggered": true, "fileStatus": string(file.Status)})
		return
	}

	name := ref.Name
	if name == "" {
		name = file.Name
	}
	resource, created, err := h.db.AttachResource(r.Context(), campaign.ID, file.Key, name, file.Status)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeTransient, "failed to attach resource")
		return
	}

	if created {
		h.publish(r, claims.UserID, model.NotificationPayload{
			Type:    model.NotifyCampaignFileAdded,
			Title:   "File added to campaign",
			Message: resource.FileName,
			Data: map[string]any{
				"campaignId": campaign.ID.String(),
				"resourceId": resource.ID.String(),
			},
		})
		h.enqueueExtraction(w, r, claims.UserID, campaign, resource)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, model.AttachResourceResponse{Resource: resource, Created: created})
}

// HandleDeleteResource serves DELETE /campaigns/{id}/resource/{rid}.
func (h *Handlers) HandleDeleteResource(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	rid, ok := pathUUID(w, r, "rid")
	if !ok {
		return
	}
	if err := h.db.DeleteResource(r.Context(), campaign.ID, rid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete resource")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": rid})
}

// HandleRetryExtraction serves POST /campaigns/{id}/resource/{rid}/retry-entity-extraction.
func (h *Handlers) HandleRetryExtraction(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	rid, ok := pathUUID(w, r, "rid")
	if !ok {
		return
	}
	resource, err := h.db.GetResource(r.Context(), campaign.ID, rid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load resource")
		return
	}
	if !h.enqueueExtraction(w, r, claims.UserID, campaign, resource) {
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"enqueued": true, "resourceId": rid})
}

// HandleExtractionStatus serves GET /campaigns/{id}/resource/{rid}/entity-extraction-status.
func (h *Handlers) HandleExtractionStatus(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	rid, ok := pathUUID(w, r, "rid")
	if !ok {
		return
	}
	resource, err := h.db.GetResource(r.Context(), campaign.ID, rid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load resource")
		return
	}

	status := h.queue.Status(campaign.ID, rid)
	if status == "" {
		status = string(resource.Status)
	}
	shardCount, err := h.db.CountShardsByResource(r.Context(), campaign.ID, rid)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to count shards")
		return
	}
	writeJSON(w, r, http.StatusOK, model.ExtractionStatusResponse{
		ResourceID: rid,
		Status:     status,
		ShardCount: shardCount,
	})
}

// HandleListFiles serves GET /files.
func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	files, err := h.db.ListFiles(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list files")
		return
	}
	writeJSON(w, r, http.StatusOK, files)
}

// HandleGetFile serves GET /files/{id}.
func (h *Handlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	file, err := h.db.GetFile(r.Context(), claims.UserID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "file not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get file")
		return
	}
	writeJSON(w, r, http.StatusOK, file)
}

// enqueueExtraction submits the resource to the extraction queue, translating
// a full queue into a 503 with a retry hint. Returns false when it wrote an
// error response.
func (h *Handlers) enqueueExtraction(w http.ResponseWriter, r *http.Request, userID string, campaign model.Campaign, resource model.CampaignResource) bool {
	err := h.queue.Enqueue(extraction.Task{
		UserID:       userID,
		CampaignID:   campaign.ID,
		ResourceID:   resource.ID,
		ResourceName: resource.FileName,
		FileKey:      resource.FileKey,
	})
	if err != nil {
		if errors.Is(err, extraction.ErrQueueFull) {
			w.Header().Set("Retry-After", "30")
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "extraction queue is full")
			return false
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to enqueue extraction")
		return false
	}
	return true
}

// triggerReindex marks a failed file back to indexing and tells the user.
// Files still uploading are left alone; the upload pipeline owns them.
func (h *Handlers) triggerReindex(r *http.Request, userID string, campaign model.Campaign, file model.File) {
	if file.Status == model.FileFailed {
		if err := h.db.UpdateFileStatus(r.Context(), userID, file.ID, model.FileIndexing); err != nil {
			h.logger.Warn("reindex status flip failed",
				"file_id", file.ID.String(),
				"error", err.Error())
		}
	}
	h.publish(r, userID, model.NotificationPayload{
		Type:    model.NotifyFileStatusUpdated,
		Title:   "File not ready",
		Message: file.Name,
		Data: map[string]any{
			"hidden":     true,
			"fileId":     file.ID.String(),
			"campaignId": campaign.ID.String(),
			"status":     string(file.Status),
		},
	})
}
