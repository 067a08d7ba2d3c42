package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/loreforge/loreforge/internal/agent"
	"github.com/loreforge/loreforge/internal/model"
)

// HandleChat serves POST /campaigns/{id}/chat: one routed agent turn.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "chat is not configured")
		return
	}
	claims := ClaimsFromContext(r.Context())
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "message is required")
		return
	}

	reply, err := h.chat.Respond(r.Context(), claims.UserID, campaign.ID, req.Message)
	if err != nil {
		h.logger.Error("chat turn failed",
			"campaign_id", campaign.ID.String(),
			"error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "chat is temporarily unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, reply)
}

// HandleChatConfirm serves POST /campaigns/{id}/chat/confirm: approves or
// declines a pending mutating tool call.
func (h *Handlers) HandleChatConfirm(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "chat is not configured")
		return
	}
	claims := ClaimsFromContext(r.Context())
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	var req model.ChatConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.ToolCallID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "tool_call_id is required")
		return
	}

	res, err := h.chat.Confirm(r.Context(), claims.UserID, campaign.ID, req.ToolCallID, req.Approved)
	if err != nil {
		if errors.Is(err, agent.ErrNoPendingCall) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no pending tool call with that id")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to resolve tool call")
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleChatHistory serves GET /campaigns/{id}/chat.
func (h *Handlers) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	messages, err := h.db.RecentChatMessages(r.Context(), campaign.ID, claims.UserID, 50)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load chat history")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"messages": messages})
}

// HandleUserState serves GET /assessment/user-state: a snapshot of the
// caller's campaigns, files and pending graph work.
func (h *Handlers) HandleUserState(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	campaigns, err := h.db.ListCampaigns(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load campaigns")
		return
	}
	files, err := h.db.ListFiles(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load files")
		return
	}

	filesByStatus := map[string]int{}
	for _, f := range files {
		filesByStatus[string(f.Status)]++
	}

	var pendingChanges int
	var pendingImpact float64
	for _, c := range campaigns {
		impact, pending, err := h.db.UnappliedImpact(r.Context(), c.ID)
		if err != nil {
			continue
		}
		pendingImpact += impact
		pendingChanges += pending
	}

	writeJSON(w, r, http.StatusOK, model.UserStateResponse{UserState: map[string]any{
		"campaignCount":  len(campaigns),
		"fileCount":      len(files),
		"filesByStatus":  filesByStatus,
		"pendingChanges": pendingChanges,
		"pendingImpact":  pendingImpact,
	}})
}

// HandleRecommendations serves GET /assessment/recommendations: next-step
// suggestions derived from the user-state snapshot.
func (h *Handlers) HandleRecommendations(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	campaigns, err := h.db.ListCampaigns(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load campaigns")
		return
	}
	files, err := h.db.ListFiles(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load files")
		return
	}

	recs := []string{}
	if len(campaigns) == 0 {
		recs = append(recs, "Create your first campaign to start building a world.")
	}
	if len(files) == 0 {
		recs = append(recs, "Upload a source document to extract entities from.")
	}
	var failed, completed int
	for _, f := range files {
		switch f.Status {
		case model.FileFailed:
			failed++
		case model.FileCompleted:
			completed++
		}
	}
	if failed > 0 {
		recs = append(recs, "Some files failed to index; attach them to a campaign to trigger reindexing.")
	}
	if completed > 0 && len(campaigns) > 0 {
		recs = append(recs, "Attach a completed file to a campaign to run entity extraction.")
	}
	for _, c := range campaigns {
		if _, pending, err := h.db.UnappliedImpact(r.Context(), c.ID); err == nil && pending > 0 {
			recs = append(recs, "Campaign \""+c.Name+"\" has unapplied changes; trigger a rebuild to fold them into the graph.")
		}
	}
	writeJSON(w, r, http.StatusOK, model.RecommendationsResponse{Recommendations: recs})
}

// HandleActivity serves GET /assessment/activity: recent changelog entries
// across the caller's campaigns, newest first per campaign.
func (h *Handlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	campaigns, err := h.db.ListCampaigns(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load campaigns")
		return
	}

	activity := []map[string]any{}
	for _, c := range campaigns {
		entries, err := h.db.ListChangelog(r.Context(), c.ID, 5)
		if err != nil {
			continue
		}
		for _, e := range entries {
			activity = append(activity, map[string]any{
				"campaignId":          c.ID.String(),
				"campaignName":        c.Name,
				"timestamp":           e.Timestamp,
				"impactScore":         e.ImpactScore,
				"entityUpdates":       len(e.Payload.EntityUpdates),
				"relationshipUpdates": len(e.Payload.RelationshipUpdates),
				"newEntities":         len(e.Payload.NewEntities),
				"appliedToGraph":      e.AppliedToGraph,
			})
		}
	}
	writeJSON(w, r, http.StatusOK, model.ActivityResponse{Activity: activity})
}
