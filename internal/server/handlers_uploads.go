package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/upload"
)

// CreateUploadRequest is the body of POST /uploads.
type CreateUploadRequest struct {
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	TotalParts int    `json:"total_parts"`
}

// UploadPartRequest is the body of POST /uploads/{id}/parts.
type UploadPartRequest struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadSessionResponse bundles the session with its acknowledged parts.
type UploadSessionResponse struct {
	Session model.UploadSession `json:"session"`
	Parts   []model.UploadPart  `json:"parts,omitempty"`
}

// HandleCreateUpload serves POST /uploads: registers the file row and starts
// the session actor.
func (h *Handlers) HandleCreateUpload(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req CreateUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Filename == "" || req.TotalParts <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "filename and a positive total_parts are required")
		return
	}

	fileKey := "uploads/" + claims.UserID + "/" + uuid.New().String()
	file, err := h.db.CreateFile(r.Context(), claims.UserID, fileKey, req.Filename, req.FileSize)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to register file")
		return
	}

	session, err := h.uploads.Create(r.Context(), upload.CreateParams{
		SessionID:  uuid.New().String(),
		OwnerID:    claims.UserID,
		FileKey:    file.Key,
		UploadID:   uuid.New().String(),
		Filename:   req.Filename,
		FileSize:   req.FileSize,
		TotalParts: req.TotalParts,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create upload session")
		return
	}
	writeJSON(w, r, http.StatusCreated, UploadSessionResponse{Session: session})
}

// HandleGetUpload serves GET /uploads/{id}.
func (h *Handlers) HandleGetUpload(w http.ResponseWriter, r *http.Request) {
	session, parts, err := h.uploads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}
	writeJSON(w, r, http.StatusOK, UploadSessionResponse{Session: session, Parts: parts})
}

// HandleUploadPart serves POST /uploads/{id}/parts: acknowledges one part.
func (h *Handlers) HandleUploadPart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req UploadPartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	session, _, err := h.uploads.Get(r.Context(), sessionID)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}

	session, err = h.uploads.AddPart(r.Context(), sessionID, model.UploadPart{
		PartNumber: req.PartNumber,
		ETag:       req.ETag,
		Size:       req.Size,
	})
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, UploadSessionResponse{Session: session})
}

// HandleCompleteUpload serves POST /uploads/{id}/complete. On success the
// file flips to uploaded and a file_uploaded notification is published.
// Extraction is NOT triggered here; attaching to a campaign does that.
func (h *Handlers) HandleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID := r.PathValue("id")

	session, _, err := h.uploads.Get(r.Context(), sessionID)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}
	alreadyCompleted := session.Status == model.UploadCompleted

	session, err = h.uploads.Complete(r.Context(), sessionID)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}

	if !alreadyCompleted {
		file, err := h.db.GetFileByKey(r.Context(), claims.UserID, session.FileKey)
		if err == nil {
			if err := h.db.UpdateFileStatus(r.Context(), claims.UserID, file.ID, model.FileUploaded); err != nil {
				h.logger.Warn("file status flip failed",
					"file_id", file.ID.String(),
					"error", err.Error())
			}
		}
		h.publish(r, claims.UserID, model.NotificationPayload{
			Type:    model.NotifyFileUploaded,
			Title:   "Upload complete",
			Message: session.Filename,
			Data:    map[string]any{"fileKey": session.FileKey},
		})
	}
	writeJSON(w, r, http.StatusOK, UploadSessionResponse{Session: session})
}

// HandleDeleteUpload serves DELETE /uploads/{id}.
func (h *Handlers) HandleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	session, _, err := h.uploads.Get(r.Context(), sessionID)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}
	if err := h.uploads.Delete(r.Context(), sessionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete upload session")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": sessionID})
}

func (h *Handlers) ownsSession(w http.ResponseWriter, r *http.Request, s model.UploadSession) bool {
	claims := ClaimsFromContext(r.Context())
	if s.OwnerID != claims.UserID {
		// 404 rather than 403: session ids are not enumerable across tenants.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "upload session not found")
		return false
	}
	return true
}

func (h *Handlers) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "upload session not found")
	case errors.Is(err, upload.ErrDuplicatePart),
		errors.Is(err, upload.ErrPartOutOfRange),
		errors.Is(err, upload.ErrIncomplete):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
	case errors.Is(err, upload.ErrAlreadyCompleted):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "upload session error")
	}
}
