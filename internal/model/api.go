package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy codes. Every error surfaced over HTTP or from a tool carries
// exactly one of these tags.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodePrecondition  = "PRECONDITION_FAILED"
	ErrCodeTransient     = "TRANSIENT_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeMemoryLimit   = "MEMORY_LIMIT_EXCEEDED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries the taxonomy code and a short human-readable message.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResponseMeta is attached to every response for correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthenticateRequest is the body of POST /authenticate.
type AuthenticateRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthenticateResponse returns the bearer token.
type AuthenticateResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintStreamResponse returns the short-lived token accepted by GET /stream.
type MintStreamResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateCampaignRequest is the body of POST /campaigns.
type CreateCampaignRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UpdateCampaignRequest is the body of PUT /campaigns/{id}.
type UpdateCampaignRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// ResourceRef is the canonical shape of a "resource" reference after boundary
// normalization. The upstream contract historically accepted file_key,
// fileKey, resource_id and id interchangeably; NormalizeResourceRef folds
// them into this single shape and rejects ambiguous inputs.
type ResourceRef struct {
	FileID uuid.UUID
	Name   string
	Type   string
}

// AttachResourceRequest is the raw body of POST /campaigns/{id}/resource.
// Exactly one of ID, FileKey or ResourceID must identify the file.
type AttachResourceRequest struct {
	Type       string `json:"type,omitempty"`
	ID         string `json:"id,omitempty"`
	FileKey    string `json:"file_key,omitempty"`
	FileKeyAlt string `json:"fileKey,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// NormalizeResourceRef resolves the duck-typed identifier fields into a
// canonical ResourceRef. Distinct non-empty identifiers that disagree are a
// validation error, not a silent preference.
func NormalizeResourceRef(req AttachResourceRequest) (ResourceRef, error) {
	candidates := make([]string, 0, 4)
	for _, v := range []string{req.ID, req.FileKey, req.FileKeyAlt, req.ResourceID} {
		if v != "" {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return ResourceRef{}, fmt.Errorf("resource reference: no identifier provided (expected id, file_key or resource_id)")
	}
	first := candidates[0]
	for _, c := range candidates[1:] {
		if c != first {
			return ResourceRef{}, fmt.Errorf("resource reference: ambiguous identifiers %q and %q", first, c)
		}
	}
	fileID, err := uuid.Parse(first)
	if err != nil {
		return ResourceRef{}, fmt.Errorf("resource reference: %q is not a valid file id", first)
	}
	return ResourceRef{FileID: fileID, Name: req.Name, Type: req.Type}, nil
}

// AttachResourceResponse is returned by POST /campaigns/{id}/resource.
type AttachResourceResponse struct {
	Resource         CampaignResource `json:"resource"`
	Created          bool             `json:"created"`
	ReindexTriggered bool             `json:"reindex_triggered,omitempty"`
}

// ExtractionStatusResponse reports per-resource extraction progress.
type ExtractionStatusResponse struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	ShardCount int       `json:"shard_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// UserStateResponse is the assessment shape { userState }.
type UserStateResponse struct {
	UserState map[string]any `json:"userState"`
}

// RecommendationsResponse is the assessment shape { recommendations }.
type RecommendationsResponse struct {
	Recommendations []string `json:"recommendations"`
}

// ActivityResponse is the assessment shape { activity }.
type ActivityResponse struct {
	Activity []map[string]any `json:"activity"`
}

// ChatRequest is the body of POST /campaigns/{id}/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatConfirmRequest confirms or declines a pending mutating tool call.
type ChatConfirmRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
}
