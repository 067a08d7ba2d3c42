package model

import (
	"fmt"
	"time"
)

// UploadStatus is the lifecycle state of a multipart upload session.
type UploadStatus string

// Upload session states.
const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadPart records one acknowledged part of a multipart upload.
type UploadPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadSession tracks one multipart upload. Invariants enforced by the
// upload actor: part numbers are unique within a session,
// UploadedParts == len(parts), and Status is completed iff
// UploadedParts == TotalParts.
type UploadSession struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"`
	FileKey       string       `json:"file_key"`
	UploadID      string       `json:"upload_id"`
	Filename      string       `json:"filename"`
	FileSize      int64        `json:"file_size"`
	TotalParts    int          `json:"total_parts"`
	UploadedParts int          `json:"uploaded_parts"`
	Status        UploadStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ValidateUploadSession checks the session invariants against its parts.
func ValidateUploadSession(s UploadSession, parts []UploadPart) error {
	if s.UploadedParts != len(parts) {
		return fmt.Errorf("upload session %s: uploaded_parts=%d but %d parts recorded", s.ID, s.UploadedParts, len(parts))
	}
	if s.Status == UploadCompleted && s.UploadedParts != s.TotalParts {
		return fmt.Errorf("upload session %s: completed with %d/%d parts", s.ID, s.UploadedParts, s.TotalParts)
	}
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		if seen[p.PartNumber] {
			return fmt.Errorf("upload session %s: duplicate part number %d", s.ID, p.PartNumber)
		}
		seen[p.PartNumber] = true
	}
	return nil
}
