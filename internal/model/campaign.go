package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User owns campaigns, files and upload sessions. The user ID is the tenant
// boundary: every storage key and entity ID is scoped by it, directly or
// through a campaign.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileStatus is the lifecycle state of an uploaded file.
type FileStatus string

// File lifecycle states. Completed is the only state from which a file may be
// attached to a campaign.
const (
	FileUploading FileStatus = "uploading"
	FileUploaded  FileStatus = "uploaded"
	FileIndexing  FileStatus = "indexing"
	FileCompleted FileStatus = "completed"
	FileFailed    FileStatus = "failed"
)

// ValidFileStatus reports whether s is a known file lifecycle state.
func ValidFileStatus(s string) bool {
	switch FileStatus(s) {
	case FileUploading, FileUploaded, FileIndexing, FileCompleted, FileFailed:
		return true
	}
	return false
}

// File is an uploaded document owned by a user. Key addresses the blob in
// object storage; the blob itself is outside this system.
type File struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	Status    FileStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Campaign is the unit of authoring. RagBasePath is the logical folder
// ("campaigns/<id>/") that scopes AI search to this campaign's documents.
type Campaign struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RagBasePath string    `json:"rag_base_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CampaignResource links a completed file to a campaign. Unique by
// (campaign_id, file_key) so attach is idempotent.
type CampaignResource struct {
	ID         uuid.UUID  `json:"id"`
	CampaignID uuid.UUID  `json:"campaign_id"`
	FileKey    string     `json:"file_key"`
	FileName   string     `json:"file_name"`
	Status     FileStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RagBasePath builds the canonical AI-search folder for a campaign.
func RagBasePath(campaignID uuid.UUID) string {
	return fmt.Sprintf("campaigns/%s/", campaignID)
}
