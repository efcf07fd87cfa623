package dto

import (
	"time"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// UploadResponse describes a durably stored chat attachment.
type UploadResponse struct {
	ID          uint      `json:"id"`
	URL         string    `json:"url"`
	Kind        string    `json:"kind"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewUploadResponse converts a media asset into a DTO.
func NewUploadResponse(asset models.MediaAsset) UploadResponse {
	return UploadResponse{
		ID:          asset.ID,
		URL:         asset.URL,
		Kind:        asset.Kind,
		ContentType: asset.ContentType,
		SizeBytes:   asset.SizeBytes,
		Checksum:    asset.Checksum,
		CreatedAt:   asset.CreatedAt,
	}
}
