package models

import "time"

// MediaAsset records a chat attachment that has been durably stored by the
// object-storage collaborator. A message may only reference media through a
// committed asset row, so no message ever carries a dangling URL.
type MediaAsset struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OwnerID     string    `gorm:"size:64;index;not null" json:"owner_id"`
	URL         string    `gorm:"size:512;not null" json:"url"`
	Kind        string    `gorm:"size:16;not null" json:"kind"`
	ContentType string    `gorm:"size:128" json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `gorm:"size:64;index" json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
