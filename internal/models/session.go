package models

import (
	"time"

	"github.com/google/uuid"
)

// Slot is one logical position in the required recording sequence,
// loaded from the slot configuration file.
type Slot struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	DurationMs int    `json:"duration_ms"`
}

// CollectionSession is a participant's data-collection run as recorded
// by the ingest server.
type CollectionSession struct {
	ID              uuid.UUID `json:"id"`
	ParticipantID   string    `json:"participant_id,omitempty"`
	ParticipantName string    `json:"participant_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// CollectionVideo is one video delivered for a session, as recorded
// by the ingest server.
type CollectionVideo struct {
	ID         int64     `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	VideoID    string    `json:"video_id"`
	SlotID     string    `json:"slot_id,omitempty"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	S3Key      string    `json:"s3_key,omitempty"`
	S3URL      string    `json:"s3_url,omitempty"`
	Metadata   []byte    `json:"-"`
	UploadedAt time.Time `json:"uploaded_at"`
}
