package models

// VideoMetadata carries the structured fields attached after the blob upload.
type VideoMetadata struct {
	SlotID      string  `json:"prompt_id"`
	Duration    float64 `json:"duration"`
	FileSize    int64   `json:"file_size"`
	Codec       string  `json:"codec"`
	Resolution  string  `json:"resolution"`
	FrameRate   float64 `json:"frame_rate,omitempty"`
	CameraModel string  `json:"camera_model,omitempty"`
	Browser     string  `json:"browser,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}
