package types

// ImageSize is the pixel size of a decoded request image
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BoundingBox is a labeled box in pixel space: [x1, y1, x2, y2]
type BoundingBox struct {
	Box   [4]float64 `json:"box"`
	Label string     `json:"label"`
}

// DetectionRequest is the body accepted by POST /detect-objects
type DetectionRequest struct {
	ImageB64 string `json:"image_b64" binding:"required"`
}

// DetectionResult contains the caption and the phrases grounded in it
type DetectionResult struct {
	Objects []BoundingBox `json:"objects"`
	Caption string        `json:"caption"`
}

// ErrorResponse is returned for every non-2xx API response
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// StatusResponse is returned by GET /
type StatusResponse struct {
	Status string `json:"status"`
}

// Job is a queued detection request
type Job struct {
	JobID    string `json:"job_id"`
	ImageB64 string `json:"image_b64"`
}

// JobResult is published for every consumed job
type JobResult struct {
	JobID   string        `json:"job_id"`
	Objects []BoundingBox `json:"objects,omitempty"`
	Caption string        `json:"caption,omitempty"`
	Error   string        `json:"error,omitempty"`
}
