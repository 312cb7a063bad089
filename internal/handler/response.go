package handler

import (
	"encoding/json"

	"broll/internal/jobs"
)

// Response is the success output of a job.
type Response struct {
	VideoBase64       string  `json:"video_base64"`
	Template          string  `json:"template"`
	TemplateURL       string  `json:"template_url,omitempty"`
	Duration          int     `json:"duration"`
	Resolution        [2]int  `json:"resolution"`
	RenderTimeSeconds float64 `json:"render_time_seconds"`
	FileSizeBytes     int64   `json:"file_size_bytes"`
	GPUUsed           bool    `json:"gpu_used"`
	FPS               int     `json:"fps"`
	Samples           int     `json:"samples"`
	FrameCount        int     `json:"frame_count"`
	Device            string  `json:"device"`
	OutputObjectKey   string  `json:"output_object_key,omitempty"`
}

// FailureResponse is the output of a failed job. It never carries video.
type FailureResponse struct {
	Error *jobs.Failure `json:"error"`
}

// Result is the outcome of one job run.
type Result struct {
	JobID    string
	State    jobs.State
	Response *Response
	Failure  *jobs.Failure
}

// Payload is the value returned to the caller: a Response or a FailureResponse.
func (r Result) Payload() any {
	if r.Failure != nil {
		return FailureResponse{Error: r.Failure}
	}
	return r.Response
}

// Output is the JSON encoding of Payload.
func (r Result) Output() ([]byte, error) {
	return json.Marshal(r.Payload())
}
