package model

import "time"

// UploadTask asks the pipeline to populate the hot tier for a fingerprint.
// SourceLink is a time-limited direct link to the full content; the pipeline
// refreshes it through the external source when it expires.
type UploadTask struct {
	Fingerprint     Fingerprint `json:"fingerprint"`
	SourceLink      string      `json:"source_link"`
	ContentType     string      `json:"content_type"`
	Title           string      `json:"title"`
	DurationSeconds int         `json:"duration_seconds"`
	Attempt         int         `json:"attempt"`
	NextRetryAt     time.Time   `json:"next_retry_at,omitempty"`
	EnqueuedAt      time.Time   `json:"enqueued_at"`
}

// NewUploadTask builds a task from a cold-path descriptor.
func NewUploadTask(fp Fingerprint, d *Descriptor, link string, now time.Time) UploadTask {
	task := UploadTask{
		Fingerprint: fp,
		SourceLink:  link,
		ContentType: fp.Quality.ContentType(),
		EnqueuedAt:  now,
	}
	if d != nil {
		task.Title = d.Title
		task.DurationSeconds = d.DurationSeconds
	}
	return task
}
