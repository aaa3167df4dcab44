package model

import (
	"time"
)

// UploadState represents the hot-tier population state of a cache entry.
type UploadState string

const (
	StatePending   UploadState = "pending"
	StateUploading UploadState = "uploading"
	StateStored    UploadState = "stored"
	StateFailed    UploadState = "failed"
)

// Valid state transitions:
//
//	pending -> uploading -> stored
//	                    \-> failed -> pending | uploading (re-admitted after cooldown)
//	stored -> failed (hot object disappeared)
var validTransitions = map[UploadState][]UploadState{
	StatePending:   {StateUploading, StateFailed},
	StateUploading: {StateStored, StateFailed},
	StateStored:    {StateFailed},
	StateFailed:    {StatePending, StateUploading},
}

func (s UploadState) IsValid() bool {
	switch s {
	case StatePending, StateUploading, StateStored, StateFailed:
		return true
	default:
		return false
	}
}

func (s UploadState) CanTransitionTo(next UploadState) bool {
	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// InFlight reports whether an upload task currently owns the entry.
func (s UploadState) InFlight() bool {
	return s == StatePending || s == StateUploading
}

func (s UploadState) String() string {
	return string(s)
}

// CacheEntry is the persistent descriptor of a fingerprint's hot-tier state.
type CacheEntry struct {
	Fingerprint        Fingerprint
	HotRef             *string
	ContentHash        string
	SizeBytes          int64
	ContentType        string
	AvailableQualities QualitySet
	Title              string
	DurationSeconds    int
	AccessCount        int64
	State              UploadState
	Attempts           int
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastVerifiedAt     time.Time
}

// NewPendingEntry creates an entry claimed for upload.
func NewPendingEntry(fp Fingerprint, now time.Time) *CacheEntry {
	return &CacheEntry{
		Fingerprint:        fp,
		State:              StatePending,
		AvailableQualities: NewQualitySet(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Validate checks the reference/state invariant.
func (e *CacheEntry) Validate() error {
	if !e.State.IsValid() {
		return ErrInvalidTransition
	}
	if (e.HotRef != nil) != (e.State == StateStored) {
		return ErrInvalidEntry
	}
	return nil
}

// TransitionTo attempts to change the upload state. Leaving stored clears the
// hot reference so the invariant holds.
func (e *CacheEntry) TransitionTo(next UploadState, now time.Time) error {
	if !next.IsValid() || !e.State.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	if next != StateStored {
		e.HotRef = nil
	}
	e.State = next
	e.UpdatedAt = now
	return nil
}

// MarkStored records a verified hot object and flips the entry to stored.
func (e *CacheEntry) MarkStored(ref, hash string, size int64, qualities QualitySet, now time.Time) error {
	if ref == "" {
		return ErrInvalidEntry
	}
	if !e.State.CanTransitionTo(StateStored) {
		return ErrInvalidTransition
	}
	e.HotRef = &ref
	e.ContentHash = hash
	e.SizeBytes = size
	e.AvailableQualities = qualities
	e.State = StateStored
	e.LastError = ""
	e.UpdatedAt = now
	e.LastVerifiedAt = now
	return nil
}

// Reference returns the hot-store reference, or "" when not stored.
func (e *CacheEntry) Reference() string {
	if e.HotRef == nil {
		return ""
	}
	return *e.HotRef
}

// IsStored returns true if the entry can be served from the hot tier.
func (e *CacheEntry) IsStored() bool {
	return e.State == StateStored && e.HotRef != nil
}

// CoolingDown reports whether a failed entry is still inside its cooldown
// window and must not be re-admitted for upload.
func (e *CacheEntry) CoolingDown(now time.Time, cooldown time.Duration) bool {
	return e.State == StateFailed && now.Sub(e.UpdatedAt) < cooldown
}
