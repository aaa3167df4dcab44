package model

import (
	"errors"
	"testing"
	"time"
)

func TestUploadState_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		state UploadState
		want  bool
	}{
		{"pending is valid", StatePending, true},
		{"uploading is valid", StateUploading, true},
		{"stored is valid", StateStored, true},
		{"failed is valid", StateFailed, true},
		{"empty string is invalid", UploadState(""), false},
		{"unknown state is invalid", UploadState("ready"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsValid(); got != tt.want {
				t.Errorf("UploadState.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUploadState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		current UploadState
		next    UploadState
		want    bool
	}{
		// Valid transitions
		{"pending -> uploading", StatePending, StateUploading, true},
		{"uploading -> stored", StateUploading, StateStored, true},
		{"uploading -> failed", StateUploading, StateFailed, true},
		{"failed -> pending (re-admission)", StateFailed, StatePending, true},
		{"failed -> uploading (re-admission)", StateFailed, StateUploading, true},
		{"stored -> failed (object vanished)", StateStored, StateFailed, true},

		// Invalid transitions
		{"pending -> stored (skip)", StatePending, StateStored, false},
		{"failed -> stored (skip)", StateFailed, StateStored, false},
		{"stored -> uploading", StateStored, StateUploading, false},
		{"stored -> stored", StateStored, StateStored, false},
		{"uploading -> uploading", StateUploading, StateUploading, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.current.CanTransitionTo(tt.next); got != tt.want {
				t.Errorf("UploadState.CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_Validate(t *testing.T) {
	ref := "objects/ab/abcdef"

	tests := []struct {
		name    string
		entry   CacheEntry
		wantErr error
	}{
		{"stored with reference", CacheEntry{State: StateStored, HotRef: &ref}, nil},
		{"pending without reference", CacheEntry{State: StatePending}, nil},
		{"failed without reference", CacheEntry{State: StateFailed}, nil},
		{"stored without reference", CacheEntry{State: StateStored}, ErrInvalidEntry},
		{"uploading with reference", CacheEntry{State: StateUploading, HotRef: &ref}, ErrInvalidEntry},
		{"unknown state", CacheEntry{State: UploadState("x")}, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCacheEntry_Lifecycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	fp := Fingerprint{SourceID: "dQw4w9WgXcQ", Quality: Quality720}

	entry := NewPendingEntry(fp, now)
	if entry.State != StatePending {
		t.Fatalf("State = %v, want %v", entry.State, StatePending)
	}

	if err := entry.TransitionTo(StateUploading, now); err != nil {
		t.Fatalf("TransitionTo(uploading) error = %v", err)
	}

	qualities := DefaultQualityPolicy().ServableFrom(Quality720)
	if err := entry.MarkStored("objects/ab/abc", "abc", 1000, qualities, now.Add(time.Second)); err != nil {
		t.Fatalf("MarkStored() error = %v", err)
	}
	if !entry.IsStored() {
		t.Error("IsStored() = false after MarkStored")
	}
	if err := entry.Validate(); err != nil {
		t.Errorf("Validate() after MarkStored = %v", err)
	}
	if entry.Reference() != "objects/ab/abc" {
		t.Errorf("Reference() = %q", entry.Reference())
	}

	if err := entry.TransitionTo(StateFailed, now.Add(2*time.Second)); err != nil {
		t.Fatalf("TransitionTo(failed) error = %v", err)
	}
	if entry.HotRef != nil {
		t.Error("HotRef should be cleared when leaving stored")
	}
	if err := entry.Validate(); err != nil {
		t.Errorf("Validate() after failure = %v", err)
	}
}

func TestCacheEntry_MarkStored_RequiresUploading(t *testing.T) {
	entry := NewPendingEntry(Fingerprint{SourceID: "dQw4w9WgXcQ", Quality: Quality360}, time.Now())

	err := entry.MarkStored("objects/ab/abc", "abc", 10, NewQualitySet(Quality360), time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkStored() from pending error = %v, want %v", err, ErrInvalidTransition)
	}
	if entry.HotRef != nil {
		t.Error("HotRef must stay nil on rejected MarkStored")
	}
}

func TestCacheEntry_CoolingDown(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 15 * time.Minute

	tests := []struct {
		name      string
		state     UploadState
		updatedAt time.Time
		want      bool
	}{
		{"failed just now", StateFailed, now.Add(-time.Minute), true},
		{"failed past cooldown", StateFailed, now.Add(-16 * time.Minute), false},
		{"failed exactly at cooldown", StateFailed, now.Add(-cooldown), false},
		{"stored never cools down", StateStored, now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := CacheEntry{State: tt.state, UpdatedAt: tt.updatedAt}
			if got := e.CoolingDown(now, cooldown); got != tt.want {
				t.Errorf("CoolingDown() = %v, want %v", got, tt.want)
			}
		})
	}
}
