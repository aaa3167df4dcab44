package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Fingerprint identifies a piece of content at a requested quality.
// It is the cache key for CacheEntry and UploadTask.
type Fingerprint struct {
	SourceID string  `json:"source_id"`
	Quality  Quality `json:"quality"`
}

// NewFingerprint validates the parts of a fingerprint.
func NewFingerprint(sourceID string, quality Quality) (Fingerprint, error) {
	if !sourceIDPattern.MatchString(sourceID) {
		return Fingerprint{}, fmt.Errorf("%w: source id %q", ErrInvalidInput, sourceID)
	}
	if !quality.IsValid() {
		return Fingerprint{}, fmt.Errorf("%w: quality %q", ErrInvalidInput, quality)
	}
	return Fingerprint{SourceID: sourceID, Quality: quality}, nil
}

// ParseFingerprint derives a fingerprint from a client-supplied source URL (or
// bare id) and quality parameter.
func ParseFingerprint(rawSource, rawQuality string) (Fingerprint, error) {
	sourceID, err := ExtractSourceID(rawSource)
	if err != nil {
		return Fingerprint{}, err
	}
	quality, err := ParseQuality(rawQuality)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: quality %q", ErrInvalidInput, rawQuality)
	}
	return NewFingerprint(sourceID, quality)
}

// ExtractSourceID returns the content id from a watch, short, embed or share
// URL. A bare id is returned unchanged.
func ExtractSourceID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty source", ErrInvalidInput)
	}
	if sourceIDPattern.MatchString(raw) {
		return raw, nil
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	var id string
	switch host {
	case "youtu.be":
		id = segments[0]
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		switch {
		case segments[0] == "watch":
			id = u.Query().Get("v")
		case len(segments) >= 2 && (segments[0] == "embed" || segments[0] == "v" || segments[0] == "shorts" || segments[0] == "live"):
			id = segments[1]
		}
	}

	if !sourceIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: unrecognised source %q", ErrInvalidInput, raw)
	}
	return id, nil
}

// Key is the canonical cache key, "<source_id>:<quality>".
func (f Fingerprint) Key() string {
	return f.SourceID + ":" + string(f.Quality)
}

func (f Fingerprint) String() string {
	return f.Key()
}

// WithQuality returns the fingerprint of the same source at another quality.
func (f Fingerprint) WithQuality(q Quality) Fingerprint {
	return Fingerprint{SourceID: f.SourceID, Quality: q}
}
