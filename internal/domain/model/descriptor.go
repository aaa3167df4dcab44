package model

import (
	"strconv"
	"strings"
	"time"
)

// Descriptor is the upstream metadata for a source, including time-limited
// direct links per quality.
type Descriptor struct {
	SourceID           string
	Title              string
	DurationSeconds    int
	Thumbnail          string
	AvailableQualities QualitySet
	DirectLinks        map[Quality]string
	ExpiresAt          time.Time
	FetchedAt          time.Time
}

// Link returns the direct link for a quality.
func (d *Descriptor) Link(q Quality) (string, bool) {
	if d == nil {
		return "", false
	}
	link, ok := d.DirectLinks[q]
	return link, ok && link != ""
}

// Expired reports whether the direct links are past their validity.
func (d *Descriptor) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// ParseDurationLabel converts "m:ss" or "h:mm:ss" labels to seconds.
// Unparseable labels yield 0.
func ParseDurationLabel(label string) int {
	parts := strings.Split(strings.TrimSpace(label), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// Tier is the cache tier a request was served from.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

func (t Tier) String() string {
	return string(t)
}

// LocationKind distinguishes a hot-store reference from an upstream link.
type LocationKind string

const (
	LocationHotRef LocationKind = "hot_ref"
	LocationDirect LocationKind = "direct"
)

// ContentLocation tells the streaming proxy where the bytes live.
type ContentLocation struct {
	Kind      LocationKind
	HotRef    string
	URL       string
	ExpiresAt time.Time
}
