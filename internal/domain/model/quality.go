package model

import (
	"sort"
	"strings"
)

// Quality is the requested rendition of a piece of content.
type Quality string

const (
	QualityAudio Quality = "audio"
	Quality144   Quality = "144"
	Quality240   Quality = "240"
	Quality360   Quality = "360"
	Quality480   Quality = "480"
	Quality720   Quality = "720"
	Quality1080  Quality = "1080"
)

// DefaultQuality is used when a client omits the quality parameter.
const DefaultQuality = Quality360

// videoRanks orders video qualities from lowest to highest.
var videoRanks = map[Quality]int{
	Quality144:  1,
	Quality240:  2,
	Quality360:  3,
	Quality480:  4,
	Quality720:  5,
	Quality1080: 6,
}

// ParseQuality normalises a client-supplied quality ("720", "720p", "AUDIO").
// An empty string yields DefaultQuality.
func ParseQuality(s string) (Quality, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultQuality, nil
	}
	s = strings.TrimSuffix(s, "p")
	q := Quality(s)
	if !q.IsValid() {
		return "", ErrInvalidInput
	}
	return q, nil
}

func (q Quality) IsValid() bool {
	if q == QualityAudio {
		return true
	}
	_, ok := videoRanks[q]
	return ok
}

func (q Quality) IsAudio() bool {
	return q == QualityAudio
}

// Rank returns the ordering position of a video quality, or 0 for audio and
// unknown values.
func (q Quality) Rank() int {
	return videoRanks[q]
}

func (q Quality) String() string {
	return string(q)
}

// ContentType returns the MIME type of an asset stored at this quality.
func (q Quality) ContentType() string {
	if q.IsAudio() {
		return "audio/mpeg"
	}
	return "video/mp4"
}

// Extension returns the file extension used in Content-Disposition headers.
func (q Quality) Extension() string {
	if q.IsAudio() {
		return "mp3"
	}
	return "mp4"
}

// QualitySet is an unordered set of qualities.
type QualitySet map[Quality]struct{}

func NewQualitySet(qs ...Quality) QualitySet {
	set := make(QualitySet, len(qs))
	for _, q := range qs {
		set[q] = struct{}{}
	}
	return set
}

func (s QualitySet) Contains(q Quality) bool {
	_, ok := s[q]
	return ok
}

// Sorted returns the members ordered audio first, then by ascending rank.
func (s QualitySet) Sorted() []Quality {
	out := make([]Quality, 0, len(s))
	for q := range s {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Rank() < out[j].Rank()
	})
	return out
}

// Strings returns the sorted members as strings, for persistence.
func (s QualitySet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, q := range sorted {
		out[i] = q.String()
	}
	return out
}

// QualitySetFromStrings parses persisted values, dropping unknown entries.
func QualitySetFromStrings(values []string) QualitySet {
	set := make(QualitySet, len(values))
	for _, v := range values {
		q := Quality(v)
		if q.IsValid() {
			set[q] = struct{}{}
		}
	}
	return set
}

// QualityPolicy declares which stored qualities may stand in for a request.
//
// A stored asset may serve a request of the same quality, or a lower video
// quality. MaxStepDown bounds how many ranks lower the request may be; zero
// means unlimited. Audio is only ever served by audio.
type QualityPolicy struct {
	MaxStepDown int
}

// DefaultQualityPolicy allows any higher video quality to serve a lower one.
func DefaultQualityPolicy() QualityPolicy {
	return QualityPolicy{MaxStepDown: 0}
}

// Serves reports whether an asset stored at stored may satisfy requested.
func (p QualityPolicy) Serves(stored, requested Quality) bool {
	if stored == requested {
		return stored.IsValid()
	}
	if stored.IsAudio() || requested.IsAudio() {
		return false
	}
	sr, rr := stored.Rank(), requested.Rank()
	if sr == 0 || rr == 0 || sr < rr {
		return false
	}
	if p.MaxStepDown > 0 && sr-rr > p.MaxStepDown {
		return false
	}
	return true
}

// ServableFrom returns every quality an asset stored at stored can serve.
func (p QualityPolicy) ServableFrom(stored Quality) QualitySet {
	set := NewQualitySet()
	if stored.IsAudio() {
		set[QualityAudio] = struct{}{}
		return set
	}
	for q := range videoRanks {
		if p.Serves(stored, q) {
			set[q] = struct{}{}
		}
	}
	return set
}
