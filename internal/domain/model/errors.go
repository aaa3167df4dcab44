package model

import (
	"context"
	"errors"
	"net"
)

// Error kinds surfaced by the cache engine. Handlers map them to HTTP statuses.
var (
	// ErrInvalidInput is returned for a malformed identifier or quality.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamUnavailable is returned when the external source errors or times out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrQuotaExceeded is returned when a key has used up its request window.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrStorageInconsistency is returned when a hot-store object fails verification.
	ErrStorageInconsistency = errors.New("storage inconsistency")

	// ErrNotFound is returned when the source does not exist upstream.
	ErrNotFound = errors.New("content not found")

	// ErrQualityUnavailable is returned when the upstream does not offer the requested quality.
	ErrQualityUnavailable = errors.New("quality unavailable")

	// ErrRangeNotSatisfiable is returned when a byte range falls outside the object.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrObjectTooLarge is returned when content exceeds the hot-store size cap.
	ErrObjectTooLarge = errors.New("object too large")

	// ErrLinkExpired is returned when a time-limited direct link is no longer valid.
	ErrLinkExpired = errors.New("direct link expired")

	ErrInvalidTransition = errors.New("invalid upload state transition")
	ErrInvalidEntry      = errors.New("hot reference must be set if and only if the entry is stored")
)

// IsTransient reports whether err is worth retrying inside the upload pipeline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrStorageInconsistency),
		errors.Is(err, ErrLinkExpired),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrObjectTooLarge),
		errors.Is(err, ErrQualityUnavailable),
		errors.Is(err, context.Canceled):
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
