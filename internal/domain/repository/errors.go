package repository

import "errors"

var (
	// ErrEntryNotFound is returned when no cache entry exists for a fingerprint.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrObjectNotFound is returned when a hot-store reference does not resolve.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrStateConflict is returned when a compare-and-set on upload state loses.
	ErrStateConflict = errors.New("upload state changed concurrently")
)
