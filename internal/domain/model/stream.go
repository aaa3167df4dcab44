package model

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte range [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a total size.
// A negative total renders as "*".
func (r ByteRange) ContentRange(total int64) string {
	if total < 0 {
		return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// Header formats the range as a Range request header value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// RangeError is an unsatisfiable range against an object of Total bytes.
// It matches ErrRangeNotSatisfiable; Total is -1 when the size is unknown.
type RangeError struct {
	Total int64
}

func (e *RangeError) Error() string {
	if e.Total < 0 {
		return ErrRangeNotSatisfiable.Error()
	}
	return fmt.Sprintf("%s: object is %d bytes", ErrRangeNotSatisfiable, e.Total)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeNotSatisfiable
}

// ParseRange interprets a single-range "bytes=" header against an object of
// the given size. It returns nil for an absent or malformed header (the full
// body is served) and a *RangeError when the range lies outside the
// object. Multi-range requests are served as the full body.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(value, ",") {
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return nil, nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, &RangeError{Total: size}
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
	}
	if start >= size {
		return nil, &RangeError{Total: size}
	}
	if end >= size {
		end = size - 1
	}
	return &ByteRange{Start: start, End: end}, nil
}

// ParseContentRange parses a "bytes a-b/total" response header. Total is -1
// when the server reports "*".
func ParseContentRange(header string) (*ByteRange, int64, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return nil, 0, fmt.Errorf("content-range %q: missing unit", header)
	}
	rangePart, totalPart, ok := strings.Cut(value, "/")
	if !ok {
		return nil, 0, fmt.Errorf("content-range %q: missing total", header)
	}
	total := int64(-1)
	if totalPart != "*" {
		n, err := strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("content-range %q: %w", header, err)
		}
		total = n
	}
	if rangePart == "*" {
		return nil, total, nil
	}
	startStr, endStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return nil, 0, fmt.Errorf("content-range %q: malformed range", header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("content-range %q: %w", header, err)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("content-range %q: %w", header, err)
	}
	return &ByteRange{Start: start, End: end}, total, nil
}

// Stream is a byte stream handed from a tier to the client. Range is non-nil
// for partial content. TotalSize is -1 when the upstream does not report it.
type Stream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	TotalSize     int64
	Range         *ByteRange
	Tier          Tier
}

// Partial reports whether the stream carries a byte range of the object.
func (s *Stream) Partial() bool {
	return s.Range != nil
}
