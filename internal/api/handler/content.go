package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/usecase"
)

// ContentResponse describes where a client can fetch content.
type ContentResponse struct {
	Status           bool   `json:"status"`
	SourceID         string `json:"source_id"`
	Title            string `json:"title,omitempty"`
	DurationSeconds  int    `json:"duration_seconds,omitempty"`
	RequestedQuality string `json:"requested_quality"`
	ServedQuality    string `json:"served_quality"`
	Tier             string `json:"tier"`
	StreamURL        string `json:"stream_url"`
	DirectURL        string `json:"direct_url,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	ExpiresAt        string `json:"expires_at,omitempty"`
}

// InfoResponse is upstream metadata for a source.
type InfoResponse struct {
	Status          bool     `json:"status"`
	SourceID        string   `json:"source_id"`
	Title           string   `json:"title"`
	DurationSeconds int      `json:"duration_seconds"`
	Thumbnail       string   `json:"thumbnail,omitempty"`
	Qualities       []string `json:"qualities"`
}

// ContentConfig holds configuration for ContentHandler.
type ContentConfig struct {
	// StreamRedirect answers hot and warm streams with a redirect to a
	// presigned hot-store URL instead of proxying the bytes.
	StreamRedirect bool
}

// ContentHandler serves content lookups and byte streams.
type ContentHandler struct {
	resolver  usecase.Resolver
	streaming usecase.StreamingService
	cfg       ContentConfig
}

// NewContentHandler creates a new ContentHandler.
func NewContentHandler(resolver usecase.Resolver, streaming usecase.StreamingService, cfg ContentConfig) *ContentHandler {
	return &ContentHandler{resolver: resolver, streaming: streaming, cfg: cfg}
}

// Content handles GET /v1/content
func (h *ContentHandler) Content(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprintFromQuery(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res, err := h.resolver.Resolve(r.Context(), fp)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, toContentResponse(fp, res))
}

// Stream handles GET /v1/stream
func (h *ContentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprintFromQuery(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res, err := h.resolver.Resolve(r.Context(), fp)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("X-Cache-Tier", res.Tier.String())

	if h.cfg.StreamRedirect && res.Tier != model.TierCold {
		target, err := h.streaming.RedirectURL(r.Context(), res)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	open := h.streaming.Stream
	if r.Method == http.MethodHead {
		open = h.streaming.Head
	}
	stream, err := open(r.Context(), res, r.Header.Get("Range"))
	if err != nil {
		if total, ok := unsatisfiedRangeTotal(err, res); ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		}
		handleServiceError(w, err)
		return
	}
	defer func() { _ = stream.Body.Close() }()

	writeStream(w, r, stream, attachmentName(res, fp))
}

// Info handles GET /v1/info
func (h *ContentHandler) Info(w http.ResponseWriter, r *http.Request) {
	sourceID, err := model.ExtractSourceID(sourceParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	d, err := h.resolver.Describe(r.Context(), sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, InfoResponse{
		Status:          true,
		SourceID:        d.SourceID,
		Title:           d.Title,
		DurationSeconds: d.DurationSeconds,
		Thumbnail:       d.Thumbnail,
		Qualities:       d.AvailableQualities.Strings(),
	})
}

func writeStream(w http.ResponseWriter, r *http.Request, stream *model.Stream, filename string) {
	header := w.Header()
	header.Set("Content-Type", stream.ContentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, filename))
	if stream.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}

	status := http.StatusOK
	if stream.Partial() {
		header.Set("Content-Range", stream.Range.ContentRange(stream.TotalSize))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, stream.Body); err != nil && r.Context().Err() == nil {
		slog.Warn("stream interrupted", "tier", stream.Tier.String(), "error", err)
	}
}

// unsatisfiedRangeTotal returns the object size to report on a 416.
func unsatisfiedRangeTotal(err error, res *usecase.Resolution) (int64, bool) {
	var rangeErr *model.RangeError
	if errors.As(err, &rangeErr) && rangeErr.Total >= 0 {
		return rangeErr.Total, true
	}
	if errors.Is(err, model.ErrRangeNotSatisfiable) && res.Entry != nil {
		return res.Entry.SizeBytes, true
	}
	return 0, false
}

// sourceParam prefers the id parameter over url.
func sourceParam(r *http.Request) string {
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		return id
	}
	return q.Get("url")
}

func fingerprintFromQuery(r *http.Request) (model.Fingerprint, error) {
	return model.ParseFingerprint(sourceParam(r), r.URL.Query().Get("quality"))
}

func toContentResponse(fp model.Fingerprint, res *usecase.Resolution) ContentResponse {
	resp := ContentResponse{
		Status:           true,
		SourceID:         fp.SourceID,
		Title:            res.Title(),
		RequestedQuality: res.RequestedQuality.String(),
		ServedQuality:    res.ServedQuality.String(),
		Tier:             res.Tier.String(),
		StreamURL:        streamPath(fp),
	}
	if res.Entry != nil {
		resp.SizeBytes = res.Entry.SizeBytes
		resp.DurationSeconds = res.Entry.DurationSeconds
	}
	if res.Descriptor != nil {
		resp.DurationSeconds = res.Descriptor.DurationSeconds
	}
	if res.Location.Kind == model.LocationDirect {
		resp.DirectURL = res.Location.URL
		if !res.Location.ExpiresAt.IsZero() {
			resp.ExpiresAt = res.Location.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return resp
}

func streamPath(fp model.Fingerprint) string {
	v := url.Values{}
	v.Set("id", fp.SourceID)
	v.Set("quality", fp.Quality.String())
	return "/v1/stream?" + v.Encode()
}

// attachmentName builds "<title>.<ext>" with characters unsafe in a header
// parameter removed. It falls back to the source id.
func attachmentName(res *usecase.Resolution, fp model.Fingerprint) string {
	title := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f, r == '"', r == '\\', r == '/':
			return -1
		}
		return r
	}, res.Title())
	title = strings.TrimSpace(title)
	if title == "" {
		title = fp.SourceID
	}
	return title + "." + res.ServedQuality.Extension()
}
