package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

// maxDescriptorBytes bounds the descriptor response body.
const maxDescriptorBytes = 1 << 20

// ClientConfig holds configuration for the upstream extraction service.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per descriptor request; byte fetches rely on the caller's context
}

// descriptorJSON is the upstream descriptor contract.
type descriptorJSON struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Duration           json.RawMessage   `json:"duration"`
	Thumbnail          string            `json:"thumbnail"`
	AvailableQualities []string          `json:"available_qualities"`
	Links              map[string]string `json:"links"`
	ExpiresAt          time.Time         `json:"expires_at"`
}

// HTTPSource implements repository.ExternalSource over a JSON HTTP API.
type HTTPSource struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	now     func() time.Time
}

// Compile-time verification that HTTPSource implements repository.ExternalSource.
var _ repository.ExternalSource = (*HTTPSource)(nil)

// NewHTTPSource creates an upstream client. The shared transport keeps
// connections to the upstream and its media hosts alive across requests.
func NewHTTPSource(cfg ClientConfig) *HTTPSource {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return newHTTPSourceWithClient(cfg, &http.Client{Transport: transport})
}

func newHTTPSourceWithClient(cfg ClientConfig, client *http.Client) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  client,
		now:     time.Now,
	}
}

// FetchDescriptor calls GET {base}/v1/descriptor?id=.
func (s *HTTPSource) FetchDescriptor(ctx context.Context, sourceID string) (*model.Descriptor, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	endpoint := s.baseURL + "/v1/descriptor?id=" + url.QueryEscape(sourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build descriptor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor request: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", sourceID, err)
	}

	var v descriptorJSON
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDescriptorBytes)).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode descriptor: %v", model.ErrUpstreamUnavailable, err)
	}

	return s.toDescriptor(sourceID, v), nil
}

// FetchBytes opens a direct link, forwarding rangeHeader when set.
// Caller is responsible for closing the returned stream body.
func (s *HTTPSource) FetchBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	return s.openMedia(ctx, http.MethodGet, link, rangeHeader)
}

// HeadBytes sends a HEAD for a direct link.
func (s *HTTPSource) HeadBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	return s.openMedia(ctx, http.MethodHead, link, rangeHeader)
}

func (s *HTTPSource) openMedia(ctx context.Context, method, link, rangeHeader string) (*model.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build media request: %v", model.ErrInvalidInput, err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: media request: %v", model.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		total := int64(-1)
		if _, n, err := model.ParseContentRange(resp.Header.Get("Content-Range")); err == nil {
			total = n
		}
		return nil, &model.RangeError{Total: total}
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("media fetch: %w", err)
	}

	stream := &model.Stream{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		TotalSize:     resp.ContentLength,
	}
	if resp.StatusCode == http.StatusPartialContent {
		rng, total, err := model.ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
		}
		stream.Range = rng
		stream.TotalSize = total
	}
	return stream, nil
}

// classifyStatus maps upstream statuses onto domain errors.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return model.ErrNotFound
	case code == http.StatusForbidden, code == http.StatusGone:
		return model.ErrLinkExpired
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d", model.ErrUpstreamUnavailable, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", model.ErrUpstreamUnavailable, code)
	}
}

func (s *HTTPSource) toDescriptor(sourceID string, v descriptorJSON) *model.Descriptor {
	d := &model.Descriptor{
		SourceID:           sourceID,
		Title:              v.Title,
		DurationSeconds:    parseDuration(v.Duration),
		Thumbnail:          v.Thumbnail,
		AvailableQualities: model.NewQualitySet(),
		DirectLinks:        make(map[model.Quality]string, len(v.Links)),
		ExpiresAt:          v.ExpiresAt,
		FetchedAt:          s.now(),
	}
	for raw, link := range v.Links {
		q, err := model.ParseQuality(raw)
		if err != nil || link == "" {
			continue
		}
		d.DirectLinks[q] = link
		d.AvailableQualities[q] = struct{}{}
	}
	// Qualities listed without a link are still advertised.
	for _, raw := range v.AvailableQualities {
		if q, err := model.ParseQuality(raw); err == nil {
			d.AvailableQualities[q] = struct{}{}
		}
	}
	return d
}

// parseDuration accepts seconds as a number or an "m:ss" label.
func parseDuration(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var label string
	if err := json.Unmarshal(raw, &label); err != nil {
		return 0
	}
	if secs, err := strconv.Atoi(label); err == nil {
		return secs
	}
	return model.ParseDurationLabel(label)
}
