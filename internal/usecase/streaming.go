package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
	"github.com/hszk-dev/tubecache/internal/infrastructure/metrics"
)

// StreamingConfig holds configuration for the streaming proxy.
type StreamingConfig struct {
	// PresignExpiry is the lifetime of redirect URLs.
	PresignExpiry time.Duration
}

// DefaultStreamingConfig returns the default configuration.
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{PresignExpiry: 15 * time.Minute}
}

// StreamingService relays bytes for a resolution.
type StreamingService interface {
	// Stream opens the bytes behind res, honouring rangeHeader. The caller
	// must close the returned body.
	Stream(ctx context.Context, res *Resolution, rangeHeader string) (*model.Stream, error)

	// Head describes what Stream would return without opening the bytes.
	Head(ctx context.Context, res *Resolution, rangeHeader string) (*model.Stream, error)

	// RedirectURL returns a presigned hot-store URL for a hot or warm
	// resolution, and the upstream link for a cold one.
	RedirectURL(ctx context.Context, res *Resolution) (string, error)

	// Wait blocks until background bookkeeping has finished.
	Wait()
}

type streamingService struct {
	hot    repository.HotStore
	source repository.ExternalSource
	store  repository.EntryStore

	cfg StreamingConfig
	bg  sync.WaitGroup
	now func() time.Time
}

// NewStreamingService creates a new StreamingService instance.
func NewStreamingService(
	hot repository.HotStore,
	source repository.ExternalSource,
	store repository.EntryStore,
	cfg StreamingConfig,
) StreamingService {
	return &streamingService{
		hot:    hot,
		source: source,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *streamingService) Stream(ctx context.Context, res *Resolution, rangeHeader string) (*model.Stream, error) {
	var (
		stream *model.Stream
		err    error
	)
	switch res.Location.Kind {
	case model.LocationHotRef:
		stream, err = s.streamHot(ctx, res, rangeHeader)
	case model.LocationDirect:
		stream, err = s.streamDirect(ctx, res, rangeHeader)
	default:
		return nil, fmt.Errorf("unknown location kind %q", res.Location.Kind)
	}
	if err != nil {
		return nil, err
	}

	stream.Tier = res.Tier
	stream.Body = &countingBody{
		ReadCloser: stream.Body,
		tier:       res.Tier,
		onEOF:      s.onComplete(res),
	}
	return stream, nil
}

func (s *streamingService) streamHot(ctx context.Context, res *Resolution, rangeHeader string) (*model.Stream, error) {
	entry := res.Entry
	rng, err := model.ParseRange(rangeHeader, entry.SizeBytes)
	if err != nil {
		return nil, err
	}

	stream, err := s.hot.Get(ctx, entry.Reference(), rng)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrStorageInconsistency, entry.Reference())
		}
		return nil, fmt.Errorf("open hot object: %w", err)
	}
	if stream.ContentType == "" || stream.ContentType == "application/octet-stream" {
		stream.ContentType = entry.ContentType
	}
	return stream, nil
}

func (s *streamingService) streamDirect(ctx context.Context, res *Resolution, rangeHeader string) (*model.Stream, error) {
	stream, err := s.source.FetchBytes(ctx, res.Location.URL, rangeHeader)
	if err != nil {
		return nil, upstreamStreamError(err)
	}
	if stream.ContentType == "" {
		stream.ContentType = res.ServedQuality.ContentType()
	}
	return stream, nil
}

func (s *streamingService) Head(ctx context.Context, res *Resolution, rangeHeader string) (*model.Stream, error) {
	var stream *model.Stream
	switch res.Location.Kind {
	case model.LocationHotRef:
		entry := res.Entry
		rng, err := model.ParseRange(rangeHeader, entry.SizeBytes)
		if err != nil {
			return nil, err
		}
		stream = &model.Stream{
			ContentType:   entry.ContentType,
			ContentLength: entry.SizeBytes,
			TotalSize:     entry.SizeBytes,
			Range:         rng,
		}
		if rng != nil {
			stream.ContentLength = rng.Length()
		}
	case model.LocationDirect:
		upstream, err := s.source.HeadBytes(ctx, res.Location.URL, rangeHeader)
		if err != nil {
			return nil, upstreamStreamError(err)
		}
		if upstream.Body != nil {
			_ = upstream.Body.Close()
		}
		stream = upstream
	default:
		return nil, fmt.Errorf("unknown location kind %q", res.Location.Kind)
	}

	if stream.ContentType == "" {
		stream.ContentType = res.ServedQuality.ContentType()
	}
	stream.Tier = res.Tier
	stream.Body = http.NoBody
	return stream, nil
}

// upstreamStreamError keeps range errors for the client and reports any
// other failure of a direct link as the upstream's fault.
func upstreamStreamError(err error) error {
	if errors.Is(err, model.ErrRangeNotSatisfiable) || errors.Is(err, model.ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
}

func (s *streamingService) RedirectURL(ctx context.Context, res *Resolution) (string, error) {
	if res.Location.Kind == model.LocationDirect {
		return res.Location.URL, nil
	}
	url, err := s.hot.PresignedURL(ctx, res.Location.HotRef, s.cfg.PresignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign hot object: %w", err)
	}
	return url, nil
}

func (s *streamingService) Wait() {
	s.bg.Wait()
}

// onComplete returns the bookkeeping run after a hot stream is fully read.
func (s *streamingService) onComplete(res *Resolution) func() {
	if res.Entry == nil {
		return nil
	}
	fp := res.Entry.Fingerprint
	return func() {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.TouchVerified(ctx, fp, s.now()); err != nil {
				slog.Warn("failed to record verified stream", "fingerprint", fp.Key(), "error", err)
			}
		}()
	}
}

// countingBody reports relayed bytes and fires onEOF once.
type countingBody struct {
	io.ReadCloser
	tier  model.Tier
	onEOF func()
	once  sync.Once
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		metrics.StreamBytesTotal.WithLabelValues(b.tier.String()).Add(float64(n))
	}
	if errors.Is(err, io.EOF) && b.onEOF != nil {
		b.once.Do(b.onEOF)
	}
	return n, err
}
