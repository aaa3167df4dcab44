package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
	"github.com/hszk-dev/tubecache/internal/infrastructure/cache"
	"github.com/hszk-dev/tubecache/internal/infrastructure/metrics"
)

// Resolution says where the bytes for a fingerprint live.
type Resolution struct {
	Location         model.ContentLocation
	Tier             model.Tier
	RequestedQuality model.Quality
	ServedQuality    model.Quality
	// Entry is set for hot and warm resolutions.
	Entry *model.CacheEntry
	// Descriptor is set for cold resolutions.
	Descriptor *model.Descriptor
}

// Fingerprint returns the fingerprint of the content actually served.
func (r *Resolution) Fingerprint() model.Fingerprint {
	if r.Entry != nil {
		return r.Entry.Fingerprint
	}
	return model.Fingerprint{SourceID: r.Descriptor.SourceID, Quality: r.ServedQuality}
}

// Title returns the best known title.
func (r *Resolution) Title() string {
	if r.Entry != nil && r.Entry.Title != "" {
		return r.Entry.Title
	}
	if r.Descriptor != nil {
		return r.Descriptor.Title
	}
	return ""
}

// Enqueuer hands upload tasks to the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.UploadTask) error
}

// Resolver is the cache-first lookup orchestrator.
type Resolver interface {
	// Resolve walks hot, warm, then cold tiers. Cold resolutions schedule a
	// background upload and return without waiting for it.
	Resolve(ctx context.Context, fp model.Fingerprint) (*Resolution, error)

	// Describe returns upstream metadata for a source.
	Describe(ctx context.Context, sourceID string) (*model.Descriptor, error)

	// Wait blocks until detached background work has finished.
	Wait()
}

// ResolverConfig holds configuration for Resolver.
type ResolverConfig struct {
	// ProbeTimeout bounds each hot-store existence check.
	ProbeTimeout time.Duration
	// UpstreamTimeout bounds the descriptor fetch on the cold path.
	UpstreamTimeout time.Duration
	// AdmitTimeout bounds the detached gate admission and enqueue.
	AdmitTimeout time.Duration
	// EntryCacheTTL is the TTL for cached stored entries.
	EntryCacheTTL time.Duration
	// NegativeTTL is how long a missing source is remembered; zero disables.
	NegativeTTL time.Duration
	// Policy decides which stored qualities may serve a request.
	Policy model.QualityPolicy
}

// DefaultResolverConfig returns the default configuration.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ProbeTimeout:    800 * time.Millisecond,
		UpstreamTimeout: 10 * time.Second,
		AdmitTimeout:    30 * time.Second,
		EntryCacheTTL:   5 * time.Minute,
		NegativeTTL:     10 * time.Minute,
		Policy:          model.DefaultQualityPolicy(),
	}
}

type resolver struct {
	store    repository.EntryStore
	hot      repository.HotStore
	source   repository.ExternalSource
	entries  cache.EntryCache    // optional
	negative cache.NegativeCache // optional
	gate     DedupGate
	enqueuer Enqueuer

	sfGroup singleflight.Group
	bg      sync.WaitGroup
	cfg     ResolverConfig
	now     func() time.Time
}

// ResolverDeps groups the collaborators of a Resolver. EntryCache and
// NegativeCache may be nil.
type ResolverDeps struct {
	Store         repository.EntryStore
	HotStore      repository.HotStore
	Source        repository.ExternalSource
	EntryCache    cache.EntryCache
	NegativeCache cache.NegativeCache
	Gate          DedupGate
	Enqueuer      Enqueuer
}

// NewResolver creates a new Resolver instance.
func NewResolver(deps ResolverDeps, cfg ResolverConfig) Resolver {
	return &resolver{
		store:    deps.Store,
		hot:      deps.HotStore,
		source:   deps.Source,
		entries:  deps.EntryCache,
		negative: deps.NegativeCache,
		gate:     deps.Gate,
		enqueuer: deps.Enqueuer,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *resolver) Resolve(ctx context.Context, fp model.Fingerprint) (*Resolution, error) {
	start := s.now()

	res, err := s.resolve(ctx, fp)
	switch {
	case err == nil:
		metrics.ResolveTotal.WithLabelValues(res.Tier.String(), metrics.ResolveServed).Inc()
		metrics.ResolveDuration.WithLabelValues(res.Tier.String()).Observe(s.now().Sub(start).Seconds())
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrQualityUnavailable):
		metrics.ResolveTotal.WithLabelValues(model.TierCold.String(), metrics.ResolveNotFound).Inc()
	default:
		metrics.ResolveTotal.WithLabelValues(model.TierCold.String(), metrics.ResolveError).Inc()
	}
	return res, err
}

func (s *resolver) resolve(ctx context.Context, fp model.Fingerprint) (*Resolution, error) {
	if res := s.resolveHot(ctx, fp); res != nil {
		return res, nil
	}
	if res := s.resolveWarm(ctx, fp); res != nil {
		return res, nil
	}
	return s.resolveCold(ctx, fp)
}

// resolveHot returns nil to fall through to the next tier.
func (s *resolver) resolveHot(ctx context.Context, fp model.Fingerprint) *Resolution {
	entry, err := s.lookupEntry(ctx, fp)
	if err != nil {
		slog.Warn("hot lookup failed, falling through", "fingerprint", fp.Key(), "error", err)
		return nil
	}
	if entry == nil || !entry.IsStored() {
		return nil
	}
	if !s.probe(ctx, entry) {
		return nil
	}

	s.touchAccess(fp)
	return hotResolution(model.TierHot, fp.Quality, entry)
}

func (s *resolver) resolveWarm(ctx context.Context, fp model.Fingerprint) *Resolution {
	stored, err := s.store.ListStoredBySource(ctx, fp.SourceID)
	if err != nil {
		slog.Warn("warm lookup failed, falling through", "source_id", fp.SourceID, "error", err)
		return nil
	}

	candidates := make([]*model.CacheEntry, 0, len(stored))
	for _, e := range stored {
		q := e.Fingerprint.Quality
		if q == fp.Quality || !e.IsStored() {
			continue
		}
		// The entry must have been written as able to serve the request,
		// and the current policy must still allow it.
		if e.AvailableQualities.Contains(fp.Quality) && s.cfg.Policy.Serves(q, fp.Quality) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Fingerprint.Quality.Rank() < candidates[j].Fingerprint.Quality.Rank()
	})

	for _, e := range candidates {
		if s.probe(ctx, e) {
			s.touchAccess(e.Fingerprint)
			return hotResolution(model.TierWarm, fp.Quality, e)
		}
	}
	return nil
}

func (s *resolver) resolveCold(ctx context.Context, fp model.Fingerprint) (*Resolution, error) {
	d, err := s.fetchDescriptor(ctx, fp.SourceID)
	if err != nil {
		return nil, err
	}

	link, ok := d.Link(fp.Quality)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrQualityUnavailable, fp.Key())
	}

	s.admitUpload(model.NewUploadTask(fp, d, link, s.now()))

	return &Resolution{
		Location: model.ContentLocation{
			Kind:      model.LocationDirect,
			URL:       link,
			ExpiresAt: d.ExpiresAt,
		},
		Tier:             model.TierCold,
		RequestedQuality: fp.Quality,
		ServedQuality:    fp.Quality,
		Descriptor:       d,
	}, nil
}

func (s *resolver) Describe(ctx context.Context, sourceID string) (*model.Descriptor, error) {
	return s.fetchDescriptor(ctx, sourceID)
}

// fetchDescriptor consults the negative cache, then the upstream. Only
// ErrNotFound and ErrUpstreamUnavailable leave this function.
func (s *resolver) fetchDescriptor(ctx context.Context, sourceID string) (*model.Descriptor, error) {
	if s.knownMissing(ctx, sourceID) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, sourceID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()

	d, err := s.source.FetchDescriptor(fetchCtx, sourceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.rememberMissing(ctx, sourceID)
			return nil, err
		}
		if errors.Is(err, model.ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	return d, nil
}

// lookupEntry implements cache-aside over the metadata store. Concurrent
// lookups for one fingerprint share a single store read.
func (s *resolver) lookupEntry(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	result, err, shared := s.sfGroup.Do(fp.Key(), func() (any, error) {
		return s.lookupEntryWithCache(ctx, fp)
	})

	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}

	if err != nil {
		return nil, err
	}
	entry, _ := result.(*model.CacheEntry)
	return entry, nil
}

func (s *resolver) lookupEntryWithCache(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	if s.entries != nil {
		entry, err := s.entries.Get(ctx, fp)
		if err != nil {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
			slog.Warn("cache get failed, falling back to database", "fingerprint", fp.Key(), "error", err)
		} else if entry != nil {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeRedis).Inc()
			return entry, nil
		} else {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, metrics.CacheTypeRedis).Inc()
		}
	}

	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQuerySelect, metrics.TableCacheEntries).Inc()
	entry, err := s.store.GetEntry(ctx, fp)
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// Only stored entries are worth caching; anything else changes soon.
	if s.entries != nil && entry.IsStored() {
		if err := s.entries.Set(ctx, entry, s.cfg.EntryCacheTTL); err != nil {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
			slog.Warn("failed to cache entry", "fingerprint", fp.Key(), "error", err)
		}
	}
	return entry, nil
}

// probe checks the hot object still exists. A definite miss demotes the
// entry; a probe error leaves it alone.
func (s *resolver) probe(ctx context.Context, entry *model.CacheEntry) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	fp := entry.Fingerprint
	exists, err := s.hot.Exists(probeCtx, entry.Reference())
	if err != nil {
		slog.Warn("hot probe failed", "fingerprint", fp.Key(), "error", err)
		return false
	}
	if exists {
		return true
	}

	slog.Warn("hot object missing, demoting entry", "fingerprint", fp.Key(), "hot_ref", entry.Reference())
	if _, err := s.store.MarkMissing(ctx, fp, s.now()); err != nil {
		slog.Warn("failed to mark entry missing", "fingerprint", fp.Key(), "error", err)
	}
	s.invalidate(ctx, fp)
	return false
}

func (s *resolver) invalidate(ctx context.Context, fp model.Fingerprint) {
	if s.entries == nil {
		return
	}
	if err := s.entries.Delete(ctx, fp); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		slog.Warn("failed to invalidate entry cache", "fingerprint", fp.Key(), "error", err)
	}
}

func (s *resolver) knownMissing(ctx context.Context, sourceID string) bool {
	if s.negative == nil || s.cfg.NegativeTTL <= 0 {
		return false
	}
	missing, err := s.negative.IsMissing(ctx, sourceID)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.CacheTypeNegative).Inc()
		slog.Warn("negative cache lookup failed", "source_id", sourceID, "error", err)
		return false
	}
	if missing {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeNegative).Inc()
	}
	return missing
}

func (s *resolver) rememberMissing(ctx context.Context, sourceID string) {
	if s.negative == nil || s.cfg.NegativeTTL <= 0 {
		return
	}
	if err := s.negative.MarkMissing(ctx, sourceID, s.cfg.NegativeTTL); err != nil {
		slog.Warn("failed to record missing source", "source_id", sourceID, "error", err)
	}
}

// admitUpload runs the gate and enqueue detached from the request so the
// client never waits on the pipeline.
func (s *resolver) admitUpload(task model.UploadTask) {
	fp := task.Fingerprint
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AdmitTimeout)
		defer cancel()

		admitted, err := s.gate.Admit(ctx, fp)
		if err != nil {
			slog.Warn("upload admission failed", "fingerprint", fp.Key(), "error", err)
			return
		}
		if !admitted {
			return
		}

		if err := s.enqueuer.Enqueue(ctx, task); err != nil {
			slog.Error("failed to enqueue upload", "fingerprint", fp.Key(), "error", err)
			s.gate.Abandon(ctx, fp, fmt.Sprintf("enqueue: %v", err))
			return
		}
		slog.Info("upload enqueued", "fingerprint", fp.Key())
	}()
}

func (s *resolver) touchAccess(fp model.Fingerprint) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchAccess(ctx, fp, s.now()); err != nil {
			slog.Warn("failed to record access", "fingerprint", fp.Key(), "error", err)
		}
	}()
}

func (s *resolver) Wait() {
	s.bg.Wait()
}

func hotResolution(tier model.Tier, requested model.Quality, entry *model.CacheEntry) *Resolution {
	return &Resolution{
		Location: model.ContentLocation{
			Kind:   model.LocationHotRef,
			HotRef: entry.Reference(),
		},
		Tier:             tier,
		RequestedQuality: requested,
		ServedQuality:    entry.Fingerprint.Quality,
		Entry:            entry,
	}
}
