package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
	"github.com/hszk-dev/tubecache/internal/infrastructure/cache"
	"github.com/hszk-dev/tubecache/internal/infrastructure/metrics"
)

// Verification modes for freshly written hot objects.
const (
	VerifyProbe   = "probe"
	VerifyRefetch = "refetch"
)

// PipelineConfig holds configuration for the upload pipeline.
type PipelineConfig struct {
	// Workers bounds concurrently processed tasks.
	Workers int
	// MaxAttempts is the number of tries per task before it is marked failed.
	MaxAttempts int
	// BaseDelay and MaxDelay bound the exponential backoff between attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxObjectBytes caps the size of a single hot object.
	MaxObjectBytes int64
	// TempDir is where downloads are spooled before upload.
	TempDir string
	// VerifyMode is VerifyProbe or VerifyRefetch.
	VerifyMode string
	// UpstreamTimeout bounds a descriptor refresh.
	UpstreamTimeout time.Duration
	// UploadTimeout bounds one attempt: download, put and verify.
	UploadTimeout time.Duration
	// Policy decides which qualities a stored asset may serve.
	Policy model.QualityPolicy
}

// DefaultPipelineConfig returns the default configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:         8,
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		MaxObjectBytes:  50 << 20,
		TempDir:         os.TempDir(),
		VerifyMode:      VerifyProbe,
		UpstreamTimeout: 10 * time.Second,
		UploadTimeout:   5 * time.Minute,
		Policy:          model.DefaultQualityPolicy(),
	}
}

// Pipeline populates the hot tier from upload tasks.
type Pipeline interface {
	// Enqueue publishes a task. It may block while the queue is full.
	Enqueue(ctx context.Context, task model.UploadTask) error

	// Run consumes tasks until ctx is cancelled.
	Run(ctx context.Context) error

	// Wait blocks until every dispatched task has finished.
	Wait()

	// Process handles one task to a terminal state. It returns nil on both
	// success and permanent failure; an error means the metadata store could
	// not record the outcome.
	Process(ctx context.Context, task model.UploadTask) error
}

// PipelineDeps groups the collaborators of a Pipeline. EntryCache and Gate
// may be nil.
type PipelineDeps struct {
	Store      repository.EntryStore
	HotStore   repository.HotStore
	Source     repository.ExternalSource
	Queue      repository.UploadQueue
	EntryCache cache.EntryCache
	Gate       DedupGate
}

// descriptorInvalidator is implemented by sources that cache descriptors.
type descriptorInvalidator interface {
	Invalidate(sourceID string)
}

type uploadPipeline struct {
	store   repository.EntryStore
	hot     repository.HotStore
	source  repository.ExternalSource
	queue   repository.UploadQueue
	entries cache.EntryCache
	gate    DedupGate

	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	cfg   PipelineConfig
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a new Pipeline instance.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &uploadPipeline{
		store:   deps.Store,
		hot:     deps.HotStore,
		source:  deps.Source,
		queue:   deps.Queue,
		entries: deps.EntryCache,
		gate:    deps.Gate,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (p *uploadPipeline) Enqueue(ctx context.Context, task model.UploadTask) error {
	if err := p.queue.PublishUploadTask(ctx, task); err != nil {
		return fmt.Errorf("publish upload task: %w", err)
	}
	return nil
}

// Run acquires a worker slot before taking the next task, so a saturated
// pool leaves tasks in the queue.
func (p *uploadPipeline) Run(ctx context.Context) error {
	slog.Info("upload pipeline started", "workers", p.cfg.Workers, "verify_mode", p.cfg.VerifyMode)

	err := p.queue.ConsumeUploadTasks(ctx, func(task model.UploadTask) error {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)

			metrics.InFlightUploads.Inc()
			defer metrics.InFlightUploads.Dec()

			// Shutdown drains running tasks instead of abandoning them mid-write.
			taskCtx := context.WithoutCancel(ctx)
			if err := p.Process(taskCtx, task); err != nil {
				slog.Error("upload task aborted",
					"fingerprint", task.Fingerprint.Key(),
					"error", err,
				)
				p.release(taskCtx, task.Fingerprint)
			}
		}()
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *uploadPipeline) Wait() {
	p.wg.Wait()
}

func (p *uploadPipeline) Process(ctx context.Context, task model.UploadTask) error {
	fp := task.Fingerprint
	logger := slog.With("fingerprint", fp.Key())

	started, err := p.store.BeginUpload(ctx, fp, p.now())
	if err != nil {
		return fmt.Errorf("begin upload: %w", err)
	}
	if !started {
		logger.Info("upload skipped, entry already stored or uploading")
		metrics.UploadsTotal.WithLabelValues(metrics.UploadSkipped).Inc()
		p.release(ctx, fp)
		return nil
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		metrics.UploadAttemptsTotal.Inc()

		obj, deduped, err := p.attempt(ctx, task)
		if err == nil {
			return p.complete(ctx, task, obj, deduped, attempt)
		}
		lastErr = err

		if errors.Is(err, model.ErrLinkExpired) {
			if rerr := p.refreshLink(ctx, &task); rerr != nil {
				lastErr = fmt.Errorf("refresh link: %w", rerr)
				if !model.IsTransient(rerr) {
					break
				}
			}
		} else if !model.IsTransient(err) {
			break
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		task.Attempt = attempt
		task.NextRetryAt = p.now().Add(delay)
		logger.Warn("upload attempt failed, retrying",
			"attempt", attempt,
			"retry_in", delay,
			"error", lastErr,
		)
		if err := p.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	return p.fail(ctx, fp, lastErr, attempts)
}

func (p *uploadPipeline) complete(ctx context.Context, task model.UploadTask, obj repository.StoredObject, deduped bool, attempt int) error {
	fp := task.Fingerprint
	defer p.release(ctx, fp)

	ok, err := p.store.MarkStored(ctx, fp, obj, p.now())
	if err != nil {
		return fmt.Errorf("mark stored: %w", err)
	}
	if !ok {
		slog.Warn("entry left uploading before upload finished", "fingerprint", fp.Key())
		metrics.UploadsTotal.WithLabelValues(metrics.UploadSkipped).Inc()
		return nil
	}

	if p.entries != nil {
		if err := p.entries.Delete(ctx, fp); err != nil {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
			slog.Warn("failed to invalidate entry cache", "fingerprint", fp.Key(), "error", err)
		}
	}

	result := metrics.UploadStored
	if deduped {
		result = metrics.UploadDeduplicated
	} else {
		metrics.UploadBytesTotal.Add(float64(obj.SizeBytes))
	}
	metrics.UploadsTotal.WithLabelValues(result).Inc()

	slog.Info("upload stored",
		"fingerprint", fp.Key(),
		"hot_ref", obj.Ref,
		"size_bytes", obj.SizeBytes,
		"deduplicated", deduped,
		"attempt", attempt,
	)
	return nil
}

func (p *uploadPipeline) fail(ctx context.Context, fp model.Fingerprint, cause error, attempts int) error {
	defer p.release(ctx, fp)

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	if _, err := p.store.MarkFailed(ctx, fp, reason, attempts, p.now()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.UploadsTotal.WithLabelValues(metrics.UploadFailed).Inc()
	slog.Error("upload failed",
		"fingerprint", fp.Key(),
		"attempts", attempts,
		"error", cause,
	)
	return nil
}

// attempt downloads, places and verifies the content once.
func (p *uploadPipeline) attempt(ctx context.Context, task model.UploadTask) (repository.StoredObject, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	file, hash, size, err := p.download(ctx, task.SourceLink)
	if err != nil {
		return repository.StoredObject{}, false, err
	}
	defer p.cleanup(file)

	contentType := task.ContentType
	if contentType == "" {
		contentType = task.Fingerprint.Quality.ContentType()
	}
	obj := repository.StoredObject{
		ContentHash:        hash,
		SizeBytes:          size,
		ContentType:        contentType,
		AvailableQualities: p.cfg.Policy.ServableFrom(task.Fingerprint.Quality),
		Title:              task.Title,
		DurationSeconds:    task.DurationSeconds,
	}

	if ref := p.findDuplicate(ctx, hash); ref != "" {
		obj.Ref = ref
		return obj, true, nil
	}

	ref, err := p.hot.Put(ctx, file, size, hash, contentType)
	if err != nil {
		return obj, false, fmt.Errorf("%w: put object: %v", model.ErrStorageInconsistency, err)
	}
	if err := p.verify(ctx, ref, hash, size); err != nil {
		return obj, false, err
	}
	obj.Ref = ref
	return obj, false, nil
}

// download spools the full content to a temp file while hashing it. The
// returned file is positioned at the start.
func (p *uploadPipeline) download(ctx context.Context, link string) (*os.File, string, int64, error) {
	stream, err := p.source.FetchBytes(ctx, link, "")
	if err != nil {
		return nil, "", 0, fmt.Errorf("fetch bytes: %w", err)
	}
	defer func() { _ = stream.Body.Close() }()

	if stream.ContentLength > p.cfg.MaxObjectBytes {
		return nil, "", 0, fmt.Errorf("%w: %d bytes", model.ErrObjectTooLarge, stream.ContentLength)
	}

	file, err := os.CreateTemp(p.cfg.TempDir, "tubecache-upload-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, h), io.LimitReader(stream.Body, p.cfg.MaxObjectBytes+1))
	if err != nil {
		p.cleanup(file)
		return nil, "", 0, fmt.Errorf("%w: download: %v", model.ErrUpstreamUnavailable, err)
	}
	if n > p.cfg.MaxObjectBytes {
		p.cleanup(file)
		return nil, "", 0, fmt.Errorf("%w: more than %d bytes", model.ErrObjectTooLarge, p.cfg.MaxObjectBytes)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		p.cleanup(file)
		return nil, "", 0, fmt.Errorf("rewind temp file: %w", err)
	}

	return file, hex.EncodeToString(h.Sum(nil)), n, nil
}

// findDuplicate returns the reference of a stored object with the same bytes.
func (p *uploadPipeline) findDuplicate(ctx context.Context, hash string) string {
	existing, err := p.store.FindStoredByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, repository.ErrEntryNotFound) {
			slog.Warn("hash lookup failed, uploading anyway", "content_hash", hash, "error", err)
		}
		return ""
	}
	ref := existing.Reference()
	if ref == "" {
		return ""
	}
	exists, err := p.hot.Exists(ctx, ref)
	if err != nil || !exists {
		return ""
	}
	return ref
}

func (p *uploadPipeline) verify(ctx context.Context, ref, hash string, size int64) error {
	if p.cfg.VerifyMode == VerifyRefetch {
		return p.verifyRefetch(ctx, ref, hash, size)
	}

	info, err := p.hot.Stat(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", model.ErrStorageInconsistency, ref, err)
	}
	if info.Size != size {
		return fmt.Errorf("%w: %s has %d bytes, wrote %d", model.ErrStorageInconsistency, ref, info.Size, size)
	}
	if info.ContentHash != "" && info.ContentHash != hash {
		return fmt.Errorf("%w: %s hash mismatch", model.ErrStorageInconsistency, ref)
	}
	return nil
}

func (p *uploadPipeline) verifyRefetch(ctx context.Context, ref, hash string, size int64) error {
	stream, err := p.hot.Get(ctx, ref, nil)
	if err != nil {
		return fmt.Errorf("%w: refetch %s: %v", model.ErrStorageInconsistency, ref, err)
	}
	defer func() { _ = stream.Body.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, stream.Body)
	if err != nil {
		return fmt.Errorf("%w: refetch %s: %v", model.ErrStorageInconsistency, ref, err)
	}
	if n != size || hex.EncodeToString(h.Sum(nil)) != hash {
		return fmt.Errorf("%w: %s does not match uploaded content", model.ErrStorageInconsistency, ref)
	}
	return nil
}

// refreshLink replaces an expired direct link with a fresh one.
func (p *uploadPipeline) refreshLink(ctx context.Context, task *model.UploadTask) error {
	fp := task.Fingerprint
	if inv, ok := p.source.(descriptorInvalidator); ok {
		inv.Invalidate(fp.SourceID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamTimeout)
	defer cancel()

	d, err := p.source.FetchDescriptor(ctx, fp.SourceID)
	if err != nil {
		return err
	}
	link, ok := d.Link(fp.Quality)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrQualityUnavailable, fp.Key())
	}
	task.SourceLink = link
	slog.Info("refreshed expired source link", "fingerprint", fp.Key())
	return nil
}

// backoff returns min(BaseDelay << (attempt-1), MaxDelay).
func (p *uploadPipeline) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		return p.cfg.MaxDelay
	}
	d := p.cfg.BaseDelay << shift
	if d <= 0 || d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func (p *uploadPipeline) release(ctx context.Context, fp model.Fingerprint) {
	if p.gate != nil {
		p.gate.Done(ctx, fp)
	}
}

func (p *uploadPipeline) cleanup(file *os.File) {
	_ = file.Close()
	_ = os.Remove(file.Name())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
