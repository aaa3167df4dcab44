package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

// memEntryStore is an in-memory EntryStore with the same compare-and-set
// semantics as the PostgreSQL repository. Fn fields override single methods.
type memEntryStore struct {
	mu      sync.Mutex
	entries map[model.Fingerprint]*model.CacheEntry

	getEntryFn  func(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error)
	listFn      func(ctx context.Context, sourceID string) ([]*model.CacheEntry, error)
	markFailedN atomic.Int32
	touchN      atomic.Int32
	verifiedN   atomic.Int32
}

func newMemEntryStore() *memEntryStore {
	return &memEntryStore{entries: make(map[model.Fingerprint]*model.CacheEntry)}
}

func (m *memEntryStore) put(e *model.CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.Fingerprint] = &cp
}

func (m *memEntryStore) get(fp model.Fingerprint) *model.CacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (m *memEntryStore) GetEntry(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	if m.getEntryFn != nil {
		return m.getEntryFn(ctx, fp)
	}
	if e := m.get(fp); e != nil {
		return e, nil
	}
	return nil, repository.ErrEntryNotFound
}

func (m *memEntryStore) ListStoredBySource(ctx context.Context, sourceID string) ([]*model.CacheEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, sourceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CacheEntry
	for fp, e := range m.entries {
		if fp.SourceID == sourceID && e.IsStored() {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memEntryStore) FindStoredByHash(_ context.Context, contentHash string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.IsStored() && e.ContentHash == contentHash {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repository.ErrEntryNotFound
}

func (m *memEntryStore) ClaimUpload(_ context.Context, fp model.Fingerprint, now time.Time, cooldown, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	switch {
	case !ok:
		m.entries[fp] = model.NewPendingEntry(fp, now)
		return true, nil
	case e.State == model.StateFailed && e.UpdatedAt.Before(now.Add(-cooldown)),
		e.State.InFlight() && e.UpdatedAt.Before(now.Add(-staleAfter)):
		e.State = model.StatePending
		e.HotRef = nil
		e.UpdatedAt = now
		return true, nil
	default:
		return false, nil
	}
}

func (m *memEntryStore) BeginUpload(_ context.Context, fp model.Fingerprint, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok {
		e = model.NewPendingEntry(fp, now)
		m.entries[fp] = e
	}
	if e.State != model.StatePending && e.State != model.StateFailed {
		return false, nil
	}
	e.State = model.StateUploading
	e.UpdatedAt = now
	return true, nil
}

func (m *memEntryStore) MarkStored(_ context.Context, fp model.Fingerprint, obj repository.StoredObject, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok || e.State != model.StateUploading {
		return false, nil
	}
	if err := e.MarkStored(obj.Ref, obj.ContentHash, obj.SizeBytes, obj.AvailableQualities, now); err != nil {
		return false, err
	}
	e.ContentType = obj.ContentType
	e.Title = obj.Title
	e.DurationSeconds = obj.DurationSeconds
	return true, nil
}

func (m *memEntryStore) MarkFailed(_ context.Context, fp model.Fingerprint, reason string, attempts int, now time.Time) (bool, error) {
	m.markFailedN.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok || !e.State.InFlight() {
		return false, nil
	}
	e.State = model.StateFailed
	e.HotRef = nil
	e.LastError = reason
	e.Attempts = attempts
	e.UpdatedAt = now
	return true, nil
}

func (m *memEntryStore) MarkMissing(_ context.Context, fp model.Fingerprint, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok || e.State != model.StateStored {
		return false, nil
	}
	if err := e.TransitionTo(model.StateFailed, now); err != nil {
		return false, err
	}
	e.LastError = "hot object missing"
	return true, nil
}

func (m *memEntryStore) TouchAccess(_ context.Context, fp model.Fingerprint, now time.Time) error {
	m.touchN.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok {
		return repository.ErrEntryNotFound
	}
	e.AccessCount++
	e.LastVerifiedAt = now
	return nil
}

func (m *memEntryStore) TouchVerified(_ context.Context, fp model.Fingerprint, now time.Time) error {
	m.verifiedN.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	if !ok {
		return repository.ErrEntryNotFound
	}
	e.LastVerifiedAt = now
	return nil
}

func (m *memEntryStore) Stats(context.Context) (*repository.EntryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &repository.EntryStats{}
	for _, e := range m.entries {
		switch {
		case e.IsStored():
			stats.Stored++
			stats.StoredBytes += e.SizeBytes
		case e.State.InFlight():
			stats.InFlight++
		case e.State == model.StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// memHotStore is a content-addressed in-memory HotStore.
type memHotStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	hashes  map[string]string

	putFn    func(ctx context.Context, data []byte, hash string) (string, error)
	existsFn func(ctx context.Context, ref string) (bool, error)
	statFn   func(ctx context.Context, ref string) (*repository.ObjectInfo, error)
	puts     atomic.Int32
	gets     atomic.Int32
}

func newMemHotStore() *memHotStore {
	return &memHotStore{
		objects: make(map[string][]byte),
		hashes:  make(map[string]string),
	}
}

func objectRef(hash string) string {
	return "objects/" + hash[:2] + "/" + hash
}

func (m *memHotStore) store(ref string, data []byte, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = data
	m.hashes[ref] = hash
}

func (m *memHotStore) Put(ctx context.Context, reader io.Reader, _ int64, contentHash, _ string) (string, error) {
	m.puts.Add(1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if m.putFn != nil {
		return m.putFn(ctx, data, contentHash)
	}
	ref := objectRef(contentHash)
	m.store(ref, data, contentHash)
	return ref, nil
}

func (m *memHotStore) Get(_ context.Context, ref string, rng *model.ByteRange) (*model.Stream, error) {
	m.gets.Add(1)
	m.mu.Lock()
	data, ok := m.objects[ref]
	m.mu.Unlock()
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	total := int64(len(data))
	body := data
	if rng != nil {
		body = data[rng.Start : rng.End+1]
	}
	return &model.Stream{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentType:   "video/mp4",
		ContentLength: int64(len(body)),
		TotalSize:     total,
		Range:         rng,
	}, nil
}

func (m *memHotStore) Exists(ctx context.Context, ref string) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[ref]
	return ok, nil
}

func (m *memHotStore) Stat(ctx context.Context, ref string) (*repository.ObjectInfo, error) {
	if m.statFn != nil {
		return m.statFn(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return &repository.ObjectInfo{Ref: ref, Size: int64(len(data)), ContentHash: m.hashes[ref]}, nil
}

func (m *memHotStore) PresignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "http://hot.example/" + ref + "?sig=x", nil
}

// fakeSource serves descriptors and bytes from maps.
type fakeSource struct {
	mu          sync.Mutex
	descriptors map[string]*model.Descriptor
	content     map[string][]byte

	fetchDescriptorFn func(ctx context.Context, sourceID string) (*model.Descriptor, error)
	fetchBytesFn      func(ctx context.Context, link, rangeHeader string) (*model.Stream, error)

	descriptorCalls atomic.Int32
	bytesCalls      atomic.Int32
	headCalls       atomic.Int32
	invalidated     []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		descriptors: make(map[string]*model.Descriptor),
		content:     make(map[string][]byte),
	}
}

// add registers a source with one link per quality.
func (f *fakeSource) add(sourceID string, data []byte, qualities ...model.Quality) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &model.Descriptor{
		SourceID:           sourceID,
		Title:              "title " + sourceID,
		DurationSeconds:    60,
		AvailableQualities: model.NewQualitySet(qualities...),
		DirectLinks:        make(map[model.Quality]string),
	}
	for _, q := range qualities {
		link := fmt.Sprintf("https://cdn.example/%s/%s", sourceID, q)
		d.DirectLinks[q] = link
		f.content[link] = data
	}
	f.descriptors[sourceID] = d
}

func (f *fakeSource) FetchDescriptor(ctx context.Context, sourceID string) (*model.Descriptor, error) {
	f.descriptorCalls.Add(1)
	if f.fetchDescriptorFn != nil {
		return f.fetchDescriptorFn(ctx, sourceID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descriptors[sourceID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return d, nil
}

func (f *fakeSource) FetchBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	f.bytesCalls.Add(1)
	if f.fetchBytesFn != nil {
		return f.fetchBytesFn(ctx, link, rangeHeader)
	}
	f.mu.Lock()
	data, ok := f.content[link]
	f.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	total := int64(len(data))
	rng, err := model.ParseRange(rangeHeader, total)
	if err != nil {
		return nil, err
	}
	body := data
	if rng != nil {
		body = data[rng.Start : rng.End+1]
	}
	return &model.Stream{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentType:   "video/mp4",
		ContentLength: int64(len(body)),
		TotalSize:     total,
		Range:         rng,
	}, nil
}

func (f *fakeSource) HeadBytes(_ context.Context, link, rangeHeader string) (*model.Stream, error) {
	f.headCalls.Add(1)
	f.mu.Lock()
	data, ok := f.content[link]
	f.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	total := int64(len(data))
	rng, err := model.ParseRange(rangeHeader, total)
	if err != nil {
		return nil, err
	}
	length := total
	if rng != nil {
		length = rng.Length()
	}
	return &model.Stream{
		Body:          io.NopCloser(bytes.NewReader(nil)),
		ContentType:   "video/mp4",
		ContentLength: length,
		TotalSize:     total,
		Range:         rng,
	}, nil
}

func (f *fakeSource) Invalidate(sourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, sourceID)
}

// captureQueue records published tasks.
type captureQueue struct {
	mu        sync.Mutex
	tasks     []model.UploadTask
	publishFn func(ctx context.Context, task model.UploadTask) error
	consumeFn func(ctx context.Context, handler func(task model.UploadTask) error) error
}

func (q *captureQueue) PublishUploadTask(ctx context.Context, task model.UploadTask) error {
	if q.publishFn != nil {
		return q.publishFn(ctx, task)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *captureQueue) ConsumeUploadTasks(ctx context.Context, handler func(task model.UploadTask) error) error {
	if q.consumeFn != nil {
		return q.consumeFn(ctx, handler)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) Close() error {
	return nil
}

func (q *captureQueue) published() []model.UploadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.UploadTask(nil), q.tasks...)
}

// queueEnqueuer adapts captureQueue to Enqueuer.
type queueEnqueuer struct {
	queue *captureQueue
}

func (e queueEnqueuer) Enqueue(ctx context.Context, task model.UploadTask) error {
	return e.queue.PublishUploadTask(ctx, task)
}

// mockEntryCache provides a configurable in-memory EntryCache.
type mockEntryCache struct {
	mu      sync.Mutex
	entries map[model.Fingerprint]*model.CacheEntry
	getFn   func(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error)
	deletes atomic.Int32
}

func newMockEntryCache() *mockEntryCache {
	return &mockEntryCache{entries: make(map[model.Fingerprint]*model.CacheEntry)}
}

func (c *mockEntryCache) Get(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	if c.getFn != nil {
		return c.getFn(ctx, fp)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[fp], nil
}

func (c *mockEntryCache) Set(_ context.Context, entry *model.CacheEntry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Fingerprint] = entry
	return nil
}

func (c *mockEntryCache) Delete(_ context.Context, fp model.Fingerprint) error {
	c.deletes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
	return nil
}

func (c *mockEntryCache) has(fp model.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[fp]
	return ok
}

// mockNegativeCache is an in-memory NegativeCache.
type mockNegativeCache struct {
	mu      sync.Mutex
	missing map[string]time.Duration
}

func newMockNegativeCache() *mockNegativeCache {
	return &mockNegativeCache{missing: make(map[string]time.Duration)}
}

func (c *mockNegativeCache) IsMissing(_ context.Context, sourceID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.missing[sourceID]
	return ok, nil
}

func (c *mockNegativeCache) MarkMissing(_ context.Context, sourceID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missing[sourceID] = ttl
	return nil
}

// memQuotaStore keeps quota counters in maps.
type memQuotaStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	inFlight map[string]int

	incrementFn func(ctx context.Context, keyID string, windowStart time.Time) (int64, error)
}

func newMemQuotaStore() *memQuotaStore {
	return &memQuotaStore{
		counts:   make(map[string]int64),
		inFlight: make(map[string]int),
	}
}

func (s *memQuotaStore) IncrementRequests(ctx context.Context, keyID string, windowStart time.Time) (int64, error) {
	if s.incrementFn != nil {
		return s.incrementFn(ctx, keyID, windowStart)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyID + "@" + windowStart.Format(time.RFC3339)
	s.counts[k]++
	return s.counts[k], nil
}

func (s *memQuotaStore) AcquireSlot(_ context.Context, keyID string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[keyID] >= limit {
		return false, nil
	}
	s.inFlight[keyID]++
	return true, nil
}

func (s *memQuotaStore) ReleaseSlot(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[keyID] > 0 {
		s.inFlight[keyID]--
	}
	return nil
}

// fixedClock returns a controllable time source.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock {
	return &fixedClock{t: t}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
