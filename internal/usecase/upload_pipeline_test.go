package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
	"github.com/hszk-dev/tubecache/internal/infrastructure/queue"
)

type pipelineFixture struct {
	store    *memEntryStore
	hot      *memHotStore
	source   *fakeSource
	gate     *localGate
	entries  *mockEntryCache
	pipeline *uploadPipeline

	mu     sync.Mutex
	delays []time.Duration
}

func newPipelineFixture(t *testing.T, mutate func(cfg *PipelineConfig)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:   newMemEntryStore(),
		hot:     newMemHotStore(),
		source:  newFakeSource(),
		entries: newMockEntryCache(),
	}
	f.gate = NewLocalGate(f.store, DefaultGateConfig()).(*localGate)

	cfg := DefaultPipelineConfig()
	cfg.TempDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	f.pipeline = NewPipeline(PipelineDeps{
		Store:      f.store,
		HotStore:   f.hot,
		Source:     f.source,
		Queue:      &captureQueue{},
		EntryCache: f.entries,
		Gate:       f.gate,
	}, cfg).(*uploadPipeline)
	f.pipeline.sleep = func(_ context.Context, d time.Duration) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.delays = append(f.delays, d)
		return nil
	}
	return f
}

func (f *pipelineFixture) recordedDelays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// task admits fp through the gate and builds its upload task.
func (f *pipelineFixture) task(t *testing.T, q model.Quality, data []byte) model.UploadTask {
	t.Helper()
	f.source.add(testSourceID, data, q)
	fp := model.Fingerprint{SourceID: testSourceID, Quality: q}
	if ok, err := f.gate.Admit(context.Background(), fp); err != nil || !ok {
		t.Fatalf("gate Admit = %v, %v", ok, err)
	}
	d, _ := f.source.FetchDescriptor(context.Background(), testSourceID)
	link, _ := d.Link(q)
	return model.NewUploadTask(fp, d, link, time.Now())
}

func (f *pipelineFixture) claimHeld(fp model.Fingerprint) bool {
	f.gate.mu.Lock()
	defer f.gate.mu.Unlock()
	_, held := f.gate.inFlight[fp]
	return held
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPipeline_Process_Stores(t *testing.T) {
	f := newPipelineFixture(t, nil)
	data := []byte("the quick brown fox")
	task := f.task(t, model.Quality720, data)

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := f.store.get(task.Fingerprint)
	if !entry.IsStored() {
		t.Fatalf("State = %v, want stored", entry.State)
	}
	if want := objectRef(hashOf(data)); entry.Reference() != want {
		t.Errorf("HotRef = %q, want %q", entry.Reference(), want)
	}
	if entry.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %d, want %d", entry.SizeBytes, len(data))
	}
	if !entry.AvailableQualities.Contains(model.Quality360) {
		t.Errorf("AvailableQualities = %v, want 360 servable from 720", entry.AvailableQualities.Strings())
	}
	if entry.Title != task.Title {
		t.Errorf("Title = %q, want %q", entry.Title, task.Title)
	}

	// Round trip: the hot object hashes back to the recorded hash.
	stream, err := f.hot.Get(context.Background(), entry.Reference(), nil)
	if err != nil {
		t.Fatalf("hot Get failed: %v", err)
	}
	got, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("read hot object: %v", err)
	}
	if hashOf(got) != entry.ContentHash {
		t.Error("hot object hash does not match entry")
	}

	if f.claimHeld(task.Fingerprint) {
		t.Error("gate claim should be released")
	}
	if f.entries.deletes.Load() != 1 {
		t.Errorf("entry cache deletes = %d, want 1", f.entries.deletes.Load())
	}

	files, _ := os.ReadDir(f.pipeline.cfg.TempDir)
	if len(files) != 0 {
		t.Errorf("temp files left behind: %d", len(files))
	}
}

func TestPipeline_Process_RetryThenSuccess(t *testing.T) {
	f := newPipelineFixture(t, nil)
	task := f.task(t, model.Quality720, []byte("eventually"))

	calls := 0
	fetch := f.source.FetchBytes
	f.source.fetchBytesFn = func(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
		calls++
		if calls <= 4 {
			return nil, model.ErrUpstreamUnavailable
		}
		f.source.fetchBytesFn = nil
		return fetch(ctx, link, rangeHeader)
	}

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if entry := f.store.get(task.Fingerprint); !entry.IsStored() {
		t.Fatalf("State = %v, want stored", entry.State)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := f.recordedDelays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPipeline_Process_ExhaustedThenReadmitted(t *testing.T) {
	f := newPipelineFixture(t, nil)
	task := f.task(t, model.Quality720, []byte("never"))
	f.source.fetchBytesFn = func(context.Context, string, string) (*model.Stream, error) {
		return nil, model.ErrUpstreamUnavailable
	}

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := f.store.get(task.Fingerprint)
	if entry.State != model.StateFailed {
		t.Fatalf("State = %v, want failed", entry.State)
	}
	if entry.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", entry.Attempts)
	}
	if entry.LastError == "" {
		t.Error("LastError should be recorded")
	}
	if got := len(f.recordedDelays()); got != 4 {
		t.Errorf("backoff sleeps = %d, want 4", got)
	}
	if f.claimHeld(task.Fingerprint) {
		t.Error("gate claim should be released on failure")
	}

	f.gate.now = func() time.Time { return entry.UpdatedAt.Add(time.Minute) }
	if ok, _ := f.gate.Admit(context.Background(), task.Fingerprint); ok {
		t.Error("failed entry must not be admitted during cooldown")
	}
	f.gate.now = func() time.Time { return entry.UpdatedAt.Add(16 * time.Minute) }
	if ok, _ := f.gate.Admit(context.Background(), task.Fingerprint); !ok {
		t.Error("failed entry should be re-admitted after cooldown")
	}
}

func TestPipeline_Process_PermanentErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		fetchFn func(context.Context, string, string) (*model.Stream, error)
		maxSize int64
	}{
		{
			name: "upstream not found",
			data: []byte("x"),
			fetchFn: func(context.Context, string, string) (*model.Stream, error) {
				return nil, model.ErrNotFound
			},
		},
		{
			name:    "object too large",
			data:    []byte("0123456789A"),
			maxSize: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, func(cfg *PipelineConfig) {
				if tt.maxSize > 0 {
					cfg.MaxObjectBytes = tt.maxSize
				}
			})
			task := f.task(t, model.Quality720, tt.data)
			f.source.fetchBytesFn = tt.fetchFn

			if err := f.pipeline.Process(context.Background(), task); err != nil {
				t.Fatalf("Process failed: %v", err)
			}

			entry := f.store.get(task.Fingerprint)
			if entry.State != model.StateFailed || entry.Attempts != 1 {
				t.Errorf("entry = %v after %d attempts, want failed after 1", entry.State, entry.Attempts)
			}
			if len(f.recordedDelays()) != 0 {
				t.Error("permanent errors must not back off")
			}
			if f.hot.puts.Load() != 0 {
				t.Error("nothing should be written to the hot store")
			}
		})
	}
}

func TestPipeline_Process_DeduplicatesByHash(t *testing.T) {
	f := newPipelineFixture(t, nil)
	data := []byte("same bytes")
	hash := hashOf(data)
	ref := objectRef(hash)
	f.hot.store(ref, data, hash)
	f.store.put(&model.CacheEntry{
		Fingerprint: model.Fingerprint{SourceID: "otherSource", Quality: model.Quality720},
		HotRef:      &ref,
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
		State:       model.StateStored,
	})

	task := f.task(t, model.Quality720, data)
	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := f.store.get(task.Fingerprint)
	if entry.Reference() != ref {
		t.Errorf("HotRef = %q, want shared %q", entry.Reference(), ref)
	}
	if f.hot.puts.Load() != 0 {
		t.Errorf("puts = %d, want 0", f.hot.puts.Load())
	}
}

func TestPipeline_Process_VerifyMismatchRetries(t *testing.T) {
	f := newPipelineFixture(t, nil)
	task := f.task(t, model.Quality720, []byte("verify me"))

	stats := 0
	f.hot.statFn = func(context.Context, string) (*repository.ObjectInfo, error) {
		stats++
		if stats == 1 {
			return &repository.ObjectInfo{Size: 1}, nil
		}
		return &repository.ObjectInfo{Size: int64(len("verify me"))}, nil
	}

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if entry := f.store.get(task.Fingerprint); !entry.IsStored() {
		t.Fatalf("State = %v, want stored", entry.State)
	}
	if got := len(f.recordedDelays()); got != 1 {
		t.Errorf("retries = %d, want 1", got)
	}
}

func TestPipeline_Process_RefetchVerification(t *testing.T) {
	f := newPipelineFixture(t, func(cfg *PipelineConfig) { cfg.VerifyMode = VerifyRefetch })
	task := f.task(t, model.QualityAudio, []byte("audio bytes"))

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	entry := f.store.get(task.Fingerprint)
	if !entry.IsStored() {
		t.Fatalf("State = %v, want stored", entry.State)
	}
	if entry.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q, want audio/mpeg", entry.ContentType)
	}
}

func TestPipeline_Process_RefreshesExpiredLink(t *testing.T) {
	f := newPipelineFixture(t, nil)
	task := f.task(t, model.Quality720, []byte("fresh"))
	staleLink := "https://cdn.example/stale"
	good := task.SourceLink
	task.SourceLink = staleLink
	f.source.fetchBytesFn = func(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
		if link == staleLink {
			return nil, model.ErrLinkExpired
		}
		if link != good {
			t.Errorf("unexpected link %q", link)
		}
		f.source.fetchBytesFn = nil
		return f.source.FetchBytes(ctx, link, rangeHeader)
	}

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if entry := f.store.get(task.Fingerprint); !entry.IsStored() {
		t.Fatalf("State = %v, want stored", entry.State)
	}
	if len(f.source.invalidated) != 1 || f.source.invalidated[0] != testSourceID {
		t.Errorf("invalidated = %v, want [%s]", f.source.invalidated, testSourceID)
	}
}

func TestPipeline_Process_SkipsStoredEntry(t *testing.T) {
	f := newPipelineFixture(t, nil)
	task := f.task(t, model.Quality720, []byte("already"))
	ref := "objects/aa/aaaa"
	f.store.put(&model.CacheEntry{Fingerprint: task.Fingerprint, State: model.StateStored, HotRef: &ref})

	if err := f.pipeline.Process(context.Background(), task); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if f.source.bytesCalls.Load() != 0 {
		t.Error("stored entry must not be fetched again")
	}
	if f.claimHeld(task.Fingerprint) {
		t.Error("gate claim should be released")
	}
}

func TestPipeline_Process_StoreErrorIsReturned(t *testing.T) {
	f := newPipelineFixture(t, nil)
	task := f.task(t, model.Quality720, []byte("x"))
	f.pipeline.store = &failingBeginStore{memEntryStore: f.store}

	if err := f.pipeline.Process(context.Background(), task); err == nil {
		t.Error("expected error when the store is unreachable")
	}
}

type failingBeginStore struct {
	*memEntryStore
}

func (s *failingBeginStore) BeginUpload(context.Context, model.Fingerprint, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestPipeline_Backoff(t *testing.T) {
	f := newPipelineFixture(t, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := f.pipeline.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPipeline_RunWithMemoryQueue(t *testing.T) {
	f := newPipelineFixture(t, func(cfg *PipelineConfig) { cfg.Workers = 2 })
	q := queue.NewMemoryQueue(4)
	f.pipeline.queue = q

	task := f.task(t, model.Quality480, []byte("queued"))
	if err := f.pipeline.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if e := f.store.get(task.Fingerprint); e != nil && e.IsStored() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil after cancel", err)
	}
	f.pipeline.Wait()
}
