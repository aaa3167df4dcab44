package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

type stubSource struct {
	calls int
	err   error
	d     *model.Descriptor
}

func (s *stubSource) FetchDescriptor(ctx context.Context, sourceID string) (*model.Descriptor, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.d, nil
}

func (s *stubSource) FetchBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	return nil, errors.New("not implemented")
}

func (s *stubSource) HeadBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	return nil, errors.New("not implemented")
}

func TestCachingSource(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stub := &stubSource{d: &model.Descriptor{SourceID: "dQw4w9WgXcQ", ExpiresAt: now.Add(time.Hour)}}

	cs, err := NewCachingSource(stub, 16, 2*time.Minute)
	if err != nil {
		t.Fatalf("NewCachingSource() error = %v", err)
	}
	cs.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cs.FetchDescriptor(ctx, "dQw4w9WgXcQ"); err != nil {
			t.Fatalf("FetchDescriptor() error = %v", err)
		}
	}
	if stub.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", stub.calls)
	}

	// Past the cache TTL the upstream is consulted again.
	now = now.Add(3 * time.Minute)
	if _, err := cs.FetchDescriptor(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("FetchDescriptor() error = %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", stub.calls)
	}

	cs.Invalidate("dQw4w9WgXcQ")
	if cs.Len() != 0 {
		t.Errorf("Len() = %d after Invalidate", cs.Len())
	}
}

func TestCachingSource_ExpiredLinksBypassCache(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stub := &stubSource{d: &model.Descriptor{SourceID: "dQw4w9WgXcQ", ExpiresAt: now.Add(30 * time.Second)}}

	cs, _ := NewCachingSource(stub, 16, 10*time.Minute)
	cs.now = func() time.Time { return now }

	ctx := context.Background()
	_, _ = cs.FetchDescriptor(ctx, "dQw4w9WgXcQ")
	now = now.Add(time.Minute)
	_, _ = cs.FetchDescriptor(ctx, "dQw4w9WgXcQ")

	if stub.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", stub.calls)
	}
}

func TestCachingSource_ErrorsNotCached(t *testing.T) {
	stub := &stubSource{err: model.ErrNotFound}
	cs, _ := NewCachingSource(stub, 16, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cs.FetchDescriptor(context.Background(), "dQw4w9WgXcQ"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	}
	if stub.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", stub.calls)
	}
}
