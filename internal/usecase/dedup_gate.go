package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

// Gate strategies.
const (
	GateLocal = "local"
	GateStore = "store"
)

// DedupGate guarantees at most one in-flight upload per fingerprint.
type DedupGate interface {
	// Admit atomically claims the fingerprint for upload. It returns false
	// when the content is already stored, cooling down after a failure, or
	// already claimed.
	Admit(ctx context.Context, fp model.Fingerprint) (bool, error)

	// Done releases a claim once its task reached a terminal state.
	Done(ctx context.Context, fp model.Fingerprint)

	// Abandon releases a claim whose task was never scheduled. The
	// fingerprint is treated as failed and re-admitted after FailureCooldown.
	Abandon(ctx context.Context, fp model.Fingerprint, reason string)
}

// GateConfig holds configuration shared by the gate strategies.
type GateConfig struct {
	// FailureCooldown is how long a failed fingerprint is refused.
	FailureCooldown time.Duration
	// StaleAfter re-admits an in-flight claim nobody finished.
	StaleAfter time.Duration
}

// DefaultGateConfig returns the default configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		FailureCooldown: 15 * time.Minute,
		StaleAfter:      time.Hour,
	}
}

// NewDedupGate builds the gate named by strategy.
func NewDedupGate(strategy string, store repository.EntryStore, cfg GateConfig) (DedupGate, error) {
	switch strategy {
	case GateLocal, "":
		return NewLocalGate(store, cfg), nil
	case GateStore:
		return NewStoreGate(store, cfg), nil
	default:
		return nil, fmt.Errorf("unknown gate strategy %q", strategy)
	}
}

// localGate keeps claims in an in-process set and consults the store only to
// skip content that is already stored or cooling down. It is correct for a
// single API process.
type localGate struct {
	store repository.EntryStore
	cfg   GateConfig
	now   func() time.Time

	mu       sync.Mutex
	inFlight map[model.Fingerprint]struct{}
}

// NewLocalGate creates an in-process gate.
func NewLocalGate(store repository.EntryStore, cfg GateConfig) DedupGate {
	return &localGate{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		inFlight: make(map[model.Fingerprint]struct{}),
	}
}

func (g *localGate) Admit(ctx context.Context, fp model.Fingerprint) (bool, error) {
	g.mu.Lock()
	if _, held := g.inFlight[fp]; held {
		g.mu.Unlock()
		return false, nil
	}
	g.inFlight[fp] = struct{}{}
	g.mu.Unlock()

	admitted, err := g.checkStore(ctx, fp)
	if err != nil || !admitted {
		g.release(fp)
	}
	return admitted, err
}

func (g *localGate) checkStore(ctx context.Context, fp model.Fingerprint) (bool, error) {
	entry, err := g.store.GetEntry(ctx, fp)
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("gate lookup: %w", err)
	}

	now := g.now()
	switch {
	case entry.IsStored():
		return false, nil
	case entry.CoolingDown(now, g.cfg.FailureCooldown):
		return false, nil
	case entry.State.InFlight():
		// Left behind by another process or a crash; only a stale claim is
		// taken over.
		claimed, err := g.store.ClaimUpload(ctx, fp, now, g.cfg.FailureCooldown, g.cfg.StaleAfter)
		if err != nil {
			return false, fmt.Errorf("gate reclaim: %w", err)
		}
		return claimed, nil
	default:
		return true, nil
	}
}

func (g *localGate) Done(_ context.Context, fp model.Fingerprint) {
	g.release(fp)
}

// Abandon only drops the in-process claim; the local gate writes no row.
func (g *localGate) Abandon(_ context.Context, fp model.Fingerprint, _ string) {
	g.release(fp)
}

func (g *localGate) release(fp model.Fingerprint) {
	g.mu.Lock()
	delete(g.inFlight, fp)
	g.mu.Unlock()
}

// storeGate delegates the claim to a conditional write in the metadata store
// so any number of API replicas share one gate.
type storeGate struct {
	store repository.EntryStore
	cfg   GateConfig
	now   func() time.Time
}

// NewStoreGate creates a gate backed by EntryStore.ClaimUpload.
func NewStoreGate(store repository.EntryStore, cfg GateConfig) DedupGate {
	return &storeGate{store: store, cfg: cfg, now: time.Now}
}

func (g *storeGate) Admit(ctx context.Context, fp model.Fingerprint) (bool, error) {
	claimed, err := g.store.ClaimUpload(ctx, fp, g.now(), g.cfg.FailureCooldown, g.cfg.StaleAfter)
	if err != nil {
		return false, fmt.Errorf("gate claim: %w", err)
	}
	return claimed, nil
}

// Done is a no-op: the entry's terminal state is the release. A claim whose
// worker died is re-admitted after StaleAfter.
func (g *storeGate) Done(context.Context, model.Fingerprint) {}

// Abandon fails the pending row so the claim does not wait out StaleAfter.
func (g *storeGate) Abandon(ctx context.Context, fp model.Fingerprint, reason string) {
	ok, err := g.store.MarkFailed(ctx, fp, reason, 0, g.now())
	if err != nil {
		slog.Warn("failed to abandon upload claim", "fingerprint", fp.Key(), "error", err)
		return
	}
	if !ok {
		slog.Debug("abandoned claim already settled", "fingerprint", fp.Key())
	}
}
