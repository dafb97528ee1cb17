// Package ping implements the concurrent liveness probe batch,
// feeding peer-quality updates into internal/peerstore, via a
// semaphore-bounded fan-out with a shared deadline.
package ping

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/internal/peerstore"
)

// maxParallelPings is the hard internal cap on how many probes a single
// batch dispatches concurrently, regardless of configuration.
const maxParallelPings = 14

// maxTrackedPeers bounds the number of distinct peers whose sample history
// is retained; least-recently-probed peers are evicted first.
const maxTrackedPeers = 4096

// Pinger issues one challenge/response probe to peerID and reports the
// observed round-trip latency and the peer's reported version string. The
// challenge/response construction and the mixnet round trip it rides on
// live behind this
// interface, implemented by internal/transport; this package only
// orchestrates the batch and the resulting quality update.
type Pinger interface {
	Ping(ctx context.Context, peerID string) (latency time.Duration, peerVersion string, err error)
}

// Config bounds a ping batch.
type Config struct {
	Timeout        time.Duration
	MaxParallel    int
	HistoryPerPeer int
}

type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	cap     int
}

func newLatencyRing(cap int) *latencyRing {
	if cap <= 0 {
		cap = 1
	}
	return &latencyRing{cap: cap}
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, d)
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

func (r *latencyRing) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.samples))
	copy(out, r.samples)
	return out
}

// Batcher runs ping batches and folds their results into a peerstore.Store.
type Batcher struct {
	cfg     Config
	store   *peerstore.Store
	pinger  Pinger
	history *lru.Cache[string, *latencyRing]
	log     *logrus.Entry
}

// New constructs a Batcher. cfg.MaxParallel is clamped to maxParallelPings.
func New(cfg Config, store *peerstore.Store, pinger Pinger) *Batcher {
	if cfg.MaxParallel <= 0 || cfg.MaxParallel > maxParallelPings {
		cfg.MaxParallel = maxParallelPings
	}
	if cfg.HistoryPerPeer <= 0 {
		cfg.HistoryPerPeer = 8
	}
	cache, err := lru.New[string, *latencyRing](maxTrackedPeers)
	if err != nil {
		panic(err) // only fails for a non-positive size, which cannot happen here
	}
	return &Batcher{cfg: cfg, store: store, pinger: pinger, history: cache, log: logrus.WithField("component", "ping")}
}

// PingAll dispatches up to cfg.MaxParallel concurrent probes against peers,
// bounded by cfg.Timeout for the whole batch.
func (b *Batcher) PingAll(ctx context.Context, peers []string) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	sem := make(chan struct{}, b.cfg.MaxParallel)
	var wg sync.WaitGroup
	for _, peerID := range peers {
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				b.recordFailure(peerID)
				return
			}
			defer func() { <-sem }()
			b.probeOne(ctx, peerID)
		}()
	}
	wg.Wait()
}

func (b *Batcher) probeOne(ctx context.Context, peerID string) {
	start := time.Now()
	latency, version, err := b.pinger.Ping(ctx, peerID)
	if err != nil {
		b.log.WithField("peer", peerID).WithError(err).Debug("ping failed")
		b.recordFailure(peerID)
		return
	}
	b.store.RecordProbe(peerID, true, float64(latency.Milliseconds()), version, start.Add(latency))
	b.ringFor(peerID).add(latency)
}

func (b *Batcher) recordFailure(peerID string) {
	b.store.RecordProbe(peerID, false, 0, "", time.Now())
}

func (b *Batcher) ringFor(peerID string) *latencyRing {
	if r, ok := b.history.Get(peerID); ok {
		return r
	}
	r := newLatencyRing(b.cfg.HistoryPerPeer)
	b.history.Add(peerID, r)
	return r
}

// History returns the most recent recorded round-trip samples for peerID,
// oldest first, or nil if no probe has ever succeeded.
func (b *Batcher) History(peerID string) []time.Duration {
	r, ok := b.history.Get(peerID)
	if !ok {
		return nil
	}
	return r.snapshot()
}
