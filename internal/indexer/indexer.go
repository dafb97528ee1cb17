// Package indexer implements the indexer tracker: a concurrent map
// from transaction hash to a pending expectation, resolved as the external
// indexer event stream (pkg/kvchain.IndexerEventStream) is drained. Built
// on sync.Map, since the Tracker's access pattern (disjoint keys, rare
// iteration) is the textbook sync.Map case.
package indexer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/pkg/kvchain"
)

// Predicate reports whether evt satisfies the expectation a registered
// transaction hash is waiting on.
type Predicate func(evt kvchain.ChainEvent) bool

type expectation struct {
	predicate Predicate
	done      chan kvchain.ChainEvent
	once      sync.Once
}

// Tracker is the concurrent expectation map the action queue registers
// in-flight transactions with.
type Tracker struct {
	expectations sync.Map // common.Hash -> *expectation
	log          *logrus.Entry

	obsMu     sync.RWMutex
	observers []func(kvchain.ChainEvent)
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{log: logrus.WithField("component", "indexer")}
}

// Register records a new expectation for txHash, matched against predicate.
// It returns a channel that receives exactly one ChainEvent on match and is
// otherwise left unfired; callers select this alongside a timeout. Registering a second expectation for an already-tracked
// hash replaces the first, matching "exactly one expectation per in-flight
// tx_hash".
func (t *Tracker) Register(txHash common.Hash, predicate Predicate) <-chan kvchain.ChainEvent {
	e := &expectation{predicate: predicate, done: make(chan kvchain.ChainEvent, 1)}
	t.expectations.Store(txHash, e)
	return e.done
}

// Unregister removes txHash's expectation without resolving it, used on
// timeout or when the Action Queue abandons an action.
func (t *Tracker) Unregister(txHash common.Hash) {
	t.expectations.Delete(txHash)
}

// AddObserver registers fn to be called with every fed event, before
// expectation matching. This is how the channel graph's single writer
// hangs off the same event pipeline without the tracker knowing
// about channel state.
func (t *Tracker) AddObserver(fn func(kvchain.ChainEvent)) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, fn)
}

// Feed consumes one chain event, notifying observers and matching it
// against the registered expectation for its tx hash (if any), resolving
// it on predicate match. A tx hash with no registered expectation, or
// whose predicate does not match, is silently ignored: not every indexed
// event corresponds to an action this node submitted.
func (t *Tracker) Feed(evt kvchain.ChainEvent) {
	t.obsMu.RLock()
	obs := t.observers
	t.obsMu.RUnlock()
	for _, fn := range obs {
		fn(evt)
	}

	v, ok := t.expectations.Load(evt.TxHash)
	if !ok {
		return
	}
	e := v.(*expectation)
	if !e.predicate(evt) {
		return
	}
	t.expectations.Delete(evt.TxHash)
	e.once.Do(func() { e.done <- evt })
}

// Run drains stream until ctx is cancelled or the stream errors, feeding
// every event into the tracker. This is the loop the daemon wires the
// indexer event stream through.
func (t *Tracker) Run(ctx context.Context, stream kvchain.IndexerEventStream) error {
	for {
		evt, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.WithError(err).Warn("indexer stream error")
			return err
		}
		t.Feed(evt)
	}
}

// Pending reports the number of in-flight expectations, for metrics/tests.
func (t *Tracker) Pending() int {
	n := 0
	t.expectations.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
