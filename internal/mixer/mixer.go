// Package mixer implements a single delay-randomizing channel with one
// receiver and many senders. Senders never suspend; the receiver
// suspends until the earliest release deadline in a min-heap keyed by
// release time.
package mixer

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/metrics"
)

// Config controls the delay distribution: each item is released after a
// delay sampled uniformly from [MinDelay, MinDelay+DelayRange]. Capacity
// only pre-allocates the heap; the queue itself is unbounded.
type Config struct {
	MinDelay   time.Duration
	DelayRange time.Duration
	Capacity   int
}

type entry struct {
	releaseAt time.Time
	seq       uint64 // insertion order, used for zero-delay FIFO tie-break
	item      any
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].releaseAt.Equal(h[j].releaseAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].releaseAt.Before(h[j].releaseAt)
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	last := old[n-1]
	*h = old[:n-1]
	return last
}

// Mixer is the single-producer-from-many-senders, single-consumer delay
// queue.
type Mixer struct {
	cfg Config
	met *metrics.Registry

	mu      sync.Mutex
	h       entryHeap
	seq     uint64
	senders int
	closed  bool
	notify  chan struct{} // signals the receiver to recheck the heap
}

// New constructs a Mixer. senders must call Release when they are done
// sending (mirroring a dropped Sender handle).
func New(cfg Config, met *metrics.Registry) *Mixer {
	m := &Mixer{cfg: cfg, met: met, notify: make(chan struct{}, 1)}
	if cfg.Capacity > 0 {
		m.h = make(entryHeap, 0, cfg.Capacity)
	}
	return m
}

// NewSender returns a cheap handle producers can clone by calling
// NewSender again; each handle must eventually call Release exactly once.
func (m *Mixer) NewSender() *Sender {
	m.mu.Lock()
	m.senders++
	m.mu.Unlock()
	return &Sender{m: m}
}

// Sender is a cloneable handle into the Mixer. Senders see Closed exactly when the receiver has been
// dropped (Mixer.CloseReceiver).
type Sender struct {
	m        *Mixer
	released bool
	mu       sync.Mutex
}

// Send enqueues item with a randomized release delay. It never blocks.
func (s *Sender) Send(item any) error {
	return s.m.send(item)
}

// Clone returns a second handle sharing this Mixer; each clone must be
// Released independently.
func (s *Sender) Clone() *Sender { return s.m.NewSender() }

// Release drops this sender handle. Once the last sender is released and
// the heap empties, the Mixer's receiver stream terminates.
func (s *Sender) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.m.mu.Lock()
	s.m.senders--
	s.m.mu.Unlock()
	s.m.wake()
}

func (m *Mixer) send(item any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.ErrClosed
	}
	d := m.sampleDelay()
	e := entry{releaseAt: time.Now().Add(d), seq: m.seq, item: item}
	m.seq++
	heap.Push(&m.h, e)
	if m.met != nil {
		m.met.MixerQueueDepth.Set(float64(len(m.h)))
	}
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Mixer) sampleDelay() time.Duration {
	if m.cfg.DelayRange <= 0 {
		return m.cfg.MinDelay
	}
	return m.cfg.MinDelay + time.Duration(rand.Int63n(int64(m.cfg.DelayRange)+1))
}

func (m *Mixer) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// CloseReceiver marks the receiver as gone; subsequent Sends return
// ErrClosed.
func (m *Mixer) CloseReceiver() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// Next blocks until an item's release time has passed, the heap empties
// with no senders left (stream termination, ok=false), ctx is cancelled,
// or the receiver has been closed. The receiver is Pending iff the heap
// is empty or its top's release_at is in the future.
func (m *Mixer) Next(ctx context.Context) (item any, ok bool, err error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false, errs.ErrClosed
		}
		if len(m.h) == 0 {
			if m.senders == 0 {
				m.mu.Unlock()
				return nil, false, nil
			}
			m.mu.Unlock()
			if err := m.waitNotifyOrCtx(ctx, nil); err != nil {
				return nil, false, err
			}
			continue
		}
		top := m.h[0]
		now := time.Now()
		if !now.Before(top.releaseAt) {
			heap.Pop(&m.h)
			if m.met != nil {
				m.met.MixerQueueDepth.Set(float64(len(m.h)))
			}
			m.mu.Unlock()
			return top.item, true, nil
		}
		wait := top.releaseAt.Sub(now)
		m.mu.Unlock()
		timer := time.NewTimer(wait)
		err := m.waitNotifyOrCtx(ctx, timer.C)
		timer.Stop()
		if err != nil {
			return nil, false, err
		}
	}
}

func (m *Mixer) waitNotifyOrCtx(ctx context.Context, timerC <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.notify:
		return nil
	case <-timerC:
		return nil
	}
}

// Len reports the current number of queued items, mainly for tests and
// metrics.
func (m *Mixer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}
