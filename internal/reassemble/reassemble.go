// Package reassemble implements a lazy stream that turns received
// segments back into frames, emitting completed frames as soon as
// they finish and expired ones as FrameDiscarded once no segment has
// arrived for max_age.
//
// The incomplete-frame map here is a single mutex-guarded Go map rather
// than a pluggable backing-store abstraction.
package reassemble

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/internal/segment"
	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/metrics"
)

// Result is emitted by Reassembler.Next: either a completed Frame or a
// FrameDiscarded(frame_id) expiration event.
type Result struct {
	Frame     segment.Frame
	Discarded bool
	FrameID   segment.FrameId
	Err       error
}

// Config bounds the Reassembler's behaviour.
type Config struct {
	MaxAge   time.Duration
	Capacity int
}

// Reassembler drives the per-poll reassembly algorithm: emit one queued
// expiration, sweep stale builders on new-segment arrival, and emit
// completions as they happen.
type Reassembler struct {
	cfg Config
	log *logrus.Entry
	met *metrics.Registry

	mu       sync.Mutex
	builders map[segment.FrameId]*segment.FrameBuilder

	lastExpiration time.Time

	out       chan Result
	closed    chan struct{}
	closeOnce sync.Once
}

// New constructs a Reassembler. Call Run to start consuming segs; read
// completed/discarded frames from Out().
func New(cfg Config, met *metrics.Registry) *Reassembler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	return &Reassembler{
		cfg:            cfg,
		log:            logrus.WithField("component", "reassembler"),
		met:            met,
		builders:       make(map[segment.FrameId]*segment.FrameBuilder),
		lastExpiration: time.Now(),
		out:            make(chan Result, 64),
		closed:         make(chan struct{}),
	}
}

// Out returns the channel of completed/expired frames, in completion-time
// order interleaved with expiration events. It is closed
// once Run returns.
func (r *Reassembler) Out() <-chan Result { return r.out }

// Run consumes segs until ctx is cancelled or segs closes, applying the
// backpressure, sweep, and end-of-stream rules. It is safe to
// call exactly once per Reassembler.
func (r *Reassembler) Run(ctx context.Context, segs <-chan segment.Segment) {
	defer r.closeOnce.Do(func() { close(r.out); close(r.closed) })

	ticker := time.NewTicker(r.tickInterval())
	defer ticker.Stop()

	for {
		// Backpressure: stop reading new segments once capacity
		// is hit, until expiration sweeps drain the map.
		if r.atCapacity() {
			select {
			case <-ctx.Done():
				r.drainAll()
				return
			case <-ticker.C:
				r.sweepExpired()
				continue
			}
		}

		select {
		case <-ctx.Done():
			r.drainAll()
			return
		case s, ok := <-segs:
			if !ok {
				r.drainAll()
				return
			}
			r.handleSegment(s)
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Reassembler) tickInterval() time.Duration {
	if r.cfg.MaxAge <= 0 {
		return time.Second
	}
	if r.cfg.MaxAge/4 < time.Millisecond {
		return time.Millisecond
	}
	return r.cfg.MaxAge / 4
}

func (r *Reassembler) atCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.builders) >= r.cfg.Capacity
}

// handleSegment sweeps stale builders on the sample interval (exempting
// the arriving frame from expiration this tick), inserts, and emits on
// completion.
func (r *Reassembler) handleSegment(s segment.Segment) {
	r.mu.Lock()
	if r.cfg.MaxAge > 0 && time.Since(r.lastExpiration) >= r.cfg.MaxAge {
		r.sweepLocked(s.FrameId)
	}

	b, ok := r.builders[s.FrameId]
	if !ok {
		b = segment.NewFrameBuilder(s.FrameId)
		r.builders[s.FrameId] = b
	}
	if err := b.Add(s); err != nil {
		r.mu.Unlock()
		r.log.WithError(err).WithField("frame_id", s.FrameId).Debug("dropping invalid/duplicate segment")
		return
	}
	complete := b.Complete()
	if complete {
		delete(r.builders, s.FrameId)
	}
	r.reportGaugeLocked()
	r.mu.Unlock()

	if complete {
		f, err := b.TryIntoFrame()
		if err != nil {
			r.log.WithError(err).Error("complete builder failed to materialize, dropping")
			return
		}
		r.emit(Result{Frame: f})
	}
}

// sweepExpired is the timer-driven path into the same sweep logic used on
// segment arrival, for frames that never receive another segment at all.
func (r *Reassembler) sweepExpired() {
	if r.cfg.MaxAge <= 0 {
		return
	}
	r.mu.Lock()
	if time.Since(r.lastExpiration) < r.cfg.MaxAge {
		r.mu.Unlock()
		return
	}
	r.sweepLocked(0)
	r.mu.Unlock()
}

// sweepLocked moves every builder whose last-receive age exceeds MaxAge
// (other than exempt, the frame currently arriving this tick) into an
// emitted FrameDiscarded. Must be called with r.mu held.
func (r *Reassembler) sweepLocked(exempt segment.FrameId) {
	now := time.Now()
	var expiredIDs []segment.FrameId
	for id, b := range r.builders {
		if id == exempt {
			continue
		}
		if now.Sub(b.LastRecv()) >= r.cfg.MaxAge {
			expiredIDs = append(expiredIDs, id)
		}
	}
	for _, id := range expiredIDs {
		delete(r.builders, id)
	}
	r.lastExpiration = now
	r.reportGaugeLocked()

	// Emit discards without the lock held, since Out() may not be drained
	// promptly and we must not block other segment handling forever; use
	// a short unlock/relock around the (buffered) channel send.
	if len(expiredIDs) > 0 {
		r.mu.Unlock()
		for _, id := range expiredIDs {
			r.emit(Result{Discarded: true, FrameID: id, Err: errs.ErrFrameDiscarded})
		}
		r.mu.Lock()
	}
}

// FrameSnapshot is one in-flight frame's received-segment bitmap, the view
// Session's reliability-mode ack loop needs to build a FrameAck
// without reaching into the Reassembler's internal builder map directly.
type FrameSnapshot struct {
	FrameID segment.FrameId
	SeqLen  int
	Bitmap  []byte
}

// Snapshot returns a point-in-time view of every incomplete frame's
// received-segment bitmap, for frames whose first segment has already
// arrived (so SeqLen is known).
func (r *Reassembler) Snapshot() []FrameSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FrameSnapshot, 0, len(r.builders))
	for id, b := range r.builders {
		if !b.Started() {
			continue
		}
		out = append(out, FrameSnapshot{FrameID: id, SeqLen: b.SeqLen(), Bitmap: b.ReceivedBitmap()})
	}
	return out
}

func (r *Reassembler) reportGaugeLocked() {
	if r.met != nil {
		r.met.ReassemblerIncomplete.Set(float64(len(r.builders)))
	}
}

// drainAll handles end-of-stream: every remaining builder moves to the
// expired queue and is emitted before Out closes.
func (r *Reassembler) drainAll() {
	r.mu.Lock()
	ids := make([]segment.FrameId, 0, len(r.builders))
	for id := range r.builders {
		ids = append(ids, id)
	}
	r.builders = make(map[segment.FrameId]*segment.FrameBuilder)
	r.reportGaugeLocked()
	r.mu.Unlock()

	for _, id := range ids {
		r.emit(Result{Discarded: true, FrameID: id, Err: errs.ErrFrameDiscarded})
	}
}

func (r *Reassembler) emit(res Result) {
	select {
	case r.out <- res:
	case <-r.closed:
	}
}
