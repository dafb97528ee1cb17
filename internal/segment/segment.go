// Package segment implements fixed-size framing of application
// bytes into numbered segments, and the reverse assembly of a complete set
// of segments back into a Frame.
//
// This is a hand-rolled, pinned state machine rather than a combinator
// pipeline: FrameBuilder holds its own sparse slot vector and exposes an
// explicit Add/Complete surface that Reassembler drives.
package segment

import (
	"fmt"
	"time"

	"github.com/mixrelay/node/pkg/errs"
)

// FrameId is a monotonically increasing per-session-direction identifier.
// Frame 0 is reserved; frames begin at 1.
type FrameId uint32

// SeqNum is the segment index/length field width used on the wire.
type SeqNum uint8

// SegmentOverhead is the fixed on-wire metadata cost of one SessionMessage,
// independent of the payload it carries.
const SegmentOverhead = 4 + 1 + 1 + 1 // frame_id(4) + seq_idx(1) + seq_len(1) + flags(1)

// Segment is one MTU-sized on-wire piece of a Frame.
type Segment struct {
	FrameId     FrameId
	SeqIdx      SeqNum
	SeqLen      SeqNum
	Terminating bool
	Data        []byte
}

// Frame is the complete, reassembled unit of application-level chunking.
type Frame struct {
	FrameId       FrameId
	Data          []byte
	IsTerminating bool
}

// Segments splits data into an ordered list of Segment values so that each
// segment's Data length is at most usableMTU. terminating marks the final
// segment (the one carrying seq_idx == seq_len-1) as the logical end of a
// terminating frame.
//
// usableMTU must be >= 1. An empty data buffer produces exactly one
// (legal) empty-data segment; empty data is legal only at the last
// index.
func Segments(data []byte, usableMTU int, frameID FrameId, terminating bool) ([]Segment, error) {
	if usableMTU < 1 {
		return nil, fmt.Errorf("segment: usableMTU must be >= 1, got %d", usableMTU)
	}
	n := (len(data) + usableMTU - 1) / usableMTU
	if n == 0 {
		n = 1
	}
	if n > 255 {
		return nil, fmt.Errorf("%w: frame %d needs %d segments, max 255", errs.ErrInvalidSegment, frameID, n)
	}
	segs := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := i * usableMTU
		end := start + usableMTU
		if end > len(data) {
			end = len(data)
		}
		chunk := append([]byte(nil), data[start:end]...)
		last := i == n-1
		segs = append(segs, Segment{
			FrameId:     frameID,
			SeqIdx:      SeqNum(i),
			SeqLen:      SeqNum(n),
			Terminating: last && terminating,
			Data:        chunk,
		})
	}
	return segs, nil
}

// FrameBuilder is an under-construction frame: a sparse vector of segment
// slots plus the bookkeeping the Reassembler needs to decide completion
// and expiration.
type FrameBuilder struct {
	FrameID       FrameId
	slots         []*Segment
	missing       int
	recvBytes     int
	lastRecv      time.Time
	createdAt     time.Time
	isTerminating bool
}

// NewFrameBuilder starts a builder for the given frame; its length is
// learned from the first segment added to it.
func NewFrameBuilder(id FrameId) *FrameBuilder {
	now := time.Now()
	return &FrameBuilder{FrameID: id, createdAt: now, lastRecv: now}
}

// Missing reports the number of slots still awaiting a segment.
func (b *FrameBuilder) Missing() int { return b.missing }

// Complete reports whether every slot in [0, len) has been filled.
func (b *FrameBuilder) Complete() bool { return b.slots != nil && b.missing == 0 }

// LastRecv is the time of the most recently accepted segment (or creation
// time if none has arrived yet).
func (b *FrameBuilder) LastRecv() time.Time { return b.lastRecv }

// CreatedAt is when the builder was first allocated.
func (b *FrameBuilder) CreatedAt() time.Time { return b.createdAt }

// RecvBytes is the cumulative payload byte count received so far.
func (b *FrameBuilder) RecvBytes() int { return b.recvBytes }

// Started reports whether at least one segment has been added, meaning
// SeqLen() reflects the frame's real segment count rather than zero.
func (b *FrameBuilder) Started() bool { return b.slots != nil }

// SeqLen reports the frame's segment count once learned from the first
// added segment (0 if Started() is false).
func (b *FrameBuilder) SeqLen() int { return len(b.slots) }

// ReceivedBitmap packs which slots have been filled so far into a bitmap
// (one bit per slot, LSB-first within each byte), the form session's
// reliability-mode FrameAck carries.
func (b *FrameBuilder) ReceivedBitmap() []byte {
	bm := make([]byte, (len(b.slots)+7)/8)
	for i, s := range b.slots {
		if s != nil {
			bm[i/8] |= 1 << uint(i%8)
		}
	}
	return bm
}

// Add inserts a segment into the builder. It fails with ErrInvalidSegment
// for: a frame_id mismatch, an out-of-range seq_idx, a seq_len mismatch
// against an already-established length, a duplicate slot, or insertion
// into an already-complete builder. A duplicate segment for a frame that
// is one segment away from completion is dropped, not treated as
// completing the frame.
func (b *FrameBuilder) Add(s Segment) error {
	if s.FrameId != b.FrameID {
		return fmt.Errorf("%w: frame id mismatch, builder=%d segment=%d", errs.ErrInvalidSegment, b.FrameID, s.FrameId)
	}
	if b.slots == nil {
		if s.SeqLen == 0 {
			return fmt.Errorf("%w: zero seq_len", errs.ErrInvalidSegment)
		}
		b.slots = make([]*Segment, s.SeqLen)
		b.missing = int(s.SeqLen)
	}
	if b.Complete() {
		return fmt.Errorf("%w: frame %d already complete", errs.ErrInvalidSegment, b.FrameID)
	}
	if int(s.SeqLen) != len(b.slots) {
		return fmt.Errorf("%w: seq_len mismatch, builder=%d segment=%d", errs.ErrInvalidSegment, len(b.slots), s.SeqLen)
	}
	if int(s.SeqIdx) >= len(b.slots) {
		return fmt.Errorf("%w: seq_idx %d out of range [0,%d)", errs.ErrInvalidSegment, s.SeqIdx, len(b.slots))
	}
	if b.slots[s.SeqIdx] != nil {
		return fmt.Errorf("%w: duplicate seq_idx %d for frame %d", errs.ErrInvalidSegment, s.SeqIdx, b.FrameID)
	}

	cp := s
	cp.Data = append([]byte(nil), s.Data...)
	b.slots[s.SeqIdx] = &cp
	b.missing--
	b.recvBytes += len(s.Data)
	b.lastRecv = time.Now()
	if s.Terminating {
		b.isTerminating = true
	}
	return nil
}

// TryIntoFrame converts a complete builder into a Frame. It fails with
// ErrIncompleteFrame if any slot is still missing.
func (b *FrameBuilder) TryIntoFrame() (Frame, error) {
	if !b.Complete() {
		return Frame{}, fmt.Errorf("%w: frame %d (%d/%d missing)", errs.ErrIncompleteFrame, b.FrameID, b.missing, len(b.slots))
	}
	total := 0
	for _, s := range b.slots {
		total += len(s.Data)
	}
	out := make([]byte, 0, total)
	for _, s := range b.slots {
		out = append(out, s.Data...)
	}
	return Frame{FrameId: b.FrameID, Data: out, IsTerminating: b.isTerminating}, nil
}
