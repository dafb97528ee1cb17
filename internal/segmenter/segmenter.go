// Package segmenter implements a two-state (Buffering/Flushing)
// async byte sink that turns application writes into frame-sized buffers,
// segments each full frame into a downstream sink, and can append a
// dedicated terminating segment on Close to signal a clean half-close.
package segmenter

import (
	"fmt"
	"sync"

	"github.com/mixrelay/node/internal/segment"
	"github.com/mixrelay/node/pkg/errs"
)

// Sink receives segments produced by a Segmenter. Session wires this to
// the mixnet packet transport.
type Sink interface {
	PutSegment(segment.Segment) error
}

type state int

const (
	stateBuffering state = iota
	stateFlushing
	stateClosed
)

// Segmenter accumulates writes into a frame-sized buffer and segments each
// full frame downstream, advancing the frame counter by one each time.
type Segmenter struct {
	mu         sync.Mutex
	sink       Sink
	frameSize  int
	usableMTU  int
	appendTerm bool

	state     state
	buf       []byte
	nextFrame segment.FrameId
}

// Config controls frame sizing and whether Close appends a terminating
// segment.
type Config struct {
	FrameSize         int
	UsableMTU         int
	AppendTerminating bool
}

// New constructs a Segmenter writing to sink, starting at frame 1 (frame 0
// is reserved).
func New(sink Sink, cfg Config) *Segmenter {
	return &Segmenter{
		sink:       sink,
		frameSize:  cfg.FrameSize,
		usableMTU:  cfg.UsableMTU,
		appendTerm: cfg.AppendTerminating,
		state:      stateBuffering,
		nextFrame:  1,
	}
}

// Write implements io.Writer-like semantics: buffered bytes are flushed to
// the downstream sink as full frames are completed. Writing after Close
// fails with ErrBrokenPipe.
func (s *Segmenter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return 0, fmt.Errorf("segmenter: %w", errs.ErrBrokenPipe)
	}
	written := 0
	for len(p) > 0 {
		room := s.frameSize - len(s.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(s.buf) == s.frameSize {
			if err := s.flushFrameLocked(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush segments any buffered remainder as a short, non-terminating last
// frame.
func (s *Segmenter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return fmt.Errorf("segmenter: %w", errs.ErrBrokenPipe)
	}
	if len(s.buf) == 0 {
		return nil
	}
	return s.flushFrameLocked(false)
}

// Close flushes any remainder and, if configured, appends a dedicated
// zero-length terminating segment at the next frame id. It is
// idempotent.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	if len(s.buf) > 0 {
		if err := s.flushFrameLocked(false); err != nil {
			return err
		}
	}
	if s.appendTerm {
		segs, err := segment.Segments(nil, s.usableMTU, s.nextFrame, true)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			if err := s.sink.PutSegment(seg); err != nil {
				s.state = stateClosed
				return err
			}
		}
		s.nextFrame++
	}
	s.state = stateClosed
	return nil
}

// flushFrameLocked transitions Buffering -> Flushing, segments the current
// buffer downstream, then returns to Buffering with the frame counter
// advanced by one.
func (s *Segmenter) flushFrameLocked(terminating bool) error {
	s.state = stateFlushing
	segs, err := segment.Segments(s.buf, s.usableMTU, s.nextFrame, terminating)
	if err != nil {
		s.state = stateClosed
		return err
	}
	for _, seg := range segs {
		if err := s.sink.PutSegment(seg); err != nil {
			s.state = stateClosed
			return err
		}
	}
	s.buf = s.buf[:0]
	s.nextFrame++
	s.state = stateBuffering
	return nil
}
