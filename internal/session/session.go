package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/internal/reassemble"
	"github.com/mixrelay/node/internal/segment"
	"github.com/mixrelay/node/internal/segmenter"
	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/metrics"
)

// State is the Session lifecycle: Initiating -> Established ->
// Closing -> Closed.
type State int32

const (
	StateInitiating State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitiating:
		return "Initiating"
	case StateEstablished:
		return "Established"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Sender is the datagram send half of internal/transport.Transport that a
// Session needs; kept narrow so tests can fake it.
type Sender interface {
	Send(ctx context.Context, peerID string, payload []byte) error
}

// Config controls establishment, MTU arithmetic, idle/drain timeouts, and
// reliability mode.
type Config struct {
	MTU                  int
	FrameSize            int
	IdleTimeout          time.Duration
	EstablishMaxRetries  int
	EstablishRetryWindow time.Duration
	DrainPeriod          time.Duration
	Reliable             bool

	// AckInterval is how often, in Reliable mode, the receiver emits a
	// FrameAck for each in-flight incomplete frame.
	AckInterval time.Duration
	// MaxSegmentRetries caps how many times a single segment is resent in
	// response to FrameAck/FrameRetransmit bitmaps before it is given up
	// on.
	MaxSegmentRetries int
}

const (
	defaultAckInterval       = 100 * time.Millisecond
	defaultMaxSegmentRetries = 5
)

// NewSessionID generates a random 64-bit session identifier from the
// high bits of a fresh UUID.
func NewSessionID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

type sessionSink struct{ s *Session }

func (sk sessionSink) PutSegment(seg segment.Segment) error {
	if sk.s.cfg.Reliable {
		sk.s.trackOutstanding(seg)
	}
	return sk.s.sendEnvelope(Envelope{Kind: EnvSegment, SessionID: sk.s.ID, Segment: &seg})
}

// outstandingSegment is one sent-but-not-yet-acked segment, kept in
// Reliable mode so a FrameAck/FrameRetransmit bitmap can trigger a resend.
type outstandingSegment struct {
	seg     segment.Segment
	retries int
}

// Session is one per-peer reliable byte stream tunneled through the
// mixnet.
type Session struct {
	ID        uint64
	PeerID    string
	Initiator bool

	cfg    Config
	sender Sender
	met    *metrics.Registry
	log    *logrus.Entry

	state atomic.Int32

	seg    *segmenter.Segmenter
	reasm  *reassemble.Reassembler
	segIn  chan segment.Segment
	frames chan segment.Frame

	lastInboundNano atomic.Int64

	// outstanding tracks, in Reliable mode, segments sent but not yet
	// acked by the peer, keyed by frame then by sequence index.
	outMu       sync.Mutex
	outstanding map[segment.FrameId]map[segment.SeqNum]*outstandingSegment

	// ackPrev records each in-flight frame's last-sent received-bitmap,
	// touched only by the single reliabilityAckLoop goroutine, so it can
	// detect a stalled frame and escalate to an explicit FrameRetransmit.
	ackPrev map[segment.FrameId]string

	startResp chan StartResponse

	closeOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(id uint64, peerID string, initiator bool, cfg Config, sender Sender, met *metrics.Registry) *Session {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 1024
	}
	if cfg.DrainPeriod <= 0 {
		cfg.DrainPeriod = 2 * time.Second
	}
	if cfg.EstablishRetryWindow <= 0 {
		cfg.EstablishRetryWindow = 500 * time.Millisecond
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = defaultAckInterval
	}
	if cfg.MaxSegmentRetries <= 0 {
		cfg.MaxSegmentRetries = defaultMaxSegmentRetries
	}
	s := &Session{
		ID:          id,
		PeerID:      peerID,
		Initiator:   initiator,
		cfg:         cfg,
		sender:      sender,
		met:         met,
		log:         logrus.WithFields(logrus.Fields{"component": "session", "session_id": id, "peer": peerID}),
		segIn:       make(chan segment.Segment, 64),
		frames:      make(chan segment.Frame, 64),
		outstanding: make(map[segment.FrameId]map[segment.SeqNum]*outstandingSegment),
		ackPrev:     make(map[segment.FrameId]string),
		startResp:   make(chan StartResponse, 1),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateInitiating))
	s.reasm = reassemble.New(reassemble.Config{MaxAge: cfg.IdleTimeout, Capacity: 256}, met)
	s.seg = segmenter.New(sessionSink{s: s}, segmenter.Config{
		FrameSize:         cfg.FrameSize,
		UsableMTU:         cfg.MTU - segment.SegmentOverhead,
		AppendTerminating: true,
	})
	s.lastInboundNano.Store(time.Now().UnixNano())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) sendEnvelope(e Envelope) error {
	raw, err := Encode(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.sender.Send(ctx, s.PeerID, raw)
}

// Establish runs the initiator-side handshake: send
// SessionStartRequest, making up to EstablishMaxRetries attempts with a
// bounded random backoff between attempts to avoid synchronized retries.
func (s *Session) Establish(ctx context.Context) error {
	if !s.Initiator {
		return fmt.Errorf("session: Establish called on a responder session")
	}
	attempts := s.cfg.EstablishMaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	req := StartRequest{SessionID: s.ID, Reliable: s.cfg.Reliable, MTU: s.cfg.MTU, IdleTimeoutMs: s.cfg.IdleTimeout.Milliseconds()}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, randomBackoff(s.cfg.EstablishRetryWindow)); err != nil {
				return err
			}
		}
		if err := s.sendEnvelope(Envelope{Kind: EnvStartRequest, SessionID: s.ID, StartRequest: &req}); err != nil {
			lastErr = err
			continue
		}
		select {
		case resp := <-s.startResp:
			if !resp.Accept {
				return fmt.Errorf("session: establishment rejected: %s", resp.Reason)
			}
			s.becomeEstablished()
			return nil
		case <-time.After(s.cfg.EstablishRetryWindow):
			lastErr = fmt.Errorf("session: no response within retry window")
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("session: establishment failed")
	}
	return lastErr
}

// AcceptResponder transitions a freshly-created responder session directly
// into Established and replies with an accepting StartResponse.
func (s *Session) AcceptResponder() error {
	if err := s.sendEnvelope(Envelope{Kind: EnvStartResponse, SessionID: s.ID, StartResponse: &StartResponse{SessionID: s.ID, Accept: true}}); err != nil {
		return err
	}
	s.becomeEstablished()
	return nil
}

func (s *Session) becomeEstablished() {
	s.state.Store(int32(StateEstablished))
	go s.reasm.Run(s.ctx, s.segIn)
	go s.consumeFrames()
	go s.idleWatchdog()
	if s.cfg.Reliable {
		go s.reliabilityAckLoop()
	}
}

func (s *Session) consumeFrames() {
	for res := range s.reasm.Out() {
		if res.Err != nil {
			s.log.WithField("frame_id", res.FrameID).Debug("frame discarded")
			continue
		}
		if res.Frame.IsTerminating {
			s.beginClosing()
		}
		select {
		case s.frames <- res.Frame:
		case <-s.done:
			return
		}
	}
}

func (s *Session) idleWatchdog() {
	interval := s.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastInboundNano.Load())
			if s.State() == StateEstablished && time.Since(last) >= s.cfg.IdleTimeout {
				s.log.WithError(errs.ErrIdleTimeout).Warn("session idle, closing")
				s.beginClosing()
				go s.forceCloseAfterDrain()
				return
			}
		}
	}
}

func (s *Session) beginClosing() {
	if State(s.state.Load()) == StateEstablished {
		s.state.CompareAndSwap(int32(StateEstablished), int32(StateClosing))
		go s.forceCloseAfterDrain()
	}
}

func (s *Session) forceCloseAfterDrain() {
	select {
	case <-time.After(s.cfg.DrainPeriod):
	case <-s.done:
		return
	}
	s.finalize()
}

func (s *Session) finalize() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		_ = s.seg.Close()
		s.cancel()
		close(s.done)
	})
}

// Close initiates a local close: flush, send the terminating segment, and
// wait up to DrainPeriod before transitioning to Closed.
func (s *Session) Close() error {
	if State(s.state.Load()) == StateClosed {
		return nil
	}
	s.state.CompareAndSwap(int32(StateEstablished), int32(StateClosing))
	err := s.seg.Close()
	s.forceCloseAfterDrain()
	return err
}

// Write is the outbound path: the Segmenter chunks to
// segments, each wrapped as a mixnet packet and sent.
func (s *Session) Write(p []byte) (int, error) {
	if State(s.state.Load()) != StateEstablished {
		return 0, fmt.Errorf("session: %w", errs.ErrBrokenPipe)
	}
	return s.seg.Write(p)
}

// Frames returns the application-facing inbound reader: completed frames
// from the reassembler.
func (s *Session) Frames() <-chan segment.Frame { return s.frames }

// HandleEnvelope routes a decoded Envelope addressed to this session.
func (s *Session) HandleEnvelope(e Envelope) {
	s.lastInboundNano.Store(time.Now().UnixNano())
	switch e.Kind {
	case EnvStartResponse:
		if e.StartResponse != nil {
			select {
			case s.startResp <- *e.StartResponse:
			default:
			}
		}
	case EnvSegment:
		if e.Segment != nil {
			select {
			case s.segIn <- *e.Segment:
			case <-s.done:
			}
		}
	case EnvKeepAlive:
		// lastInboundNano already bumped above; nothing else to do.
	case EnvFrameAck:
		if s.cfg.Reliable {
			s.handleIncomingBitmap(e.FrameID, e.Bitmap, true)
		}
	case EnvFrameRetransmit:
		if s.cfg.Reliable {
			s.handleIncomingBitmap(e.FrameID, e.Bitmap, false)
		}
	}
}

// trackOutstanding records a just-sent segment so a later FrameAck/
// FrameRetransmit can trigger its resend.
func (s *Session) trackOutstanding(seg segment.Segment) {
	cp := seg
	cp.Data = append([]byte(nil), seg.Data...)

	s.outMu.Lock()
	defer s.outMu.Unlock()
	f, ok := s.outstanding[seg.FrameId]
	if !ok {
		f = make(map[segment.SeqNum]*outstandingSegment)
		s.outstanding[seg.FrameId] = f
	}
	f[seg.SeqIdx] = &outstandingSegment{seg: cp}
}

// handleIncomingBitmap reacts to a peer's FrameAck or FrameRetransmit for
// frameID. received
// distinguishes the two bitmap semantics: a FrameAck's bitmap marks
// segments the peer HAS received, so anything unset is missing; a
// FrameRetransmit's bitmap is an explicit list of segments the peer is
// asking to be resent.
func (s *Session) handleIncomingBitmap(frameID segment.FrameId, bitmap MissingSegmentsBitmap, received bool) {
	s.outMu.Lock()
	f, ok := s.outstanding[frameID]
	if !ok {
		s.outMu.Unlock()
		return
	}

	var toResend []segment.Segment
	for idx, outstanding := range f {
		want := bitmap.Test(int(idx))
		if received {
			want = !want
		}
		if !want {
			if received {
				delete(f, idx)
			}
			continue
		}
		if outstanding.retries >= s.cfg.MaxSegmentRetries {
			s.log.WithField("frame_id", frameID).WithField("seq_idx", idx).
				Warn("segment retry cap exceeded, giving up on retransmission")
			delete(f, idx)
			continue
		}
		outstanding.retries++
		toResend = append(toResend, outstanding.seg)
	}
	if len(f) == 0 {
		delete(s.outstanding, frameID)
	}
	s.outMu.Unlock()

	for _, seg := range toResend {
		cp := seg
		if err := s.sendEnvelope(Envelope{Kind: EnvSegment, SessionID: s.ID, Segment: &cp}); err != nil {
			s.log.WithError(err).Debug("failed to retransmit segment")
			continue
		}
		if s.met != nil {
			s.met.SegmentsRetransmitted.Inc()
		}
	}
}

// reliabilityAckLoop is the receiver side of reliability mode:
// periodically emit a FrameAck for every in-flight incomplete frame, and
// escalate to an explicit FrameRetransmit when a frame's received bitmap
// hasn't changed since the previous tick (the peer's regular resend cycle
// appears stalled).
func (s *Session) reliabilityAckLoop() {
	ticker := time.NewTicker(s.cfg.AckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sendFrameAcks()
		}
	}
}

func (s *Session) sendFrameAcks() {
	for _, snap := range s.reasm.Snapshot() {
		bitmap := MissingSegmentsBitmap(append([]byte(nil), snap.Bitmap...))
		key := string(snap.Bitmap)
		stalled := s.ackPrev[snap.FrameID] == key && key != ""
		s.ackPrev[snap.FrameID] = key

		if err := s.sendEnvelope(Envelope{Kind: EnvFrameAck, SessionID: s.ID, FrameID: snap.FrameID, Bitmap: bitmap}); err != nil {
			s.log.WithError(err).Debug("failed to send frame ack")
			continue
		}
		if stalled {
			missing := missingFromReceived(bitmap, snap.SeqLen)
			if err := s.sendEnvelope(Envelope{Kind: EnvFrameRetransmit, SessionID: s.ID, FrameID: snap.FrameID, Bitmap: missing}); err != nil {
				s.log.WithError(err).Debug("failed to send frame retransmit request")
			}
		}
	}
}

// missingFromReceived inverts a received-bitmap into the missing-segments
// bitmap a FrameRetransmit carries.
func missingFromReceived(received MissingSegmentsBitmap, seqLen int) MissingSegmentsBitmap {
	out := NewMissingSegmentsBitmap(seqLen)
	for i := 0; i < seqLen; i++ {
		if !received.Test(i) {
			out.Set(i)
		}
	}
	return out
}

func randomBackoff(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return window / 2
	}
	n := binary.BigEndian.Uint64(b[:])
	return time.Duration(n % uint64(window))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
