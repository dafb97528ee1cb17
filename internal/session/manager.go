package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/metrics"
)

// Manager owns every Session for this node and enforces the
// maximum-sessions flow-control cap, gating a bounded set of concurrent
// per-peer resources behind a single mutex.
type Manager struct {
	mu          sync.Mutex
	sessions    map[uint64]*Session
	maxSessions int

	sender Sender
	met    *metrics.Registry
	log    *logrus.Entry
}

// NewManager constructs a Manager enforcing at most maxSessions concurrent
// sessions. sender is the shared datagram sender every Session uses to
// reach its peer.
func NewManager(maxSessions int, sender Sender, met *metrics.Registry) *Manager {
	return &Manager{
		sessions:    make(map[uint64]*Session),
		maxSessions: maxSessions,
		sender:      sender,
		met:         met,
		log:         logrus.WithField("component", "session_manager"),
	}
}

// Count returns the number of sessions currently tracked (including ones
// still Initiating or draining in Closing).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get looks up a tracked session by id.
func (m *Manager) Get(id uint64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// OpenInitiator allocates a new session id, registers it, and runs the
// initiator-side establishment handshake. It fails with
// ErrTooManySessions if the cap is already reached.
func (m *Manager) OpenInitiator(ctx context.Context, peerID string, cfg Config) (*Session, error) {
	s, err := m.reserve(NewSessionID(), peerID, true, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Establish(ctx); err != nil {
		m.remove(s.ID)
		return nil, err
	}
	return s, nil
}

func (m *Manager) reserve(id uint64, peerID string, initiator bool, cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("session: %w", errs.ErrTooManySessions)
	}
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session: id %d already in use", id)
	}
	s := newSession(id, peerID, initiator, cfg, m.sender, m.met)
	m.sessions[id] = s
	return s, nil
}

func (m *Manager) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// HandleStartRequest implements the responder side of establishment: a
// peer proposing a new session id. It registers the session and accepts
// it, or replies TooManySessions when the cap is already reached.
func (m *Manager) HandleStartRequest(peerID string, req StartRequest, cfg Config) error {
	if _, exists := m.Get(req.SessionID); exists {
		return nil
	}
	cfg.MTU = req.MTU
	cfg.Reliable = req.Reliable
	s, err := m.reserve(req.SessionID, peerID, false, cfg)
	if err != nil {
		return m.rejectHandshake(peerID, req.SessionID, err)
	}
	if err := s.AcceptResponder(); err != nil {
		m.remove(req.SessionID)
		return err
	}
	return nil
}

func (m *Manager) rejectHandshake(peerID string, sessionID uint64, reason error) error {
	resp := StartResponse{SessionID: sessionID, Accept: false, Reason: reason.Error()}
	raw, err := Encode(Envelope{Kind: EnvStartResponse, SessionID: sessionID, StartResponse: &resp})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.sender.Send(ctx, peerID, raw)
}

// Dispatch routes an inbound Envelope to the session it addresses,
// transparently handling a responder-side StartRequest for an unknown
// session id.
func (m *Manager) Dispatch(peerID string, e Envelope, cfg Config) {
	if e.Kind == EnvStartRequest {
		if e.StartRequest == nil {
			return
		}
		if err := m.HandleStartRequest(peerID, *e.StartRequest, cfg); err != nil {
			m.log.WithError(err).WithField("peer", peerID).Warn("rejected session establishment")
		}
		return
	}
	s, ok := m.Get(e.SessionID)
	if !ok {
		m.log.WithField("session_id", e.SessionID).Debug("envelope for unknown session dropped")
		return
	}
	s.HandleEnvelope(e)
}

// Close tears down a tracked session and stops tracking it once it
// reaches Closed.
func (m *Manager) Close(id uint64) error {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}
	err := s.Close()
	m.remove(id)
	return err
}

// CloseAll closes every tracked session, used on node shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}
