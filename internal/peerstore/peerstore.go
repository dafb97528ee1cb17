// Package peerstore tracks per-peer status: peer id, an optional
// on-chain address and protocol version, and a quality score in [0,1]
// derived from ping history.
package peerstore

import (
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// PeerStatus is one tracked peer's liveness record.
type PeerStatus struct {
	PeerID        string
	OnChainAddr   string
	PeerVersion   string
	Quality       float64
	LastProbeAt   time.Time
	successRatio  float64
	latencyEWMAMs float64
	samples       int
}

// ewmaAlpha weights the most recent probe outcome against the running
// average; chosen so roughly the last ten probes dominate the score.
const ewmaAlpha = 0.2

// Store is a concurrent map of PeerStatus keyed by peer id, the shared
// structure the Ping batch writes into and the Strategy loop reads from.
type Store struct {
	mu    sync.RWMutex
	peers map[string]*PeerStatus
}

// New constructs an empty Store.
func New() *Store {
	return &Store{peers: make(map[string]*PeerStatus)}
}

// Upsert registers or updates static peer metadata without touching its
// quality score.
func (s *Store) Upsert(peerID, onChainAddr, peerVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		p = &PeerStatus{PeerID: peerID}
		s.peers[peerID] = p
	}
	if onChainAddr != "" {
		p.OnChainAddr = onChainAddr
	}
	if peerVersion != "" {
		p.PeerVersion = peerVersion
	}
}

// RecordProbe folds one ping outcome into peerID's quality score, an
// exponentially-weighted moving average of success ratio and latency.
// latencyMs is ignored on failure.
func (s *Store) RecordProbe(peerID string, ok bool, latencyMs float64, peerVersion string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.peers[peerID]
	if !exists {
		p = &PeerStatus{PeerID: peerID}
		s.peers[peerID] = p
	}
	if peerVersion != "" {
		p.PeerVersion = peerVersion
	}
	p.LastProbeAt = at

	success := 0.0
	if ok {
		success = 1.0
	}
	if p.samples == 0 {
		p.successRatio = success
	} else {
		p.successRatio = ewmaAlpha*success + (1-ewmaAlpha)*p.successRatio
	}
	if ok {
		if p.samples == 0 || p.latencyEWMAMs == 0 {
			p.latencyEWMAMs = latencyMs
		} else {
			p.latencyEWMAMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*p.latencyEWMAMs
		}
	}
	p.samples++
	p.Quality = qualityFromMetrics(p.successRatio, p.latencyEWMAMs)
}

// qualityFromMetrics folds success ratio and latency into a single
// [0,1] score: latency only discounts quality once it passes 1s, and
// discounts it fully by 5s, to keep the score dominated by reachability.
func qualityFromMetrics(successRatio, latencyMs float64) float64 {
	const (
		latencyFloorMs = 1000.0
		latencyCeilMs  = 5000.0
	)
	latencyFactor := 1.0
	if latencyMs > latencyFloorMs {
		latencyFactor = 1.0 - (latencyMs-latencyFloorMs)/(latencyCeilMs-latencyFloorMs)
		if latencyFactor < 0 {
			latencyFactor = 0
		}
	}
	q := successRatio * latencyFactor
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// Get returns a copy of peerID's status, if known.
func (s *Store) Get(peerID string) (PeerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerID]
	if !ok {
		return PeerStatus{}, false
	}
	return *p, true
}

// All returns a snapshot of every tracked peer.
func (s *Store) All() []PeerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerStatus, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// SatisfyingVersion returns every tracked peer whose PeerVersion satisfies
// constraint, the filter the strategy applies before computing channel
// decisions. Peers with no recorded version, or a version that
// fails to parse, are excluded.
func (s *Store) SatisfyingVersion(constraint *semver.Constraints) []PeerStatus {
	all := s.All()
	if constraint == nil {
		return all
	}
	out := make([]PeerStatus, 0, len(all))
	for _, p := range all {
		if p.PeerVersion == "" {
			continue
		}
		v, err := semver.NewVersion(p.PeerVersion)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			out = append(out, p)
		}
	}
	return out
}
