// Package strategy implements the one-hop connection strategy: a
// periodic, ticker-driven tick that reads the channel graph and peer
// qualities and enqueues OpenChannel/CloseChannel/FundChannel actions to
// maintain at least one 1-hop path to every configured destination peer.
package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/internal/actionqueue"
	"github.com/mixrelay/node/internal/channelgraph"
	"github.com/mixrelay/node/internal/peerstore"
)

// Config holds the strategy.* configuration surface.
type Config struct {
	DestinationPeers        []common.Address
	NetworkQualityThreshold float64
	MinimumPeerVersion      string
	MinStakeThreshold       *big.Int
	FundingAmount           *big.Int
	TickInterval            time.Duration
	// PrecheckBalance, when true, skips enqueuing a FundChannel/OpenChannel
	// whose funding_amount exceeds SafeBalance; when false (the default),
	// the action is enqueued unconditionally and left to fail downstream
	// if underfunded.
	PrecheckBalance bool
}

// SafeBalance reports the operator's available on-chain balance, consulted
// only when Config.PrecheckBalance is true.
type SafeBalance interface {
	Balance(ctx context.Context) (*big.Int, error)
}

// Strategy runs the periodic channel-maintenance tick.
type Strategy struct {
	cfg        Config
	constraint *semver.Constraints
	self       common.Address
	graph      *channelgraph.Graph
	peers      *peerstore.Store
	balance    SafeBalance
	sender     actionqueue.ActionSender
	log        *logrus.Entry
}

// New constructs a Strategy. self is this node's own on-chain address
// (the implicit source of every outgoing channel). balance may be nil
// unless cfg.PrecheckBalance is true.
func New(cfg Config, self common.Address, graph *channelgraph.Graph, peers *peerstore.Store, balance SafeBalance, sender actionqueue.ActionSender) (*Strategy, error) {
	var constraint *semver.Constraints
	if cfg.MinimumPeerVersion != "" {
		c, err := semver.NewConstraint(cfg.MinimumPeerVersion)
		if err != nil {
			return nil, err
		}
		constraint = c
	}
	return &Strategy{
		cfg:        cfg,
		constraint: constraint,
		self:       self,
		graph:      graph,
		peers:      peers,
		balance:    balance,
		sender:     sender,
		log:        logrus.WithField("component", "strategy"),
	}, nil
}

// Run ticks every cfg.TickInterval until ctx is cancelled.
func (s *Strategy) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.WithError(err).Warn("strategy tick failed")
			}
		}
	}
}

// isDestination reports whether addr is one of the configured destination
// peers.
func (s *Strategy) isDestination(addr common.Address) bool {
	for _, d := range s.cfg.DestinationPeers {
		if d == addr {
			return true
		}
	}
	return false
}

// Tick performs one strategy pass, submitting actions to the Action
// Queue without awaiting their confirmations.
func (s *Strategy) Tick(ctx context.Context) error {
	outgoing, err := s.graph.OutgoingFrom(s.self)
	if err != nil {
		return err
	}
	byDest := make(map[common.Address]channelgraph.Entry, len(outgoing))
	for _, e := range outgoing {
		byDest[e.Destination] = e
	}

	qualified := s.peers.SatisfyingVersion(s.constraint)
	quality := make(map[common.Address]float64, len(qualified))
	for _, p := range qualified {
		if common.IsHexAddress(p.OnChainAddr) {
			quality[common.HexToAddress(p.OnChainAddr)] = p.Quality
		}
	}

	// Mark low-quality non-destination channels for close.
	for dst, e := range byDest {
		if e.Status != channelgraph.StatusOpen {
			continue
		}
		if s.isDestination(dst) {
			continue
		}
		q, known := quality[dst]
		if known && q < s.cfg.NetworkQualityThreshold {
			s.enqueueClose(ctx, dst)
		}
	}

	// Destination reachability and one-hop relay selection.
	for _, dst := range s.cfg.DestinationPeers {
		e, hasChannel := byDest[dst]
		if !hasChannel || e.Balance == nil || e.Balance.Cmp(s.cfg.MinStakeThreshold) < 0 {
			s.enqueueOpenOrFund(ctx, dst, hasChannel)
		}

		relay, found := s.selectRelay(byDest, quality, dst)
		if !found {
			continue
		}
		if re, ok := byDest[relay]; ok {
			if re.Balance == nil || re.Balance.Cmp(s.cfg.MinStakeThreshold) < 0 {
				s.enqueueOpenOrFund(ctx, relay, true)
			}
		} else {
			s.enqueueOpenOrFund(ctx, relay, false)
		}
	}
	return nil
}

// selectRelay prefers an existing outgoing channel to a non-destination
// peer meeting the quality threshold, falling back to the highest-quality
// known peer we do not yet have a channel to.
func (s *Strategy) selectRelay(byDest map[common.Address]channelgraph.Entry, quality map[common.Address]float64, dst common.Address) (common.Address, bool) {
	for addr, e := range byDest {
		if addr == dst || s.isDestination(addr) || e.Status != channelgraph.StatusOpen {
			continue
		}
		if q, ok := quality[addr]; ok && q >= s.cfg.NetworkQualityThreshold {
			return addr, true
		}
	}

	var best common.Address
	bestQuality := -1.0
	found := false
	for addr, q := range quality {
		if addr == dst || s.isDestination(addr) {
			continue
		}
		if _, has := byDest[addr]; has {
			continue
		}
		if q > bestQuality {
			best, bestQuality, found = addr, q, true
		}
	}
	return best, found
}

func (s *Strategy) enqueueClose(ctx context.Context, dst common.Address) {
	if _, err := s.sender.Enqueue(ctx, actionqueue.Action{
		Kind:        actionqueue.KindCloseChannel,
		Destination: dst,
		Direction:   actionqueue.DirectionOutgoing,
	}); err != nil {
		s.log.WithError(err).WithField("dst", dst.Hex()).Warn("failed to enqueue close")
	}
}

func (s *Strategy) enqueueOpenOrFund(ctx context.Context, dst common.Address, existingChannel bool) {
	if s.cfg.PrecheckBalance && s.balance != nil {
		bal, err := s.balance.Balance(ctx)
		if err != nil {
			s.log.WithError(err).Warn("failed to read safe balance for precheck")
			return
		}
		if bal.Cmp(s.cfg.FundingAmount) < 0 {
			s.log.WithField("dst", dst.Hex()).Debug("skipping funding action: insufficient safe balance")
			return
		}
	}

	kind := actionqueue.KindOpenChannel
	if existingChannel {
		kind = actionqueue.KindFundChannel
	}
	if _, err := s.sender.Enqueue(ctx, actionqueue.Action{
		Kind:        kind,
		Destination: dst,
		Amount:      s.cfg.FundingAmount,
	}); err != nil {
		s.log.WithError(err).WithField("dst", dst.Hex()).Warn("failed to enqueue open/fund")
	}
}
