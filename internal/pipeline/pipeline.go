// Package pipeline wires internal/transport's raw datagram I/O to
// internal/session and internal/mixer, implementing the node's top-level
// control flow:
//
//	Inbound datagram  -> unwrap one mixnet hop -> either (i) deliver to a
//	Session by session id, or (ii) forward: submit to Mixer, which
//	releases it after a random delay to the transport.
//
//	Outbound session write -> Segmenter chunks to segments -> each wrapped
//	as a mixnet packet -> Mixer -> transport.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/internal/actionqueue"
	"github.com/mixrelay/node/internal/mixer"
	"github.com/mixrelay/node/internal/session"
	"github.com/mixrelay/node/internal/ticket"
	"github.com/mixrelay/node/internal/transport"
	"github.com/mixrelay/node/pkg/metrics"
)

// redeemEnqueueTimeout bounds how long a winning-ticket redemption waits
// for room in the Action Queue before giving up; the queue is retried
// naturally the next time this ticket (or another) wins.
const redeemEnqueueTimeout = 5 * time.Second

// Sender is the narrow transport surface the Pipeline drains the Mixer
// into.
type Sender interface {
	Send(ctx context.Context, peerID string, payload []byte) error
}

// Receiver is the narrow transport surface the Pipeline's inbound loop
// reads from.
type Receiver interface {
	Recv(ctx context.Context) (transport.Datagram, error)
}

type mixItem struct {
	peerID  string
	payload []byte
}

// Pipeline owns the single Mixer every outbound datagram for this node —
// whether locally originated by a Session or relayed on behalf of
// another hop — passes through before it reaches the wire.
type Pipeline struct {
	tx       Sender
	rx       Receiver
	mix      *mixer.Mixer
	mixSend  *mixer.Sender
	sessions *session.Manager
	sessCfg  session.Config
	self     string
	log      *logrus.Entry

	tickets *ticket.Store
	actions actionqueue.ActionSender
	met     *metrics.Registry
}

// New constructs a Pipeline. self is this node's own libp2p peer id
// string, used to recognize (and drop) relay envelopes that have reached
// their final hop without a session attached.
func New(tx Sender, rx Receiver, mix *mixer.Mixer, sessions *session.Manager, sessCfg session.Config, self string) *Pipeline {
	p := &Pipeline{
		tx:       tx,
		rx:       rx,
		mix:      mix,
		sessions: sessions,
		sessCfg:  sessCfg,
		self:     self,
		log:      logrus.WithField("component", "pipeline"),
	}
	p.mixSend = mix.NewSender()
	return p
}

// SetSessions attaches the session Manager after construction, for the
// common wiring order where the Manager itself needs this Pipeline as
// its Sender before the Pipeline can be told about it.
func (p *Pipeline) SetSessions(sessions *session.Manager) { p.sessions = sessions }

// SetTicketing attaches the Ticket store and Action Queue producer handle
// this Pipeline needs to store the ticket carried on each relayed packet
// and redeem the winners. Both are optional;
// a Pipeline with no ticketing attached forwards relay traffic without
// ever inspecting the tickets it carries.
func (p *Pipeline) SetTicketing(tickets *ticket.Store, actions actionqueue.ActionSender, met *metrics.Registry) {
	p.tickets = tickets
	p.actions = actions
	p.met = met
}

// Send implements session.Sender: instead of writing to the wire
// directly, a Session's outbound segment is submitted to the Mixer,
// which releases it to the transport after a randomized delay.
func (p *Pipeline) Send(ctx context.Context, peerID string, payload []byte) error {
	return p.mixSend.Send(mixItem{peerID: peerID, payload: payload})
}

// RelayTo submits an opaque forwarded payload to peerID through the same
// Mixer, used by the inbound loop's forwarding path.
func (p *Pipeline) RelayTo(peerID string, payload []byte) error {
	return p.mixSend.Send(mixItem{peerID: peerID, payload: payload})
}

// Run starts the Mixer-drain loop and the inbound dispatch loop. It
// blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { p.runMixDrain(ctx); done <- struct{}{} }()
	go func() { p.runInbound(ctx); done <- struct{}{} }()
	<-done
	<-done
}

// runMixDrain is the Mixer's single receiver: it blocks on the earliest
// release deadline and hands each released item to the transport.
func (p *Pipeline) runMixDrain(ctx context.Context) {
	defer p.mixSend.Release()
	for {
		item, ok, err := p.mix.Next(ctx)
		if err != nil || !ok {
			return
		}
		mi := item.(mixItem)
		if err := p.tx.Send(ctx, mi.peerID, mi.payload); err != nil {
			p.log.WithError(err).WithField("peer", mi.peerID).Debug("mixer release send failed")
		}
	}
}

// runInbound decodes each received datagram and either dispatches it to
// a local Session or forwards it onward through the Mixer.
func (p *Pipeline) runInbound(ctx context.Context) {
	for {
		dg, err := p.rx.Recv(ctx)
		if err != nil {
			return
		}
		p.handleDatagram(ctx, dg)
	}
}

func (p *Pipeline) handleDatagram(ctx context.Context, dg transport.Datagram) {
	env, err := session.Decode(dg.Payload)
	if err != nil {
		p.log.WithError(err).WithField("peer", dg.PeerID).Debug("undecodable datagram dropped")
		return
	}

	if env.Kind == session.EnvRelay {
		p.forward(env)
		return
	}

	p.sessions.Dispatch(dg.PeerID, env, p.sessCfg)
}

// forward re-enqueues an EnvRelay envelope onto the Mixer bound for its
// next hop. A relay payload addressed to this node with no further hop
// (NextHop == self or empty) is dropped: full SPHINX peeling happens
// outside this process, so this node cannot be a deeper relay for its
// own traffic.
//
// Successfully relaying a hop is this node's local stand-in for an
// acknowledgement: ack propagation back along the mixnet path rides the
// opaque packet format this process never peels, so the ticket
// accompanying the packet is processed at the point this node forwards
// it rather than when a separate ack datagram later arrives.
func (p *Pipeline) forward(env session.Envelope) {
	if env.Ticket != nil {
		p.handleAcknowledgedTicket(*env.Ticket)
	}
	if env.NextHop == "" || env.NextHop == p.self {
		p.log.Debug("relay envelope with no further hop dropped")
		return
	}
	if err := p.RelayTo(env.NextHop, env.Payload); err != nil {
		p.log.WithError(err).WithField("next_hop", env.NextHop).Debug("relay submission failed")
	}
}

// handleAcknowledgedTicket stores the ticket carried alongside a relayed
// packet and, when it turns out to be a winner, enqueues a RedeemTicket
// action. A ticket that fails signature verification is discarded; a
// ticket that verifies but isn't a winner is simply persisted as
// Untouched.
func (p *Pipeline) handleAcknowledgedTicket(t ticket.Ticket) {
	if p.tickets == nil {
		return
	}
	if err := p.tickets.StoreTicket(t); err != nil {
		p.log.WithError(err).Debug("ticket discarded: verification failed")
		if p.met != nil {
			p.met.TicketsDiscarded.Inc()
		}
		return
	}
	if !ticket.IsWinning(t) {
		return
	}
	if err := p.tickets.MarkRedeeming(t.ChannelID, t.Epoch, t.Index); err != nil {
		p.log.WithError(err).Debug("winning ticket already redeeming or redeemed")
		return
	}
	go p.redeemTicket(t)
}

// redeemTicket submits a RedeemTicket action and waits for its outcome in
// a detached goroutine so the inbound dispatch loop is never blocked on
// the Action Queue's executor. If the action never makes it into the
// queue, the ticket is reset to Untouched so it can be marked redeeming
// again;
// once enqueued, the executor owns the reset-on-failure path.
func (p *Pipeline) redeemTicket(t ticket.Ticket) {
	ctx, cancel := context.WithTimeout(context.Background(), redeemEnqueueTimeout)
	defer cancel()
	done, err := p.actions.Enqueue(ctx, actionqueue.Action{Kind: actionqueue.KindRedeemTicket, Ticket: t})
	if err != nil {
		p.log.WithError(err).Debug("failed to enqueue redeem ticket action")
		if rerr := p.tickets.ResetToUntouched(t.ChannelID, t.Epoch, t.Index); rerr != nil {
			p.log.WithError(rerr).Warn("failed to reset unqueued ticket to untouched")
		}
		return
	}
	if res := <-done; res.Err != nil {
		p.log.WithError(res.Err).Debug("redeem ticket action did not complete")
	}
}
