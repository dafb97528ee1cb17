// Package actionqueue implements the chain action queue: a bounded,
// strictly-FIFO, single-consumer executor of on-chain actions that awaits
// per-transaction indexer confirmation under a timeout.
package actionqueue

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/mixrelay/node/internal/channelgraph"
	"github.com/mixrelay/node/internal/indexer"
	"github.com/mixrelay/node/internal/ticket"
	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/kvchain"
	"github.com/mixrelay/node/pkg/metrics"
)

// Kind tags the union of chain actions.
type Kind int

const (
	KindRedeemTicket Kind = iota
	KindOpenChannel
	KindFundChannel
	KindCloseChannel
	KindWithdraw
	KindAnnounce
	KindRegisterSafe
)

// Direction distinguishes an outgoing channel (this node is the source)
// from an incoming one, for CloseChannel actions.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// Action is the tagged union over every on-chain operation. Not every
// field is meaningful for every Kind; see the per-kind comments below.
type Action struct {
	Kind Kind

	Ticket ticket.Ticket // KindRedeemTicket

	Destination common.Address // KindOpenChannel, KindFundChannel, KindCloseChannel(Outgoing)
	Source      common.Address // KindCloseChannel(Incoming)
	Amount      *big.Int       // KindOpenChannel (stake), KindFundChannel, KindWithdraw
	Direction   Direction      // KindCloseChannel

	Recipient common.Address // KindWithdraw
	Data      []byte         // KindAnnounce
	Safe      common.Address // KindRegisterSafe
}

// ActionConfirmation is the result of a confirmed action: its transaction
// hash, the matched indexed event (absent for Withdraw), and the action.
type ActionConfirmation struct {
	TxHash common.Hash
	Event  *kvchain.ChainEventType
	Action Action
}

// Result is what a completer resolves with: either a confirmation or one
// of the action-queue error kinds.
type Result struct {
	Confirmation ActionConfirmation
	Err          error
}

type entry struct {
	action    Action
	completer chan Result
}

// ActionSender is the cheap, cloneable producer handle into a Queue.
// Cloning copies the struct; the underlying channel is shared.
type ActionSender struct {
	queue chan entry
}

// Clone returns a handle sharing the same underlying queue.
func (s ActionSender) Clone() ActionSender { return s }

// Enqueue submits action and returns a channel that receives at most one
// Result: none is sent if the queue's Run context is cancelled before the
// action has been processed. It blocks until the queue has room or ctx is
// done.
func (s ActionSender) Enqueue(ctx context.Context, action Action) (<-chan Result, error) {
	completer := make(chan Result, 1)
	select {
	case s.queue <- entry{action: action, completer: completer}:
		return completer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config bounds the queue and the per-action confirmation wait.
type Config struct {
	QueueSize                 int
	MaxActionConfirmationWait time.Duration
	InterActionDelay          time.Duration

	// ChallengePeriod is the on-chain challenge window a PendingToClose
	// outgoing channel must wait out before a CloseChannel(Outgoing)
	// action finalizing it is allowed to submit.
	ChallengePeriod time.Duration
}

// Queue is the bounded MPSC action channel plus the executor loop that
// drains it.
type Queue struct {
	cfg     Config
	self    common.Address
	graph   *channelgraph.Graph
	tickets *ticket.Store
	tracker *indexer.Tracker
	exec    kvchain.TransactionExecutor
	met     *metrics.Registry
	log     *logrus.Entry

	ch chan entry
}

// New constructs a Queue. self is this node's own on-chain address, used
// to resolve the source side of outgoing channels.
func New(cfg Config, self common.Address, graph *channelgraph.Graph, tickets *ticket.Store, tracker *indexer.Tracker, exec kvchain.TransactionExecutor, met *metrics.Registry) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return &Queue{
		cfg:     cfg,
		self:    self,
		graph:   graph,
		tickets: tickets,
		tracker: tracker,
		exec:    exec,
		met:     met,
		log:     logrus.WithField("component", "actionqueue"),
		ch:      make(chan entry, cfg.QueueSize),
	}
}

// Sender returns a new producer handle bound to this queue.
func (q *Queue) Sender() ActionSender { return ActionSender{queue: q.ch} }

// Run drains the queue strictly FIFO until ctx is cancelled. There is no
// parallelism inside this loop.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			q.process(ctx, e)
			select {
			case <-time.After(q.cfg.InterActionDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, e entry) {
	action := e.action

	if err := q.validate(action); err != nil {
		q.met.FailedActions.Inc()
		e.completer <- Result{Err: fmt.Errorf("%w: %v", errs.ErrInvalidState, err)}
		return
	}

	txHash, err := q.submit(ctx, action)
	if err != nil {
		q.met.FailedActions.Inc()
		if action.Kind == KindRedeemTicket {
			q.resetTicket(action.Ticket)
		}
		e.completer <- Result{Err: fmt.Errorf("%w: %v", errs.ErrTransactionSubmissionFailed, err)}
		return
	}

	if action.Kind == KindWithdraw {
		q.met.SuccessfulActions.Inc()
		e.completer <- Result{Confirmation: ActionConfirmation{TxHash: txHash, Action: action}}
		return
	}

	predicate := predicateFor(action)
	done := q.tracker.Register(txHash, predicate)

	timer := time.NewTimer(q.cfg.MaxActionConfirmationWait)
	defer timer.Stop()

	select {
	case evt := <-done:
		q.onConfirmed(action, txHash, evt, e.completer)
	case <-timer.C:
		q.tracker.Unregister(txHash)
		q.met.TimeoutActions.Inc()
		if action.Kind == KindRedeemTicket {
			q.resetTicket(action.Ticket)
		}
		e.completer <- Result{Err: fmt.Errorf("%w: tx %s", errs.ErrTimeout, txHash.Hex())}
	case <-ctx.Done():
		q.tracker.Unregister(txHash)
	}
}

func (q *Queue) onConfirmed(action Action, txHash common.Hash, evt kvchain.ChainEvent, completer chan Result) {
	event := evt.Type
	q.met.SuccessfulActions.Inc()
	if action.Kind == KindOpenChannel {
		q.met.OpenedChannels.Inc()
	}
	if action.Kind == KindCloseChannel && evt.Type == kvchain.EventChannelClosed {
		q.met.ClosedChannels.Inc()
	}
	if action.Kind == KindRedeemTicket && evt.Type == kvchain.EventTicketRedeemed {
		t := action.Ticket
		if err := q.tickets.MarkRedeemed(t.ChannelID, t.Epoch, t.Index); err != nil {
			q.log.WithError(err).Warn("failed to finalize ticket as redeemed")
		} else {
			q.met.TicketsRedeemed.Inc()
		}
	}
	completer <- Result{Confirmation: ActionConfirmation{TxHash: txHash, Event: &event, Action: action}}
}

func (q *Queue) resetTicket(t ticket.Ticket) {
	if err := q.tickets.ResetToUntouched(t.ChannelID, t.Epoch, t.Index); err != nil {
		q.log.WithError(err).Warn("failed to reset ticket to untouched")
	}
}

// validate checks an action's preconditions against current chain state.
func (q *Queue) validate(a Action) error {
	switch a.Kind {
	case KindFundChannel:
		e, ok, err := q.graph.Get(q.self, a.Destination)
		if err != nil {
			return err
		}
		if !ok || e.Status != channelgraph.StatusOpen {
			return fmt.Errorf("channel %s->%s not open", q.self.Hex(), a.Destination.Hex())
		}
	case KindCloseChannel:
		if a.Direction == DirectionOutgoing {
			e, ok, err := q.graph.Get(q.self, a.Destination)
			if err != nil {
				return err
			}
			if ok && e.Status == channelgraph.StatusPendingToClose {
				if !e.ClosureTimePassed(q.cfg.ChallengePeriod, time.Now()) {
					return fmt.Errorf("channel %s->%s closure challenge period not yet elapsed", q.self.Hex(), a.Destination.Hex())
				}
			}
		}
	case KindRedeemTicket:
		t, ok, err := q.tickets.Get(a.Ticket.ChannelID, a.Ticket.Epoch, a.Ticket.Index)
		if err != nil {
			return err
		}
		if !ok || t.Status != ticket.StatusBeingRedeemed {
			return fmt.Errorf("ticket %x/%d/%d not BeingRedeemed", a.Ticket.ChannelID, a.Ticket.Epoch, a.Ticket.Index)
		}
	}
	return nil
}

func (q *Queue) submit(ctx context.Context, a Action) (common.Hash, error) {
	switch a.Kind {
	case KindRedeemTicket:
		return q.exec.RedeemTicket(ctx, a.Ticket.ChannelID)
	case KindOpenChannel:
		return q.exec.FundChannel(ctx, a.Destination, a.Amount)
	case KindFundChannel:
		return q.exec.FundChannel(ctx, a.Destination, a.Amount)
	case KindCloseChannel:
		if a.Direction == DirectionIncoming {
			return q.exec.CloseIncomingChannel(ctx, a.Source)
		}
		e, ok, err := q.graph.Get(q.self, a.Destination)
		if err == nil && ok && e.Status == channelgraph.StatusPendingToClose {
			return q.exec.FinalizeOutgoingChannelClosure(ctx, a.Destination)
		}
		return q.exec.InitiateOutgoingChannelClosure(ctx, a.Destination)
	case KindWithdraw:
		return q.exec.Withdraw(ctx, a.Recipient, a.Amount)
	case KindAnnounce:
		return q.exec.Announce(ctx, a.Data)
	case KindRegisterSafe:
		return q.exec.RegisterSafe(ctx, a.Safe)
	default:
		return common.Hash{}, fmt.Errorf("actionqueue: unknown action kind %d", a.Kind)
	}
}

// predicateFor builds the semantic indexer-event match for each action
// kind.
func predicateFor(a Action) indexer.Predicate {
	switch a.Kind {
	case KindRedeemTicket:
		return func(evt kvchain.ChainEvent) bool { return evt.Type == kvchain.EventTicketRedeemed }
	case KindOpenChannel:
		return func(evt kvchain.ChainEvent) bool {
			return evt.Type == kvchain.EventChannelOpened && evt.Destination == a.Destination
		}
	case KindFundChannel:
		return func(evt kvchain.ChainEvent) bool {
			return evt.Type == kvchain.EventChannelBalanceIncreased && evt.Destination == a.Destination
		}
	case KindCloseChannel:
		return func(evt kvchain.ChainEvent) bool {
			if a.Direction == DirectionIncoming {
				return evt.Type == kvchain.EventChannelClosed && evt.Source == a.Source
			}
			return (evt.Type == kvchain.EventChannelClosureInitiated || evt.Type == kvchain.EventChannelClosed) &&
				evt.Destination == a.Destination
		}
	case KindAnnounce:
		return func(evt kvchain.ChainEvent) bool { return evt.Type == kvchain.EventAnnouncement }
	case KindRegisterSafe:
		return func(evt kvchain.ChainEvent) bool { return evt.Type == kvchain.EventNodeSafeRegistered }
	default:
		return func(kvchain.ChainEvent) bool { return false }
	}
}
