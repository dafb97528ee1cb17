// Package kvchain defines the chain-facing external-collaborator
// contracts: the transaction executor the Action Queue submits
// transactions through, the indexer event stream the Indexer Tracker
// consumes, and the JSON-RPC client contract the transaction executor
// itself is built on. None of these are implemented here — the Ethereum
// JSON-RPC client/retry policy, ABI-generated bindings, and the indexer
// subsystem are consumed only at their interfaces.
package kvchain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionExecutor is the contract for every on-chain
// write the node performs. Every method returns the submitted
// transaction's hash or an error; only Withdraw is not indexer-tracked.
type TransactionExecutor interface {
	RedeemTicket(ctx context.Context, channelID [32]byte) (common.Hash, error)
	FundChannel(ctx context.Context, dst common.Address, amount *big.Int) (common.Hash, error)
	InitiateOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error)
	FinalizeOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error)
	CloseIncomingChannel(ctx context.Context, src common.Address) (common.Hash, error)
	Withdraw(ctx context.Context, recipient common.Address, amount *big.Int) (common.Hash, error)
	Announce(ctx context.Context, data []byte) (common.Hash, error)
	RegisterSafe(ctx context.Context, safe common.Address) (common.Hash, error)
}

// ChainEventType enumerates the indexed on-chain events the Indexer
// Tracker matches expectations against.
type ChainEventType int

const (
	EventTicketRedeemed ChainEventType = iota
	EventChannelOpened
	EventChannelBalanceIncreased
	EventChannelClosureInitiated
	EventChannelClosed
	EventNodeSafeRegistered
	EventAnnouncement
)

func (e ChainEventType) String() string {
	switch e {
	case EventTicketRedeemed:
		return "TicketRedeemed"
	case EventChannelOpened:
		return "ChannelOpened"
	case EventChannelBalanceIncreased:
		return "ChannelBalanceIncreased"
	case EventChannelClosureInitiated:
		return "ChannelClosureInitiated"
	case EventChannelClosed:
		return "ChannelClosed"
	case EventNodeSafeRegistered:
		return "NodeSafeRegistered"
	case EventAnnouncement:
		return "Announcement"
	default:
		return "Unknown"
	}
}

// ChainEvent is one element of the lazy (tx_hash, ChainEventType) sequence
// the indexer subsystem feeds the tracker.
type ChainEvent struct {
	TxHash common.Hash
	Type   ChainEventType
	// Destination/Source are populated for channel events so predicates
	// (e.g. "destination equals dst") can match without re-parsing ABI
	// logs.
	Destination common.Address
	Source      common.Address
	// Amount is populated for ChannelOpened (initial stake) and
	// ChannelBalanceIncreased (the increase), so the channel graph can be
	// maintained from the event stream alone.
	Amount *big.Int
}

// IndexerEventStream is the external collaborator the Indexer Tracker
// drains.
type IndexerEventStream interface {
	Next(ctx context.Context) (ChainEvent, error)
}

// RetryPolicy carries the should-retry/backoff-hint hooks for the
// JSON-RPC client contract.
type RetryPolicy interface {
	ShouldRetry(err error) bool
	BackoffHint(err error) (time.Duration, bool)
}

// JSONRPCClient is the thin request/response contract the transaction
// executor is built on. Retries against provider rate-limit
// codes and HTTP 429/timeout are the responsibility of the concrete
// client, not of this interface's callers.
type JSONRPCClient interface {
	Request(ctx context.Context, method string, params ...any) (json []byte, err error)
}
