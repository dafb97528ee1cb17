package actionqueue

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mixrelay/node/internal/channelgraph"
	"github.com/mixrelay/node/internal/indexer"
	"github.com/mixrelay/node/internal/ticket"
	"github.com/mixrelay/node/pkg/db"
	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/kvchain"
	"github.com/mixrelay/node/pkg/metrics"
)

// signedTestTicket signs tk with a throwaway key and sets Signer to match,
// so it passes Store.StoreTicket's signature-verification gate.
func signedTestTicket(tk ticket.Ticket) ticket.Ticket {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	tk.Signer = crypto.PubkeyToAddress(key.PublicKey)
	hash, err := tk.SigningHash()
	if err != nil {
		panic(err)
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		panic(err)
	}
	tk.Signature = sig
	return tk
}

// fakeExecutor is a TransactionExecutor that, when wired to a tracker via
// autoFeedAs, resolves the indexer expectation the Action Queue registers
// for the transaction a moment after producing its hash — standing in for
// the real indexer subsystem observing the submitted transaction on chain.
type fakeExecutor struct {
	mu       sync.Mutex
	nextHash byte
	failNext bool

	tracker   *indexer.Tracker
	autoEvent kvchain.ChainEventType
}

// autoFeedAs wires exec so every subsequent submission auto-resolves
// through tracker with the given event type once the Action Queue has had
// a moment to register its expectation.
func (f *fakeExecutor) autoFeedAs(tracker *indexer.Tracker, evt kvchain.ChainEventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracker = tracker
	f.autoEvent = evt
}

func (f *fakeExecutor) hash() common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHash++
	var h common.Hash
	h[31] = f.nextHash
	return h
}

func (f *fakeExecutor) autoFeed(h common.Hash, dst, src common.Address) {
	f.mu.Lock()
	tracker, evt := f.tracker, f.autoEvent
	f.mu.Unlock()
	if tracker == nil {
		return
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		tracker.Feed(kvchain.ChainEvent{TxHash: h, Type: evt, Destination: dst, Source: src})
	}()
}

func (f *fakeExecutor) RedeemTicket(ctx context.Context, channelID [32]byte) (common.Hash, error) {
	if f.failNext {
		return common.Hash{}, errors.New("submission rejected")
	}
	h := f.hash()
	f.autoFeed(h, common.Address{}, common.Address{})
	return h, nil
}
func (f *fakeExecutor) FundChannel(ctx context.Context, dst common.Address, amount *big.Int) (common.Hash, error) {
	h := f.hash()
	f.autoFeed(h, dst, common.Address{})
	return h, nil
}
func (f *fakeExecutor) InitiateOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error) {
	h := f.hash()
	f.autoFeed(h, dst, common.Address{})
	return h, nil
}
func (f *fakeExecutor) FinalizeOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error) {
	h := f.hash()
	f.autoFeed(h, dst, common.Address{})
	return h, nil
}
func (f *fakeExecutor) CloseIncomingChannel(ctx context.Context, src common.Address) (common.Hash, error) {
	h := f.hash()
	f.autoFeed(h, common.Address{}, src)
	return h, nil
}
func (f *fakeExecutor) Withdraw(ctx context.Context, recipient common.Address, amount *big.Int) (common.Hash, error) {
	return f.hash(), nil
}
func (f *fakeExecutor) Announce(ctx context.Context, data []byte) (common.Hash, error) {
	h := f.hash()
	f.autoFeed(h, common.Address{}, common.Address{})
	return h, nil
}
func (f *fakeExecutor) RegisterSafe(ctx context.Context, safe common.Address) (common.Hash, error) {
	h := f.hash()
	f.autoFeed(h, common.Address{}, common.Address{})
	return h, nil
}

var _ kvchain.TransactionExecutor = (*fakeExecutor)(nil)

func newTestQueue(t *testing.T, exec *fakeExecutor, waitFor time.Duration) (*Queue, common.Address, *indexer.Tracker) {
	self := common.HexToAddress("0x01")
	graph := channelgraph.New(db.NewMemory())
	tickets := ticket.New(db.NewMemory())
	tracker := indexer.New()
	met := metrics.New()
	q := New(Config{QueueSize: 8, MaxActionConfirmationWait: waitFor, InterActionDelay: time.Millisecond}, self, graph, tickets, tracker, exec, met)
	return q, self, tracker
}

func TestFundChannelRequiresOpenChannel(t *testing.T) {
	exec := &fakeExecutor{}
	q, self, _ := newTestQueue(t, exec, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	dst := common.HexToAddress("0x02")
	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindFundChannel, Destination: dst, Amount: big.NewInt(10)})
	require.NoError(t, err)

	res := <-done
	require.ErrorIs(t, res.Err, errs.ErrInvalidState)
	_ = self
}

func TestOpenChannelConfirmsViaIndexer(t *testing.T) {
	exec := &fakeExecutor{}
	q, _, tracker := newTestQueue(t, exec, time.Second)
	exec.autoFeedAs(tracker, kvchain.EventChannelOpened)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	dst := common.HexToAddress("0x03")
	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindOpenChannel, Destination: dst, Amount: big.NewInt(10)})
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.Err)
	require.NotNil(t, res.Confirmation.Event)
	require.Equal(t, kvchain.EventChannelOpened, *res.Confirmation.Event)
}

func TestRedeemTicketFailureResetsToUntouched(t *testing.T) {
	exec := &fakeExecutor{failNext: true}
	q, _, _ := newTestQueue(t, exec, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var cid [32]byte
	cid[0] = 9
	tk := signedTestTicket(ticket.Ticket{ChannelID: cid, Epoch: 1, Index: 0, Amount: big.NewInt(1), WinProb: 1})
	require.NoError(t, q.tickets.StoreTicket(tk))
	require.NoError(t, q.tickets.MarkRedeeming(cid, 1, 0))

	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindRedeemTicket, Ticket: tk})
	require.NoError(t, err)

	res := <-done
	require.ErrorIs(t, res.Err, errs.ErrTransactionSubmissionFailed)

	got, _, err := q.tickets.Get(cid, 1, 0)
	require.NoError(t, err)
	require.Equal(t, ticket.StatusUntouched, got.Status)
}

func TestRedeemTicketTimeoutResetsToUntouched(t *testing.T) {
	exec := &fakeExecutor{}
	q, _, _ := newTestQueue(t, exec, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var cid [32]byte
	cid[0] = 3
	tk := signedTestTicket(ticket.Ticket{ChannelID: cid, Epoch: 1, Index: 0, Amount: big.NewInt(1), WinProb: 1})
	require.NoError(t, q.tickets.StoreTicket(tk))
	require.NoError(t, q.tickets.MarkRedeeming(cid, 1, 0))

	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindRedeemTicket, Ticket: tk})
	require.NoError(t, err)

	res := <-done
	require.ErrorIs(t, res.Err, errs.ErrTimeout)

	got, _, err := q.tickets.Get(cid, 1, 0)
	require.NoError(t, err)
	require.Equal(t, ticket.StatusUntouched, got.Status)
}

func TestCloseChannelRejectedBeforeChallengePeriod(t *testing.T) {
	exec := &fakeExecutor{}
	q, self, _ := newTestQueue(t, exec, time.Second)
	q.cfg.ChallengePeriod = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	dst := common.HexToAddress("0x05")
	initiated := time.Now()
	require.NoError(t, q.graph.Upsert(channelgraph.Entry{
		Source: self, Destination: dst,
		Balance: big.NewInt(0), Status: channelgraph.StatusPendingToClose,
		ClosureTime: &initiated,
	}))

	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindCloseChannel, Direction: DirectionOutgoing, Destination: dst})
	require.NoError(t, err)

	res := <-done
	require.ErrorIs(t, res.Err, errs.ErrInvalidState)
}

func TestCloseChannelSucceedsAfterChallengePeriod(t *testing.T) {
	exec := &fakeExecutor{}
	q, self, tracker := newTestQueue(t, exec, time.Second)
	exec.autoFeedAs(tracker, kvchain.EventChannelClosed)
	q.cfg.ChallengePeriod = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	dst := common.HexToAddress("0x06")
	initiated := time.Now().Add(-time.Hour)
	require.NoError(t, q.graph.Upsert(channelgraph.Entry{
		Source: self, Destination: dst,
		Balance: big.NewInt(0), Status: channelgraph.StatusPendingToClose,
		ClosureTime: &initiated,
	}))

	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindCloseChannel, Direction: DirectionOutgoing, Destination: dst})
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.Err)
	require.NotNil(t, res.Confirmation.Event)
}

// TestActionsResolveFIFO asserts confirmations resolve in the order
// actions were enqueued when the indexer delivers events promptly for
// each submission.
func TestActionsResolveFIFO(t *testing.T) {
	exec := &fakeExecutor{}
	q, _, tracker := newTestQueue(t, exec, time.Second)
	exec.autoFeedAs(tracker, kvchain.EventAnnouncement)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	sender := q.Sender()
	const n = 5
	completers := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		done, err := sender.Enqueue(ctx, Action{Kind: KindAnnounce, Data: []byte{byte(i)}})
		require.NoError(t, err)
		completers[i] = done
	}

	var order []byte
	for i := 0; i < n; i++ {
		select {
		case res := <-completers[i]:
			require.NoError(t, res.Err)
			order = append(order, res.Confirmation.Action.Data[0])
		case <-time.After(2 * time.Second):
			t.Fatalf("action %d never resolved", i)
		}
	}
	require.Equal(t, []byte{0, 1, 2, 3, 4}, order)
}

func TestWithdrawDoesNotAwaitIndexer(t *testing.T) {
	exec := &fakeExecutor{}
	q, _, _ := newTestQueue(t, exec, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	sender := q.Sender()
	done, err := sender.Enqueue(ctx, Action{Kind: KindWithdraw, Recipient: common.HexToAddress("0x04"), Amount: big.NewInt(1)})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		require.Nil(t, res.Confirmation.Event)
	case <-time.After(time.Second):
		t.Fatal("withdraw should resolve without indexer confirmation")
	}
}
