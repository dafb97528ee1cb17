package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mixrelay/node/internal/actionqueue"
	"github.com/mixrelay/node/internal/channelgraph"
	"github.com/mixrelay/node/internal/indexer"
	"github.com/mixrelay/node/internal/mixer"
	"github.com/mixrelay/node/internal/session"
	"github.com/mixrelay/node/internal/ticket"
	"github.com/mixrelay/node/internal/transport"
	"github.com/mixrelay/node/pkg/db"
	"github.com/mixrelay/node/pkg/kvchain"
	"github.com/mixrelay/node/pkg/metrics"
)

type fakeWire struct {
	mu    sync.Mutex
	sent  []transport.Datagram
	inbox chan transport.Datagram
}

func newFakeWire() *fakeWire {
	return &fakeWire{inbox: make(chan transport.Datagram, 16)}
}

func (w *fakeWire) Send(ctx context.Context, peerID string, payload []byte) error {
	w.mu.Lock()
	w.sent = append(w.sent, transport.Datagram{PeerID: peerID, Payload: payload})
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) Recv(ctx context.Context) (transport.Datagram, error) {
	select {
	case dg := <-w.inbox:
		return dg, nil
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	}
}

func (w *fakeWire) snapshot() []transport.Datagram {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]transport.Datagram, len(w.sent))
	copy(out, w.sent)
	return out
}

func TestPipelineDeliversSessionEnvelopeLocally(t *testing.T) {
	wire := newFakeWire()
	mx := mixer.New(mixer.Config{MinDelay: 0, DelayRange: 0}, nil)
	sessCfg := session.Config{MTU: 512, FrameSize: 64, IdleTimeout: time.Hour}

	p := New(wire, wire, mx, nil, sessCfg, "self-peer")
	mgr := session.NewManager(4, p, nil)
	p.sessions = mgr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	req := session.StartRequest{SessionID: 5, MTU: 512}
	raw, err := session.Encode(session.Envelope{Kind: session.EnvStartRequest, SessionID: 5, StartRequest: &req})
	require.NoError(t, err)
	wire.inbox <- transport.Datagram{PeerID: "peer-x", Payload: raw}

	require.Eventually(t, func() bool {
		_, ok := mgr.Get(5)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestPipelineForwardsRelayEnvelope(t *testing.T) {
	wire := newFakeWire()
	mx := mixer.New(mixer.Config{MinDelay: 0, DelayRange: 0}, nil)
	sessCfg := session.Config{MTU: 512, FrameSize: 64, IdleTimeout: time.Hour}
	mgr := session.NewManager(4, nil, nil)

	p := New(wire, wire, mx, mgr, sessCfg, "self-peer")

	raw, err := session.Encode(session.Envelope{Kind: session.EnvRelay, NextHop: "peer-next", Payload: []byte("onion-layer")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire.inbox <- transport.Datagram{PeerID: "peer-prev", Payload: raw}

	require.Eventually(t, func() bool {
		for _, dg := range wire.snapshot() {
			if dg.PeerID == "peer-next" && string(dg.Payload) == "onion-layer" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPipelineDropsRelayEnvelopeWithNoFurtherHop(t *testing.T) {
	wire := newFakeWire()
	mx := mixer.New(mixer.Config{MinDelay: 0, DelayRange: 0}, nil)
	sessCfg := session.Config{MTU: 512, FrameSize: 64, IdleTimeout: time.Hour}
	mgr := session.NewManager(4, nil, nil)

	p := New(wire, wire, mx, mgr, sessCfg, "self-peer")

	raw, err := session.Encode(session.Envelope{Kind: session.EnvRelay, NextHop: "self-peer", Payload: []byte("dead-end")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire.inbox <- transport.Datagram{PeerID: "peer-prev", Payload: raw}

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, wire.snapshot())
}

// stubExecutor confirms every submission immediately, for exercising the
// RedeemTicket path end to end without a real chain backend.
type stubExecutor struct{}

func (stubExecutor) RedeemTicket(ctx context.Context, channelID [32]byte) (common.Hash, error) {
	return common.Hash{1}, nil
}
func (stubExecutor) FundChannel(ctx context.Context, dst common.Address, amount *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubExecutor) InitiateOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubExecutor) FinalizeOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubExecutor) CloseIncomingChannel(ctx context.Context, src common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubExecutor) Withdraw(ctx context.Context, recipient common.Address, amount *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubExecutor) Announce(ctx context.Context, data []byte) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubExecutor) RegisterSafe(ctx context.Context, safe common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}

var _ kvchain.TransactionExecutor = stubExecutor{}

func signedWinningTicket(t *testing.T, cid [32]byte) ticket.Ticket {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tk := ticket.Ticket{
		ChannelID: cid,
		Epoch:     1,
		Index:     0,
		Amount:    big.NewInt(1),
		WinProb:   1, // always a winner
		Signer:    crypto.PubkeyToAddress(key.PublicKey),
	}
	hash, err := tk.SigningHash()
	require.NoError(t, err)
	sig, err := crypto.Sign(hash.Bytes(), key)
	require.NoError(t, err)
	tk.Signature = sig
	return tk
}

// TestPipelineRedeemsWinningTicketCarriedByRelayEnvelope covers the full
// "Acknowledgement received -> Ticket store updates ticket status -> when
// a ticket turns out to be a winner, enqueue a RedeemTicket action".
func TestPipelineRedeemsWinningTicketCarriedByRelayEnvelope(t *testing.T) {
	wire := newFakeWire()
	mx := mixer.New(mixer.Config{MinDelay: 0, DelayRange: 0}, nil)
	sessCfg := session.Config{MTU: 512, FrameSize: 64, IdleTimeout: time.Hour}
	mgr := session.NewManager(4, nil, nil)

	p := New(wire, wire, mx, mgr, sessCfg, "self-peer")

	tickets := ticket.New(db.NewMemory())
	graph := channelgraph.New(db.NewMemory())
	tracker := indexer.New()
	met := metrics.New()
	queue := actionqueue.New(actionqueue.Config{
		QueueSize:                 8,
		MaxActionConfirmationWait: time.Second,
		InterActionDelay:          time.Millisecond,
	}, common.HexToAddress("0x01"), graph, tickets, tracker, stubExecutor{}, met)

	p.SetTicketing(tickets, queue.Sender(), met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)
	go p.Run(ctx)

	var cid [32]byte
	cid[0] = 7
	tk := signedWinningTicket(t, cid)

	raw, err := session.Encode(session.Envelope{
		Kind:    session.EnvRelay,
		NextHop: "peer-next",
		Payload: []byte("onion-layer"),
		Ticket:  &tk,
	})
	require.NoError(t, err)
	wire.inbox <- transport.Datagram{PeerID: "peer-prev", Payload: raw}

	require.Eventually(t, func() bool {
		tracker.Feed(kvchain.ChainEvent{TxHash: common.Hash{1}, Type: kvchain.EventTicketRedeemed})
		got, ok, err := tickets.Get(cid, 1, 0)
		return err == nil && ok && got.Status == ticket.StatusRedeemed
	}, time.Second, 5*time.Millisecond)
}
