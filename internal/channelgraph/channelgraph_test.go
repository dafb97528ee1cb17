package channelgraph

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/mixrelay/node/pkg/db"
	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/kvchain"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestGraphUpsertAndGet(t *testing.T) {
	g := New(db.NewMemory())
	src, dst := addr(1), addr(2)
	require.NoError(t, g.Upsert(Entry{Source: src, Destination: dst, Balance: big.NewInt(100), Status: StatusOpen}))

	e, ok, err := g.Get(src, dst)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusOpen, e.Status)
	require.Equal(t, int64(100), e.Balance.Int64())
}

func TestGraphOutgoingFrom(t *testing.T) {
	g := New(db.NewMemory())
	src := addr(1)
	require.NoError(t, g.Upsert(Entry{Source: src, Destination: addr(2), Balance: big.NewInt(1)}))
	require.NoError(t, g.Upsert(Entry{Source: src, Destination: addr(3), Balance: big.NewInt(1)}))
	require.NoError(t, g.Upsert(Entry{Source: addr(9), Destination: addr(2), Balance: big.NewInt(1)}))

	out, err := g.OutgoingFrom(src)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestClosureTimePassed(t *testing.T) {
	now := time.Now()
	past := now.Add(-2 * time.Hour)
	e := Entry{ClosureTime: &past}
	require.True(t, e.ClosureTimePassed(time.Hour, now))
	require.False(t, e.ClosureTimePassed(3*time.Hour, now))

	e2 := Entry{}
	require.False(t, e2.ClosureTimePassed(time.Hour, now))
}

func TestMarkPendingToCloseThenClosed(t *testing.T) {
	g := New(db.NewMemory())
	src, dst := addr(1), addr(2)
	require.NoError(t, g.Upsert(Entry{Source: src, Destination: dst, Status: StatusOpen, Balance: big.NewInt(1)}))

	now := time.Now()
	require.NoError(t, g.MarkPendingToClose(src, dst, now))
	e, _, _ := g.Get(src, dst)
	require.Equal(t, StatusPendingToClose, e.Status)
	require.NotNil(t, e.ClosureTime)

	require.NoError(t, g.MarkClosed(src, dst))
	e, _, _ = g.Get(src, dst)
	require.Equal(t, StatusClosed, e.Status)

	err := g.MarkPendingToClose(src, dst, now)
	require.ErrorIs(t, err, errs.ErrChannelAlreadyClosed)
}

func TestApplyDrivesChannelLifecycleFromEvents(t *testing.T) {
	g := New(db.NewMemory())
	src, dst := addr(1), addr(2)
	now := time.Now()

	require.NoError(t, g.Apply(kvchain.ChainEvent{
		Type: kvchain.EventChannelOpened, Source: src, Destination: dst, Amount: big.NewInt(50),
	}, now))
	e, ok, err := g.Get(src, dst)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusOpen, e.Status)
	require.Equal(t, int64(50), e.Balance.Int64())

	require.NoError(t, g.Apply(kvchain.ChainEvent{
		Type: kvchain.EventChannelBalanceIncreased, Source: src, Destination: dst, Amount: big.NewInt(25),
	}, now))
	e, _, _ = g.Get(src, dst)
	require.Equal(t, int64(75), e.Balance.Int64())

	require.NoError(t, g.Apply(kvchain.ChainEvent{
		Type: kvchain.EventChannelClosureInitiated, Source: src, Destination: dst,
	}, now))
	e, _, _ = g.Get(src, dst)
	require.Equal(t, StatusPendingToClose, e.Status)
	require.NotNil(t, e.ClosureTime)

	require.NoError(t, g.Apply(kvchain.ChainEvent{
		Type: kvchain.EventChannelClosed, Source: src, Destination: dst,
	}, now))
	e, _, _ = g.Get(src, dst)
	require.Equal(t, StatusClosed, e.Status)
}

func TestApplyIgnoresNonChannelEvents(t *testing.T) {
	g := New(db.NewMemory())
	require.NoError(t, g.Apply(kvchain.ChainEvent{Type: kvchain.EventAnnouncement}, time.Now()))
	all, err := g.All()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestApplyBalanceIncreaseForUnknownChannelErrors(t *testing.T) {
	g := New(db.NewMemory())
	err := g.Apply(kvchain.ChainEvent{
		Type: kvchain.EventChannelBalanceIncreased, Source: addr(1), Destination: addr(2), Amount: big.NewInt(1),
	}, time.Now())
	require.Error(t, err)
}
