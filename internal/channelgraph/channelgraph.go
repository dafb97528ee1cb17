// Package channelgraph models the on-chain payment-channel graph as a
// single ownership-root: one writer fed by the indexer event pipeline,
// with RLock-guarded read handles shared by the Strategy loop and the
// transport's path selection.
package channelgraph

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mixrelay/node/pkg/db"
	"github.com/mixrelay/node/pkg/errs"
	"github.com/mixrelay/node/pkg/kvchain"
)

// Status is a channel's position in its on-chain lifecycle.
type Status int

const (
	StatusOpen Status = iota
	StatusPendingToClose
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusPendingToClose:
		return "PendingToClose"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Entry is one directed payment channel.
type Entry struct {
	Source      common.Address `json:"source"`
	Destination common.Address `json:"destination"`
	Balance     *big.Int       `json:"balance"`
	Status      Status         `json:"status"`
	TicketIndex uint64         `json:"ticket_index"`
	ClosureTime *time.Time     `json:"closure_time,omitempty"`
}

// ClosureTimePassed reports whether a PendingToClose channel's challenge
// window has elapsed; closure may only be finalized once it has.
func (e Entry) ClosureTimePassed(challengePeriod time.Duration, now time.Time) bool {
	if e.ClosureTime == nil {
		return false
	}
	return now.After(e.ClosureTime.Add(challengePeriod))
}

func keyFor(source, destination common.Address) []byte {
	return []byte(fmt.Sprintf("chan:%s:%s", source.Hex(), destination.Hex()))
}

// Graph is the single writer / many readers channel-graph store, backed
// by a KVStore for persistence across restarts.
type Graph struct {
	mu    sync.RWMutex
	store db.KVStore
}

// New constructs a Graph backed by store.
func New(store db.KVStore) *Graph {
	return &Graph{store: store}
}

// Upsert writes (or overwrites) a channel entry, keyed by its
// (source, destination) pair. Updates are applied in the order indexer
// events arrive.
func (g *Graph) Upsert(e Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return g.store.Set(keyFor(e.Source, e.Destination), raw)
}

// Get returns the channel entry for (source, destination), if any.
func (g *Graph) Get(source, destination common.Address) (Entry, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	raw, err := g.store.Get(keyFor(source, destination))
	if err != nil {
		return Entry{}, false, err
	}
	if raw == nil {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// OutgoingFrom returns every channel whose source is addr.
func (g *Graph) OutgoingFrom(addr common.Address) ([]Entry, error) {
	return g.scan(func(e Entry) bool { return e.Source == addr })
}

// All returns every channel entry currently stored.
func (g *Graph) All() ([]Entry, error) {
	return g.scan(func(Entry) bool { return true })
}

func (g *Graph) scan(pred func(Entry) bool) ([]Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	it := db.PrefixIterator(g.store, []byte("chan:"))
	var out []Entry
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		if pred(e) {
			out = append(out, e)
		}
	}
	return out, it.Error()
}

// MarkPendingToClose transitions an Open channel to PendingToClose and
// stamps its closure time, the step InitiateOutgoingChannelClosure's
// indexer confirmation drives.
func (g *Graph) MarkPendingToClose(source, destination common.Address, now time.Time) error {
	e, ok, err := g.Get(source, destination)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("channelgraph: no channel %s->%s", source.Hex(), destination.Hex())
	}
	if e.Status == StatusClosed {
		return errs.ErrChannelAlreadyClosed
	}
	e.Status = StatusPendingToClose
	t := now
	e.ClosureTime = &t
	return g.Upsert(e)
}

// Apply folds one indexed chain event into the graph, the single-writer
// update path: a single writer driven by the indexer event pipeline. Events that carry no channel-state change (ticket
// redemptions, announcements, safe registrations) are no-ops.
func (g *Graph) Apply(evt kvchain.ChainEvent, now time.Time) error {
	switch evt.Type {
	case kvchain.EventChannelOpened:
		balance := evt.Amount
		if balance == nil {
			balance = big.NewInt(0)
		}
		return g.Upsert(Entry{
			Source:      evt.Source,
			Destination: evt.Destination,
			Balance:     new(big.Int).Set(balance),
			Status:      StatusOpen,
		})
	case kvchain.EventChannelBalanceIncreased:
		e, ok, err := g.Get(evt.Source, evt.Destination)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("channelgraph: balance increase for unknown channel %s->%s", evt.Source.Hex(), evt.Destination.Hex())
		}
		if e.Balance == nil {
			e.Balance = big.NewInt(0)
		}
		if evt.Amount != nil {
			e.Balance = new(big.Int).Add(e.Balance, evt.Amount)
		}
		return g.Upsert(e)
	case kvchain.EventChannelClosureInitiated:
		return g.MarkPendingToClose(evt.Source, evt.Destination, now)
	case kvchain.EventChannelClosed:
		return g.MarkClosed(evt.Source, evt.Destination)
	default:
		return nil
	}
}

// MarkClosed sets a channel's status to Closed. It does not check the
// channel's closure time.
func (g *Graph) MarkClosed(source, destination common.Address) error {
	e, ok, err := g.Get(source, destination)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("channelgraph: no channel %s->%s", source.Hex(), destination.Hex())
	}
	e.Status = StatusClosed
	return g.Upsert(e)
}
