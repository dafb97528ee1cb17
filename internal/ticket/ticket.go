// Package ticket implements a persistent table of acknowledged
// probabilistic payment tickets keyed by (channel_id, epoch, index), with
// an atomic Untouched -> BeingRedeemed -> Redeemed lifecycle expressed as
// a compare-and-set against the backing store.
package ticket

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/mixrelay/node/pkg/db"
	"github.com/mixrelay/node/pkg/errs"
)

// Status is a Ticket's position in its redemption lifecycle:
// Untouched -> BeingRedeemed -> Redeemed | Untouched (on redemption
// failure, via ResetToUntouched).
type Status int

const (
	StatusUntouched Status = iota
	StatusBeingRedeemed
	StatusRedeemed
)

// Ticket is an off-chain payment promise carried with a relayed packet.
type Ticket struct {
	ChannelID [32]byte       `json:"channel_id"`
	Epoch     uint32         `json:"epoch"`
	Index     uint64         `json:"index"`
	Amount    *big.Int       `json:"amount"`
	WinProb   float64        `json:"win_prob"`
	Challenge [32]byte       `json:"challenge"`
	Response  [32]byte       `json:"response"`
	Signature []byte         `json:"signature"`
	Signer    common.Address `json:"signer"`
	Status    Status         `json:"status"`
}

// rlpTicket is the RLP-encodable subset of Ticket's fields that make up
// the signed payload: everything the ticket promises, excluding the
// response (only known once the packet is acknowledged) and the
// signature itself.
type rlpTicket struct {
	ChannelID [32]byte
	Epoch     uint32
	Index     uint64
	Amount    *big.Int
	WinProbE9 uint64 // win_prob * 1e9, rounded, for a deterministic integer encoding
	Challenge [32]byte
}

// SigningHash returns the Keccak256 digest of t's RLP-encoded payload,
// the value Signature is computed over.
func (t Ticket) SigningHash() (common.Hash, error) {
	amount := t.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	raw, err := rlp.EncodeToBytes(rlpTicket{
		ChannelID: t.ChannelID,
		Epoch:     t.Epoch,
		Index:     t.Index,
		Amount:    amount,
		WinProbE9: uint64(t.WinProb * 1e9),
		Challenge: t.Challenge,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("ticket: rlp encode: %w", err)
	}
	return crypto.Keccak256Hash(raw), nil
}

// VerifySignature recovers the signer of t.Signature over t.SigningHash()
// and checks it matches t.Signer, the cryptographic-verification gate a
// ticket must pass before it is trusted. A failure discards the ticket,
// never the node.
func (t Ticket) VerifySignature() error {
	if len(t.Signature) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", errs.ErrSignatureVerification, len(t.Signature))
	}
	hash, err := t.SigningHash()
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(hash.Bytes(), t.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSignatureVerification, err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != t.Signer {
		return fmt.Errorf("%w: signer mismatch", errs.ErrSignatureVerification)
	}
	return nil
}

func key(channelID [32]byte, epoch uint32, index uint64) []byte {
	b := make([]byte, 0, 7+32+4+8)
	b = append(b, "ticket:"...)
	b = append(b, channelID[:]...)
	var eb [4]byte
	binary.BigEndian.PutUint32(eb[:], epoch)
	b = append(b, eb[:]...)
	var ib [8]byte
	binary.BigEndian.PutUint64(ib[:], index)
	b = append(b, ib[:]...)
	return b
}

// Store is the persistent ticket table, backed by a KVStore.
type Store struct {
	kv db.KVStore
}

// New constructs a Store backed by kv.
func New(kv db.KVStore) *Store {
	return &Store{kv: kv}
}

func (s *Store) load(k []byte) (Ticket, bool, error) {
	raw, err := s.kv.Get(k)
	if err != nil {
		return Ticket{}, false, err
	}
	if raw == nil {
		return Ticket{}, false, nil
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticket{}, false, err
	}
	return t, true, nil
}

func (s *Store) save(t Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.kv.Set(key(t.ChannelID, t.Epoch, t.Index), raw)
}

// StoreTicket idempotently inserts t in Untouched status. Re-storing an
// already-known ticket is a no-op.
// StoreTicket rejects a ticket whose Signature does not recover to Signer
//: the caller discards
// the ticket, the store stays untouched.
func (s *Store) StoreTicket(t Ticket) error {
	if err := t.VerifySignature(); err != nil {
		return err
	}
	k := key(t.ChannelID, t.Epoch, t.Index)
	existing, ok, err := s.load(k)
	if err != nil {
		return err
	}
	if ok {
		_ = existing
		return nil
	}
	t.Status = StatusUntouched
	return s.save(t)
}

// MarkRedeeming performs the atomic Untouched -> BeingRedeemed transition
// as a compare-and-set: two racing calls on the same ticket must yield
// exactly one success, the other ErrAlreadyRedeeming (or ErrRedeemed if
// a third party already finished).
//
// The whole read-modify-write is serialized through kv.Batch, which for
// the in-process Memory store is equivalent to a single critical section;
// a real transactional KV backend would implement Batch with the same
// all-or-nothing semantics.
func (s *Store) MarkRedeeming(channelID [32]byte, epoch uint32, index uint64) error {
	k := key(channelID, epoch, index)
	var outcome error
	err := s.kv.Batch(func(b db.Batch) error {
		t, ok, err := s.load(k)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ticket: unknown ticket %x/%d/%d", channelID, epoch, index)
		}
		switch t.Status {
		case StatusBeingRedeemed:
			outcome = errs.ErrAlreadyRedeeming
			return nil
		case StatusRedeemed:
			outcome = errs.ErrRedeemed
			return nil
		}
		t.Status = StatusBeingRedeemed
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Put(k, raw)
		return nil
	})
	if err != nil {
		return err
	}
	return outcome
}

// MarkRedeemed performs the final BeingRedeemed -> Redeemed transition.
func (s *Store) MarkRedeemed(channelID [32]byte, epoch uint32, index uint64) error {
	k := key(channelID, epoch, index)
	t, ok, err := s.load(k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ticket: unknown ticket %x/%d/%d", channelID, epoch, index)
	}
	if t.Status != StatusBeingRedeemed {
		return fmt.Errorf("%w: ticket not BeingRedeemed", errs.ErrInvalidState)
	}
	t.Status = StatusRedeemed
	return s.save(t)
}

// ResetToUntouched reverts a ticket to Untouched after a failed
// redemption attempt; a failure resets to Untouched, never back to
// BeingRedeemed.
func (s *Store) ResetToUntouched(channelID [32]byte, epoch uint32, index uint64) error {
	k := key(channelID, epoch, index)
	t, ok, err := s.load(k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ticket: unknown ticket %x/%d/%d", channelID, epoch, index)
	}
	t.Status = StatusUntouched
	return s.save(t)
}

// IsWinning computes the deterministic winner decision:
// hash(challenge || response) compared against a threshold derived from
// win_prob.
func IsWinning(t Ticket) bool {
	if t.WinProb <= 0 {
		return false
	}
	if t.WinProb >= 1 {
		return true
	}
	h := sha256.New()
	h.Write(t.Challenge[:])
	h.Write(t.Response[:])
	digest := h.Sum(nil)

	// Compare digest (as a big-endian fraction of 2^256) against win_prob.
	num := new(big.Int).SetBytes(digest)
	denom := new(big.Int).Lsh(big.NewInt(1), 256)
	threshold := new(big.Int).Mul(denom, big.NewInt(int64(t.WinProb*1e9)))
	threshold.Div(threshold, big.NewInt(1e9))
	return num.Cmp(threshold) < 0
}

// IterWinningIn returns every ticket for channelID whose Status is
// Untouched and that is a probabilistic winner, the set eligible for a RedeemTicket action.
func (s *Store) IterWinningIn(channelID [32]byte) ([]Ticket, error) {
	it := db.PrefixIterator(s.kv, append([]byte("ticket:"), channelID[:]...))
	var out []Ticket
	for it.Next() {
		var t Ticket
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			continue
		}
		if t.Status == StatusUntouched && IsWinning(t) {
			out = append(out, t)
		}
	}
	return out, it.Error()
}

// Get returns the stored ticket, if any.
func (s *Store) Get(channelID [32]byte, epoch uint32, index uint64) (Ticket, bool, error) {
	return s.load(key(channelID, epoch, index))
}
