// Package session implements the Session state machine: a
// reliable, segmented, mixnet-tunneled byte stream identified by a peer
// public key and a 64-bit session id, using an explicit state-enum
// encoding so establish/close/expire interleavings stay auditable.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/mixrelay/node/internal/segment"
	"github.com/mixrelay/node/internal/ticket"
)

// EnvelopeKind tags the wire envelope carrying either a control message
// (session establishment) or a SessionMessage.
type EnvelopeKind int

const (
	EnvStartRequest EnvelopeKind = iota
	EnvStartResponse
	EnvSegment
	EnvFrameAck
	EnvFrameRetransmit
	EnvKeepAlive
	// EnvRelay carries an opaque forwarded mixnet payload that isn't
	// addressed to any local session; internal/pipeline re-enqueues it on
	// the Mixer bound for NextHop rather than handing it to a Session.
	EnvRelay
)

// StartRequest is the initiator's SessionStartRequest, carrying the
// capabilities it wants the responder to honor.
type StartRequest struct {
	SessionID     uint64
	Reliable      bool
	MTU           int
	IdleTimeoutMs int64
}

// StartResponse is the responder's SessionStartResponse: accept or reject.
type StartResponse struct {
	SessionID uint64
	Accept    bool
	Reason    string
}

// MissingSegmentsBitmap is a fixed-width per-frame bitmap, one bit
// per possible segment index, used by FrameAck/FrameRetransmit.
type MissingSegmentsBitmap []byte

// NewMissingSegmentsBitmap allocates a bitmap wide enough for seqLen bits.
func NewMissingSegmentsBitmap(seqLen int) MissingSegmentsBitmap {
	return make(MissingSegmentsBitmap, (seqLen+7)/8)
}

func (b MissingSegmentsBitmap) Set(idx int)   { b[idx/8] |= 1 << uint(idx%8) }
func (b MissingSegmentsBitmap) Test(idx int) bool {
	if idx/8 >= len(b) {
		return false
	}
	return b[idx/8]&(1<<uint(idx%8)) != 0
}

// Envelope is the on-wire container one libp2p datagram carries. The bit
// layout itself is out of scope; JSON is used as the
// concrete encoding.
type Envelope struct {
	Kind      EnvelopeKind
	SessionID uint64

	StartRequest  *StartRequest  `json:"StartRequest,omitempty"`
	StartResponse *StartResponse `json:"StartResponse,omitempty"`

	Segment *segment.Segment      `json:"Segment,omitempty"`
	FrameID segment.FrameId       `json:"FrameID,omitempty"`
	Bitmap  MissingSegmentsBitmap `json:"Bitmap,omitempty"`

	// NextHop and Payload are populated only on EnvRelay envelopes.
	NextHop string `json:"NextHop,omitempty"`
	Payload []byte `json:"Payload,omitempty"`

	// Ticket is the per-hop payment promise carried alongside a relayed
	// packet, populated only on EnvRelay envelopes. The previous hop
	// signs it over to this node as the price of forwarding.
	Ticket *ticket.Ticket `json:"Ticket,omitempty"`
}

// Encode serializes e for a transport.Send call.
func Encode(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("session: encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses a received datagram payload into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("session: decode envelope: %w", err)
	}
	return e, nil
}
