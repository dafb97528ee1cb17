// Package transport implements the mixnet hop abstraction Session,
// Mixer and Ping sit on top of: one opaque datagram send/receive per
// libp2p stream, plus gossip pubsub and mDNS discovery for peer bring-up
// and a dedicated ping sub-protocol.
//
// Full SPHINX/CHACHA packet layering lives outside this package, which
// models that boundary as an injectable PacketCodec with a pass-through
// default, so a real mix-packet codec can be substituted without touching
// the transport's stream handling.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// DatagramProtocol and PingProtocol are this node's libp2p stream protocol
// IDs, one for relayed mixnet payloads and one for the ping/heartbeat
// challenge-response round trip.
const (
	DatagramProtocol protocol.ID = "/mixrelay/datagram/1.0.0"
	PingProtocol     protocol.ID = "/mixrelay/ping/1.0.0"
)

// PacketCodec encodes/decodes the opaque mixnet datagram a Segment, a
// SessionMessage, or a forwarded relay packet is wrapped in before it hits
// the wire. The packet bit layout is opaque to this package;
// PassthroughCodec is the identity codec used when no real
// SPHINX-style layering is wired in.
type PacketCodec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(raw []byte) ([]byte, error)
}

// PassthroughCodec performs no transformation.
type PassthroughCodec struct{}

func (PassthroughCodec) Encode(payload []byte) ([]byte, error) { return payload, nil }
func (PassthroughCodec) Decode(raw []byte) ([]byte, error)     { return raw, nil }

// Datagram is one received opaque mixnet payload, tagged with the sending
// peer so the pipeline can unwrap its hop correctly.
type Datagram struct {
	PeerID  string
	Payload []byte
}

// Host bundles the libp2p primitives this package wires together.
type Host struct {
	host   host.Host
	pubsub *pubsub.PubSub
	log    *logrus.Entry
}

// NewHost creates a libp2p host with gossip pubsub and mDNS discovery
// bound to discoveryTag. NAT traversal hardening is intentionally not
// carried.
func NewHost(ctx context.Context, listenAddr, discoveryTag string, notifee mdns.Notifee) (*Host, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}
	if notifee != nil {
		mdns.NewMdnsService(h, discoveryTag, notifee)
	}
	return &Host{host: h, pubsub: ps, log: logrus.WithField("component", "transport")}, nil
}

// LibP2P exposes the underlying host for callers (e.g. peerstore wiring,
// direct Connect/ClosePeer calls) that need it.
func (h *Host) LibP2P() host.Host { return h.host }

// PubSub exposes the underlying gossip router for topic-based broadcast.
// No package in this module publishes or subscribes through it.
func (h *Host) PubSub() *pubsub.PubSub { return h.pubsub }

// Close tears down the host.
func (h *Host) Close() error { return h.host.Close() }

// Transport is the datagram send/receive abstraction internal/session and
// internal/mixer consume.
type Transport struct {
	h     *Host
	codec PacketCodec
	inbox chan Datagram
	log   *logrus.Entry
}

// New wraps h with codec, registering a stream handler for
// DatagramProtocol. A nil codec defaults to PassthroughCodec.
func New(h *Host, codec PacketCodec) *Transport {
	if codec == nil {
		codec = PassthroughCodec{}
	}
	t := &Transport{h: h, codec: codec, inbox: make(chan Datagram, 256), log: logrus.WithField("component", "transport")}
	h.host.SetStreamHandler(DatagramProtocol, t.handleDatagramStream)
	h.host.SetStreamHandler(PingProtocol, t.handlePingStream)
	return t
}

func (t *Transport) handleDatagramStream(s network.Stream) {
	defer s.Close()
	raw, err := io.ReadAll(s)
	if err != nil {
		t.log.WithError(err).Debug("datagram stream read failed")
		return
	}
	payload, err := t.codec.Decode(raw)
	if err != nil {
		t.log.WithError(err).Debug("datagram decode failed")
		return
	}
	t.inbox <- Datagram{PeerID: s.Conn().RemotePeer().String(), Payload: payload}
}

// Send delivers payload to peerID as a single opaque mixnet hop (one
// libp2p stream write).
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("transport: decode peer id %q: %w", peerID, err)
	}
	raw, err := t.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	s, err := t.h.host.NewStream(ctx, pid, DatagramProtocol)
	if err != nil {
		return fmt.Errorf("transport: open stream to %s: %w", peerID, err)
	}
	defer s.Close()
	if _, err := s.Write(raw); err != nil {
		return fmt.Errorf("transport: write to %s: %w", peerID, err)
	}
	return nil
}

// Recv returns the next received datagram, blocking until one arrives or
// ctx is done.
func (t *Transport) Recv(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-t.inbox:
		return dg, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

const pingChallengeSize = 16
const localVersion = "mixrelay/0.1.0"

func (t *Transport) handlePingStream(s network.Stream) {
	defer s.Close()
	challenge := make([]byte, pingChallengeSize)
	if _, err := io.ReadFull(s, challenge); err != nil {
		t.log.WithError(err).Debug("ping stream read failed")
		return
	}
	resp := append(challenge, []byte(localVersion)...)
	if _, err := s.Write(resp); err != nil {
		t.log.WithError(err).Debug("ping stream write failed")
	}
}

// Ping implements internal/ping.Pinger: it opens a dedicated stream,
// writes a random challenge, and measures half the round trip to the
// matching echoed response.
func (t *Transport) Ping(ctx context.Context, peerID string) (time.Duration, string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return 0, "", fmt.Errorf("transport: decode peer id %q: %w", peerID, err)
	}
	challenge := make([]byte, pingChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return 0, "", err
	}

	start := time.Now()
	s, err := t.h.host.NewStream(ctx, pid, PingProtocol)
	if err != nil {
		return 0, "", fmt.Errorf("transport: open ping stream to %s: %w", peerID, err)
	}
	defer s.Close()
	if _, err := s.Write(challenge); err != nil {
		return 0, "", err
	}

	resp := make([]byte, pingChallengeSize+64)
	n, err := io.ReadFull(s, resp)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, "", err
	}
	resp = resp[:n]
	if len(resp) < pingChallengeSize {
		return 0, "", fmt.Errorf("transport: short ping response from %s", peerID)
	}
	if !bytes.Equal(resp[:pingChallengeSize], challenge) {
		return 0, "", fmt.Errorf("transport: ping response from %s does not match challenge", peerID)
	}
	arrival := time.Now()
	version := string(resp[pingChallengeSize:])
	return arrival.Sub(start) / 2, version, nil
}
