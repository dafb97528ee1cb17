// Package metrics centralises the prometheus counters and gauges the node
// exposes, built on one explicit *prometheus.Registry rather than the
// global default.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the collector set for a single node instance. It is safe for
// concurrent use; all fields are created once in New and never replaced.
type Registry struct {
	reg *prometheus.Registry

	SuccessfulActions prometheus.Counter
	FailedActions     prometheus.Counter
	TimeoutActions    prometheus.Counter
	OpenedChannels    prometheus.Counter
	ClosedChannels    prometheus.Counter

	MixerQueueDepth       prometheus.Gauge
	ReassemblerIncomplete prometheus.Gauge
	SessionsOpen          prometheus.Gauge
	TicketsRedeemed       prometheus.Counter
	TicketsDiscarded      prometheus.Counter
	SegmentsRetransmitted prometheus.Counter
}

// New builds a Registry with every metric registered against a fresh
// prometheus.Registry (never the global DefaultRegisterer), so a process
// hosting multiple nodes (e.g. in tests) never collides on metric names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		SuccessfulActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_successful_actions_total",
			Help: "Chain actions that reached a confirmed on-chain event.",
		}),
		FailedActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_failed_actions_total",
			Help: "Chain actions that failed validation or submission.",
		}),
		TimeoutActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_timeout_actions_total",
			Help: "Chain actions whose indexer confirmation timed out.",
		}),
		OpenedChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_opened_channels_total",
			Help: "Payment channels opened by this node.",
		}),
		ClosedChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_closed_channels_total",
			Help: "Payment channels closed by this node.",
		}),
		MixerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixrelay_mixer_queue_depth",
			Help: "Number of packets currently held in the mixer's delay heap.",
		}),
		ReassemblerIncomplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixrelay_reassembler_incomplete_frames",
			Help: "Number of frame builders awaiting completion.",
		}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixrelay_sessions_open",
			Help: "Number of sessions currently Established or Closing.",
		}),
		TicketsRedeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_tickets_redeemed_total",
			Help: "Winning tickets that reached Redeemed status.",
		}),
		TicketsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_tickets_discarded_total",
			Help: "Tickets dropped for failing signature or state checks.",
		}),
		SegmentsRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixrelay_segments_retransmitted_total",
			Help: "Segments resent in reliability mode after a FrameAck/FrameRetransmit reported them missing.",
		}),
	}
	reg.MustRegister(
		r.SuccessfulActions, r.FailedActions, r.TimeoutActions,
		r.OpenedChannels, r.ClosedChannels,
		r.MixerQueueDepth, r.ReassemblerIncomplete, r.SessionsOpen,
		r.TicketsRedeemed, r.TicketsDiscarded, r.SegmentsRetransmitted,
	)
	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
