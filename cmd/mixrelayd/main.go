// Command mixrelayd runs a mixrelay node: it wires the transport host,
// channel graph, ticket store, action queue, indexer tracker, strategy
// loop, ping batcher, session manager and pipeline into one running
// process.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mixrelay/node/cmd/cli"
	"github.com/mixrelay/node/internal/actionqueue"
	"github.com/mixrelay/node/internal/channelgraph"
	"github.com/mixrelay/node/internal/indexer"
	"github.com/mixrelay/node/internal/mixer"
	"github.com/mixrelay/node/internal/peerstore"
	"github.com/mixrelay/node/internal/pipeline"
	"github.com/mixrelay/node/internal/ping"
	"github.com/mixrelay/node/internal/session"
	"github.com/mixrelay/node/internal/strategy"
	"github.com/mixrelay/node/internal/ticket"
	"github.com/mixrelay/node/internal/transport"
	"github.com/mixrelay/node/pkg/config"
	"github.com/mixrelay/node/pkg/db"
	"github.com/mixrelay/node/pkg/kvchain"
	"github.com/mixrelay/node/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "mixrelayd", Short: "incentivized mixnet relay node"}
	root.AddCommand(serveCmd())
	cli.Register(root)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(envName)
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment overlay name, e.g. production")
	return cmd
}

func runServe(envName string) error {
	cfg, err := config.Load(envName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lv, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	log := logrus.WithField("component", "mixrelayd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, err := transport.NewHost(ctx, cfg.Network.ListenAddr, cfg.Network.DiscoveryTag, nil)
	if err != nil {
		return fmt.Errorf("start transport host: %w", err)
	}
	defer host.Close()

	tr := transport.New(host, nil)
	met := metrics.New()

	ticketStore := ticket.New(db.NewMemory())
	graph := channelgraph.New(db.NewMemory())
	tracker := indexer.New()
	tracker.AddObserver(func(evt kvchain.ChainEvent) {
		if err := graph.Apply(evt, time.Now()); err != nil {
			log.WithError(err).WithField("event", evt.Type.String()).Warn("failed to apply indexer event to channel graph")
		}
	})

	aqCfg := actionqueue.Config{
		QueueSize:                 cfg.ActionQueue.QueueSize,
		MaxActionConfirmationWait: cfg.ActionQueue.MaxActionConfirmationWait,
		InterActionDelay:          cfg.ActionQueue.InterActionDelay,
		ChallengePeriod:           cfg.ActionQueue.ChallengePeriod,
	}
	queue := actionqueue.New(aqCfg, cfg.SafeAddress, graph, ticketStore, tracker, unconfiguredExecutor{}, met)
	go queue.Run(ctx)

	peers := peerstore.New()
	pingBatcher := ping.New(ping.Config{
		Timeout:        cfg.Ping.Timeout,
		MaxParallel:    cfg.Ping.MaxParallel,
		HistoryPerPeer: cfg.Ping.HistoryPerPeer,
	}, peers, tr)
	go runPingLoop(ctx, pingBatcher, peers, cfg.Ping.Timeout)

	strategyCfg := buildStrategyConfig(cfg)
	strat, err := strategy.New(strategyCfg, cfg.SafeAddress, graph, peers, nil, queue.Sender())
	if err != nil {
		return fmt.Errorf("construct strategy: %w", err)
	}
	go strat.Run(ctx)

	mx := mixer.New(mixer.Config{MinDelay: cfg.Mixer.MinDelay, DelayRange: cfg.Mixer.DelayRange, Capacity: cfg.Mixer.Capacity}, met)
	sessCfg := session.Config{
		MTU:                 cfg.Session.MTU,
		IdleTimeout:         cfg.Session.IdleTimeout,
		EstablishMaxRetries: int(cfg.Session.EstablishMaxRetries),
		Reliable:            cfg.Session.Reliable,
		AckInterval:         cfg.Session.AckInterval,
		MaxSegmentRetries:   int(cfg.Session.MaxSegmentRetries),
	}

	selfPeerID := host.LibP2P().ID().String()
	pl := pipeline.New(tr, tr, mx, nil, sessCfg, selfPeerID)
	sessions := session.NewManager(int(cfg.Session.MaximumSessions), pl, met)
	pl.SetSessions(sessions)
	pl.SetTicketing(ticketStore, queue.Sender(), met)
	go pl.Run(ctx)

	log.WithField("peer_id", selfPeerID).Info("mixrelayd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
	sessions.CloseAll()
	return nil
}

// runPingLoop periodically probes every peer currently known to peers,
// keeping quality scores fresh for the strategy loop.
func runPingLoop(ctx context.Context, batcher *ping.Batcher, peers *peerstore.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			known := peers.All()
			ids := make([]string, len(known))
			for i, p := range known {
				ids[i] = p.PeerID
			}
			if len(ids) > 0 {
				batcher.PingAll(ctx, ids)
			}
		}
	}
}

func buildStrategyConfig(cfg *config.Config) strategy.Config {
	dests := make([]common.Address, 0, len(cfg.Strategy.DestinationPeers))
	for _, p := range cfg.Strategy.DestinationPeers {
		if common.IsHexAddress(p) {
			dests = append(dests, common.HexToAddress(p))
		}
	}
	return strategy.Config{
		DestinationPeers:        dests,
		NetworkQualityThreshold: cfg.Strategy.NetworkQualityThreshold,
		MinimumPeerVersion:      cfg.Strategy.MinimumPeerVersion,
		MinStakeThreshold:       new(big.Int).SetUint64(cfg.Strategy.MinStakeThreshold),
		FundingAmount:           new(big.Int).SetUint64(cfg.Strategy.FundingAmount),
		TickInterval:            cfg.Strategy.TickInterval,
		PrecheckBalance:         cfg.Strategy.PrecheckBalance,
	}
}

// unconfiguredExecutor is the TransactionExecutor boundary placeholder: a
// real deployment replaces this with a chain-backed implementation built
// on pkg/kvchain.JSONRPCClient. Every method reports that no executor has
// been wired yet.
type unconfiguredExecutor struct{}

var errNoExecutor = fmt.Errorf("mixrelayd: no TransactionExecutor configured")

func (unconfiguredExecutor) RedeemTicket(ctx context.Context, channelID [32]byte) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) FundChannel(ctx context.Context, dst common.Address, amount *big.Int) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) InitiateOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) FinalizeOutgoingChannelClosure(ctx context.Context, dst common.Address) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) CloseIncomingChannel(ctx context.Context, src common.Address) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) Withdraw(ctx context.Context, recipient common.Address, amount *big.Int) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) Announce(ctx context.Context, data []byte) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}
func (unconfiguredExecutor) RegisterSafe(ctx context.Context, safe common.Address) (common.Hash, error) {
	return common.Hash{}, errNoExecutor
}

var _ kvchain.TransactionExecutor = unconfiguredExecutor{}
