package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mixrelay/node/internal/transport"
)

// pingCmd stands up a transient transport host and probes one peer via
// the challenge/response round trip.
func pingCmd() *cobra.Command {
	var (
		listenAddr string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping <peer-id>",
		Short: "probe a peer's liveness and report round-trip latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			host, err := transport.NewHost(ctx, listenAddr, "mixrelay-cli", nil)
			if err != nil {
				return fmt.Errorf("start transport host: %w", err)
			}
			defer host.Close()

			tr := transport.New(host, nil)
			latency, version, err := tr.Ping(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ping %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peer=%s latency=%s version=%q\n", args[0], latency, version)
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "/ip4/0.0.0.0/tcp/0", "local libp2p listen multiaddr")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall probe deadline")
	return cmd
}
