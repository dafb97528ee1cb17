package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mixrelay/node/internal/channelgraph"
)

// channelCmd exposes the channel-closure timing check as a standalone
// operational tool, with no dependency on a live node.
func channelCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "channel",
		Short: "inspect channel-closure timing",
	}
	root.AddCommand(channelClosureCheckCmd())
	return root
}

func channelClosureCheckCmd() *cobra.Command {
	var (
		closureTime     string
		challengePeriod time.Duration
	)
	cmd := &cobra.Command{
		Use:   "closure-check",
		Short: "report whether a PendingToClose channel's challenge window has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := time.Parse(time.RFC3339, closureTime)
			if err != nil {
				return fmt.Errorf("--closure-time: %w", err)
			}
			e := channelgraph.Entry{Status: channelgraph.StatusPendingToClose, ClosureTime: &ct}
			passed := e.ClosureTimePassed(challengePeriod, time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "closure_time_passed=%t\n", passed)
			return nil
		},
	}
	cmd.Flags().StringVar(&closureTime, "closure-time", "", "RFC3339 timestamp the closure was initiated at")
	cmd.Flags().DurationVar(&challengePeriod, "challenge-period", 5*time.Minute, "on-chain challenge window duration")
	_ = cmd.MarkFlagRequired("closure-time")
	return cmd
}
