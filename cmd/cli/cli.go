// Package cli adds operational-inspection subcommands to the mixrelayd
// root command, each registering standalone cobra subcommands against a
// freshly-constructed instance of the relevant package rather than an
// always-running daemon. Because the persistent database (pkg/db) and
// the indexer are external-collaborator interfaces, these commands
// operate on self-contained instances instead of attaching to a
// separately-running mixrelayd serve process; no RPC/API surface is
// defined for that.
package cli

import "github.com/spf13/cobra"

// Register attaches every cli subcommand to root.
func Register(root *cobra.Command) {
	root.AddCommand(pingCmd())
	root.AddCommand(ticketCmd())
	root.AddCommand(channelCmd())
	root.AddCommand(configCmd())
}
