package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mixrelay/node/internal/ticket"
)

// ticketCmd exposes the deterministic winner computation as
// a standalone operational check with no daemon dependency.
func ticketCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ticket",
		Short: "inspect ticket-redemption decisions",
	}
	root.AddCommand(ticketCheckCmd())
	return root
}

func ticketCheckCmd() *cobra.Command {
	var (
		winProb      float64
		challengeHex string
		responseHex  string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "report whether a challenge/response pair is a winning ticket at the given win_prob",
		RunE: func(cmd *cobra.Command, args []string) error {
			challenge, err := decode32(challengeHex)
			if err != nil {
				return fmt.Errorf("--challenge: %w", err)
			}
			response, err := decode32(responseHex)
			if err != nil {
				return fmt.Errorf("--response: %w", err)
			}
			t := ticket.Ticket{WinProb: winProb, Challenge: challenge, Response: response}
			won := ticket.IsWinning(t)
			fmt.Fprintf(cmd.OutOrStdout(), "winning=%t win_prob=%.6f\n", won, winProb)
			return nil
		},
	}
	cmd.Flags().Float64Var(&winProb, "win-prob", 1.0, "ticket win_prob in (0,1]")
	cmd.Flags().StringVar(&challengeHex, "challenge", "", "32-byte challenge, hex encoded")
	cmd.Flags().StringVar(&responseHex, "response", "", "32-byte response, hex encoded")
	return cmd
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
