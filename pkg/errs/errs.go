// Package errs defines the sentinel error kinds shared by every mixrelay
// component, mirroring the error taxonomy the rest of the node reports
// through structured logging and typed counters.
package errs

import "errors"

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", Err...)
// to attach context while keeping errors.Is comparisons stable.
var (
	ErrInvalidSegment              = errors.New("invalid segment")
	ErrFrameDiscarded              = errors.New("frame discarded")
	ErrIncompleteFrame             = errors.New("incomplete frame")
	ErrBrokenPipe                  = errors.New("broken pipe")
	ErrIdleTimeout                 = errors.New("idle timeout")
	ErrTooManySessions             = errors.New("too many sessions")
	ErrTransactionSubmissionFailed = errors.New("transaction submission failed")
	ErrInvalidState                = errors.New("invalid state")
	ErrTimeout                     = errors.New("timeout")
	ErrChannelAlreadyClosed        = errors.New("channel already closed")
	ErrSignatureVerification       = errors.New("signature verification failed")
	ErrClosed                      = errors.New("closed")

	// ErrAlreadyRedeeming and ErrRedeemed are the two terminal outcomes of
	// Ticket Store's mark_redeeming compare-and-swap.
	ErrAlreadyRedeeming = errors.New("ticket already being redeemed")
	ErrRedeemed         = errors.New("ticket already redeemed")
)
