package market

import "errors"

// Stable error kinds surfaced by the ledger engine. Callers match with
// errors.Is; the wrapped message always carries the offending identifier.
var (
	// ErrNotFound reports a request or submission id that was never allocated.
	ErrNotFound = errors.New("market: not found")
	// ErrUnauthorized reports a caller lacking the role an operation requires.
	ErrUnauthorized = errors.New("market: unauthorized")
	// ErrInvalidState reports an operation against a request or submission in
	// the wrong lifecycle state, such as finalizing twice or submitting to a
	// closed request.
	ErrInvalidState = errors.New("market: invalid state")
	// ErrInvalidInput reports malformed operation arguments: a zero deposit,
	// an empty format set, an out-of-range score or empty metadata.
	ErrInvalidInput = errors.New("market: invalid input")
	// ErrDuplicateSubmission reports a second submission by the same seller
	// against the same request.
	ErrDuplicateSubmission = errors.New("market: duplicate submission")
	// ErrPayoutFailed reports a settlement transfer to the seller that did not
	// succeed. The whole finalization is rolled back.
	ErrPayoutFailed = errors.New("market: payout failed")
	// ErrRefundFailed reports a settlement transfer back to the buyer that did
	// not succeed. The whole finalization is rolled back.
	ErrRefundFailed = errors.New("market: refund failed")
	// ErrInvariantViolation reports an internal consistency breach. It must be
	// unreachable in correct code; once raised the engine refuses further
	// mutating operations.
	ErrInvariantViolation = errors.New("market: invariant violation")
)
