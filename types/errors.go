package types

import "errors"

// Error kinds surfaced by the matchmaker. Callers match them with
// errors.Is; the API layer maps them to structured response codes.
var (
	// ErrNotFound is returned on lookups of unknown ids
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned on illegal status changes, never
	// retried
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when a conditional update lost a race and
	// the current state no longer matches the expectation
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrUnauthorized is returned on signature or identity mismatch
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoEligibleOperator is returned by a matching pass that found no
	// operator; the request stays pending
	ErrNoEligibleOperator = errors.New("no eligible operator")
	// ErrDepositInsufficient rejects a request whose requester deposit
	// does not cover the amount
	ErrDepositInsufficient = errors.New("deposit insufficient")
	// ErrProofInvalid is returned to an operator whose submitted proof
	// failed verification
	ErrProofInvalid = errors.New("proof verification failed")
	// ErrChainUnavailable is returned when a chain adapter call failed
	// after retries; the payment transition is deferred
	ErrChainUnavailable = errors.New("chain adapter unavailable")
	// ErrStoreUnavailable is returned when storage failed; the whole
	// operation is safe to retry
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorCode returns the wire code for the given error, used by the API to
// build structured error responses
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrNoEligibleOperator):
		return "NoEligibleOperator"
	case errors.Is(err, ErrDepositInsufficient):
		return "DepositInsufficient"
	case errors.Is(err, ErrProofInvalid):
		return "ProofInvalid"
	case errors.Is(err, ErrChainUnavailable):
		return "ChainAdapterUnavailable"
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	default:
		return "Internal"
	}
}
