package types

// RequestStatus represents the lifecycle status of a ProofRequest
type RequestStatus int

const (
	// RequestStatusCreated is the status of a request that was just
	// submitted and has not yet passed the acceptance checks
	RequestStatusCreated RequestStatus = iota
	// RequestStatusAccepted is the status of a request that passed the
	// signature and deposit checks and waits for an assignment
	RequestStatusAccepted
	// RequestStatusCancelled is the status of a request closed by its
	// requester before it was assigned
	RequestStatusCancelled
	// RequestStatusRejected is the status of a request denied with an
	// explanation stored in RejectionMessage
	RequestStatusRejected
	// RequestStatusAssigned is the status of a request assigned to an
	// operator which has not confirmed the assignment yet
	RequestStatusAssigned
	// RequestStatusAcknowledged is the status of a request whose assigned
	// operator confirmed the assignment in time
	RequestStatusAcknowledged
	// RequestStatusProofBeingTested is the status of a request whose proof
	// was received but not verified yet
	RequestStatusProofBeingTested
	// RequestStatusProven is the status of a request with a verified proof
	RequestStatusProven
)

// String implements the String interface for RequestStatus
func (s RequestStatus) String() string {
	switch s {
	case RequestStatusCreated:
		return "Created"
	case RequestStatusAccepted:
		return "Accepted"
	case RequestStatusCancelled:
		return "Cancelled"
	case RequestStatusRejected:
		return "Rejected"
	case RequestStatusAssigned:
		return "Assigned"
	case RequestStatusAcknowledged:
		return "AcknowledgedAssignment"
	case RequestStatusProofBeingTested:
		return "ProofBeingTested"
	case RequestStatusProven:
		return "Proven"
	default:
		return "Unknown"
	}
}

// IsFinal returns true when no further status transition is allowed from s.
// Payment can still move to Refund after a final status.
func (s RequestStatus) IsFinal() bool {
	return s == RequestStatusCancelled || s == RequestStatusRejected ||
		s == RequestStatusProven
}

// ValidStatusTransition returns true if the edge from->to belongs to the
// request state machine. Reverts from Assigned and ProofBeingTested back to
// Accepted cover acknowledge timeouts and failed verifications.
func ValidStatusTransition(from, to RequestStatus) bool {
	switch from {
	case RequestStatusCreated:
		return to == RequestStatusAccepted || to == RequestStatusCancelled ||
			to == RequestStatusRejected
	case RequestStatusAccepted:
		return to == RequestStatusAssigned || to == RequestStatusCancelled
	case RequestStatusAssigned:
		return to == RequestStatusAcknowledged || to == RequestStatusAccepted
	case RequestStatusAcknowledged:
		return to == RequestStatusProofBeingTested || to == RequestStatusRejected
	case RequestStatusProofBeingTested:
		return to == RequestStatusProven || to == RequestStatusAccepted ||
			to == RequestStatusRejected
	default:
		return false
	}
}

// PaymentStatus represents the escrow sub-state of a ProofRequest
type PaymentStatus int

const (
	// PaymentNothing means no funds have been moved for the request
	PaymentNothing PaymentStatus = iota
	// PaymentToReserve means the chain adapter was signalled to hold the
	// amount but the hold is not confirmed yet
	PaymentToReserve
	// PaymentReserved means the hold of the amount is confirmed on chain
	PaymentReserved
	// PaymentReadyToPay means the work is done and the reserved amount can
	// be settled to the operator
	PaymentReadyToPay
	// PaymentPaid means the amount was settled
	PaymentPaid
	// PaymentRefund means the amount goes back to the requester
	PaymentRefund
)

// String implements the String interface for PaymentStatus
func (p PaymentStatus) String() string {
	switch p {
	case PaymentNothing:
		return "Nothing"
	case PaymentToReserve:
		return "ToReserve"
	case PaymentReserved:
		return "Reserved"
	case PaymentReadyToPay:
		return "ReadyToPay"
	case PaymentPaid:
		return "Paid"
	case PaymentRefund:
		return "Refund"
	default:
		return "Unknown"
	}
}

// ValidPaymentTransition returns true if the edge from->to belongs to the
// escrow state machine. Payment progresses monotonically except Refund,
// which is reachable from the states where funds are held but not settled.
func ValidPaymentTransition(from, to PaymentStatus) bool {
	if to == PaymentRefund {
		return from == PaymentToReserve || from == PaymentReserved ||
			from == PaymentReadyToPay
	}
	switch from {
	case PaymentNothing:
		return to == PaymentToReserve
	case PaymentToReserve:
		return to == PaymentReserved
	case PaymentReserved:
		return to == PaymentReadyToPay
	case PaymentReadyToPay:
		return to == PaymentPaid
	default:
		return false
	}
}
