package db

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/proofmarket/matchmaker-node/types"
)

// paymentRank orders the escrow states along their monotonic progression.
// Refund sits outside the chain and is handled separately.
func paymentRank(p types.PaymentStatus) int {
	switch p {
	case types.PaymentNothing:
		return 0
	case types.PaymentToReserve:
		return 1
	case types.PaymentReserved:
		return 2
	case types.PaymentReadyToPay:
		return 3
	case types.PaymentPaid:
		return 4
	default:
		return -1
	}
}

// SetPaymentToReserve moves payment from Nothing to ToReserve and stores the
// amount to hold
func (r *SQLite) SetPaymentToReserve(id types.RequestID, amount *big.Int) error {
	return r.transitionPayment(id, types.PaymentToReserve, `
	UPDATE requests
	SET payment = ?, amount = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND payment = ?
	`, types.PaymentToReserve, amount.String(), nowMilli(), id.Hex(),
		types.PaymentNothing)
}

// SetPaymentReserved confirms the on-chain hold, moving payment from
// ToReserve to Reserved. It returns whether a deferred ReadyToPay promotion
// is pending because the proof was verified before this confirmation
// arrived.
func (r *SQLite) SetPaymentReserved(id types.RequestID) (bool, error) {
	err := r.transitionPayment(id, types.PaymentReserved, `
	UPDATE requests
	SET payment = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND payment = ?
	`, types.PaymentReserved, nowMilli(), id.Hex(), types.PaymentToReserve)
	if err != nil {
		return false, err
	}

	var pending bool
	row := r.db.QueryRow("SELECT pendingReady FROM requests WHERE id = ?", id.Hex())
	if err := row.Scan(&pending); err != nil {
		return false, storeErr("SetPaymentReserved", err)
	}
	return pending, nil
}

// MarkPendingReady flags a ToReserve payment so that the Reserved
// confirmation promotes it straight to ReadyToPay. Returns false when the
// payment already left ToReserve and the caller should promote directly.
func (r *SQLite) MarkPendingReady(id types.RequestID) (bool, error) {
	res, err := r.db.Exec(`
	UPDATE requests
	SET pendingReady = 1
	WHERE id = ? AND payment = ?
	`, id.Hex(), types.PaymentToReserve)
	if err != nil {
		return false, storeErr("MarkPendingReady", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("MarkPendingReady", err)
	}
	return n == 1, nil
}

// SetPaymentReady moves payment from Reserved to ReadyToPay and clears the
// deferred promotion flag
func (r *SQLite) SetPaymentReady(id types.RequestID) error {
	return r.transitionPayment(id, types.PaymentReadyToPay, `
	UPDATE requests
	SET payment = ?, pendingReady = 0, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND payment = ?
	`, types.PaymentReadyToPay, nowMilli(), id.Hex(), types.PaymentReserved)
}

// SetPaymentPaid confirms the settlement, moving payment from ReadyToPay to
// Paid
func (r *SQLite) SetPaymentPaid(id types.RequestID) error {
	return r.transitionPayment(id, types.PaymentPaid, `
	UPDATE requests
	SET payment = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND payment = ?
	`, types.PaymentPaid, nowMilli(), id.Hex(), types.PaymentReadyToPay)
}

// SetPaymentRefund returns held funds to the requester. Reachable from
// ToReserve, Reserved and ReadyToPay; refunding a payment that never moved
// is a no-op, refunding a settled one is an invalid transition.
func (r *SQLite) SetPaymentRefund(id types.RequestID) error {
	res, err := r.db.Exec(`
	UPDATE requests
	SET payment = ?, pendingReady = 0, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND payment IN (?, ?, ?)
	`, types.PaymentRefund, nowMilli(), id.Hex(), types.PaymentToReserve,
		types.PaymentReserved, types.PaymentReadyToPay)
	if err != nil {
		return storeErr("SetPaymentRefund", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("SetPaymentRefund", err)
	}
	if n == 1 {
		return nil
	}

	req, err := r.GetRequest(id)
	if err != nil {
		return err
	}
	switch {
	case req.Payment == types.PaymentRefund, req.Payment == types.PaymentNothing:
		return nil
	case !types.ValidPaymentTransition(req.Payment, types.PaymentRefund):
		return fmt.Errorf("%w: payment %s -> Refund",
			types.ErrInvalidTransition, req.Payment)
	default:
		return fmt.Errorf("%w: request %s payment is %s",
			types.ErrConflict, id.Hex(), req.Payment)
	}
}

// CommittedAmountForRequester sums the amounts the requester has promised
// or held across live requests. Accept consults it so one deposit can not
// back more work than it covers.
func (r *SQLite) CommittedAmountForRequester(requester common.Address) (
	*big.Int, error) {
	rows, err := r.db.Query(`
	SELECT amount FROM requests
	WHERE requester = ? AND payment IN (?, ?, ?) AND amount IS NOT NULL
	`, requester.Hex(), types.PaymentToReserve, types.PaymentReserved,
		types.PaymentReadyToPay)
	if err != nil {
		return nil, storeErr("CommittedAmountForRequester", err)
	}
	defer rows.Close() //nolint:errcheck

	total := new(big.Int)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, storeErr("CommittedAmountForRequester", err)
		}
		a, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("can not decode amount %q for requester %s",
				amount, requester.Hex())
		}
		total.Add(total, a)
	}
	return total, nil
}

// transitionPayment runs a guarded payment update and resolves the outcome
// when the guard did not match: an already-progressed payment is a no-op,
// anything else is a conflict or an invalid transition.
func (r *SQLite) transitionPayment(id types.RequestID,
	target types.PaymentStatus, query string, args ...interface{}) error {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return storeErr("transitionPayment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("transitionPayment", err)
	}
	if n == 1 {
		return nil
	}

	req, err := r.GetRequest(id)
	if err != nil {
		return err
	}
	if req.Payment == types.PaymentRefund {
		return fmt.Errorf("%w: payment is Refund, can not move to %s",
			types.ErrInvalidTransition, target)
	}
	if paymentRank(req.Payment) >= paymentRank(target) {
		// confirmation replay or an already-progressed payment
		return nil
	}
	return fmt.Errorf("%w: request %s payment is %s, can not move to %s",
		types.ErrConflict, id.Hex(), req.Payment, target)
}
