package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/proofmarket/matchmaker-node/types"
)

// requestColumns is the column list used by every request scan
const requestColumns = `id, assigned, lastStatusUpdate, payment, amount,` +
	` hash, publicKey, payload, signature, requester, status,` +
	` rejectionMessage, proof, proofFailures, pendingReady`

// CreateRequest stores a new request with status Created and payment
// Nothing. Re-submitting an existing id is not an error: it returns
// created=false and leaves the stored record untouched.
func (r *SQLite) CreateRequest(signed *types.SignedRequest) (bool, error) {
	id := signed.ID()

	payload, err := json.Marshal(signed)
	if err != nil {
		return false, fmt.Errorf("can not encode request %s: %w", id.Hex(), err)
	}

	var amount string
	if signed.Payload.Amount != nil {
		amount = signed.Payload.Amount.String()
	} else {
		amount = "0"
	}

	sqlQuery := `
	INSERT OR IGNORE INTO requests(
		id,
		lastStatusUpdate,
		payment,
		amount,
		hash,
		publicKey,
		payload,
		signature,
		requester,
		status
	) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := r.db.Prepare(sqlQuery)
	if err != nil {
		return false, storeErr("CreateRequest", err)
	}
	defer stmt.Close() //nolint:errcheck

	res, err := stmt.Exec(id.Hex(), nowMilli(), types.PaymentNothing, amount,
		id.Hex(), signed.PublicKey.Hex(), payload, []byte(signed.Signature),
		signed.Payload.Requester.Hex(), types.RequestStatusCreated)
	if err != nil {
		return false, storeErr("CreateRequest", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("CreateRequest", err)
	}
	return n == 1, nil
}

// GetRequest reads the request with the given id
func (r *SQLite) GetRequest(id types.RequestID) (*types.Request, error) {
	row := r.db.QueryRow(
		"SELECT "+requestColumns+" FROM requests WHERE id = ?", id.Hex())

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: request %s", types.ErrNotFound, id.Hex())
		}
		return nil, storeErr("GetRequest", err)
	}
	return req, nil
}

// ReadRequestsByStatus reads all the stored requests which have the given
// status, oldest status update first
func (r *SQLite) ReadRequestsByStatus(status types.RequestStatus) (
	[]types.Request, error) {
	sqlQuery := `
	SELECT ` + requestColumns + ` FROM requests WHERE status = ?
	ORDER BY lastStatusUpdate ASC
	`

	rows, err := r.db.Query(sqlQuery, status)
	if err != nil {
		return nil, storeErr("ReadRequestsByStatus", err)
	}
	defer rows.Close() //nolint:errcheck

	var requests []types.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr("ReadRequestsByStatus", err)
		}
		requests = append(requests, *req)
	}
	return requests, nil
}

// ReadRequestsByPayment reads all the stored requests which have the given
// payment sub-state
func (r *SQLite) ReadRequestsByPayment(payment types.PaymentStatus) (
	[]types.Request, error) {
	sqlQuery := `
	SELECT ` + requestColumns + ` FROM requests WHERE payment = ?
	ORDER BY lastStatusUpdate ASC
	`

	rows, err := r.db.Query(sqlQuery, payment)
	if err != nil {
		return nil, storeErr("ReadRequestsByPayment", err)
	}
	defer rows.Close() //nolint:errcheck

	var requests []types.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr("ReadRequestsByPayment", err)
		}
		requests = append(requests, *req)
	}
	return requests, nil
}

// AssignedRequestForOperator returns the live assignment of the given
// operator, if any. A request counts as a live assignment while its status
// is Assigned or AcknowledgedAssignment.
func (r *SQLite) AssignedRequestForOperator(op types.OperatorID) (
	*types.Request, error) {
	row := r.db.QueryRow(
		"SELECT "+requestColumns+" FROM requests"+
			" WHERE assigned = ? AND status IN (?, ?)"+
			" ORDER BY lastStatusUpdate ASC",
		op.Hex(), types.RequestStatusAssigned, types.RequestStatusAcknowledged)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no assignment for operator %s",
				types.ErrNotFound, op.Hex())
		}
		return nil, storeErr("AssignedRequestForOperator", err)
	}
	return req, nil
}

// SetAccepted moves a Created request to Accepted
func (r *SQLite) SetAccepted(id types.RequestID) error {
	return r.transitionStatus(id, nil, types.RequestStatusAccepted, `
	UPDATE requests
	SET status = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ?
	`, types.RequestStatusAccepted, nowMilli(), id.Hex(),
		types.RequestStatusCreated)
}

// SetCancelled closes a Created or Accepted request on requester demand
func (r *SQLite) SetCancelled(id types.RequestID) error {
	return r.transitionStatus(id, nil, types.RequestStatusCancelled, `
	UPDATE requests
	SET status = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status IN (?, ?)
	`, types.RequestStatusCancelled, nowMilli(), id.Hex(),
		types.RequestStatusCreated, types.RequestStatusAccepted)
}

// SetRejected denies a request with an explanation. Rejection is reachable
// from Created (failed acceptance checks), AcknowledgedAssignment and
// ProofBeingTested (retry budget exhaustion).
func (r *SQLite) SetRejected(id types.RequestID, message string) error {
	return r.transitionStatus(id, nil, types.RequestStatusRejected, `
	UPDATE requests
	SET status = ?, rejectionMessage = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status IN (?, ?, ?)
	`, types.RequestStatusRejected, message, nowMilli(), id.Hex(),
		types.RequestStatusCreated, types.RequestStatusAcknowledged,
		types.RequestStatusProofBeingTested)
}

// SetAssigned moves an Accepted request to Assigned with the given operator
// and stamps the operator's lastAssignment in the same transaction. The
// guarded update makes concurrent matching passes produce exactly one
// assignment.
func (r *SQLite) SetAssigned(id types.RequestID, op types.OperatorID) error {
	tx, err := r.db.Begin()
	if err != nil {
		return storeErr("SetAssigned", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`
	UPDATE requests
	SET status = ?, assigned = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ?
	`, types.RequestStatusAssigned, op.Hex(), nowMilli(), id.Hex(),
		types.RequestStatusAccepted)
	if err != nil {
		return storeErr("SetAssigned", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("SetAssigned", err)
	}
	if n == 0 {
		return r.statusConflict(id, types.RequestStatusAssigned, &op)
	}

	_, err = tx.Exec("UPDATE operators SET lastAssignment = ? WHERE id = ?",
		nowMilli(), op.Hex())
	if err != nil {
		return storeErr("SetAssigned", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("SetAssigned", err)
	}
	return nil
}

// SetAcknowledged confirms the assignment of the given operator
func (r *SQLite) SetAcknowledged(id types.RequestID, op types.OperatorID) error {
	return r.transitionStatus(id, &op, types.RequestStatusAcknowledged, `
	UPDATE requests
	SET status = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ? AND assigned = ?
	`, types.RequestStatusAcknowledged, nowMilli(), id.Hex(),
		types.RequestStatusAssigned, op.Hex())
}

// SetProofBeingTested stores the received proof bytes and moves the request
// to ProofBeingTested
func (r *SQLite) SetProofBeingTested(id types.RequestID, op types.OperatorID,
	proof []byte) error {
	return r.transitionStatus(id, &op, types.RequestStatusProofBeingTested, `
	UPDATE requests
	SET status = ?, proof = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ? AND assigned = ?
	`, types.RequestStatusProofBeingTested, proof, nowMilli(), id.Hex(),
		types.RequestStatusAcknowledged, op.Hex())
}

// UpdateProof replaces the stored proof bytes of a ProofBeingTested request
// held by the given operator. Used when the operator re-submits because the
// earlier bytes were never verified.
func (r *SQLite) UpdateProof(id types.RequestID, op types.OperatorID,
	proof []byte) error {
	return r.transitionStatus(id, &op, types.RequestStatusProofBeingTested, `
	UPDATE requests
	SET proof = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ? AND assigned = ?
	`, proof, nowMilli(), id.Hex(), types.RequestStatusProofBeingTested,
		op.Hex())
}

// SetProven marks the proof of a ProofBeingTested request as verified
func (r *SQLite) SetProven(id types.RequestID) error {
	return r.transitionStatus(id, nil, types.RequestStatusProven, `
	UPDATE requests
	SET status = ?, lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ?
	`, types.RequestStatusProven, nowMilli(), id.Hex(),
		types.RequestStatusProofBeingTested)
}

// RevertToAccepted takes a request back to Accepted after an acknowledge
// timeout (from Assigned) or a failed verification (from ProofBeingTested).
// The operator is recorded on the request's exclusion list, and failed
// verifications increase the proofFailures counter. Returns the counter
// value after the revert.
func (r *SQLite) RevertToAccepted(id types.RequestID, from types.RequestStatus,
	op types.OperatorID, countFailure bool) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, storeErr("RevertToAccepted", err)
	}
	defer tx.Rollback() //nolint:errcheck

	failureInc := 0
	if countFailure {
		failureInc = 1
	}

	res, err := tx.Exec(`
	UPDATE requests
	SET status = ?, assigned = NULL, proof = NULL,
		proofFailures = proofFailures + ?,
		lastStatusUpdate = MAX(lastStatusUpdate+1, ?)
	WHERE id = ? AND status = ? AND assigned = ?
	`, types.RequestStatusAccepted, failureInc, nowMilli(), id.Hex(),
		from, op.Hex())
	if err != nil {
		return 0, storeErr("RevertToAccepted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("RevertToAccepted", err)
	}
	if n == 0 {
		return 0, r.statusConflict(id, types.RequestStatusAccepted, &op)
	}

	_, err = tx.Exec(
		"INSERT OR IGNORE INTO exclusions(requestID, operatorID) values(?, ?)",
		id.Hex(), op.Hex())
	if err != nil {
		return 0, storeErr("RevertToAccepted", err)
	}

	var failures int
	row := tx.QueryRow("SELECT proofFailures FROM requests WHERE id = ?", id.Hex())
	if err := row.Scan(&failures); err != nil {
		return 0, storeErr("RevertToAccepted", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("RevertToAccepted", err)
	}
	return failures, nil
}

// AddAssignmentExclusion records an operator that must not be considered
// again for the given request
func (r *SQLite) AddAssignmentExclusion(id types.RequestID,
	op types.OperatorID) error {
	_, err := r.db.Exec(
		"INSERT OR IGNORE INTO exclusions(requestID, operatorID) values(?, ?)",
		id.Hex(), op.Hex())
	if err != nil {
		return storeErr("AddAssignmentExclusion", err)
	}
	return nil
}

// AssignmentExclusions returns the operators excluded from matching for the
// given request
func (r *SQLite) AssignmentExclusions(id types.RequestID) (
	map[types.OperatorID]bool, error) {
	rows, err := r.db.Query(
		"SELECT operatorID FROM exclusions WHERE requestID = ?", id.Hex())
	if err != nil {
		return nil, storeErr("AssignmentExclusions", err)
	}
	defer rows.Close() //nolint:errcheck

	excluded := make(map[types.OperatorID]bool)
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, storeErr("AssignmentExclusions", err)
		}
		excluded[common.HexToAddress(op)] = true
	}
	return excluded, nil
}

// transitionStatus runs a guarded status update and resolves the outcome
// when the guard did not match
func (r *SQLite) transitionStatus(id types.RequestID, op *types.OperatorID,
	target types.RequestStatus, query string, args ...interface{}) error {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return storeErr("transitionStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("transitionStatus", err)
	}
	if n == 0 {
		return r.statusConflict(id, target, op)
	}
	return nil
}

// statusConflict classifies a guarded update that affected no rows: unknown
// id, already-applied transition (a no-op for at-least-once delivery), an
// edge the status machine does not have, or a plain race.
func (r *SQLite) statusConflict(id types.RequestID,
	target types.RequestStatus, op *types.OperatorID) error {
	req, err := r.GetRequest(id)
	if err != nil {
		return err
	}
	if req.Status == target {
		if op == nil || (req.Assigned != nil && *req.Assigned == *op) {
			return nil
		}
		// someone else took the request to the target state
		return fmt.Errorf("%w: request %s is already %s",
			types.ErrConflict, id.Hex(), req.Status)
	}
	if !types.ValidStatusTransition(req.Status, target) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition,
			req.Status, target)
	}
	return fmt.Errorf("%w: request %s is %s, can not move to %s",
		types.ErrConflict, id.Hex(), req.Status, target)
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*types.Request, error) {
	var (
		idStr, hashStr, publicKey, requester string
		assigned, amount, rejection          sql.NullString
		payload, signature, proof            []byte
		lastStatusUpdate                     int64
		status, payment                      int
		proofFailures                        int
		pendingReady                         bool
	)
	err := row.Scan(&idStr, &assigned, &lastStatusUpdate, &payment, &amount,
		&hashStr, &publicKey, &payload, &signature, &requester, &status,
		&rejection, &proof, &proofFailures, &pendingReady)
	if err != nil {
		return nil, err
	}

	req := types.Request{
		ID:               common.HexToHash(idStr),
		Status:           types.RequestStatus(status),
		Payment:          types.PaymentStatus(payment),
		Proof:            proof,
		ProofFailures:    proofFailures,
		PendingReady:     pendingReady,
		LastStatusUpdate: time.UnixMilli(lastStatusUpdate),
	}
	if err := json.Unmarshal(payload, &req.Signed); err != nil {
		return nil, fmt.Errorf("can not decode request %s payload: %w", idStr, err)
	}
	if assigned.Valid {
		op := common.HexToAddress(assigned.String)
		req.Assigned = &op
	}
	if amount.Valid {
		a, ok := new(big.Int).SetString(amount.String, 10)
		if !ok {
			return nil, fmt.Errorf("can not decode request %s amount %q",
				idStr, amount.String)
		}
		req.Amount = a
	}
	if rejection.Valid {
		req.RejectionMessage = rejection.String
	}
	return &req, nil
}
