package db

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/proofmarket/matchmaker-node/test"
	"github.com/proofmarket/matchmaker-node/types"
)

func newTestSQLite(c *qt.C) *SQLite {
	database, err := sql.Open("sqlite3",
		filepath.Join(c.TempDir(), "testdb.sqlite3"))
	c.Assert(err, qt.IsNil)

	sqlite := NewSQLite(database)
	err = sqlite.Migrate()
	c.Assert(err, qt.IsNil)
	return sqlite
}

func TestCreateRequestIdempotent(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)

	created, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.IsTrue)

	// re-submitting the identical request keeps the stored record
	created, err = sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.IsFalse)

	req, err := sqlite.GetRequest(signed.ID())
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusCreated)
	c.Assert(req.Payment, qt.Equals, types.PaymentNothing)
	c.Assert(req.Requester(), qt.Equals, keys.Addresses[0])
	c.Assert(req.Amount.Int64(), qt.Equals, int64(100))
	c.Assert(req.Assigned, qt.IsNil)
}

func TestGetRequestNotFound(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)

	_, err := sqlite.GetRequest(types.RequestID{0x01})
	c.Assert(errors.Is(err, types.ErrNotFound), qt.IsTrue)
}

func TestStatusLifecycle(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(2)
	op := keys.Addresses[1]

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	err = sqlite.UpsertOperatorHeartbeat(op, types.Resource{Ram: 8})
	c.Assert(err, qt.IsNil)

	err = sqlite.SetAccepted(id)
	c.Assert(err, qt.IsNil)

	err = sqlite.SetAssigned(id, op)
	c.Assert(err, qt.IsNil)
	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusAssigned)
	c.Assert(*req.Assigned, qt.Equals, op)

	// assigning again with the same operator is a replay, with another
	// operator a conflict
	err = sqlite.SetAssigned(id, op)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAssigned(id, keys.Addresses[0])
	c.Assert(errors.Is(err, types.ErrConflict), qt.IsTrue)

	err = sqlite.SetAcknowledged(id, op)
	c.Assert(err, qt.IsNil)
	// acknowledge replays are no-ops
	err = sqlite.SetAcknowledged(id, op)
	c.Assert(err, qt.IsNil)

	err = sqlite.SetProofBeingTested(id, op, []byte("draft proof"))
	c.Assert(err, qt.IsNil)

	// the operator may replace the bytes while verification is pending,
	// another operator may not
	err = sqlite.UpdateProof(id, op, []byte("proof"))
	c.Assert(err, qt.IsNil)
	err = sqlite.UpdateProof(id, keys.Addresses[0], []byte("hijack"))
	c.Assert(errors.Is(err, types.ErrConflict), qt.IsTrue)

	err = sqlite.SetProven(id)
	c.Assert(err, qt.IsNil)
	req, err = sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusProven)
	c.Assert(req.Proof, qt.DeepEquals, []byte("proof"))

	// Proven is terminal
	err = sqlite.SetAccepted(id)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
	err = sqlite.SetCancelled(id)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
}

func TestStatusGuards(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(2)
	op := keys.Addresses[1]

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	// Created can never be assigned nor proven: these are not edges of the
	// status machine at all
	err = sqlite.SetAssigned(id, op)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
	err = sqlite.SetProven(id)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)

	// acknowledging an assignment that belongs to another operator fails
	err = sqlite.SetAccepted(id)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAssigned(id, op)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAcknowledged(id, keys.Addresses[0])
	c.Assert(errors.Is(err, types.ErrConflict), qt.IsTrue)
}

func TestSetCancelled(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	err = sqlite.SetAccepted(id)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetCancelled(id)
	c.Assert(err, qt.IsNil)

	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusCancelled)

	// cancelling twice is a replay
	err = sqlite.SetCancelled(id)
	c.Assert(err, qt.IsNil)
}

func TestSetRejected(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	err = sqlite.SetRejected(id, "deposit insufficient")
	c.Assert(err, qt.IsNil)

	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusRejected)
	c.Assert(req.RejectionMessage, qt.Equals, "deposit insufficient")

	// Rejected is terminal
	err = sqlite.SetAccepted(id)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
}

func TestRevertToAccepted(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(3)
	op1, op2 := keys.Addresses[1], keys.Addresses[2]

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAccepted(id)
	c.Assert(err, qt.IsNil)
	err = sqlite.UpsertOperatorHeartbeat(op1, types.Resource{})
	c.Assert(err, qt.IsNil)
	err = sqlite.UpsertOperatorHeartbeat(op2, types.Resource{})
	c.Assert(err, qt.IsNil)

	// acknowledge timeout: back from Assigned, no failure counted
	err = sqlite.SetAssigned(id, op1)
	c.Assert(err, qt.IsNil)
	failures, err := sqlite.RevertToAccepted(id, types.RequestStatusAssigned,
		op1, false)
	c.Assert(err, qt.IsNil)
	c.Assert(failures, qt.Equals, 0)

	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusAccepted)
	c.Assert(req.Assigned, qt.IsNil)

	excluded, err := sqlite.AssignmentExclusions(id)
	c.Assert(err, qt.IsNil)
	c.Assert(excluded[op1], qt.IsTrue)
	c.Assert(excluded[op2], qt.IsFalse)

	// failed verification: back from ProofBeingTested, failure counted and
	// the stored proof dropped
	err = sqlite.SetAssigned(id, op2)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAcknowledged(id, op2)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetProofBeingTested(id, op2, []byte("bad proof"))
	c.Assert(err, qt.IsNil)
	failures, err = sqlite.RevertToAccepted(id,
		types.RequestStatusProofBeingTested, op2, true)
	c.Assert(err, qt.IsNil)
	c.Assert(failures, qt.Equals, 1)

	req, err = sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.RequestStatusAccepted)
	c.Assert(req.Proof, qt.IsNil)
	c.Assert(req.ProofFailures, qt.Equals, 1)

	excluded, err = sqlite.AssignmentExclusions(id)
	c.Assert(err, qt.IsNil)
	c.Assert(excluded[op2], qt.IsTrue)

	// a stale revert after the request moved on is a conflict
	_, err = sqlite.RevertToAccepted(id, types.RequestStatusAssigned, op1, false)
	c.Assert(errors.Is(err, types.ErrConflict), qt.IsTrue)
}

func TestMonotonicStatusUpdate(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	created := req.LastStatusUpdate

	err = sqlite.SetAccepted(id)
	c.Assert(err, qt.IsNil)

	req, err = sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.LastStatusUpdate.After(created), qt.IsTrue)
}

func TestReadRequestsByStatus(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	for i := 0; i < 3; i++ {
		signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"),
			100, uint64(i))
		_, err := sqlite.CreateRequest(signed)
		c.Assert(err, qt.IsNil)
		if i < 2 {
			err = sqlite.SetAccepted(signed.ID())
			c.Assert(err, qt.IsNil)
		}
	}

	accepted, err := sqlite.ReadRequestsByStatus(types.RequestStatusAccepted)
	c.Assert(err, qt.IsNil)
	c.Assert(len(accepted), qt.Equals, 2)

	created, err := sqlite.ReadRequestsByStatus(types.RequestStatusCreated)
	c.Assert(err, qt.IsNil)
	c.Assert(len(created), qt.Equals, 1)
}

func TestAssignedRequestForOperator(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(2)
	op := keys.Addresses[1]

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	err = sqlite.UpsertOperatorHeartbeat(op, types.Resource{})
	c.Assert(err, qt.IsNil)

	_, err = sqlite.AssignedRequestForOperator(op)
	c.Assert(errors.Is(err, types.ErrNotFound), qt.IsTrue)

	err = sqlite.SetAccepted(id)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAssigned(id, op)
	c.Assert(err, qt.IsNil)

	req, err := sqlite.AssignedRequestForOperator(op)
	c.Assert(err, qt.IsNil)
	c.Assert(req.ID, qt.Equals, id)
}
