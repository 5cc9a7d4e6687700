package db

import (
	"errors"
	"math/big"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/proofmarket/matchmaker-node/test"
	"github.com/proofmarket/matchmaker-node/types"
)

func TestOperatorHeartbeat(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)
	op := keys.Addresses[0]

	_, err := sqlite.GetOperator(op)
	c.Assert(errors.Is(err, types.ErrNotFound), qt.IsTrue)

	err = sqlite.UpsertOperatorHeartbeat(op, types.Resource{Ram: 16, CpuCores: 8})
	c.Assert(err, qt.IsNil)

	operator, err := sqlite.GetOperator(op)
	c.Assert(err, qt.IsNil)
	c.Assert(operator.Online, qt.IsTrue)
	c.Assert(operator.Resource.Ram, qt.Equals, uint64(16))
	c.Assert(operator.IsOnline(time.Now()), qt.IsTrue)

	// a heartbeat refreshes the declared capacity
	err = sqlite.UpsertOperatorHeartbeat(op, types.Resource{Ram: 32, CpuCores: 8})
	c.Assert(err, qt.IsNil)
	operator, err = sqlite.GetOperator(op)
	c.Assert(err, qt.IsNil)
	c.Assert(operator.Resource.Ram, qt.Equals, uint64(32))

	err = sqlite.SetOperatorOnline(op, false)
	c.Assert(err, qt.IsNil)
	operator, err = sqlite.GetOperator(op)
	c.Assert(err, qt.IsNil)
	c.Assert(operator.Online, qt.IsFalse)
	c.Assert(operator.IsOnline(time.Now()), qt.IsFalse)

	err = sqlite.SetOperatorOnline(keys.Addresses[0], true)
	c.Assert(err, qt.IsNil)

	// unknown operators can not be flagged
	err = sqlite.SetOperatorOnline(types.OperatorID{0x01}, true)
	c.Assert(errors.Is(err, types.ErrNotFound), qt.IsTrue)
}

func TestAdjustReputation(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)
	op := keys.Addresses[0]

	err := sqlite.UpsertOperatorHeartbeat(op, types.Resource{})
	c.Assert(err, qt.IsNil)

	err = sqlite.AdjustReputation(op, 1)
	c.Assert(err, qt.IsNil)
	err = sqlite.AdjustReputation(op, -2)
	c.Assert(err, qt.IsNil)

	operator, err := sqlite.GetOperator(op)
	c.Assert(err, qt.IsNil)
	c.Assert(operator.Reputation, qt.Equals, int64(-1))
}

func TestAvailableOperators(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(3)
	op1, op2 := keys.Addresses[1], keys.Addresses[2]

	err := sqlite.UpsertOperatorHeartbeat(op1, types.Resource{})
	c.Assert(err, qt.IsNil)
	err = sqlite.UpsertOperatorHeartbeat(op2, types.Resource{})
	c.Assert(err, qt.IsNil)

	operators, err := sqlite.AvailableOperators()
	c.Assert(err, qt.IsNil)
	c.Assert(len(operators), qt.Equals, 2)

	// an operator with a live assignment is occupied
	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	_, err = sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAccepted(signed.ID())
	c.Assert(err, qt.IsNil)
	err = sqlite.SetAssigned(signed.ID(), op1)
	c.Assert(err, qt.IsNil)

	operators, err = sqlite.AvailableOperators()
	c.Assert(err, qt.IsNil)
	c.Assert(len(operators), qt.Equals, 1)
	c.Assert(operators[0].ID, qt.Equals, op2)

	// and becomes available again once the request closes
	err = sqlite.SetAcknowledged(signed.ID(), op1)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetProofBeingTested(signed.ID(), op1, []byte("proof"))
	c.Assert(err, qt.IsNil)
	err = sqlite.SetProven(signed.ID())
	c.Assert(err, qt.IsNil)

	operators, err = sqlite.AvailableOperators()
	c.Assert(err, qt.IsNil)
	c.Assert(len(operators), qt.Equals, 2)
}

func TestCountOnlineOperators(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(2)

	count, err := sqlite.CountOnlineOperators(time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 0)

	err = sqlite.UpsertOperatorHeartbeat(keys.Addresses[0], types.Resource{})
	c.Assert(err, qt.IsNil)
	err = sqlite.UpsertOperatorHeartbeat(keys.Addresses[1], types.Resource{})
	c.Assert(err, qt.IsNil)
	err = sqlite.SetOperatorOnline(keys.Addresses[1], false)
	c.Assert(err, qt.IsNil)

	count, err = sqlite.CountOnlineOperators(time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)

	// a heartbeat older than the liveness window does not count
	count, err = sqlite.CountOnlineOperators(
		time.Now().Add(2 * types.OperatorLivenessWindow))
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 0)
}

func TestAvsOperators(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(2)
	op1, op2 := keys.Addresses[0], keys.Addresses[1]

	err := sqlite.UpsertOperatorSocket(op1, "10.0.0.1:9100")
	c.Assert(err, qt.IsNil)
	err = sqlite.SetOperatorELRegistered(op1, true)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetOperatorRegisteredTill(op1, 5000)
	c.Assert(err, qt.IsNil)

	// registered but without a known socket
	err = sqlite.SetOperatorELRegistered(op2, true)
	c.Assert(err, qt.IsNil)

	record, err := sqlite.GetAvsOperator(op1)
	c.Assert(err, qt.IsNil)
	c.Assert(record.Socket, qt.Equals, "10.0.0.1:9100")
	c.Assert(record.ELRegistered, qt.IsTrue)
	c.Assert(record.RegisteredTillBlock, qt.Equals, uint64(5000))

	ready, err := sqlite.ReadyAvsOperators()
	c.Assert(err, qt.IsNil)
	c.Assert(len(ready), qt.Equals, 1)
	_, ok := ready[op1]
	c.Assert(ok, qt.IsTrue)

	// deregistration drops the operator from the ready set
	err = sqlite.SetOperatorELRegistered(op1, false)
	c.Assert(err, qt.IsNil)
	ready, err = sqlite.ReadyAvsOperators()
	c.Assert(err, qt.IsNil)
	c.Assert(len(ready), qt.Equals, 0)
}

func TestRequesterDeposit(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	_, err := sqlite.GetRequesterDeposit(keys.Addresses[0])
	c.Assert(errors.Is(err, types.ErrNotFound), qt.IsTrue)

	err = sqlite.SetRequesterDeposit(keys.Addresses[0], big.NewInt(1000))
	c.Assert(err, qt.IsNil)

	deposit, err := sqlite.GetRequesterDeposit(keys.Addresses[0])
	c.Assert(err, qt.IsNil)
	c.Assert(deposit.Int64(), qt.Equals, int64(1000))

	// deposits are mirrored, the last observed balance wins
	err = sqlite.SetRequesterDeposit(keys.Addresses[0], big.NewInt(400))
	c.Assert(err, qt.IsNil)
	deposit, err = sqlite.GetRequesterDeposit(keys.Addresses[0])
	c.Assert(err, qt.IsNil)
	c.Assert(deposit.Int64(), qt.Equals, int64(400))
}

func TestDeadlines(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)

	id1 := types.RequestID{0x01}
	id2 := types.RequestID{0x02}
	now := time.Now()

	_, _, ok, err := sqlite.NearestDeadline()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	err = sqlite.UpsertDeadline(id1, now.Add(time.Minute))
	c.Assert(err, qt.IsNil)
	err = sqlite.UpsertDeadline(id2, now.Add(time.Second))
	c.Assert(err, qt.IsNil)

	nearest, _, ok, err := sqlite.NearestDeadline()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(nearest, qt.Equals, id2)

	expired, err := sqlite.ExpiredDeadlines(now.Add(10 * time.Second))
	c.Assert(err, qt.IsNil)
	c.Assert(expired, qt.DeepEquals, []types.RequestID{id2})

	expired, err = sqlite.ExpiredDeadlines(now.Add(2 * time.Minute))
	c.Assert(err, qt.IsNil)
	c.Assert(len(expired), qt.Equals, 2)

	err = sqlite.RemoveDeadline(id2)
	c.Assert(err, qt.IsNil)
	nearest, _, ok, err = sqlite.NearestDeadline()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(nearest, qt.Equals, id1)
}
