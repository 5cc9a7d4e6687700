package db

import (
	"errors"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/proofmarket/matchmaker-node/test"
	"github.com/proofmarket/matchmaker-node/types"
)

func TestPaymentProgression(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	err = sqlite.SetPaymentToReserve(id, big.NewInt(100))
	c.Assert(err, qt.IsNil)

	pending, err := sqlite.SetPaymentReserved(id)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.IsFalse)

	// a replayed confirmation is a no-op
	pending, err = sqlite.SetPaymentReserved(id)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.IsFalse)

	err = sqlite.SetPaymentReady(id)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentPaid(id)
	c.Assert(err, qt.IsNil)

	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Payment, qt.Equals, types.PaymentPaid)

	// settled payments can not be refunded
	err = sqlite.SetPaymentRefund(id)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
}

func TestPaymentSkippedState(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	// ReadyToPay requires the Reserved confirmation first
	err = sqlite.SetPaymentToReserve(id, big.NewInt(100))
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentReady(id)
	c.Assert(errors.Is(err, types.ErrConflict), qt.IsTrue)
}

func TestPendingReadyPromotion(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	id := signed.ID()
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)

	err = sqlite.SetPaymentToReserve(id, big.NewInt(100))
	c.Assert(err, qt.IsNil)

	// the proof verified before the Reserved confirmation arrived
	marked, err := sqlite.MarkPendingReady(id)
	c.Assert(err, qt.IsNil)
	c.Assert(marked, qt.IsTrue)

	pending, err := sqlite.SetPaymentReserved(id)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.IsTrue)

	err = sqlite.SetPaymentReady(id)
	c.Assert(err, qt.IsNil)

	req, err := sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Payment, qt.Equals, types.PaymentReadyToPay)
	c.Assert(req.PendingReady, qt.IsFalse)

	// marking after the payment left ToReserve reports the caller should
	// promote directly
	marked, err = sqlite.MarkPendingReady(id)
	c.Assert(err, qt.IsNil)
	c.Assert(marked, qt.IsFalse)
}

func TestPaymentRefund(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(1)

	// refunding a payment that never moved is a no-op
	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 0)
	_, err := sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentRefund(signed.ID())
	c.Assert(err, qt.IsNil)
	req, err := sqlite.GetRequest(signed.ID())
	c.Assert(err, qt.IsNil)
	c.Assert(req.Payment, qt.Equals, types.PaymentNothing)

	// refund from Reserved
	signed = test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 100, 1)
	id := signed.ID()
	_, err = sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentToReserve(id, big.NewInt(100))
	c.Assert(err, qt.IsNil)
	_, err = sqlite.SetPaymentReserved(id)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentRefund(id)
	c.Assert(err, qt.IsNil)

	req, err = sqlite.GetRequest(id)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Payment, qt.Equals, types.PaymentRefund)

	// refunding twice is a replay
	err = sqlite.SetPaymentRefund(id)
	c.Assert(err, qt.IsNil)

	// a refunded payment can not progress
	err = sqlite.SetPaymentReady(id)
	c.Assert(errors.Is(err, types.ErrInvalidTransition), qt.IsTrue)
}

func TestCommittedAmountForRequester(t *testing.T) {
	c := qt.New(t)
	sqlite := newTestSQLite(c)
	keys := test.GenKeys(2)

	committed, err := sqlite.CommittedAmountForRequester(keys.Addresses[0])
	c.Assert(err, qt.IsNil)
	c.Assert(committed.Int64(), qt.Equals, int64(0))

	// two live holds of the requester
	for i := 0; i < 2; i++ {
		signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"),
			100, uint64(i))
		_, err := sqlite.CreateRequest(signed)
		c.Assert(err, qt.IsNil)
		err = sqlite.SetPaymentToReserve(signed.ID(), big.NewInt(100))
		c.Assert(err, qt.IsNil)
	}

	// a refunded one that no longer counts
	signed := test.GenSignedRequest(keys.PrivateKeys[0], []byte("circuit"), 50, 2)
	_, err = sqlite.CreateRequest(signed)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentToReserve(signed.ID(), big.NewInt(50))
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentRefund(signed.ID())
	c.Assert(err, qt.IsNil)

	// another requester's hold
	other := test.GenSignedRequest(keys.PrivateKeys[1], []byte("circuit"), 70, 0)
	_, err = sqlite.CreateRequest(other)
	c.Assert(err, qt.IsNil)
	err = sqlite.SetPaymentToReserve(other.ID(), big.NewInt(70))
	c.Assert(err, qt.IsNil)

	committed, err = sqlite.CommittedAmountForRequester(keys.Addresses[0])
	c.Assert(err, qt.IsNil)
	c.Assert(committed.Int64(), qt.Equals, int64(200))
}
