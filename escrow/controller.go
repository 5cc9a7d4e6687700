// Package escrow drives the payment sub-state of each request and keeps it
// converging with the on-chain escrow contract. Transitions in the store are
// authoritative; contract calls are re-signalled until the chain confirms
// them, so a crashed or partitioned node catches up by re-scanning.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/proofmarket/matchmaker-node/db"
	"github.com/proofmarket/matchmaker-node/metrics"
	"github.com/proofmarket/matchmaker-node/types"
	"go.vocdoni.io/dvote/log"
)

// ChainAdapter sends escrow operations to the payment contract. Calls are
// at-least-once: the contract treats a repeated call for the same request as
// a no-op, and confirmations arrive asynchronously through the event sync.
type ChainAdapter interface {
	// Reserve asks the contract to hold amount from the requester's
	// deposit for the given request
	Reserve(ctx context.Context, id types.RequestID,
		requester common.Address, amount *big.Int) error
	// Pay asks the contract to settle the held amount to the operator
	Pay(ctx context.Context, id types.RequestID, operator types.OperatorID,
		amount *big.Int) error
	// Release asks the contract to return the held amount to the requester
	Release(ctx context.Context, id types.RequestID,
		requester common.Address, amount *big.Int) error
}

// Controller owns the payment lifecycle of requests
type Controller struct {
	store *db.SQLite
	chain ChainAdapter
}

// New returns a Controller over the given store and chain adapter
func New(store *db.SQLite, chain ChainAdapter) *Controller {
	return &Controller{
		store: store,
		chain: chain,
	}
}

// BeginReserve moves the payment to ToReserve and signals the hold to the
// contract. A failing contract call is not an error here: the payment stays
// ToReserve and ReconcilePass re-signals it.
func (c *Controller) BeginReserve(ctx context.Context, req *types.Request) error {
	if err := c.store.SetPaymentToReserve(req.ID, req.Signed.Payload.Amount); err != nil {
		return err
	}
	metrics.PaymentTransition(types.PaymentToReserve.String())

	err := c.chain.Reserve(ctx, req.ID, req.Requester(), req.Signed.Payload.Amount)
	metrics.ChainCall("reserve", err)
	if err != nil {
		log.Warnf("reserve call for request %s failed, will reconcile: %v",
			req.ID.Hex(), err)
	}
	return nil
}

// ConfirmReserved applies an on-chain Reserved confirmation. When the proof
// was verified before the confirmation arrived, the deferred promotion takes
// the payment straight to ReadyToPay.
func (c *Controller) ConfirmReserved(id types.RequestID) error {
	pending, err := c.store.SetPaymentReserved(id)
	if err != nil {
		return err
	}
	metrics.PaymentTransition(types.PaymentReserved.String())

	if pending {
		if err := c.store.SetPaymentReady(id); err != nil {
			return err
		}
		metrics.PaymentTransition(types.PaymentReadyToPay.String())
	}
	return nil
}

// OnProven promotes the payment to ReadyToPay after a verified proof. When
// the Reserved confirmation has not arrived yet, the promotion is deferred
// and applied by ConfirmReserved.
func (c *Controller) OnProven(id types.RequestID) error {
	err := c.store.SetPaymentReady(id)
	if err == nil {
		metrics.PaymentTransition(types.PaymentReadyToPay.String())
		return nil
	}
	if !errors.Is(err, types.ErrConflict) {
		return err
	}

	marked, err := c.store.MarkPendingReady(id)
	if err != nil {
		return err
	}
	if marked {
		log.Debugf("request %s proven before reserve confirmation, "+
			"deferring ReadyToPay", id.Hex())
		return nil
	}
	// the confirmation landed between the two attempts
	if err := c.store.SetPaymentReady(id); err != nil {
		return err
	}
	metrics.PaymentTransition(types.PaymentReadyToPay.String())
	return nil
}

// ConfirmSettled applies an on-chain Settled confirmation, closing the
// payment as Paid
func (c *Controller) ConfirmSettled(id types.RequestID) error {
	if err := c.store.SetPaymentPaid(id); err != nil {
		return err
	}
	metrics.PaymentTransition(types.PaymentPaid.String())
	return nil
}

// RefundOnTerminal returns held funds when the request closes without a
// settlement. Refunding a payment that never moved is a no-op; refunding a
// settled one is rejected by the store.
func (c *Controller) RefundOnTerminal(ctx context.Context, id types.RequestID) error {
	req, err := c.store.GetRequest(id)
	if err != nil {
		return err
	}
	if !req.Status.IsFinal() {
		return fmt.Errorf("%w: request %s is still %s, nothing to refund",
			types.ErrConflict, id.Hex(), req.Status)
	}

	if err := c.store.SetPaymentRefund(id); err != nil {
		return err
	}
	if req.Payment == types.PaymentNothing ||
		req.Payment == types.PaymentRefund {
		return nil
	}
	metrics.PaymentTransition(types.PaymentRefund.String())

	err = c.chain.Release(ctx, id, req.Requester(), req.Amount)
	metrics.ChainCall("release", err)
	if err != nil {
		log.Warnf("release call for request %s failed, will reconcile: %v",
			id.Hex(), err)
	}
	return nil
}

// SettlePass signals the contract to pay out every request sitting in
// ReadyToPay. The payment stays ReadyToPay until the Settled event confirms
// it, so repeating the pass is safe.
func (c *Controller) SettlePass(ctx context.Context) error {
	requests, err := c.store.ReadRequestsByPayment(types.PaymentReadyToPay)
	if err != nil {
		return err
	}

	for i := range requests {
		req := &requests[i]
		if req.Assigned == nil {
			log.Errorf("request %s is ReadyToPay without an operator", req.ID.Hex())
			continue
		}
		err := c.chain.Pay(ctx, req.ID, *req.Assigned, req.Amount)
		metrics.ChainCall("pay", err)
		if err != nil {
			log.Warnf("pay call for request %s failed, will retry: %v",
				req.ID.Hex(), err)
		}
	}
	return nil
}

// ReconcilePass re-signals the contract for every payment stuck in
// ToReserve, and re-releases refunds whose release call may have been lost
func (c *Controller) ReconcilePass(ctx context.Context) error {
	requests, err := c.store.ReadRequestsByPayment(types.PaymentToReserve)
	if err != nil {
		return err
	}

	for i := range requests {
		req := &requests[i]
		err := c.chain.Reserve(ctx, req.ID, req.Requester(), req.Amount)
		metrics.ChainCall("reserve", err)
		if err != nil {
			log.Warnf("reserve call for request %s failed, will retry: %v",
				req.ID.Hex(), err)
		}
	}
	return nil
}
