// Package matchmaker implements the proof request lifecycle: intake and
// acceptance of signed requests, operator assignment, acknowledge deadlines,
// proof verification and the reputation bookkeeping around it. Every
// transition goes through the store's guarded updates, so concurrent calls
// and delivery replays converge on a single history.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proofmarket/matchmaker-node/db"
	"github.com/proofmarket/matchmaker-node/escrow"
	"github.com/proofmarket/matchmaker-node/matching"
	"github.com/proofmarket/matchmaker-node/metrics"
	"github.com/proofmarket/matchmaker-node/types"
	"go.vocdoni.io/dvote/log"
)

const (
	// DefaultAckDeadline is how long an assigned operator has to
	// acknowledge before the request is taken back
	DefaultAckDeadline = 30 * time.Second
	// DefaultProofRetryBudget is how many failed verifications a request
	// survives before it is rejected
	DefaultProofRetryBudget = 3
)

// Reputation deltas applied to operators
const (
	repProvenDelta     = 1
	repAckTimeoutDelta = -1
	repBadProofDelta   = -2
)

// Verifier checks a submitted proof against the request payload. valid=false
// with a nil error means the proof is well-formed but wrong; a non-nil error
// means the verifier could not decide and the check must be retried.
type Verifier interface {
	Verify(ctx context.Context, payload, proof []byte) (bool, error)
}

// Config groups the tunable parameters of the Matchmaker
type Config struct {
	AckDeadline      time.Duration
	ProofRetryBudget int
}

func (c Config) withDefaults() Config {
	if c.AckDeadline <= 0 {
		c.AckDeadline = DefaultAckDeadline
	}
	if c.ProofRetryBudget <= 0 {
		c.ProofRetryBudget = DefaultProofRetryBudget
	}
	return c
}

// Matchmaker coordinates requests, operators and the escrow controller
type Matchmaker struct {
	cfg      Config
	store    *db.SQLite
	engine   *matching.Engine
	escrow   *escrow.Controller
	verifier Verifier
}

// New returns a Matchmaker over the given collaborators
func New(cfg Config, store *db.SQLite, engine *matching.Engine,
	esc *escrow.Controller, verifier Verifier) *Matchmaker {
	return &Matchmaker{
		cfg:      cfg.withDefaults(),
		store:    store,
		engine:   engine,
		escrow:   esc,
		verifier: verifier,
	}
}

// Submit verifies and stores a new signed request, then runs the acceptance
// checks. Re-submitting an identical request is idempotent: created=false
// and the stored record is left untouched.
func (m *Matchmaker) Submit(ctx context.Context, signed *types.SignedRequest) (
	types.RequestID, bool, error) {
	id := signed.ID()

	if err := signed.Verify(); err != nil {
		return id, false, err
	}

	created, err := m.store.CreateRequest(signed)
	if err != nil {
		return id, false, err
	}
	if !created {
		log.Debugf("request %s re-submitted, keeping stored record", id.Hex())
		return id, false, nil
	}
	metrics.StatusTransition(types.RequestStatusCreated.String())
	log.Infof("new request %s from %s, amount %s", id.Hex(),
		signed.Payload.Requester.Hex(), signed.Payload.Amount)

	return id, true, m.accept(ctx, id)
}

// accept runs the deposit check on a Created request: the requester's
// mirrored deposit minus the amounts already committed to live requests must
// cover the offered amount. Passing requests move to Accepted and their
// escrow hold is signalled.
func (m *Matchmaker) accept(ctx context.Context, id types.RequestID) error {
	req, err := m.store.GetRequest(id)
	if err != nil {
		return err
	}

	deposit, err := m.store.GetRequesterDeposit(req.Requester())
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		return m.reject(ctx, id, "requester has no deposit")
	}

	committed, err := m.store.CommittedAmountForRequester(req.Requester())
	if err != nil {
		return err
	}
	available := deposit.Sub(deposit, committed)
	if available.Cmp(req.Amount) < 0 {
		return m.reject(ctx, id, fmt.Sprintf(
			"deposit covers %s of the %s offered", available, req.Amount))
	}

	if err := m.store.SetAccepted(id); err != nil {
		return err
	}
	metrics.StatusTransition(types.RequestStatusAccepted.String())

	return m.escrow.BeginReserve(ctx, req)
}

func (m *Matchmaker) reject(ctx context.Context, id types.RequestID,
	message string) error {
	log.Infof("rejecting request %s: %s", id.Hex(), message)
	if err := m.store.SetRejected(id, message); err != nil {
		return err
	}
	metrics.StatusTransition(types.RequestStatusRejected.String())
	if err := m.escrow.RefundOnTerminal(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", types.ErrDepositInsufficient, message)
}

// Cancel closes a Created or Accepted request on requester demand, returning
// any held funds
func (m *Matchmaker) Cancel(ctx context.Context, id types.RequestID,
	signer types.OperatorID, sig []byte) error {
	req, err := m.store.GetRequest(id)
	if err != nil {
		return err
	}
	if signer != req.Requester() {
		return fmt.Errorf("%w: only the requester may cancel", types.ErrUnauthorized)
	}
	if err := types.VerifySignature(signer, id, sig); err != nil {
		return err
	}

	if err := m.store.SetCancelled(id); err != nil {
		return err
	}
	metrics.StatusTransition(types.RequestStatusCancelled.String())

	if err := m.store.RemoveDeadline(id); err != nil {
		return err
	}
	return m.escrow.RefundOnTerminal(ctx, id)
}

// Status returns the stored record of the request to its requester or to
// the operator it is assigned to
func (m *Matchmaker) Status(id types.RequestID, signer types.OperatorID,
	sig []byte) (*types.Request, error) {
	req, err := m.store.GetRequest(id)
	if err != nil {
		return nil, err
	}
	if signer != req.Requester() &&
		(req.Assigned == nil || *req.Assigned != signer) {
		return nil, fmt.Errorf("%w: not a party of request %s",
			types.ErrUnauthorized, id.Hex())
	}
	if err := types.VerifySignature(signer, id, sig); err != nil {
		return nil, err
	}
	return req, nil
}

// AcceptPass re-runs the acceptance flow over requests a crash may have left
// behind: Created requests whose checks never ran, and Accepted requests
// whose escrow hold was never signalled. Every step is guarded in the store,
// so overlapping passes converge.
func (m *Matchmaker) AcceptPass(ctx context.Context) error {
	created, err := m.store.ReadRequestsByStatus(types.RequestStatusCreated)
	if err != nil {
		return err
	}
	for i := range created {
		if err := m.accept(ctx, created[i].ID); err != nil {
			if errors.Is(err, types.ErrDepositInsufficient) {
				continue
			}
			return err
		}
	}

	accepted, err := m.store.ReadRequestsByStatus(types.RequestStatusAccepted)
	if err != nil {
		return err
	}
	for i := range accepted {
		if accepted[i].Payment != types.PaymentNothing {
			continue
		}
		log.Warnf("request %s is Accepted without an escrow hold, re-reserving",
			accepted[i].ID.Hex())
		if err := m.escrow.BeginReserve(ctx, &accepted[i]); err != nil {
			return err
		}
	}
	return nil
}

// MatchPass tries to assign every Accepted request to an eligible operator.
// Requests without a candidate stay Accepted for the next pass.
func (m *Matchmaker) MatchPass(ctx context.Context) error {
	requests, err := m.store.ReadRequestsByStatus(types.RequestStatusAccepted)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range requests {
		if err := m.assignOne(&requests[i], now); err != nil {
			return err
		}
	}
	return nil
}

// assignOne picks an operator for the request and applies the assignment.
// Losing the assignment race to a concurrent pass is not an error.
func (m *Matchmaker) assignOne(req *types.Request, now time.Time) error {
	op, err := m.engine.Select(req, now)
	if err != nil {
		if errors.Is(err, types.ErrNoEligibleOperator) {
			metrics.AssignmentOutcome("no_operator")
			return nil
		}
		return err
	}

	if err := m.store.SetAssigned(req.ID, op); err != nil {
		if errors.Is(err, types.ErrConflict) ||
			errors.Is(err, types.ErrInvalidTransition) {
			metrics.AssignmentOutcome("conflict")
			return nil
		}
		return err
	}
	metrics.StatusTransition(types.RequestStatusAssigned.String())
	metrics.AssignmentOutcome("assigned")
	log.Infof("request %s assigned to operator %s", req.ID.Hex(), op.Hex())

	return m.store.UpsertDeadline(req.ID, now.Add(m.cfg.AckDeadline))
}

// Acknowledge confirms an assignment on behalf of the operator. Replays of
// the acknowledgement, including ones arriving after the operator already
// submitted a proof, are no-ops.
func (m *Matchmaker) Acknowledge(id types.RequestID, op types.OperatorID,
	sig []byte) error {
	if err := types.VerifySignature(op, id, sig); err != nil {
		return err
	}

	err := m.store.SetAcknowledged(id, op)
	if err != nil {
		replay, rerr := m.isOwnProgression(id, op)
		if rerr != nil {
			return rerr
		}
		if !replay {
			return err
		}
	} else {
		metrics.StatusTransition(types.RequestStatusAcknowledged.String())
	}

	if err := m.store.RemoveDeadline(id); err != nil {
		return err
	}
	return m.store.TouchOperator(op)
}

// isOwnProgression reports whether the request already progressed past the
// attempted transition under the same operator, which makes the attempt a
// delivery replay rather than a failure
func (m *Matchmaker) isOwnProgression(id types.RequestID,
	op types.OperatorID) (bool, error) {
	req, err := m.store.GetRequest(id)
	if err != nil {
		return false, err
	}
	if req.Assigned == nil || *req.Assigned != op {
		return false, nil
	}
	switch req.Status {
	case types.RequestStatusProofBeingTested, types.RequestStatusProven:
		return true, nil
	}
	return false, nil
}

// SubmitProof stores the proof received from the assigned operator and
// verifies it inline. A valid proof closes the request as Proven and
// promotes the payment; an invalid one sends the request back to matching
// with the operator excluded, and exhausting the retry budget rejects the
// request for good.
func (m *Matchmaker) SubmitProof(ctx context.Context, id types.RequestID,
	op types.OperatorID, proof, sig []byte) error {
	if err := types.VerifySignature(op, id, sig); err != nil {
		return err
	}

	req, err := m.store.GetRequest(id)
	if err != nil {
		return err
	}
	if req.Assigned != nil && *req.Assigned == op &&
		req.Status == types.RequestStatusProven {
		// delivery replay after the proof already verified
		return nil
	}

	if req.Status == types.RequestStatusProofBeingTested &&
		req.Assigned != nil && *req.Assigned == op {
		// a re-submission while the earlier bytes were never verified:
		// keep the stored proof in step with what gets verified
		if err := m.store.UpdateProof(id, op, proof); err != nil {
			return err
		}
	} else {
		if err := m.store.SetProofBeingTested(id, op, proof); err != nil {
			return err
		}
		metrics.StatusTransition(types.RequestStatusProofBeingTested.String())
	}

	if err := m.store.TouchOperator(op); err != nil {
		return err
	}
	return m.validate(ctx, req, op, proof)
}

// validate runs the verifier over a ProofBeingTested request and applies
// the verdict
func (m *Matchmaker) validate(ctx context.Context, req *types.Request,
	op types.OperatorID, proof []byte) error {
	valid, err := m.verifier.Verify(ctx, req.Signed.Payload.Payload, proof)
	if err != nil {
		// the request stays ProofBeingTested; the operator re-submits
		return fmt.Errorf("can not verify proof of request %s: %w",
			req.ID.Hex(), err)
	}

	if valid {
		if err := m.store.SetProven(req.ID); err != nil {
			return err
		}
		metrics.StatusTransition(types.RequestStatusProven.String())
		log.Infof("request %s proven by operator %s", req.ID.Hex(), op.Hex())

		if err := m.store.AdjustReputation(op, repProvenDelta); err != nil {
			return err
		}
		return m.escrow.OnProven(req.ID)
	}

	if err := m.store.AdjustReputation(op, repBadProofDelta); err != nil {
		return err
	}

	failures := req.ProofFailures + 1
	log.Warnf("proof of request %s by operator %s failed verification (%d/%d)",
		req.ID.Hex(), op.Hex(), failures, m.cfg.ProofRetryBudget)

	if failures >= m.cfg.ProofRetryBudget {
		// the budget is spent: close the request here instead of sending
		// it back to matching
		message := fmt.Sprintf("proof verification failed %d times", failures)
		if err := m.store.SetRejected(req.ID, message); err != nil {
			return err
		}
		metrics.StatusTransition(types.RequestStatusRejected.String())
		if err := m.escrow.RefundOnTerminal(ctx, req.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s", types.ErrProofInvalid, req.ID.Hex())
	}

	if _, err := m.store.RevertToAccepted(req.ID,
		types.RequestStatusProofBeingTested, op, true); err != nil {
		return err
	}
	metrics.StatusTransition(types.RequestStatusAccepted.String())
	return fmt.Errorf("%w: request %s", types.ErrProofInvalid, req.ID.Hex())
}

// TimeoutPass takes back every Assigned request whose acknowledge deadline
// passed, penalizing the silent operator and excluding it from the request's
// next matching rounds. Losing the race to a late acknowledgement is fine:
// the deadline is simply dropped.
func (m *Matchmaker) TimeoutPass(now time.Time) error {
	ids, err := m.store.ExpiredDeadlines(now)
	if err != nil {
		return err
	}

	for _, id := range ids {
		req, err := m.store.GetRequest(id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				if err := m.store.RemoveDeadline(id); err != nil {
					return err
				}
				continue
			}
			return err
		}

		if req.Status != types.RequestStatusAssigned || req.Assigned == nil {
			if err := m.store.RemoveDeadline(id); err != nil {
				return err
			}
			continue
		}
		op := *req.Assigned

		_, err = m.store.RevertToAccepted(id, types.RequestStatusAssigned,
			op, false)
		if err != nil {
			if errors.Is(err, types.ErrConflict) ||
				errors.Is(err, types.ErrInvalidTransition) {
				// an acknowledgement won the race
				if err := m.store.RemoveDeadline(id); err != nil {
					return err
				}
				continue
			}
			return err
		}
		metrics.StatusTransition(types.RequestStatusAccepted.String())
		log.Warnf("operator %s missed the acknowledge deadline of request %s",
			op.Hex(), id.Hex())

		if err := m.store.AdjustReputation(op, repAckTimeoutDelta); err != nil {
			return err
		}
		// a silent operator is treated as gone until its next heartbeat
		if err := m.store.SetOperatorOnline(op, false); err != nil &&
			!errors.Is(err, types.ErrNotFound) {
			return err
		}
		if err := m.store.RemoveDeadline(id); err != nil {
			return err
		}
	}
	return nil
}

// NextTimeout returns how long the timeout sweep may sleep before the nearest
// acknowledge deadline expires, capped at max
func (m *Matchmaker) NextTimeout(now time.Time, max time.Duration) time.Duration {
	_, deadline, ok, err := m.store.NearestDeadline()
	if err != nil {
		log.Warnf("can not read the nearest deadline: %v", err)
		return max
	}
	if !ok {
		return max
	}
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}

// Heartbeat refreshes the operator's liveness, declared capacity and
// reachable socket, then tries to match waiting requests right away. The
// signed timestamp bounds replays to the liveness window.
func (m *Matchmaker) Heartbeat(ctx context.Context, op types.OperatorID,
	resource types.Resource, socket string, at time.Time, sig []byte) error {
	if err := types.VerifySignature(op, types.HeartbeatDigest(op, at),
		sig); err != nil {
		return err
	}
	drift := time.Since(at)
	if drift < -types.OperatorLivenessWindow ||
		drift > types.OperatorLivenessWindow {
		return fmt.Errorf("%w: heartbeat timestamp out of window",
			types.ErrUnauthorized)
	}

	if err := m.store.UpsertOperatorHeartbeat(op, resource); err != nil {
		return err
	}
	if socket != "" {
		if err := m.store.UpsertOperatorSocket(op, socket); err != nil {
			return err
		}
	}

	// a fresh operator may unblock requests waiting for capacity, so do not
	// leave them for the next sweep
	if err := m.MatchPass(ctx); err != nil {
		log.Warnf("matching after heartbeat of operator %s: %v", op.Hex(), err)
	}
	return nil
}

// PollAssignment returns the operator's live assignment, if any
func (m *Matchmaker) PollAssignment(op types.OperatorID, sig []byte) (
	*types.Request, error) {
	if err := types.VerifySignature(op, types.AssignmentPollDigest(op),
		sig); err != nil {
		return nil, err
	}
	if err := m.store.TouchOperator(op); err != nil &&
		!errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return m.store.AssignedRequestForOperator(op)
}

// OnlineOperators returns how many operators are currently live
func (m *Matchmaker) OnlineOperators(now time.Time) (int, error) {
	return m.store.CountOnlineOperators(now)
}
