// Package matching selects an eligible operator for a pending proof
// request. Eligibility is a query over the stored operator views, never an
// in-memory set, so replicated controllers observe the same candidates.
package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/proofmarket/matchmaker-node/db"
	"github.com/proofmarket/matchmaker-node/types"
	"go.vocdoni.io/dvote/log"
)

// Scorer ranks operators for assignment. Higher scores win; ties are broken
// by least-recently-assigned.
type Scorer interface {
	Score(op types.Operator) int64
}

// ReputationScorer ranks operators by their raw reputation score
type ReputationScorer struct{}

// Score implements the Scorer interface for ReputationScorer
func (ReputationScorer) Score(op types.Operator) int64 {
	return op.Reputation
}

// Engine filters and ranks operators for pending requests
type Engine struct {
	store  *db.SQLite
	scorer Scorer
}

// New returns a new Engine over the given store. A nil scorer falls back to
// reputation ranking.
func New(store *db.SQLite, scorer Scorer) *Engine {
	if scorer == nil {
		scorer = ReputationScorer{}
	}
	return &Engine{
		store:  store,
		scorer: scorer,
	}
}

// Select returns the best eligible operator for the given request, or
// ErrNoEligibleOperator when the filtered set is empty. Eligible means:
// online and recently interacting, not occupied by a live assignment, stake
// commitment lasting beyond the current chain height, declared capacity
// covering the request's requirement, and not on the request's exclusion
// list.
func (e *Engine) Select(req *types.Request, now time.Time) (types.OperatorID, error) {
	operators, err := e.store.AvailableOperators()
	if err != nil {
		return types.OperatorID{}, err
	}

	avsRecords, err := e.store.ReadyAvsOperators()
	if err != nil {
		return types.OperatorID{}, err
	}

	height, err := e.store.GetLastSyncBlockNum()
	if err != nil {
		if err != db.ErrMetaNotInDB {
			return types.OperatorID{}, err
		}
		height = 0
	}

	excluded, err := e.store.AssignmentExclusions(req.ID)
	if err != nil {
		return types.OperatorID{}, err
	}

	var eligible []types.Operator
	for _, op := range operators {
		if !op.IsOnline(now) {
			continue
		}
		if excluded[op.ID] {
			continue
		}
		record, ok := avsRecords[op.ID]
		if !ok || record.RegisteredTillBlock <= height {
			continue
		}
		if !op.Resource.Fulfills(req.Signed.Payload.Requirement) {
			continue
		}
		eligible = append(eligible, op)
	}

	if len(eligible) == 0 {
		log.Debugf("no eligible operator for request %s (candidates: %d)",
			req.ID.Hex(), len(operators))
		return types.OperatorID{},
			fmt.Errorf("%w: request %s", types.ErrNoEligibleOperator, req.ID.Hex())
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := e.scorer.Score(eligible[i]), e.scorer.Score(eligible[j])
		if si != sj {
			return si > sj
		}
		if !eligible[i].LastAssignment.Equal(eligible[j].LastAssignment) {
			return eligible[i].LastAssignment.Before(eligible[j].LastAssignment)
		}
		return eligible[i].LastInteraction.Before(eligible[j].LastInteraction)
	})

	return eligible[0].ID, nil
}
