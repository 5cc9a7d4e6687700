package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/proofmarket/matchmaker-node/types"
)

// authBody carries the signature a requester or operator produces over the
// request id to authorize an operation on it
type authBody struct {
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}

// heartbeatReq is the periodic liveness announcement of an operator, posted
// under the operator's own path. At is the signed timestamp in unix
// milliseconds.
type heartbeatReq struct {
	Resource  types.Resource `json:"resource"`
	Socket    string         `json:"socket,omitempty"`
	At        int64          `json:"at"`
	Signature hexutil.Bytes  `json:"signature"`
}

// proofReq carries the proof bytes an operator submits for its assignment
type proofReq struct {
	Operator  common.Address `json:"operator"`
	Proof     hexutil.Bytes  `json:"proof"`
	Signature hexutil.Bytes  `json:"signature"`
}

// submitResp acknowledges a submitted request. Created is false when the
// identical request was already stored.
type submitResp struct {
	ID      common.Hash `json:"id"`
	Created bool        `json:"created"`
}

// requestView is the read-back representation of a stored request
type requestView struct {
	ID               common.Hash     `json:"id"`
	Status           string          `json:"status"`
	Payment          string          `json:"payment"`
	Assigned         *common.Address `json:"assigned,omitempty"`
	Amount           string          `json:"amount"`
	RejectionMessage string          `json:"rejectionMessage,omitempty"`
	Proof            hexutil.Bytes   `json:"proof,omitempty"`
	LastStatusUpdate int64           `json:"lastStatusUpdate"`
}

func newRequestView(req *types.Request) requestView {
	view := requestView{
		ID:               req.ID,
		Status:           req.Status.String(),
		Payment:          req.Payment.String(),
		Assigned:         req.Assigned,
		RejectionMessage: req.RejectionMessage,
		Proof:            req.Proof,
		LastStatusUpdate: req.LastStatusUpdate.UnixMilli(),
	}
	if req.Amount != nil {
		view.Amount = req.Amount.String()
	}
	return view
}
