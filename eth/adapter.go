package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/proofmarket/matchmaker-node/types"
	"go.vocdoni.io/dvote/log"
)

const (
	// txGasLimit bounds the gas of the escrow contract calls
	txGasLimit = 200000
	// txMaxRetries bounds the send attempts before the call is reported
	// unavailable and left to the reconcile pass
	txMaxRetries = 4
)

// Contract method signatures. All three take the request id, the account the
// funds relate to, and the amount.
const (
	methodReserve = "reserve(bytes32,address,uint256)"
	methodSettle  = "settle(bytes32,address,uint256)"
	methodRelease = "release(bytes32,address,uint256)"
)

// Reserve implements escrow.ChainAdapter, asking the contract to hold the
// amount from the requester's deposit
func (c *Client) Reserve(ctx context.Context, id types.RequestID,
	requester common.Address, amount *big.Int) error {
	return c.submitTx(ctx, methodReserve, id, requester, amount)
}

// Pay implements escrow.ChainAdapter, asking the contract to settle the held
// amount to the operator
func (c *Client) Pay(ctx context.Context, id types.RequestID,
	operator types.OperatorID, amount *big.Int) error {
	return c.submitTx(ctx, methodSettle, id, operator, amount)
}

// Release implements escrow.ChainAdapter, asking the contract to return the
// held amount to the requester
func (c *Client) Release(ctx context.Context, id types.RequestID,
	requester common.Address, amount *big.Int) error {
	return c.submitTx(ctx, methodRelease, id, requester, amount)
}

// submitTx packs, signs and sends a contract call, retrying transient send
// failures with exponential backoff
func (c *Client) submitTx(ctx context.Context, method string,
	id types.RequestID, account common.Address, amount *big.Int) error {
	if c.signKey == nil {
		return fmt.Errorf("%w: no signing key configured",
			types.ErrChainUnavailable)
	}
	data := packCall(method, id, account, amount)

	send := func() error {
		return c.sendTx(ctx, data)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), txMaxRetries),
		ctx)
	if err := backoff.Retry(send, bo); err != nil {
		log.Warnf("%s call for request %s gave up after retries: %v",
			method, id.Hex(), err)
		return fmt.Errorf("%w: %v", types.ErrChainUnavailable, err)
	}
	return nil
}

func (c *Client) sendTx(ctx context.Context, data []byte) error {
	nonce, err := c.client.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return err
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}

	tx := ethtypes.NewTransaction(nonce, c.contractAddr, big.NewInt(0),
		txGasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx,
		ethtypes.LatestSignerForChainID(c.chainID), c.signKey)
	if err != nil {
		// a signing failure will not fix itself, stop retrying
		return backoff.Permanent(err)
	}
	return c.client.SendTransaction(ctx, signedTx)
}

// packCall builds the calldata of a contract method taking (bytes32,
// address, uint256)
func packCall(method string, id types.RequestID, account common.Address,
	amount *big.Int) []byte {
	if amount == nil {
		amount = big.NewInt(0)
	}
	data := crypto.Keccak256([]byte(method))[:4]
	data = append(data, id.Bytes()...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
