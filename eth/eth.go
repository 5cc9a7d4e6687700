// Package eth synchronizes the node with the escrow contract: it mirrors
// deposit balances and operator registrations into the database, applies
// payment confirmations to the escrow controller, and sends the contract
// calls that move funds.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/proofmarket/matchmaker-node/db"
	"github.com/proofmarket/matchmaker-node/escrow"
	"github.com/proofmarket/matchmaker-node/types"
	"go.vocdoni.io/dvote/log"
)

// Event signatures emitted by the escrow contract
var (
	// event DepositUpdated(address requester, uint256 balance)
	eventDepositUpdated = crypto.Keccak256Hash(
		[]byte("DepositUpdated(address,uint256)"))
	// event OperatorRegistered(address operator, uint256 tillBlock)
	eventOperatorRegistered = crypto.Keccak256Hash(
		[]byte("OperatorRegistered(address,uint256)"))
	// event OperatorDeregistered(address operator)
	eventOperatorDeregistered = crypto.Keccak256Hash(
		[]byte("OperatorDeregistered(address)"))
	// event Reserved(bytes32 requestId, uint256 amount)
	eventReserved = crypto.Keccak256Hash([]byte("Reserved(bytes32,uint256)"))
	// event Settled(bytes32 requestId, uint256 amount)
	eventSettled = crypto.Keccak256Hash([]byte("Settled(bytes32,uint256)"))
	// event Released(bytes32 requestId, uint256 amount)
	eventReleased = crypto.Keccak256Hash([]byte("Released(bytes32,uint256)"))
)

// ClientInterf defines the interface that synchronizes with the Ethereum
// blockchain to mirror the escrow contract state
type ClientInterf interface {
	// Sync scans the contract activity since the last synced block until
	// the current block, storing in the database all the updates on
	// deposits and operator registrations, and then live syncs new blocks
	Sync() error
}

// Client implements the ClientInterf that reads data from the Ethereum
// blockchain, and the escrow.ChainAdapter that writes to it
type Client struct {
	client       *ethclient.Client
	db           *db.SQLite
	escrow       *escrow.Controller
	contractAddr common.Address
	signKey      *ecdsa.PrivateKey
	sender       common.Address
	chainID      *big.Int
	ChainID      uint64
}

// Options is used to pass the parameters to load a new Client
type Options struct {
	EthURL       string
	SQLite       *db.SQLite
	Escrow       *escrow.Controller
	ContractAddr common.Address
	// SignKey signs the escrow contract calls. A nil key makes the client
	// read-only: events are mirrored but no transactions are sent.
	SignKey *ecdsa.PrivateKey
}

// New loads a new Client
func New(opts Options) (*Client, error) {
	client, err := ethclient.Dial(opts.EthURL)
	if err != nil {
		log.Error(err)
		return nil, err
	}

	// get network ChainID
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, err
	}

	c := &Client{
		client:       client,
		db:           opts.SQLite,
		escrow:       opts.Escrow,
		contractAddr: opts.ContractAddr,
		signKey:      opts.SignKey,
		chainID:      chainID,
		ChainID:      chainID.Uint64(),
	}
	if opts.SignKey != nil {
		c.sender = crypto.PubkeyToAddress(opts.SignKey.PublicKey)
	}
	return c, nil
}

// SetEscrow wires the escrow controller that receives the payment
// confirmations. The controller itself sends its contract calls through this
// client, so it is built after it.
func (c *Client) SetEscrow(esc *escrow.Controller) {
	c.escrow = esc
}

// Sync synchronizes the blocknums and events since the last synced block to
// the current one, and then live syncs the new ones
func (c *Client) Sync() error {
	lastSyncBlockNum, err := c.db.GetLastSyncBlockNum()
	if err != nil {
		return err
	}

	// start live sync events (before synchronizing the history)
	go c.syncEventsLive() // nolint:errcheck

	// sync from lastSyncBlockNum until the current blocknum
	err = c.syncHistory(lastSyncBlockNum)
	if err != nil {
		return err
	}

	// live sync blocks
	return c.syncBlocksLive()
}

// syncBlocksLive synchronizes live the ethereum blocks
func (c *Client) syncBlocksLive() error {
	headers := make(chan *ethtypes.Header)
	sub, err := c.client.SubscribeNewHead(context.Background(), headers)
	if err != nil {
		log.Error(err)
		return err
	}

	for {
		select {
		case err := <-sub.Err():
			log.Error(err)
		case header := <-headers:
			log.Debugf("new eth block received: %d", header.Number.Uint64())
			err = c.db.UpdateLastSyncBlockNum(header.Number.Uint64())
			if err != nil {
				log.Error(err)
			}
		}
	}
}

// syncEventsLive synchronizes live from the escrow contract events
func (c *Client) syncEventsLive() error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contractAddr},
	}

	logs := make(chan ethtypes.Log)
	sub, err := c.client.SubscribeFilterLogs(context.Background(), query, logs)
	if err != nil {
		log.Error(err)
		return err
	}

	for {
		select {
		case err := <-sub.Err():
			log.Error(err)
		case vLog := <-logs:
			err = c.processEventLog(vLog)
			if err != nil {
				log.Error(err)
			}
		}
	}
}

// syncHistory synchronizes the escrow contract events from the given block
// to the current block height
func (c *Client) syncHistory(startBlock uint64) error {
	header, err := c.client.HeaderByNumber(context.Background(), nil)
	if err != nil {
		log.Error(err)
		return err
	}
	currBlockNum := header.Number
	log.Debugf("[SyncHistory] blocks from: %d, to: %d", startBlock, currBlockNum)

	err = c.syncEventsHistory(big.NewInt(int64(startBlock)), currBlockNum)
	if err != nil {
		log.Error(err)
		return err
	}
	return c.db.UpdateLastSyncBlockNum(currBlockNum.Uint64())
}

// syncEventsHistory synchronizes the escrow contract log events between the
// given startBlock and endBlock
func (c *Client) syncEventsHistory(startBlock, endBlock *big.Int) error {
	query := ethereum.FilterQuery{
		FromBlock: startBlock,
		ToBlock:   endBlock,
		Addresses: []common.Address{
			c.contractAddr,
		},
	}
	logs, err := c.client.FilterLogs(context.Background(), query)
	if err != nil {
		log.Error(err)
		return err
	}
	for i := 0; i < len(logs); i++ {
		err = c.processEventLog(logs[i])
		if err != nil {
			log.Error(err)
		}
	}
	return nil
}

func (c *Client) processEventLog(eventLog ethtypes.Log) error {
	if len(eventLog.Topics) == 0 {
		return fmt.Errorf("event log without topics in block %d",
			eventLog.BlockNumber)
	}

	switch eventLog.Topics[0] {
	case eventDepositUpdated:
		requester, balance, err := parseAddressAmount(eventLog.Data)
		if err != nil {
			return fmt.Errorf("blocknum: %d, error parsing event log"+
				" (DepositUpdated): %x, err: %s",
				eventLog.BlockNumber, eventLog.Data, err)
		}
		log.Debugf("Event: (blocknum: %d) DepositUpdated %s %s",
			eventLog.BlockNumber, requester.Hex(), balance)
		return c.db.SetRequesterDeposit(requester, balance)

	case eventOperatorRegistered:
		operator, tillBlock, err := parseAddressAmount(eventLog.Data)
		if err != nil {
			return fmt.Errorf("blocknum: %d, error parsing event log"+
				" (OperatorRegistered): %x, err: %s",
				eventLog.BlockNumber, eventLog.Data, err)
		}
		log.Debugf("Event: (blocknum: %d) OperatorRegistered %s till %s",
			eventLog.BlockNumber, operator.Hex(), tillBlock)
		if err := c.db.SetOperatorELRegistered(operator, true); err != nil {
			return err
		}
		return c.db.SetOperatorRegisteredTill(operator, tillBlock.Uint64())

	case eventOperatorDeregistered:
		operator, err := parseAddress(eventLog.Data)
		if err != nil {
			return fmt.Errorf("blocknum: %d, error parsing event log"+
				" (OperatorDeregistered): %x, err: %s",
				eventLog.BlockNumber, eventLog.Data, err)
		}
		log.Debugf("Event: (blocknum: %d) OperatorDeregistered %s",
			eventLog.BlockNumber, operator.Hex())
		return c.db.SetOperatorELRegistered(operator, false)

	case eventReserved:
		id, amount, err := parseIDAmount(eventLog.Data)
		if err != nil {
			return fmt.Errorf("blocknum: %d, error parsing event log"+
				" (Reserved): %x, err: %s",
				eventLog.BlockNumber, eventLog.Data, err)
		}
		log.Debugf("Event: (blocknum: %d) Reserved %s %s",
			eventLog.BlockNumber, id.Hex(), amount)
		return c.escrow.ConfirmReserved(id)

	case eventSettled:
		id, amount, err := parseIDAmount(eventLog.Data)
		if err != nil {
			return fmt.Errorf("blocknum: %d, error parsing event log"+
				" (Settled): %x, err: %s",
				eventLog.BlockNumber, eventLog.Data, err)
		}
		log.Debugf("Event: (blocknum: %d) Settled %s %s",
			eventLog.BlockNumber, id.Hex(), amount)
		return c.escrow.ConfirmSettled(id)

	case eventReleased:
		id, amount, err := parseIDAmount(eventLog.Data)
		if err != nil {
			return fmt.Errorf("blocknum: %d, error parsing event log"+
				" (Released): %x, err: %s",
				eventLog.BlockNumber, eventLog.Data, err)
		}
		// the payment moved to Refund when the request closed; the event
		// only confirms the funds left the escrow
		log.Debugf("Event: (blocknum: %d) Released %s %s",
			eventLog.BlockNumber, id.Hex(), amount)
		return nil

	default:
		return fmt.Errorf("unrecognized event log with topic %s in block %d",
			eventLog.Topics[0].Hex(), eventLog.BlockNumber)
	}
}

// parseAddress parses an event data of a single address word
func parseAddress(d []byte) (common.Address, error) {
	if len(d) != 32 {
		return common.Address{}, fmt.Errorf(
			"event log should be of length 32, current: %d", len(d))
	}
	return common.BytesToAddress(d[12:32]), nil
}

// parseAddressAmount parses an event data of an address word followed by an
// uint256 word
func parseAddressAmount(d []byte) (common.Address, *big.Int, error) {
	if len(d) != 64 {
		return common.Address{}, nil, fmt.Errorf(
			"event log should be of length 64, current: %d", len(d))
	}
	addr := common.BytesToAddress(d[12:32])
	amount := new(big.Int).SetBytes(d[32:64])
	return addr, amount, nil
}

// parseIDAmount parses an event data of a bytes32 request id followed by an
// uint256 word
func parseIDAmount(d []byte) (types.RequestID, *big.Int, error) {
	if len(d) != 64 {
		return types.RequestID{}, nil, fmt.Errorf(
			"event log should be of length 64, current: %d", len(d))
	}
	id := common.BytesToHash(d[:32])
	amount := new(big.Int).SetBytes(d[32:64])
	return id, amount, nil
}
