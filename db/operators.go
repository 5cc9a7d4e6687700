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

// UpsertOperatorHeartbeat registers the operator or refreshes its declared
// capacity, marking it online and stamping the interaction time
func (r *SQLite) UpsertOperatorHeartbeat(op types.OperatorID,
	resource types.Resource) error {
	res, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("can not encode resource for operator %s: %w",
			op.Hex(), err)
	}

	sqlQuery := `
	INSERT INTO operators(
		id,
		lastInteraction,
		resource,
		online
	) values(?, ?, ?, 1)
	ON CONFLICT(id) DO UPDATE SET
		lastInteraction = excluded.lastInteraction,
		resource = excluded.resource,
		online = 1
	`

	_, err = r.db.Exec(sqlQuery, op.Hex(), nowMilli(), res)
	if err != nil {
		return storeErr("UpsertOperatorHeartbeat", err)
	}
	return nil
}

// SetOperatorOnline flips the online flag. Operators are never deleted,
// only marked offline.
func (r *SQLite) SetOperatorOnline(op types.OperatorID, online bool) error {
	res, err := r.db.Exec("UPDATE operators SET online = ? WHERE id = ?",
		online, op.Hex())
	if err != nil {
		return storeErr("SetOperatorOnline", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("SetOperatorOnline", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: operator %s", types.ErrNotFound, op.Hex())
	}
	return nil
}

// TouchOperator stamps the last interaction of the operator
func (r *SQLite) TouchOperator(op types.OperatorID) error {
	_, err := r.db.Exec("UPDATE operators SET lastInteraction = ? WHERE id = ?",
		nowMilli(), op.Hex())
	if err != nil {
		return storeErr("TouchOperator", err)
	}
	return nil
}

// AdjustReputation adds delta (which may be negative) to the operator's
// reputation score
func (r *SQLite) AdjustReputation(op types.OperatorID, delta int64) error {
	_, err := r.db.Exec(
		"UPDATE operators SET reputation = reputation + ? WHERE id = ?",
		delta, op.Hex())
	if err != nil {
		return storeErr("AdjustReputation", err)
	}
	return nil
}

// GetOperator reads the matchmaker view of the operator
func (r *SQLite) GetOperator(op types.OperatorID) (*types.Operator, error) {
	row := r.db.QueryRow(
		"SELECT id, lastInteraction, resource, reputation, online,"+
			" lastAssignment FROM operators WHERE id = ?", op.Hex())

	operator, err := scanOperator(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: operator %s", types.ErrNotFound, op.Hex())
		}
		return nil, storeErr("GetOperator", err)
	}
	return operator, nil
}

// AvailableOperators returns the operators flagged online that are not
// occupied by a live assignment. Liveness of the online flag is checked by
// the caller against the interaction timestamp.
func (r *SQLite) AvailableOperators() ([]types.Operator, error) {
	sqlQuery := `
	SELECT id, lastInteraction, resource, reputation, online, lastAssignment
	FROM operators
	WHERE online = 1 AND id NOT IN (
		SELECT assigned FROM requests
		WHERE status IN (?, ?) AND assigned IS NOT NULL
	)
	`

	rows, err := r.db.Query(sqlQuery, types.RequestStatusAssigned,
		types.RequestStatusAcknowledged)
	if err != nil {
		return nil, storeErr("AvailableOperators", err)
	}
	defer rows.Close() //nolint:errcheck

	var operators []types.Operator
	for rows.Next() {
		operator, err := scanOperator(rows)
		if err != nil {
			return nil, storeErr("AvailableOperators", err)
		}
		operators = append(operators, *operator)
	}
	return operators, nil
}

// CountOnlineOperators returns how many operators are flagged online and
// interacted within the liveness window ending at now
func (r *SQLite) CountOnlineOperators(now time.Time) (int, error) {
	cutoff := now.Add(-types.OperatorLivenessWindow).UnixMilli()
	row := r.db.QueryRow(
		"SELECT COUNT(*) FROM operators WHERE online = 1 AND lastInteraction > ?",
		cutoff)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, storeErr("CountOnlineOperators", err)
	}
	return count, nil
}

func scanOperator(row rowScanner) (*types.Operator, error) {
	var (
		id                              string
		lastInteraction, lastAssignment int64
		resource                        []byte
		reputation                      int64
		online                          bool
	)
	err := row.Scan(&id, &lastInteraction, &resource, &reputation, &online,
		&lastAssignment)
	if err != nil {
		return nil, err
	}

	operator := types.Operator{
		ID:              common.HexToAddress(id),
		Reputation:      reputation,
		Online:          online,
		LastInteraction: time.UnixMilli(lastInteraction),
		LastAssignment:  time.UnixMilli(lastAssignment),
	}
	if err := json.Unmarshal(resource, &operator.Resource); err != nil {
		return nil, fmt.Errorf("can not decode resource of operator %s: %w",
			id, err)
	}
	return &operator, nil
}

// UpsertOperatorSocket stores the reachable socket announced by the
// operator
func (r *SQLite) UpsertOperatorSocket(op types.OperatorID, socket string) error {
	sqlQuery := `
	INSERT INTO avsOperators(id, socket) values(?, ?)
	ON CONFLICT(id) DO UPDATE SET socket = excluded.socket
	`
	_, err := r.db.Exec(sqlQuery, op.Hex(), socket)
	if err != nil {
		return storeErr("UpsertOperatorSocket", err)
	}
	return nil
}

// SetOperatorELRegistered flips the EL-registration flag observed from the
// restaking layer
func (r *SQLite) SetOperatorELRegistered(op types.OperatorID,
	registered bool) error {
	sqlQuery := `
	INSERT INTO avsOperators(id, elRegistered) values(?, ?)
	ON CONFLICT(id) DO UPDATE SET elRegistered = excluded.elRegistered
	`
	_, err := r.db.Exec(sqlQuery, op.Hex(), registered)
	if err != nil {
		return storeErr("SetOperatorELRegistered", err)
	}
	return nil
}

// SetOperatorRegisteredTill stores the block until which the operator's
// stake commitment lasts
func (r *SQLite) SetOperatorRegisteredTill(op types.OperatorID,
	block uint64) error {
	sqlQuery := `
	INSERT INTO avsOperators(id, registeredTillBlock) values(?, ?)
	ON CONFLICT(id) DO UPDATE SET registeredTillBlock = excluded.registeredTillBlock
	`
	_, err := r.db.Exec(sqlQuery, op.Hex(), block)
	if err != nil {
		return storeErr("SetOperatorRegisteredTill", err)
	}
	return nil
}

// GetAvsOperator reads the on-chain registration view of the operator
func (r *SQLite) GetAvsOperator(op types.OperatorID) (
	*types.AvsOperatorRecord, error) {
	row := r.db.QueryRow(
		"SELECT id, socket, elRegistered, registeredTillBlock"+
			" FROM avsOperators WHERE id = ?", op.Hex())

	record, err := scanAvsOperator(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: avs operator %s", types.ErrNotFound,
				op.Hex())
		}
		return nil, storeErr("GetAvsOperator", err)
	}
	return record, nil
}

// ReadyAvsOperators returns the EL-registered operators with a known
// socket, keyed by id
func (r *SQLite) ReadyAvsOperators() (
	map[types.OperatorID]types.AvsOperatorRecord, error) {
	rows, err := r.db.Query(`
	SELECT id, socket, elRegistered, registeredTillBlock FROM avsOperators
	WHERE socket IS NOT NULL AND elRegistered = 1
	`)
	if err != nil {
		return nil, storeErr("ReadyAvsOperators", err)
	}
	defer rows.Close() //nolint:errcheck

	records := make(map[types.OperatorID]types.AvsOperatorRecord)
	for rows.Next() {
		record, err := scanAvsOperator(rows)
		if err != nil {
			return nil, storeErr("ReadyAvsOperators", err)
		}
		records[record.ID] = *record
	}
	return records, nil
}

func scanAvsOperator(row rowScanner) (*types.AvsOperatorRecord, error) {
	var (
		id                  string
		socket              sql.NullString
		elRegistered        bool
		registeredTillBlock uint64
	)
	err := row.Scan(&id, &socket, &elRegistered, &registeredTillBlock)
	if err != nil {
		return nil, err
	}

	record := types.AvsOperatorRecord{
		ID:                  common.HexToAddress(id),
		ELRegistered:        elRegistered,
		RegisteredTillBlock: registeredTillBlock,
	}
	if socket.Valid {
		record.Socket = socket.String
	}
	return &record, nil
}

// SetRequesterDeposit mirrors the deposit balance observed on chain
func (r *SQLite) SetRequesterDeposit(requester common.Address,
	deposit *big.Int) error {
	sqlQuery := `
	INSERT INTO requesters(id, deposit) values(?, ?)
	ON CONFLICT(id) DO UPDATE SET deposit = excluded.deposit
	`
	_, err := r.db.Exec(sqlQuery, requester.Hex(), deposit.String())
	if err != nil {
		return storeErr("SetRequesterDeposit", err)
	}
	return nil
}

// GetRequesterDeposit returns the mirrored deposit of the requester
func (r *SQLite) GetRequesterDeposit(requester common.Address) (
	*big.Int, error) {
	row := r.db.QueryRow("SELECT deposit FROM requesters WHERE id = ?",
		requester.Hex())

	var deposit string
	err := row.Scan(&deposit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: requester %s", types.ErrNotFound,
				requester.Hex())
		}
		return nil, storeErr("GetRequesterDeposit", err)
	}

	d, ok := new(big.Int).SetString(deposit, 10)
	if !ok {
		return nil, fmt.Errorf("can not decode deposit %q of requester %s",
			deposit, requester.Hex())
	}
	return d, nil
}
