package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/proofmarket/matchmaker-node/types"
)

// UpsertDeadline stores the acknowledge deadline for the given request,
// replacing a previous one
func (r *SQLite) UpsertDeadline(id types.RequestID, deadline time.Time) error {
	sqlQuery := `
	INSERT INTO deadlines(requestID, deadline) values(?, ?)
	ON CONFLICT(requestID) DO UPDATE SET deadline = excluded.deadline
	`
	_, err := r.db.Exec(sqlQuery, id.Hex(), deadline.UnixMilli())
	if err != nil {
		return storeErr("UpsertDeadline", err)
	}
	return nil
}

// RemoveDeadline drops the deadline of the given request, if any
func (r *SQLite) RemoveDeadline(id types.RequestID) error {
	_, err := r.db.Exec("DELETE FROM deadlines WHERE requestID = ?", id.Hex())
	if err != nil {
		return storeErr("RemoveDeadline", err)
	}
	return nil
}

// NearestDeadline returns the request id with the earliest deadline, used
// to schedule the next timeout sweep. ok is false when no deadline is
// stored.
func (r *SQLite) NearestDeadline() (types.RequestID, time.Time, bool, error) {
	row := r.db.QueryRow(
		"SELECT requestID, deadline FROM deadlines ORDER BY deadline ASC LIMIT 1")

	var (
		id       string
		deadline int64
	)
	err := row.Scan(&id, &deadline)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.RequestID{}, time.Time{}, false, nil
		}
		return types.RequestID{}, time.Time{}, false, storeErr("NearestDeadline", err)
	}
	return common.HexToHash(id), time.UnixMilli(deadline), true, nil
}

// ExpiredDeadlines returns the request ids whose deadline is at or before
// now
func (r *SQLite) ExpiredDeadlines(now time.Time) ([]types.RequestID, error) {
	rows, err := r.db.Query(
		"SELECT requestID FROM deadlines WHERE deadline <= ?", now.UnixMilli())
	if err != nil {
		return nil, storeErr("ExpiredDeadlines", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []types.RequestID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("ExpiredDeadlines", err)
		}
		ids = append(ids, common.HexToHash(id))
	}
	return ids, nil
}
