// Package db implements the request store on SQLite. All status and payment
// transitions are conditional updates guarded by the expected current state,
// so concurrent controller instances coordinate through the store and never
// through in-process locks.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/proofmarket/matchmaker-node/types"
)

// ErrMetaNotInDB is returned when the meta table has not been initialized
var ErrMetaNotInDB = errors.New("meta does not exist in the db")

// SQLite represents the SQLite database
type SQLite struct {
	db *sql.DB
}

// NewSQLite returns a new *SQLite database
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{
		db: db,
	}
}

// Migrate creates the tables needed for the database
func (r *SQLite) Migrate() error {
	query := `
	PRAGMA foreign_keys = ON;
	`
	_, err := r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS requests(
		id TEXT NOT NULL PRIMARY KEY UNIQUE,
		assigned TEXT,
		lastStatusUpdate INTEGER NOT NULL,
		payment INTEGER NOT NULL,
		amount TEXT,
		hash TEXT NOT NULL,
		publicKey TEXT NOT NULL,
		payload BLOB NOT NULL,
		signature BLOB NOT NULL,
		requester TEXT NOT NULL,
		status INTEGER NOT NULL,
		rejectionMessage TEXT,
		proof BLOB,
		proofFailures INTEGER NOT NULL DEFAULT 0,
		pendingReady INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS operators(
		id TEXT NOT NULL PRIMARY KEY UNIQUE,
		lastInteraction INTEGER NOT NULL,
		resource BLOB NOT NULL,
		reputation INTEGER NOT NULL DEFAULT 0,
		online INTEGER NOT NULL DEFAULT 0,
		lastAssignment INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS avsOperators(
		id TEXT NOT NULL PRIMARY KEY UNIQUE,
		socket TEXT,
		elRegistered INTEGER NOT NULL DEFAULT 0,
		registeredTillBlock INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS requesters(
		id TEXT NOT NULL PRIMARY KEY UNIQUE,
		deposit TEXT NOT NULL
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS deadlines(
		requestID TEXT NOT NULL PRIMARY KEY UNIQUE,
		deadline INTEGER NOT NULL
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS exclusions(
		requestID TEXT NOT NULL,
		operatorID TEXT NOT NULL,
		PRIMARY KEY(requestID, operatorID)
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS meta(
		chainID INTEGER NOT NULL,
		lastSyncBlockNum INTEGER NOT NULL
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	return nil
}

// InitMeta stores the chainID and the lastSyncBlockNum. It should be called
// only once, after the first database creation.
func (r *SQLite) InitMeta(chainID, lastSyncBlockNum uint64) error {
	sqlQuery := `
	INSERT INTO meta(
		chainID,
		lastSyncBlockNum
	) values(?, ?)
	`

	stmt, err := r.db.Prepare(sqlQuery)
	if err != nil {
		return storeErr("InitMeta", err)
	}
	defer stmt.Close() //nolint:errcheck

	_, err = stmt.Exec(chainID, lastSyncBlockNum)
	if err != nil {
		return storeErr("InitMeta", err)
	}
	return nil
}

// UpdateLastSyncBlockNum stores the given lastSyncBlockNum, which is the
// current chain height observed by the chain adapter
func (r *SQLite) UpdateLastSyncBlockNum(lastSyncBlockNum uint64) error {
	sqlQuery := `
	UPDATE meta SET lastSyncBlockNum=?
	`

	stmt, err := r.db.Prepare(sqlQuery)
	if err != nil {
		return storeErr("UpdateLastSyncBlockNum", err)
	}
	defer stmt.Close() //nolint:errcheck

	_, err = stmt.Exec(lastSyncBlockNum)
	if err != nil {
		return storeErr("UpdateLastSyncBlockNum", err)
	}
	return nil
}

// GetLastSyncBlockNum returns the last synced chain height
func (r *SQLite) GetLastSyncBlockNum() (uint64, error) {
	row := r.db.QueryRow("SELECT lastSyncBlockNum FROM meta")

	var lastSyncBlockNum uint64
	err := row.Scan(&lastSyncBlockNum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrMetaNotInDB
		}
		return 0, storeErr("GetLastSyncBlockNum", err)
	}
	return lastSyncBlockNum, nil
}

// nowMilli returns the current time in unix milliseconds, the resolution
// used for all stored timestamps
func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// storeErr tags a storage failure so callers can treat the whole operation
// as retryable
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, op, err)
}
