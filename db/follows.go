package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
)

// Follow relation queries
const (
	// At most one relation row per (follower, target) pair; a repeated
	// Follow updates the existing row instead of erroring.
	sqlUpsertFollow = `INSERT INTO follows(id, account_id, target_account_id, uri, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, target_account_id) DO UPDATE SET
			uri = excluded.uri,
			state = excluded.state,
			updated_at = excluded.updated_at`

	sqlSelectFollowColumns = `SELECT id, account_id, target_account_id, uri, state, created_at, updated_at FROM follows`
	sqlSelectFollowByPair  = sqlSelectFollowColumns + ` WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowByURI   = sqlSelectFollowColumns + ` WHERE uri = ?`

	sqlSelectFollowersOf = sqlSelectFollowColumns + ` WHERE target_account_id = ? AND state = 'accepted' ORDER BY created_at ASC`
	sqlSelectFollowing   = sqlSelectFollowColumns + ` WHERE account_id = ? AND state = 'accepted' ORDER BY created_at ASC`

	sqlUpdateFollowState      = `UPDATE follows SET state = ?, updated_at = ? WHERE account_id = ? AND target_account_id = ?`
	sqlUpdateFollowStateByURI = `UPDATE follows SET state = ?, updated_at = ? WHERE uri = ?`

	sqlDeleteFollowByPair = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowByURI  = `DELETE FROM follows WHERE uri = ?`
)

func (db *DB) UpsertFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.State,
			follow.CreatedAt,
			follow.UpdatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollow(accountId, targetAccountId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByPair, accountId.String(), targetAccountId.String())
	return scanFollow(row)
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	return scanFollow(row)
}

// UpdateFollowState moves a relation to a new state (pending ->
// accepted / rejected).
func (db *DB) UpdateFollowState(accountId, targetAccountId uuid.UUID, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowState, state, time.Now(), accountId.String(), targetAccountId.String())
		return err
	})
}

func (db *DB) UpdateFollowStateByURI(uri, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowStateByURI, state, time.Now(), uri)
		return err
	})
}

func (db *DB) DeleteFollow(accountId, targetAccountId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByPair, accountId.String(), targetAccountId.String())
		return err
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

// DeleteFollowsInvolving removes every relation an account appears in,
// on either side. Used when a remote actor announces its deletion.
func (db *DB) DeleteFollowsInvolving(accountId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`,
			accountId.String(), accountId.String())
		return err
	})
}

// ReadFollowersOf returns the accepted followers of an account (the
// delivery audience for its activities).
func (db *DB) ReadFollowersOf(targetAccountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersOf, targetAccountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	return scanFollows(rows)
}

// ReadFollowing returns the accounts this account follows.
func (db *DB) ReadFollowing(accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowing, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	return scanFollows(rows)
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var f domain.Follow
	var idStr, accountIdStr, targetIdStr string
	var uri sql.NullString
	err := row.Scan(&idStr, &accountIdStr, &targetIdStr, &uri, &f.State, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	f.Id, _ = uuid.Parse(idStr)
	f.AccountId, _ = uuid.Parse(accountIdStr)
	f.TargetAccountId, _ = uuid.Parse(targetIdStr)
	f.URI = uri.String
	return nil, &f
}

func scanFollows(rows *sql.Rows) (error, *[]domain.Follow) {
	var follows []domain.Follow

	for rows.Next() {
		var f domain.Follow
		var idStr, accountIdStr, targetIdStr string
		var uri sql.NullString
		if err := rows.Scan(&idStr, &accountIdStr, &targetIdStr, &uri, &f.State, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return err, &follows
		}
		f.Id, _ = uuid.Parse(idStr)
		f.AccountId, _ = uuid.Parse(accountIdStr)
		f.TargetAccountId, _ = uuid.Parse(targetIdStr)
		f.URI = uri.String
		follows = append(follows, f)
	}
	if err := rows.Err(); err != nil {
		return err, &follows
	}

	return nil, &follows
}
