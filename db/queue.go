package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
)

// Durable queue queries. Rows move processed 0 -> 1 exactly once
// under normal operation; a failed claim transaction leaves them at 0
// so a later poll retries them.
const (
	sqlInsertInboxItem  = `INSERT INTO inbox(id, account_id, activity_type, activity_json, processed, created_at) VALUES (?, ?, ?, ?, 0, ?)`
	sqlInsertOutboxItem = `INSERT INTO outbox(id, account_id, activity_type, activity_json, processed, created_at) VALUES (?, ?, ?, ?, 0, ?)`

	sqlSelectQueueColumns = `SELECT id, account_id, activity_type, activity_json, processed, created_at FROM `

	sqlSelectUnprocessed = ` WHERE processed = 0 ORDER BY created_at ASC LIMIT ?`

	sqlClaimSingle = ` SET processed = 1 WHERE id = ? AND processed = 0`
	sqlRelease     = ` SET processed = 0 WHERE id = ?`
)

func (db *DB) EnqueueInboxItem(item *domain.QueueItem) error {
	return db.enqueueItem("inbox", item)
}

func (db *DB) EnqueueOutboxItem(item *domain.QueueItem) error {
	return db.enqueueItem("outbox", item)
}

func (db *DB) enqueueItem(table string, item *domain.QueueItem) error {
	stmt := sqlInsertInboxItem
	if table == "outbox" {
		stmt = sqlInsertOutboxItem
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(stmt,
			item.Id.String(),
			item.AccountId.String(),
			item.ActivityType,
			item.ActivityJSON,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadInboxItem(id uuid.UUID) (error, *domain.QueueItem) {
	return db.readQueueItem("inbox", id)
}

func (db *DB) ReadOutboxItem(id uuid.UUID) (error, *domain.QueueItem) {
	return db.readQueueItem("outbox", id)
}

func (db *DB) readQueueItem(table string, id uuid.UUID) (error, *domain.QueueItem) {
	row := db.db.QueryRow(sqlSelectQueueColumns+table+` WHERE id = ?`, id.String())
	var item domain.QueueItem
	var idStr, accountIdStr string
	var processed int
	err := row.Scan(&idStr, &accountIdStr, &item.ActivityType, &item.ActivityJSON, &processed, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	item.Id, _ = uuid.Parse(idStr)
	item.AccountId, _ = uuid.Parse(accountIdStr)
	item.Processed = processed != 0
	return nil, &item
}

// ClaimOutboxBatch exclusively claims up to limit unprocessed outbox
// rows, oldest first. The select and the processed=1 flip happen in
// one transaction, and sqlite admits a single writer at a time, so no
// two workers can claim the same row; a crash before commit leaves
// every row unprocessed for the next poll.
func (db *DB) ClaimOutboxBatch(limit int) (error, *[]domain.QueueItem) {
	return db.claimBatch("outbox", limit)
}

// ClaimInboxBatch is the inbox counterpart of ClaimOutboxBatch, used
// by the classification worker's catch-up poll.
func (db *DB) ClaimInboxBatch(limit int) (error, *[]domain.QueueItem) {
	return db.claimBatch("inbox", limit)
}

func (db *DB) claimBatch(table string, limit int) (error, *[]domain.QueueItem) {
	var items []domain.QueueItem

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		// The wrapper may re-run this closure on SQLITE_BUSY
		items = items[:0]

		rows, err := tx.Query(sqlSelectQueueColumns+table+sqlSelectUnprocessed, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var item domain.QueueItem
			var idStr, accountIdStr string
			var processed int
			if err := rows.Scan(&idStr, &accountIdStr, &item.ActivityType, &item.ActivityJSON, &processed, &item.CreatedAt); err != nil {
				return err
			}
			item.Id, _ = uuid.Parse(idStr)
			item.AccountId, _ = uuid.Parse(accountIdStr)
			item.Processed = true
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if len(items) == 0 {
			return nil
		}

		placeholders := make([]string, len(items))
		args := make([]interface{}, len(items))
		for i, item := range items {
			placeholders[i] = "?"
			args[i] = item.Id.String()
		}

		stmt := fmt.Sprintf(`UPDATE %s SET processed = 1 WHERE id IN (%s)`, table, strings.Join(placeholders, ", "))
		_, err = tx.Exec(stmt, args...)
		return err
	})
	if err != nil {
		return err, nil
	}

	return nil, &items
}

// ClaimInboxItem claims a single referenced row. Returns false when
// another consumer already processed it (safe redelivery).
func (db *DB) ClaimInboxItem(id uuid.UUID) (error, bool) {
	return db.claimSingle("inbox", id)
}

func (db *DB) ClaimOutboxItem(id uuid.UUID) (error, bool) {
	return db.claimSingle("outbox", id)
}

func (db *DB) claimSingle(table string, id uuid.UUID) (error, bool) {
	claimed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE `+table+sqlClaimSingle, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return err, false
	}
	return nil, claimed
}

// ReleaseInboxItem resets a claimed row so a later poll retries it.
func (db *DB) ReleaseInboxItem(id uuid.UUID) error {
	return db.release("inbox", id)
}

func (db *DB) ReleaseOutboxItem(id uuid.UUID) error {
	return db.release("outbox", id)
}

func (db *DB) release(table string, id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE `+table+sqlRelease, id.String())
		return err
	})
}
