package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
)

// Remote accounts queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			outbox_uri = excluded.outbox_uri,
			public_key_pem = excluded.public_key_pem,
			last_fetched_at = excluded.last_fetched_at`

	sqlSelectRemoteAccountColumns = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, last_fetched_at FROM remote_accounts`
	sqlSelectRemoteAccountByURI   = sqlSelectRemoteAccountColumns + ` WHERE actor_uri = ?`
	sqlSelectRemoteAccountById    = sqlSelectRemoteAccountColumns + ` WHERE id = ?`
)

// UpsertRemoteAccount inserts or refreshes a cached remote actor.
// The row id is stable across refreshes: on conflict the existing id
// is kept.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	return scanRemoteAccount(row)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountById, id.String())
	return scanRemoteAccount(row)
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM remote_accounts WHERE id = ?`, id.String())
		return err
	})
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	var displayName, summary, outboxURI sql.NullString
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&displayName,
		&summary,
		&acc.InboxURI,
		&outboxURI,
		&acc.PublicKeyPem,
		&acc.LastFetchedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, err = uuid.Parse(idStr)
	if err != nil {
		return err, nil
	}
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.OutboxURI = outboxURI.String
	return nil, &acc
}
