package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
		id uuid NOT NULL PRIMARY KEY,
		username varchar(100) UNIQUE NOT NULL,
		display_name varchar(255),
		summary text,
		web_public_key text,
		web_private_key text,
		created_at timestamp default current_timestamp
	)`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// One row per (follower, target) pair; repeated Follows upsert.
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Durable queues. The raw activity payload is authoritative; the
	// broker only carries row references.
	sqlCreateInboxTable = `CREATE TABLE IF NOT EXISTS inbox (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateOutboxTable = `CREATE TABLE IF NOT EXISTS outbox (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_processed ON inbox(processed, created_at);
		CREATE INDEX IF NOT EXISTS idx_outbox_processed ON outbox(processed, created_at);
	`

	sqlCreateCheckinsTable = `CREATE TABLE IF NOT EXISTS checkins (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		location_name TEXT,
		latitude REAL,
		longitude REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateCheckinsIndices = `
		CREATE INDEX IF NOT EXISTS idx_checkins_user_id ON checkins(user_id);
		CREATE INDEX IF NOT EXISTS idx_checkins_created_at ON checkins(created_at DESC);
	`
)

// RunMigrations creates all tables and indices. Statements are
// idempotent, so running at every startup is safe.
func (db *DB) RunMigrations() error {
	log.Info("Running database migrations...")

	migrations := []struct {
		name string
		sql  string
	}{
		{"accounts table", sqlCreateAccountsTable},
		{"remote_accounts table", sqlCreateRemoteAccountsTable},
		{"remote_accounts indices", sqlCreateRemoteAccountsIndices},
		{"follows table", sqlCreateFollowsTable},
		{"follows indices", sqlCreateFollowsIndices},
		{"inbox table", sqlCreateInboxTable},
		{"outbox table", sqlCreateOutboxTable},
		{"queue indices", sqlCreateQueueIndices},
		{"checkins table", sqlCreateCheckinsTable},
		{"checkins indices", sqlCreateCheckinsIndices},
	}

	for _, m := range migrations {
		if err := db.execMigration(m.name, m.sql); err != nil {
			return err
		}
	}

	log.Info("Database migrations complete")
	return nil
}

func (db *DB) execMigration(name, stmt string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(stmt); err != nil {
			log.Error("Migration failed", "migration", name, "err", err)
			return err
		}
		return nil
	})
}
