package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct. It is opened once in main and injected
// into every component that needs it.
type DB struct {
	db *sql.DB
}

const (
	//Accounts
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlSelectAccountColumns    = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at FROM accounts`
	sqlSelectAccountByUsername = sqlSelectAccountColumns + ` WHERE username = ?`
	sqlSelectAccountById       = sqlSelectAccountColumns + ` WHERE id = ?`

	//Checkins
	sqlInsertCheckin = `INSERT INTO checkins(id, user_id, content, location_name, latitude, longitude, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlSelectCheckinById = `SELECT checkins.id, checkins.user_id, checkins.content, checkins.location_name, checkins.latitude, checkins.longitude, checkins.created_at
							FROM checkins WHERE checkins.id = ?`
	sqlSelectCheckinsByUserId = `SELECT checkins.id, checkins.user_id, checkins.content, checkins.location_name, checkins.latitude, checkins.longitude, checkins.created_at
							FROM checkins WHERE checkins.user_id = ?
							ORDER BY checkins.created_at DESC LIMIT ?`
	sqlSelectAllCheckins = `SELECT checkins.id, checkins.user_id, checkins.content, checkins.location_name, checkins.latitude, checkins.longitude, checkins.created_at
							FROM checkins ORDER BY checkins.created_at DESC LIMIT ?`
)

// Open opens the sqlite database at path, applies the connection
// PRAGMAs and runs the schema migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	err = sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
	if err != nil {
		log.Warn("Failed to enable WAL mode", "err", err)
	} else {
		log.Info("Database journal mode", "mode", journalMode)
	}

	// Optimize PRAGMAs for the concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}

	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction,
// retrying while sqlite reports the database as busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("error starting transaction", "err", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Error("error committing transaction", "err", err)
			return err
		}
		break
	}
	return nil
}

func (db *DB) CreateAccount(username, displayName, summary string, keypair *util.RsaKeyPair) (error, *domain.Account) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		DisplayName:   displayName,
		Summary:       summary,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			acc.CreatedAt,
		)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	return scanAccount(row)
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountById, id.String())
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	var displayName, summary sql.NullString
	err := row.Scan(&idStr, &acc.Username, &displayName, &summary, &acc.WebPublicKey, &acc.WebPrivateKey, &acc.CreatedAt)
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
	return nil, &acc
}

func (db *DB) CreateCheckin(checkin *domain.Checkin) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCheckin,
			checkin.Id.String(),
			checkin.UserId.String(),
			checkin.Content,
			checkin.LocationName,
			checkin.Latitude,
			checkin.Longitude,
			checkin.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadCheckinById(id uuid.UUID) (error, *domain.Checkin) {
	row := db.db.QueryRow(sqlSelectCheckinById, id.String())
	var c domain.Checkin
	var idStr, userIdStr string
	var locationName sql.NullString
	var lat, lon sql.NullFloat64
	err := row.Scan(&idStr, &userIdStr, &c.Content, &locationName, &lat, &lon, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	c.Id, _ = uuid.Parse(idStr)
	c.UserId, _ = uuid.Parse(userIdStr)
	c.LocationName = locationName.String
	c.Latitude = lat.Float64
	c.Longitude = lon.Float64
	return nil, &c
}

func (db *DB) ReadCheckinsByUserId(userId uuid.UUID, limit int) (error, *[]domain.Checkin) {
	rows, err := db.db.Query(sqlSelectCheckinsByUserId, userId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	return scanCheckins(rows)
}

func (db *DB) ReadAllCheckins(limit int) (error, *[]domain.Checkin) {
	rows, err := db.db.Query(sqlSelectAllCheckins, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	return scanCheckins(rows)
}

func scanCheckins(rows *sql.Rows) (error, *[]domain.Checkin) {
	var checkins []domain.Checkin

	for rows.Next() {
		var c domain.Checkin
		var idStr, userIdStr string
		var locationName sql.NullString
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&idStr, &userIdStr, &c.Content, &locationName, &lat, &lon, &c.CreatedAt); err != nil {
			return err, &checkins
		}
		c.Id, _ = uuid.Parse(idStr)
		c.UserId, _ = uuid.Parse(userIdStr)
		c.LocationName = locationName.String
		c.Latitude = lat.Float64
		c.Longitude = lon.Float64
		checkins = append(checkins, c)
	}
	if err := rows.Err(); err != nil {
		return err, &checkins
	}

	return nil, &checkins
}
