package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/util"
	_ "modernc.org/sqlite"
)

// setupTestDB creates an in-memory SQLite database for testing. A
// single connection, otherwise every pooled connection would get its
// own empty in-memory database.
func setupTestDB(t *testing.T) *DB {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func createTestAccount(t *testing.T, db *DB, username string) *domain.Account {
	err, acc := db.CreateAccount(username, username, "", util.GeneratePemKeypair())
	if err != nil {
		t.Fatalf("Failed to create account %s: %v", username, err)
	}
	return acc
}

func TestCreateAndReadAccount(t *testing.T) {
	db := setupTestDB(t)

	err, created := db.CreateAccount("alice", "Alice", "hello there", util.GeneratePemKeypair())
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if created.WebPublicKey == "" || created.WebPrivateKey == "" {
		t.Error("Account should be created with a keypair")
	}

	err, read := db.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if read.Id != created.Id {
		t.Errorf("Expected id %s, got %s", created.Id, read.Id)
	}
	if read.DisplayName != "Alice" || read.Summary != "hello there" {
		t.Errorf("Profile fields not round-tripped: %+v", read)
	}

	err, byId := db.ReadAccById(created.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Expected username alice, got %s", byId.Username)
	}
}

func TestReadAccountNotFound(t *testing.T) {
	db := setupTestDB(t)

	err, acc := db.ReadAccByUsername("nobody")
	if err != sql.ErrNoRows {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
	if acc != nil {
		t.Error("Expected nil account for missing user")
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	db := setupTestDB(t)
	createTestAccount(t, db, "alice")

	err, _ := db.CreateAccount("alice", "Other Alice", "", util.GeneratePemKeypair())
	if err == nil {
		t.Error("Expected error creating duplicate username")
	}
}

func TestCreateAndReadCheckins(t *testing.T) {
	db := setupTestDB(t)
	acc := createTestAccount(t, db, "alice")

	first := &domain.Checkin{
		Id:           uuid.New(),
		UserId:       acc.Id,
		Content:      "coffee at the harbour",
		LocationName: "Harbour Cafe",
		Latitude:     53.5461,
		Longitude:    9.9661,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	second := &domain.Checkin{
		Id:        uuid.New(),
		UserId:    acc.Id,
		Content:   "no location this time",
		CreatedAt: time.Now(),
	}

	if err := db.CreateCheckin(first); err != nil {
		t.Fatalf("CreateCheckin failed: %v", err)
	}
	if err := db.CreateCheckin(second); err != nil {
		t.Fatalf("CreateCheckin failed: %v", err)
	}

	err, read := db.ReadCheckinById(first.Id)
	if err != nil {
		t.Fatalf("ReadCheckinById failed: %v", err)
	}
	if read.LocationName != "Harbour Cafe" {
		t.Errorf("Expected location Harbour Cafe, got %s", read.LocationName)
	}
	if read.Latitude != 53.5461 || read.Longitude != 9.9661 {
		t.Errorf("Coordinates not round-tripped: %f, %f", read.Latitude, read.Longitude)
	}

	err, list := db.ReadCheckinsByUserId(acc.Id, 10)
	if err != nil {
		t.Fatalf("ReadCheckinsByUserId failed: %v", err)
	}
	if len(*list) != 2 {
		t.Fatalf("Expected 2 checkins, got %d", len(*list))
	}
	// Newest first
	if (*list)[0].Id != second.Id {
		t.Errorf("Expected newest checkin first, got %s", (*list)[0].Id)
	}

	err, limited := db.ReadAllCheckins(1)
	if err != nil {
		t.Fatalf("ReadAllCheckins failed: %v", err)
	}
	if len(*limited) != 1 {
		t.Errorf("Expected limit to cap results at 1, got %d", len(*limited))
	}
}
