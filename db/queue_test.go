package db

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
)

func enqueueOutboxAt(t *testing.T, db *DB, createdAt time.Time) uuid.UUID {
	item := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    uuid.New(),
		ActivityType: "Create",
		ActivityJSON: `{"type":"Create"}`,
		CreatedAt:    createdAt,
	}
	if err := db.EnqueueOutboxItem(item); err != nil {
		t.Fatalf("EnqueueOutboxItem failed: %v", err)
	}
	return item.Id
}

func TestClaimBatchOldestFirst(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)

	oldest := enqueueOutboxAt(t, db, base)
	middle := enqueueOutboxAt(t, db, base.Add(time.Minute))
	newest := enqueueOutboxAt(t, db, base.Add(2*time.Minute))

	err, claimed := db.ClaimOutboxBatch(2)
	if err != nil {
		t.Fatalf("ClaimOutboxBatch failed: %v", err)
	}
	if len(*claimed) != 2 {
		t.Fatalf("Expected 2 claimed items, got %d", len(*claimed))
	}
	if (*claimed)[0].Id != oldest || (*claimed)[1].Id != middle {
		t.Errorf("Expected oldest-first order, got %s then %s", (*claimed)[0].Id, (*claimed)[1].Id)
	}

	// Claimed rows must be flagged so the next claim skips them
	err, remaining := db.ClaimOutboxBatch(10)
	if err != nil {
		t.Fatalf("Second ClaimOutboxBatch failed: %v", err)
	}
	if len(*remaining) != 1 || (*remaining)[0].Id != newest {
		t.Errorf("Expected only the newest item left, got %d items", len(*remaining))
	}
}

func TestClaimBatchExclusive(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)

	total := 12
	for i := 0; i < total; i++ {
		enqueueOutboxAt(t, db, base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err, claimed := db.ClaimOutboxBatch(3)
				if err != nil {
					t.Errorf("ClaimOutboxBatch failed: %v", err)
					return
				}
				if len(*claimed) == 0 {
					return
				}
				mu.Lock()
				for _, item := range *claimed {
					seen[item.Id]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("Expected %d distinct claimed items, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("Item %s claimed %d times", id, count)
		}
	}
}

func TestClaimSingleRedelivery(t *testing.T) {
	db := setupTestDB(t)

	item := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    uuid.New(),
		ActivityType: "Follow",
		ActivityJSON: `{"type":"Follow"}`,
		CreatedAt:    time.Now(),
	}
	if err := db.EnqueueInboxItem(item); err != nil {
		t.Fatalf("EnqueueInboxItem failed: %v", err)
	}

	err, claimed := db.ClaimInboxItem(item.Id)
	if err != nil || !claimed {
		t.Fatalf("First claim should succeed, err=%v claimed=%v", err, claimed)
	}

	// A redelivered reference finds the row already taken
	err, claimed = db.ClaimInboxItem(item.Id)
	if err != nil {
		t.Fatalf("Second claim errored: %v", err)
	}
	if claimed {
		t.Error("Second claim of the same row should report false")
	}
}

func TestReleaseMakesRowClaimable(t *testing.T) {
	db := setupTestDB(t)

	item := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    uuid.New(),
		ActivityType: "Create",
		ActivityJSON: `{"type":"Create"}`,
		CreatedAt:    time.Now(),
	}
	if err := db.EnqueueOutboxItem(item); err != nil {
		t.Fatalf("EnqueueOutboxItem failed: %v", err)
	}

	err, claimed := db.ClaimOutboxBatch(1)
	if err != nil || len(*claimed) != 1 {
		t.Fatalf("Initial claim failed: err=%v n=%d", err, len(*claimed))
	}

	if err := db.ReleaseOutboxItem(item.Id); err != nil {
		t.Fatalf("ReleaseOutboxItem failed: %v", err)
	}

	err, reclaimed := db.ClaimOutboxBatch(1)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if len(*reclaimed) != 1 || (*reclaimed)[0].Id != item.Id {
		t.Error("Released row should be claimable again")
	}

	err, read := db.ReadOutboxItem(item.Id)
	if err != nil {
		t.Fatalf("ReadOutboxItem failed: %v", err)
	}
	if !read.Processed {
		t.Error("Reclaimed row should be marked processed")
	}
}
