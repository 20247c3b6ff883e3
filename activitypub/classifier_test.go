package activitypub

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/queue"
)

func newClassifierFixture(t *testing.T) (*relationsFixture, *Classifier) {
	f := newRelationsFixture(t, true)
	classifier := NewClassifier(f.db, f.bus, f.relations, f.conf)
	return f, classifier
}

func enqueueInboxActivity(t *testing.T, f *relationsFixture, owner uuid.UUID, activityType, raw string) *domain.QueueItem {
	item := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    owner,
		ActivityType: activityType,
		ActivityJSON: raw,
		CreatedAt:    time.Now(),
	}
	if err := f.db.EnqueueInboxItem(item); err != nil {
		t.Fatalf("EnqueueInboxItem failed: %v", err)
	}
	return item
}

func TestProcessMessageHandlesFollow(t *testing.T) {
	f, classifier := newClassifierFixture(t)
	alice := f.createLocal(t, "alice")
	bob := f.insertRemote(t, "bob", "https://a.example/users/bob")

	raw := `{
		"id": "https://a.example/activities/1",
		"type": "Follow",
		"actor": "https://a.example/users/bob",
		"object": "https://b.example/users/alice"
	}`
	item := enqueueInboxActivity(t, f, alice.Id, "Follow", raw)

	err := classifier.processMessage(context.Background(), queue.Message{
		OwnerActorId: alice.Id, QueueItemId: item.Id,
	})
	if err != nil {
		t.Fatalf("processMessage failed: %v", err)
	}

	err, follow := f.db.ReadFollow(bob.Id, alice.Id)
	if err != nil {
		t.Fatalf("Follow not recorded: %v", err)
	}
	if follow.State != domain.FollowAccepted {
		t.Errorf("Expected accepted state, got %s", follow.State)
	}

	err, stored := f.db.ReadInboxItem(item.Id)
	if err != nil {
		t.Fatalf("ReadInboxItem failed: %v", err)
	}
	if !stored.Processed {
		t.Error("Handled row must stay processed")
	}
}

func TestProcessMessageMalformedIsPermanent(t *testing.T) {
	f, classifier := newClassifierFixture(t)
	alice := f.createLocal(t, "alice")

	// Follow without a target can never become valid
	raw := `{"id":"https://a.example/activities/1","type":"Follow","actor":"https://a.example/users/bob"}`
	item := enqueueInboxActivity(t, f, alice.Id, "Follow", raw)

	err := classifier.processMessage(context.Background(), queue.Message{
		OwnerActorId: alice.Id, QueueItemId: item.Id,
	})
	if err != nil {
		t.Fatalf("Malformed payloads are finished, not errors: %v", err)
	}

	err, stored := f.db.ReadInboxItem(item.Id)
	if err != nil {
		t.Fatalf("ReadInboxItem failed: %v", err)
	}
	if !stored.Processed {
		t.Error("Malformed row must stay processed so it is never retried")
	}
}

func TestProcessMessageTransientReleasesRow(t *testing.T) {
	f, classifier := newClassifierFixture(t)
	alice := f.createLocal(t, "alice")

	// Well-formed Follow from an unreachable actor: resolution fails,
	// the row must come back
	raw := `{
		"id": "http://127.0.0.1:1/activities/1",
		"type": "Follow",
		"actor": "http://127.0.0.1:1/users/ghost",
		"object": "https://b.example/users/alice"
	}`
	item := enqueueInboxActivity(t, f, alice.Id, "Follow", raw)

	err := classifier.processMessage(context.Background(), queue.Message{
		OwnerActorId: alice.Id, QueueItemId: item.Id,
	})
	if err == nil {
		t.Fatal("Expected a transient error for an unreachable actor")
	}

	err, stored := f.db.ReadInboxItem(item.Id)
	if err != nil {
		t.Fatalf("ReadInboxItem failed: %v", err)
	}
	if stored.Processed {
		t.Error("Transient failure must release the row for retry")
	}
}

func TestProcessMessageRedelivery(t *testing.T) {
	f, classifier := newClassifierFixture(t)
	alice := f.createLocal(t, "alice")

	raw := `{"id":"https://a.example/activities/1","type":"Like","actor":"https://a.example/users/bob","object":"https://b.example/checkins/1"}`
	item := enqueueInboxActivity(t, f, alice.Id, "Like", raw)

	msg := queue.Message{OwnerActorId: alice.Id, QueueItemId: item.Id}
	if err := classifier.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("First processing failed: %v", err)
	}

	// A redelivered reference to a finished row is a quiet no-op
	if err := classifier.processMessage(context.Background(), msg); err != nil {
		t.Errorf("Redelivery should be harmless, got %v", err)
	}
}

func TestSweepDrainsBacklog(t *testing.T) {
	f, classifier := newClassifierFixture(t)
	alice := f.createLocal(t, "alice")
	f.insertRemote(t, "bob", "https://a.example/users/bob")

	follow := `{
		"id": "https://a.example/activities/1",
		"type": "Follow",
		"actor": "https://a.example/users/bob",
		"object": "https://b.example/users/alice"
	}`
	like := `{"id":"https://a.example/activities/2","type":"Like","actor":"https://a.example/users/bob","object":"https://b.example/checkins/1"}`

	enqueueInboxActivity(t, f, alice.Id, "Follow", follow)
	enqueueInboxActivity(t, f, alice.Id, "Like", like)

	classifier.sweep(context.Background())

	err, remaining := f.db.ClaimInboxBatch(10)
	if err != nil {
		t.Fatalf("ClaimInboxBatch failed: %v", err)
	}
	if len(*remaining) != 0 {
		t.Errorf("Sweep should have drained the backlog, %d rows left", len(*remaining))
	}
}
