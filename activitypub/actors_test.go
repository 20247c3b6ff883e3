package activitypub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/util"
)

func testDB(t *testing.T) *db.DB {
	database, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testConf(domainName string) *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = domainName
	conf.Conf.AutoAcceptFollows = true
	conf.Conf.DeliveryBatchSize = 10
	conf.Conf.DeliveryPollSecs = 1
	return conf
}

// remoteActorServer serves a minimal actor document for any /users/
// path, reporting the requested URI as its id.
func remoteActorServer(t *testing.T, publicKeyPem string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorURI := "http://" + r.Host + r.URL.Path
		doc := map[string]interface{}{
			"id":                actorURI,
			"type":              "Person",
			"preferredUsername": "carol",
			"inbox":             actorURI + "/inbox",
			"outbox":            actorURI + "/outbox",
			"publicKey": map[string]interface{}{
				"id":           actorURI + "#main-key",
				"owner":        actorURI,
				"publicKeyPem": publicKeyPem,
			},
		}
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(doc)
	}))
}

func TestLocalUsername(t *testing.T) {
	resolver := NewResolver(testDB(t), testConf("b.example"))

	cases := []struct {
		uri      string
		username string
		local    bool
	}{
		{"https://b.example/users/alice", "alice", true},
		{"https://b.example/users/alice/followers", "", false},
		{"https://b.example/notes/123", "", false},
		{"https://other.example/users/alice", "", false},
		{"not a uri at all\x7f", "", false},
		{"https://b.example/users/", "", false},
	}

	for _, c := range cases {
		username, local := resolver.LocalUsername(c.uri)
		if local != c.local || username != c.username {
			t.Errorf("LocalUsername(%q) = (%q, %v), expected (%q, %v)",
				c.uri, username, local, c.username, c.local)
		}
	}
}

func TestResolveRemoteFetchesAndPersists(t *testing.T) {
	database := testDB(t)
	resolver := NewResolver(database, testConf("b.example"))

	keypair := util.GeneratePemKeypair()
	server := remoteActorServer(t, keypair.Public)
	defer server.Close()

	actorURI := server.URL + "/users/carol"

	remote, err := resolver.ResolveRemote(actorURI)
	if err != nil {
		t.Fatalf("ResolveRemote failed: %v", err)
	}
	if remote.Username != "carol" {
		t.Errorf("Expected username carol, got %s", remote.Username)
	}
	if remote.InboxURI != actorURI+"/inbox" {
		t.Errorf("Wrong inbox URI: %s", remote.InboxURI)
	}

	// Fetch must persist the profile
	err, stored := database.ReadRemoteAccountByURI(actorURI)
	if err != nil || stored == nil {
		t.Fatalf("Remote account not persisted: %v", err)
	}
	if stored.PublicKeyPem != keypair.Public {
		t.Error("Public key not persisted")
	}

	// A second resolve must not need the network
	server.Close()
	again, err := resolver.ResolveRemote(actorURI)
	if err != nil {
		t.Fatalf("Second ResolveRemote failed after server shutdown: %v", err)
	}
	if again.Id != remote.Id {
		t.Errorf("Row id not stable across resolves: %s vs %s", again.Id, remote.Id)
	}
}

func TestResolveRemoteServesStaleOnFetchFailure(t *testing.T) {
	database := testDB(t)
	resolver := NewResolver(database, testConf("b.example"))

	// A stored profile whose TTL has long expired, pointing nowhere
	stale := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "carol",
		Domain:        "127.0.0.1:1",
		ActorURI:      "http://127.0.0.1:1/users/carol",
		InboxURI:      "http://127.0.0.1:1/users/carol/inbox",
		PublicKeyPem:  util.GeneratePemKeypair().Public,
		LastFetchedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := database.UpsertRemoteAccount(stale); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	remote, err := resolver.ResolveRemote(stale.ActorURI)
	if err != nil {
		t.Fatalf("Expected stale profile instead of error, got %v", err)
	}
	if remote.Id != stale.Id {
		t.Errorf("Expected the stored row, got %s", remote.Id)
	}
}

func TestInboxForFallback(t *testing.T) {
	resolver := NewResolver(testDB(t), testConf("b.example"))

	actorURI := "http://127.0.0.1:1/users/ghost"
	inbox := resolver.InboxFor(actorURI)
	if inbox != actorURI+"/inbox" {
		t.Errorf("Expected conventional fallback inbox, got %s", inbox)
	}
}

func TestPublicKeyForLocalActor(t *testing.T) {
	database := testDB(t)
	resolver := NewResolver(database, testConf("b.example"))

	keypair := util.GeneratePemKeypair()
	err, _ := database.CreateAccount("alice", "Alice", "", keypair)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	pub, err := resolver.PublicKeyFor("https://b.example/users/alice#main-key")
	if err != nil {
		t.Fatalf("PublicKeyFor failed: %v", err)
	}

	expected, err := ParsePublicKey(keypair.Public)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if pub.N.Cmp(expected.N) != 0 {
		t.Error("Resolved key does not match the account keypair")
	}
}

func TestActorIdForLocalAndRemote(t *testing.T) {
	database := testDB(t)
	resolver := NewResolver(database, testConf("b.example"))

	err, acc := database.CreateAccount("alice", "Alice", "", util.GeneratePemKeypair())
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	id, resolveErr := resolver.ActorId("https://b.example/users/alice")
	if resolveErr != nil {
		t.Fatalf("ActorId for local actor failed: %v", resolveErr)
	}
	if id != acc.Id {
		t.Errorf("Expected local account id %s, got %s", acc.Id, id)
	}

	server := remoteActorServer(t, util.GeneratePemKeypair().Public)
	defer server.Close()
	remoteURI := fmt.Sprintf("%s/users/carol", server.URL)

	remoteId, resolveErr := resolver.ActorId(remoteURI)
	if resolveErr != nil {
		t.Fatalf("ActorId for remote actor failed: %v", resolveErr)
	}
	if remoteId == uuid.Nil {
		t.Error("Remote actor id should not be nil")
	}
}
