package web

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/waypostfed/waypost/activitypub"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/queue"
	"github.com/waypostfed/waypost/util"
)

// fakeBus records nudges instead of talking to a broker.
type fakeBus struct {
	mu        sync.Mutex
	published []queue.Message
}

func (f *fakeBus) Publish(ctx context.Context, queueName string, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeBus) Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	return nil, fmt.Errorf("fakeBus does not consume")
}

type serverFixture struct {
	db     *db.DB
	server *Server
	router *gin.Engine
	bus    *fakeBus
	conf   *util.AppConfig
}

func newServerFixture(t *testing.T) *serverFixture {
	gin.SetMode(gin.TestMode)

	database, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.Domain = "b.example"
	conf.Conf.AutoAcceptFollows = true
	conf.Conf.DeliveryBatchSize = 10
	conf.Conf.DeliveryPollSecs = 1

	bus := &fakeBus{}
	resolver := activitypub.NewResolver(database, conf)
	publisher := activitypub.NewPublisher(database, bus)
	relations := activitypub.NewRelations(database, resolver, publisher, conf)
	server := NewServer(database, conf, resolver, relations, publisher, bus)

	return &serverFixture{
		db:     database,
		server: server,
		router: server.Router(),
		bus:    bus,
		conf:   conf,
	}
}

func (f *serverFixture) createLocal(t *testing.T, username string) *domain.Account {
	err, acc := f.db.CreateAccount(username, username, "", util.GeneratePemKeypair())
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func newAcceptedFollow(follower, target uuid.UUID) *domain.Follow {
	now := time.Now()
	return &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower,
		TargetAccountId: target,
		URI:             "https://a.example/activities/" + uuid.NewString(),
		State:           domain.FollowAccepted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newServerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.server.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run should return nil after a clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func (f *serverFixture) insertRemote(t *testing.T, actorURI, publicKeyPem string) *domain.RemoteAccount {
	remote := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "a.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  publicKeyPem,
		LastFetchedAt: time.Now(),
	}
	if err := f.db.UpsertRemoteAccount(remote); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}
	return remote
}
