package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/queue"
)

// MessageBus is the broker surface the federation components use.
// *queue.Broker implements it; tests substitute a fake.
type MessageBus interface {
	Publish(ctx context.Context, queueName string, msg queue.Message) error
	Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error)
}

// Publisher persists outbound activities as outbox rows and nudges the
// delivery worker over the broker. The row is the source of truth: a
// lost broker message only delays delivery until the next poll.
type Publisher struct {
	db     *db.DB
	broker MessageBus
	logger *log.Logger
}

func NewPublisher(database *db.DB, broker MessageBus) *Publisher {
	return &Publisher{
		db:     database,
		broker: broker,
		logger: log.WithPrefix("publisher"),
	}
}

// Publish enqueues an activity for delivery on behalf of the local
// account that owns it. The activity must carry id, type and actor.
func (p *Publisher) Publish(ctx context.Context, accountId uuid.UUID, activity map[string]interface{}) error {
	activityType, _ := activity["type"].(string)
	if activityType == "" {
		return fmt.Errorf("%w: missing type", domain.ErrMalformedActivity)
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}

	item := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    accountId,
		ActivityType: activityType,
		ActivityJSON: string(body),
		CreatedAt:    time.Now().UTC(),
	}

	if err := p.db.EnqueueOutboxItem(item); err != nil {
		return fmt.Errorf("failed to enqueue activity: %w", err)
	}

	// The row is already durable; a failed nudge is only latency
	msg := queue.Message{OwnerActorId: accountId, QueueItemId: item.Id}
	if err := p.broker.Publish(ctx, queue.OutboxQueue, msg); err != nil {
		p.logger.Warn("Broker publish failed, delivery deferred to poll",
			"item", item.Id, "type", activityType, "err", err)
	}

	return nil
}
