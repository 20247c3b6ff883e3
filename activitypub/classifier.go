package activitypub

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/queue"
	"github.com/waypostfed/waypost/util"
)

const classifierConsumerTag = "waypost-classifier"

// Classifier drains the durable inbox. Broker messages are the fast
// path; a catch-up poll sweeps rows whose nudge was lost, so the table
// is authoritative and the broker is only latency.
//
// A malformed payload is a permanent failure: the row stays processed
// and is never retried. Everything else (resolution, persistence)
// releases the row for a later poll.
type Classifier struct {
	db        *db.DB
	broker    MessageBus
	relations *Relations
	logger    *log.Logger

	batchSize    int
	pollInterval time.Duration
}

func NewClassifier(database *db.DB, broker MessageBus, relations *Relations, conf *util.AppConfig) *Classifier {
	return &Classifier{
		db:           database,
		broker:       broker,
		relations:    relations,
		logger:       log.WithPrefix("classifier"),
		batchSize:    conf.Conf.DeliveryBatchSize,
		pollInterval: time.Duration(conf.Conf.DeliveryPollSecs) * time.Second,
	}
}

// Run consumes until the context is cancelled. Blocks; callers start
// it in a goroutine.
func (c *Classifier) Run(ctx context.Context) {
	go c.pollLoop(ctx)

	for {
		deliveries, err := c.broker.Consume(queue.InboxQueue, classifierConsumerTag)
		if err != nil {
			c.logger.Warn("Inbox consume failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for delivery := range deliveries {
			msg, err := queue.DecodeMessage(delivery.Body)
			if err != nil {
				c.logger.Error("Dropping undecodable inbox message", "err", err)
				delivery.Nack(false, false)
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				// Row already released; the poll owns the retry
				delivery.Nack(false, false)
			} else {
				delivery.Ack(false)
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		// Channel closed: connection dropped, wait for the broker to
		// reconnect and consume again
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// processMessage claims and handles the referenced inbox row. Returns
// nil when the row is finished with (including permanent failures and
// rows another consumer already took); non-nil only for transient
// failures, after releasing the row.
func (c *Classifier) processMessage(ctx context.Context, msg queue.Message) error {
	err, claimed := c.db.ClaimInboxItem(msg.QueueItemId)
	if err != nil {
		return err
	}
	if !claimed {
		// Redelivery of a finished row
		return nil
	}

	err, item := c.db.ReadInboxItem(msg.QueueItemId)
	if err != nil {
		c.release(msg.QueueItemId)
		return err
	}

	if err := c.handle(ctx, item); err != nil {
		if errors.Is(err, domain.ErrMalformedActivity) {
			c.logger.Warn("Discarding malformed activity", "item", item.Id, "err", err)
			return nil
		}
		c.logger.Warn("Transient inbox failure, releasing", "item", item.Id, "err", err)
		c.release(item.Id)
		return err
	}
	return nil
}

func (c *Classifier) release(id uuid.UUID) {
	if err := c.db.ReleaseInboxItem(id); err != nil {
		c.logger.Error("Failed to release inbox item", "item", id, "err", err)
	}
}

// handle dispatches one inbox row to its activity handler.
func (c *Classifier) handle(ctx context.Context, item *domain.QueueItem) error {
	activity, err := domain.ParseActivity([]byte(item.ActivityJSON))
	if err != nil {
		return err
	}

	switch act := activity.(type) {
	case *domain.FollowActivity:
		return c.relations.HandleFollow(ctx, act)
	case *domain.AcceptActivity:
		return c.relations.HandleAccept(ctx, act)
	case *domain.RejectActivity:
		return c.relations.HandleReject(ctx, act)
	case *domain.UndoActivity:
		return c.relations.HandleUndo(ctx, act)
	case *domain.DeleteActivity:
		return c.relations.HandleDelete(ctx, act)
	case *domain.CreateActivity:
		// The row already holds the payload verbatim; nothing else to do
		c.logger.Info("Note received", "from", act.Actor, "object", act.Object.ID)
		return nil
	case *domain.LikeActivity:
		c.logger.Info("Like received", "from", act.Actor, "object", act.Object)
		return nil
	case *domain.UnknownActivity:
		c.logger.Info("Ignoring unsupported activity", "type", act.Type, "from", act.Actor)
		return nil
	default:
		c.logger.Warn("Unhandled activity variant", "type", activity.ActivityType())
		return nil
	}
}

// pollLoop sweeps unprocessed inbox rows on an interval. Covers lost
// broker nudges and rows released after transient failures.
func (c *Classifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Classifier) sweep(ctx context.Context) {
	err, items := c.db.ClaimInboxBatch(c.batchSize)
	if err != nil {
		c.logger.Error("Inbox sweep failed", "err", err)
		return
	}

	for i := range *items {
		item := &(*items)[i]
		if err := c.handle(ctx, item); err != nil {
			if errors.Is(err, domain.ErrMalformedActivity) {
				c.logger.Warn("Discarding malformed activity", "item", item.Id, "err", err)
				continue
			}
			c.logger.Warn("Transient inbox failure, releasing", "item", item.Id, "err", err)
			c.release(item.Id)
		}
	}
}
