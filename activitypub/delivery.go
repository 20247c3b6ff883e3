package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/queue"
	"github.com/waypostfed/waypost/util"
)

const delivererConsumerTag = "waypost-deliverer"

// Deliverer drains the durable outbox: claims batches of unprocessed
// rows, resolves each activity's audience to concrete inboxes and
// POSTs signed requests. Destinations are isolated; a failed POST is
// logged and skipped, never retried, so one dead peer cannot hold the
// row open or cause re-delivery to the peers that already accepted.
type Deliverer struct {
	db       *db.DB
	resolver *Resolver
	broker   MessageBus
	conf     *util.AppConfig
	client   *http.Client
	logger   *log.Logger

	nudge chan struct{}

	batchSize    int
	pollInterval time.Duration
}

func NewDeliverer(database *db.DB, resolver *Resolver, broker MessageBus, conf *util.AppConfig) *Deliverer {
	return &Deliverer{
		db:           database,
		resolver:     resolver,
		broker:       broker,
		conf:         conf,
		client:       &http.Client{Timeout: 15 * time.Second},
		logger:       log.WithPrefix("deliverer"),
		nudge:        make(chan struct{}, 1),
		batchSize:    conf.Conf.DeliveryBatchSize,
		pollInterval: time.Duration(conf.Conf.DeliveryPollSecs) * time.Second,
	}
}

// Nudge wakes the delivery loop ahead of its next tick. Coalesces;
// never blocks.
func (d *Deliverer) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run polls the outbox until the context is cancelled. Broker
// messages only shorten the wait; the claimed row batch is the unit of
// work either way. Blocks; callers start it in a goroutine.
func (d *Deliverer) Run(ctx context.Context) {
	go d.consumeNudges(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		d.deliverBatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.nudge:
		}
	}
}

// consumeNudges turns outbox broker messages into wake-ups. The
// message is acked immediately: the row is authoritative, so losing a
// nudge costs one poll interval at most.
func (d *Deliverer) consumeNudges(ctx context.Context) {
	for {
		deliveries, err := d.broker.Consume(queue.OutboxQueue, delivererConsumerTag)
		if err != nil {
			d.logger.Warn("Outbox consume failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for delivery := range deliveries {
			delivery.Ack(false)
			d.Nudge()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// deliverBatch claims and works one batch. Rows that fail before the
// fan-out starts (audience resolution, local enqueue) are released for
// the next poll; rows with a permanently broken payload stay
// processed.
func (d *Deliverer) deliverBatch(ctx context.Context) {
	err, items := d.db.ClaimOutboxBatch(d.batchSize)
	if err != nil {
		d.logger.Error("Outbox claim failed", "err", err)
		return
	}

	for i := range *items {
		item := &(*items)[i]
		if err := d.deliverItem(ctx, item); err != nil {
			if errors.Is(err, domain.ErrMalformedActivity) {
				d.logger.Warn("Discarding undeliverable activity", "item", item.Id, "err", err)
				continue
			}
			d.logger.Warn("Delivery incomplete, releasing", "item", item.Id, "err", err)
			if relErr := d.db.ReleaseOutboxItem(item.Id); relErr != nil {
				d.logger.Error("Failed to release outbox item", "item", item.Id, "err", relErr)
			}
		}
	}
}

// deliverItem fans one outbox row out to every resolved inbox. A
// destination that refuses the POST is logged and dropped; an error is
// returned only for failures that precede the fan-out, so a release
// never re-delivers to destinations that already accepted.
func (d *Deliverer) deliverItem(ctx context.Context, item *domain.QueueItem) error {
	err, sender := d.db.ReadAccById(item.AccountId)
	if err != nil {
		return fmt.Errorf("%w: unknown sender account %s", domain.ErrMalformedActivity, item.AccountId)
	}

	privateKey, err := ParsePrivateKey(sender.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("%w: sender key unusable: %v", domain.ErrMalformedActivity, err)
	}

	actorURI := d.resolver.LocalActorURI(sender.Username)
	keyID := actorURI + "#main-key"

	remoteInboxes, localAccounts, err := d.resolveAudience(item, actorURI)
	if err != nil {
		return err
	}

	// Local recipients short-circuit the wire: their inbox rows are
	// written directly
	for _, localId := range localAccounts {
		if err := d.enqueueLocal(ctx, localId, item); err != nil {
			return err
		}
	}

	for _, inboxURI := range remoteInboxes {
		if err := d.deliverTo(ctx, inboxURI, []byte(item.ActivityJSON), privateKey, keyID); err != nil {
			d.logger.Warn("Delivery to inbox failed", "inbox", inboxURI, "item", item.Id, "err", err)
			continue
		}
		d.logger.Info("Delivered activity", "type", item.ActivityType, "inbox", inboxURI)
	}

	return nil
}

// resolveAudience expands an activity's to/cc into deduplicated remote
// inbox URIs and local account ids. The public audience marker carries
// no inbox; the sender's own followers collection fans out to accepted
// followers.
func (d *Deliverer) resolveAudience(item *domain.QueueItem, actorURI string) ([]string, []uuid.UUID, error) {
	var envelope struct {
		To []string `json:"to"`
		Cc []string `json:"cc"`
	}
	if err := json.Unmarshal([]byte(item.ActivityJSON), &envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}

	followersURI := actorURI + "/followers"

	seenInbox := make(map[string]bool)
	seenLocal := make(map[uuid.UUID]bool)
	var inboxes []string
	var locals []uuid.UUID

	addRemote := func(inboxURI string) {
		if inboxURI != "" && !seenInbox[inboxURI] {
			seenInbox[inboxURI] = true
			inboxes = append(inboxes, inboxURI)
		}
	}
	addLocal := func(id uuid.UUID) {
		if !seenLocal[id] {
			seenLocal[id] = true
			locals = append(locals, id)
		}
	}

	for _, uri := range append(append([]string{}, envelope.To...), envelope.Cc...) {
		switch {
		case uri == PublicAudience:
			// Marker only, nothing to deliver to

		case uri == followersURI:
			err, followers := d.db.ReadFollowersOf(item.AccountId)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load followers: %w", err)
			}
			for _, follow := range *followers {
				if err, remote := d.db.ReadRemoteAccountById(follow.AccountId); err == nil && remote != nil {
					addRemote(remote.InboxURI)
					continue
				}
				addLocal(follow.AccountId)
			}

		default:
			if username, ok := d.resolver.LocalUsername(uri); ok {
				if err, acc := d.db.ReadAccByUsername(username); err == nil && acc != nil {
					addLocal(acc.Id)
				}
				continue
			}
			addRemote(d.resolver.InboxFor(uri))
		}
	}

	return inboxes, locals, nil
}

// enqueueLocal writes the activity straight into a local recipient's
// inbox, skipping HTTP and signatures entirely.
func (d *Deliverer) enqueueLocal(ctx context.Context, accountId uuid.UUID, item *domain.QueueItem) error {
	inboxItem := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    accountId,
		ActivityType: item.ActivityType,
		ActivityJSON: item.ActivityJSON,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.db.EnqueueInboxItem(inboxItem); err != nil {
		return fmt.Errorf("failed to enqueue local delivery: %w", err)
	}

	msg := queue.Message{OwnerActorId: accountId, QueueItemId: inboxItem.Id}
	if err := d.broker.Publish(ctx, queue.InboxQueue, msg); err != nil {
		d.logger.Warn("Broker publish failed for local delivery", "item", inboxItem.Id, "err", err)
	}
	return nil
}

// deliverTo POSTs a signed activity to one inbox.
func (d *Deliverer) deliverTo(ctx context.Context, inboxURI string, body []byte, privateKey *rsa.PrivateKey, keyID string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if err := SignRequest(req, body, privateKey, keyID); err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("inbox returned status %d", resp.StatusCode)
	}
	return nil
}
