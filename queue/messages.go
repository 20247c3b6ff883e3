package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue names for the two durable channels. Both sides assert them,
// so either process can start first.
const (
	InboxQueue  = "activitypub-inbox"
	OutboxQueue = "activitypub-outbox"
)

// Message is the wire format carried by the broker. It references a
// persisted queue row instead of carrying the activity payload, so a
// redelivered message is harmless: the consumer re-reads the row and
// finds it already processed.
type Message struct {
	OwnerActorId uuid.UUID `json:"ownerActorId"`
	QueueItemId  uuid.UUID `json:"queueItemId"`
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode queue message: %w", err)
	}
	if m.QueueItemId == uuid.Nil {
		return Message{}, fmt.Errorf("queue message missing queueItemId")
	}
	return m, nil
}
