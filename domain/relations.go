package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow relation states. Transitions are monotonic: pending may move
// to accepted or rejected; accepted relations are only ever deleted
// (on a confirmed Undo), never demoted.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// Follow is a directed edge: AccountId follows TargetAccountId. At
// most one row exists per (account, target) pair; repeated Follow
// activities upsert into the same row.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower (local or remote)
	TargetAccountId uuid.UUID // the account being followed
	URI             string    // ActivityPub Follow activity URI
	State           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QueueItem is a durable inbox or outbox row. The raw activity is
// retained verbatim; Processed flips false->true exactly once when a
// worker finishes with the row, and is reset to false to retry after
// a transient failure.
type QueueItem struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	ActivityType string
	ActivityJSON string
	Processed    bool
	CreatedAt    time.Time
}
