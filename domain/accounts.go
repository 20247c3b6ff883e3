package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a local user with a signing keypair. The private
// key never leaves this server.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

// RemoteAccount represents a cached federated user. Only the public
// key is ever stored for remote actors.
type RemoteAccount struct {
	Id            uuid.UUID
	Username      string
	Domain        string
	ActorURI      string
	DisplayName   string
	Summary       string
	InboxURI      string
	OutboxURI     string
	PublicKeyPem  string
	LastFetchedAt time.Time
}

// Checkin is a local post: a short message tied to an optional place.
type Checkin struct {
	Id           uuid.UUID
	UserId       uuid.UUID
	Content      string
	LocationName string
	Latitude     float64
	Longitude    float64
	CreatedAt    time.Time
}
