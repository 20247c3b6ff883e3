package activitypub

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/waypostfed/waypost/domain"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
)

// ActorDocument builds the JSON-LD profile document for a local
// account, including the published half of its keypair.
func ActorDocument(acc *domain.Account, domainName string) map[string]interface{} {
	actorURI := fmt.Sprintf("https://%s/users/%s", domainName, acc.Username)

	return map[string]interface{}{
		"@context": []string{
			ActivityStreamsContext,
			SecurityContext,
		},
		"id":                actorURI,
		"type":              "Person",
		"preferredUsername": acc.Username,
		"name":              acc.DisplayName,
		"summary":           acc.Summary,
		"inbox":             actorURI + "/inbox",
		"outbox":            actorURI + "/outbox",
		"followers":         actorURI + "/followers",
		"following":         actorURI + "/following",
		"publicKey": map[string]interface{}{
			"id":           actorURI + "#main-key",
			"owner":        actorURI,
			"publicKeyPem": acc.WebPublicKey,
		},
	}
}

// WebfingerDocument maps an account handle to its actor URI.
func WebfingerDocument(username, domainName string) map[string]interface{} {
	return map[string]interface{}{
		"subject": fmt.Sprintf("acct:%s@%s", username, domainName),
		"links": []map[string]interface{}{
			{
				"rel":  "self",
				"type": ContentType,
				"href": fmt.Sprintf("https://%s/users/%s", domainName, username),
			},
		},
	}
}

// NoteObject builds the Note representation of a check-in, carrying
// its place when one is set.
func NoteObject(checkin *domain.Checkin, acc *domain.Account, domainName string) map[string]interface{} {
	actorURI := fmt.Sprintf("https://%s/users/%s", domainName, acc.Username)
	noteURI := fmt.Sprintf("https://%s/checkins/%s", domainName, checkin.Id.String())

	note := map[string]interface{}{
		"@context":     ActivityStreamsContext,
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      checkin.Content,
		"published":    checkin.CreatedAt.Format(time.RFC3339),
		"to":           []string{PublicAudience},
		"cc":           []string{actorURI + "/followers"},
	}

	if checkin.LocationName != "" {
		note["location"] = map[string]interface{}{
			"type":      "Place",
			"name":      checkin.LocationName,
			"latitude":  checkin.Latitude,
			"longitude": checkin.Longitude,
		}
	}

	return note
}

// CreateActivity wraps a Note in a Create addressed to the public and
// the author's followers.
func CreateActivity(note map[string]interface{}, actorURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context":  ActivityStreamsContext,
		"id":        fmt.Sprintf("%s/activity", note["id"]),
		"type":      "Create",
		"actor":     actorURI,
		"object":    note,
		"published": note["published"],
		"to":        note["to"],
		"cc":        note["cc"],
	}
}

// FollowActivity builds a Follow addressed directly to the target.
func FollowActivity(id, actorURI, targetURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       id,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   targetURI,
		"to":       []string{targetURI},
	}
}

// AcceptActivity builds the Accept for a received Follow, addressed
// back to the follower.
func AcceptActivity(domainName, actorURI string, follow domain.FollowRef) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       NewActivityID(domainName),
		"type":     "Accept",
		"actor":    actorURI,
		"to":       []string{follow.Actor},
		"object": map[string]interface{}{
			"id":     follow.ID,
			"type":   "Follow",
			"actor":  follow.Actor,
			"object": follow.Object,
		},
	}
}

// RejectActivity builds the Reject for a declined Follow.
func RejectActivity(domainName, actorURI string, follow domain.FollowRef) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       NewActivityID(domainName),
		"type":     "Reject",
		"actor":    actorURI,
		"to":       []string{follow.Actor},
		"object": map[string]interface{}{
			"id":     follow.ID,
			"type":   "Follow",
			"actor":  follow.Actor,
			"object": follow.Object,
		},
	}
}

// UndoFollowActivity builds the Undo{Follow} sent on a local
// unfollow, addressed directly to the peer.
func UndoFollowActivity(domainName, actorURI, followURI, targetURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       NewActivityID(domainName),
		"type":     "Undo",
		"actor":    actorURI,
		"to":       []string{targetURI},
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": targetURI,
		},
	}
}

// NewActivityID mints a fresh activity URI under this server's
// namespace.
func NewActivityID(domainName string) string {
	return fmt.Sprintf("https://%s/activities/%s", domainName, uuid.New().String())
}
