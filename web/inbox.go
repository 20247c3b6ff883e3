package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/activitypub"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/queue"
)

// inboxEnvelope is the minimal shape needed to route and record an
// inbound activity; full parsing happens in the classification worker.
type inboxEnvelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	To     []string        `json:"to"`
	Cc     []string        `json:"cc"`
	Object json.RawMessage `json:"object"`
}

// HandleUserInbox accepts a signed activity addressed to one local
// actor.
func (s *Server) HandleUserInbox(c *gin.Context) {
	s.handleInbox(c, c.Param("actor"))
}

// HandleSharedInbox accepts a signed activity on the shared inbox and
// routes it to a local account by its addressing.
func (s *Server) HandleSharedInbox(c *gin.Context) {
	s.handleInbox(c, "")
}

func (s *Server) handleInbox(c *gin.Context, username string) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	// Signature failures are terminal: the sender must re-sign and
	// re-send, so nothing is persisted
	signer, err := activitypub.VerifyRequest(c.Request, body, s.resolver.PublicKeyFor)
	if err != nil {
		s.logger.Warn("Inbox signature rejected", "err", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": signatureErrorBody(err)})
		return
	}

	var envelope inboxEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid activity"})
		return
	}
	if envelope.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid activity"})
		return
	}

	// The signer must be the actor it claims to deliver for
	if envelope.Actor != "" && envelope.Actor != signer {
		s.logger.Warn("Inbox actor does not match signer", "actor", envelope.Actor, "signer", signer)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	if username == "" {
		username = s.routeSharedInbox(&envelope)
	}
	if username == "" {
		// Addressed to nobody here; acknowledge and drop
		s.logger.Info("Shared inbox activity without local target", "type", envelope.Type, "actor", envelope.Actor)
		c.Status(http.StatusAccepted)
		return
	}

	err, target := s.db.ReadAccByUsername(username)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}

	item := &domain.QueueItem{
		Id:           uuid.New(),
		AccountId:    target.Id,
		ActivityType: envelope.Type,
		ActivityJSON: string(body),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.EnqueueInboxItem(item); err != nil {
		s.logger.Error("Failed to enqueue inbox activity", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	// Row is durable; a failed nudge only waits for the next poll
	msg := queue.Message{OwnerActorId: target.Id, QueueItemId: item.Id}
	if err := s.broker.Publish(c.Request.Context(), queue.InboxQueue, msg); err != nil {
		s.logger.Warn("Broker publish failed for inbox item", "item", item.Id, "err", err)
	}

	s.logger.Info("Activity accepted", "type", envelope.Type, "from", envelope.Actor, "target", username)
	c.Status(http.StatusAccepted)
}

// routeSharedInbox finds the local account an activity is addressed
// to: to/cc first, then a Follow object, then any local follower of
// the sending actor.
func (s *Server) routeSharedInbox(envelope *inboxEnvelope) string {
	for _, uri := range append(append([]string{}, envelope.To...), envelope.Cc...) {
		if username, ok := s.resolver.LocalUsername(uri); ok {
			return username
		}
	}

	var objectURI string
	if err := json.Unmarshal(envelope.Object, &objectURI); err == nil {
		if username, ok := s.resolver.LocalUsername(objectURI); ok {
			return username
		}
	}

	// Create/Delete from a followed actor carry no local addressing;
	// route to the first local follower
	if err, remote := s.db.ReadRemoteAccountByURI(envelope.Actor); err == nil && remote != nil {
		if err, followers := s.db.ReadFollowersOf(remote.Id); err == nil {
			for _, follow := range *followers {
				if err, acc := s.db.ReadAccById(follow.AccountId); err == nil && acc != nil {
					return acc.Username
				}
			}
		}
	}

	return ""
}

// signatureErrorBody maps verification failures onto the response
// bodies peers see. Every variant is a 401.
func signatureErrorBody(err error) string {
	switch {
	case errors.Is(err, activitypub.ErrMissingSignature):
		return "Missing HTTP Signature"
	case errors.Is(err, activitypub.ErrMalformedSignature):
		return "Invalid signature format"
	case errors.Is(err, activitypub.ErrKeyUnavailable):
		return "Unable to retrieve public key"
	default:
		return "Invalid signature"
	}
}
