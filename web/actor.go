package web

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/activitypub"
)

// HandleActor serves the JSON-LD profile document of a local actor.
func (s *Server) HandleActor(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.ActorDocument(acc, s.conf.Conf.Domain))
}

// HandleWebfinger resolves acct:user@domain handles to actor URIs.
func (s *Server) HandleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" || !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid resource parameter"})
		return
	}

	handle := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid resource format"})
		return
	}
	username := parts[0]
	if parts[1] != s.conf.Conf.Domain {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}

	err, acc := s.db.ReadAccByUsername(username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.WebfingerDocument(acc.Username, s.conf.Conf.Domain))
}

// HandleFollowers serves an actor's followers as an OrderedCollection
// of actor URIs.
func (s *Server) HandleFollowers(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	err, follows := s.db.ReadFollowersOf(acc.Id)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	items := make([]string, 0, len(*follows))
	for _, follow := range *follows {
		if uri, err := s.actorURIById(follow.AccountId); err == nil {
			items = append(items, uri)
		}
	}

	s.renderCollection(c, s.resolver.LocalActorURI(acc.Username)+"/followers", items)
}

// HandleFollowing serves the actors a local account follows.
func (s *Server) HandleFollowing(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	err, follows := s.db.ReadFollowing(acc.Id)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	items := make([]string, 0, len(*follows))
	for _, follow := range *follows {
		if uri, err := s.actorURIById(follow.TargetAccountId); err == nil {
			items = append(items, uri)
		}
	}

	s.renderCollection(c, s.resolver.LocalActorURI(acc.Username)+"/following", items)
}

// HandleOutboxCollection serves an actor's recent check-ins as Create
// activities.
func (s *Server) HandleOutboxCollection(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	err, checkins := s.db.ReadCheckinsByUserId(acc.Id, 20)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	actorURI := s.resolver.LocalActorURI(acc.Username)
	items := make([]interface{}, 0, len(*checkins))
	for i := range *checkins {
		note := activitypub.NoteObject(&(*checkins)[i], acc, s.conf.Conf.Domain)
		items = append(items, activitypub.CreateActivity(note, actorURI))
	}

	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"@context":     activitypub.ActivityStreamsContext,
		"id":           actorURI + "/outbox",
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}

// HandleCheckinObject serves one check-in as an ActivityPub Note.
func (s *Server) HandleCheckinObject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid checkin ID"})
		return
	}

	err, checkin := s.db.ReadCheckinById(id)
	if err != nil || checkin == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Checkin not found"})
		return
	}

	err, acc := s.db.ReadAccById(checkin.UserId)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.NoteObject(checkin, acc, s.conf.Conf.Domain))
}

func (s *Server) renderCollection(c *gin.Context, id string, items []string) {
	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"@context":     activitypub.ActivityStreamsContext,
		"id":           id,
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}

// actorURIById resolves an account row id to its actor URI, local
// accounts first.
func (s *Server) actorURIById(id uuid.UUID) (string, error) {
	if err, acc := s.db.ReadAccById(id); err == nil && acc != nil {
		return s.resolver.LocalActorURI(acc.Username), nil
	}
	err, remote := s.db.ReadRemoteAccountById(id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("unknown account %s", id)
		}
		return "", err
	}
	return remote.ActorURI, nil
}
