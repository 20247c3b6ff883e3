package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/activitypub"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/util"
)

// checkinRequest is the client-to-server payload for posting a
// check-in.
type checkinRequest struct {
	Content  string `json:"content" binding:"required"`
	Location struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

// HandleClientOutbox accepts a check-in from a local client, persists
// it and federates the wrapping Create to the author's followers.
func (s *Server) HandleClientOutbox(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	var req checkinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid checkin payload"})
		return
	}

	checkin := &domain.Checkin{
		Id:           uuid.New(),
		UserId:       acc.Id,
		Content:      util.NormalizeInput(req.Content),
		LocationName: req.Location.Name,
		Latitude:     req.Location.Latitude,
		Longitude:    req.Location.Longitude,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateCheckin(checkin); err != nil {
		s.logger.Error("Failed to store checkin", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	actorURI := s.resolver.LocalActorURI(acc.Username)
	note := activitypub.NoteObject(checkin, acc, s.conf.Conf.Domain)
	create := activitypub.CreateActivity(note, actorURI)

	if err := s.publisher.Publish(c.Request.Context(), acc.Id, create); err != nil {
		s.logger.Error("Failed to enqueue Create", "checkin", checkin.Id, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, create)
}

type followRequest struct {
	Target string `json:"target" binding:"required"`
}

// HandleFollowRequest sends a Follow from a local account to the
// given actor URI.
func (s *Server) HandleFollowRequest(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing target"})
		return
	}

	if err := s.relations.Follow(c.Request.Context(), acc, req.Target); err != nil {
		s.logger.Error("Follow failed", "target", req.Target, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not resolve target actor"})
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleUnfollowRequest retracts a local account's follow.
func (s *Server) HandleUnfollowRequest(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing target"})
		return
	}

	if err := s.relations.Unfollow(c.Request.Context(), acc, req.Target); err != nil {
		s.logger.Error("Unfollow failed", "target", req.Target, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleAnswerFollow approves or declines a pending follower when
// auto-accept is off. The :id segment is the follower's account id,
// :verdict is accept or reject.
func (s *Server) HandleAnswerFollow(c *gin.Context) {
	err, acc := s.db.ReadAccByUsername(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such user"})
		return
	}

	followerId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid follower id"})
		return
	}

	switch c.Param("verdict") {
	case "accept":
		err = s.relations.AcceptFollow(c.Request.Context(), acc, followerId)
	case "reject":
		err = s.relations.RejectFollow(c.Request.Context(), acc, followerId)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Verdict must be accept or reject"})
		return
	}

	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
