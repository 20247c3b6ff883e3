package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/activitypub"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/util"
	"golang.org/x/time/rate"
)

// Server bundles the dependencies the HTTP handlers need. Everything
// is injected; handlers never reach for globals.
type Server struct {
	db        *db.DB
	conf      *util.AppConfig
	resolver  *activitypub.Resolver
	relations *activitypub.Relations
	publisher *activitypub.Publisher
	broker    activitypub.MessageBus
	logger    *log.Logger
}

func NewServer(database *db.DB, conf *util.AppConfig, resolver *activitypub.Resolver,
	relations *activitypub.Relations, publisher *activitypub.Publisher, broker activitypub.MessageBus) *Server {
	return &Server{
		db:        database,
		conf:      conf,
		resolver:  resolver,
		relations: relations,
		publisher: publisher,
		broker:    broker,
		logger:    log.WithPrefix("web"),
	}
}

// Router assembles the gin engine with all federation and client
// routes.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limits and a 1MB body cap on the federation surface
	apLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/.well-known/webfinger", s.HandleWebfinger)

	g.GET("/users/:actor", s.HandleActor)
	g.GET("/users/:actor/followers", s.HandleFollowers)
	g.GET("/users/:actor/following", s.HandleFollowing)
	g.GET("/users/:actor/outbox", s.HandleOutboxCollection)
	g.GET("/checkins/:id", s.HandleCheckinObject)

	g.POST("/inbox", apLimiter, maxBodySize, s.HandleSharedInbox)
	g.POST("/users/:actor/inbox", apLimiter, maxBodySize, s.HandleUserInbox)

	// Client-to-server API
	g.POST("/users/:actor/outbox", maxBodySize, s.HandleClientOutbox)
	g.POST("/api/v1/users/:actor/follow", s.HandleFollowRequest)
	g.POST("/api/v1/users/:actor/unfollow", s.HandleUnfollowRequest)
	g.POST("/api/v1/users/:actor/follow-requests/:id/:verdict", s.HandleAnswerFollow)

	// RSS
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := s.GetRSS(c.Query("username"))
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
		} else {
			c.Render(http.StatusOK, render.String{Format: rss})
		}
	})

	g.GET("/feed/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		feedId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
			return
		}
		rssItem, err := s.GetRSSItem(feedId)
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
		} else {
			c.Render(http.StatusOK, render.String{Format: rssItem})
		}
	})

	return g
}

// Run serves HTTP until the context is cancelled, then drains
// in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.conf.Conf.HttpPort),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP shutdown failed", "err", err)
		}
	}()

	s.logger.Info("Starting federation server", "host", s.conf.Conf.Host, "port", s.conf.Conf.HttpPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
