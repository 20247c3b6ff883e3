package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"
	"github.com/waypostfed/waypost/domain"
)

const rssFeedLimit = 50

// GetRSS renders recent check-ins as an RSS feed, optionally scoped
// to one user.
func (s *Server) GetRSS(username string) (string, error) {
	var err error
	var checkins *[]domain.Checkin
	var title string
	var author string

	link := fmt.Sprintf("https://%s/feed", s.conf.Conf.Domain)

	if username != "" {
		readErr, acc := s.db.ReadAccByUsername(username)
		if readErr != nil {
			return "", errors.New("error retrieving checkins by username")
		}
		err, checkins = s.db.ReadCheckinsByUserId(acc.Id, rssFeedLimit)
		title = fmt.Sprintf("Waypost Checkins - %s", username)
		author = username
		link = fmt.Sprintf("%s?username=%s", link, username)
	} else {
		err, checkins = s.db.ReadAllCheckins(rssFeedLimit)
		title = "All Waypost Checkins"
		author = "everyone"
	}
	if err != nil || checkins == nil {
		return "", errors.New("error retrieving checkins")
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: "where people have been",
		Author:      &feeds.Author{Name: author, Email: fmt.Sprintf("%s@%s", author, s.conf.Conf.Domain)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, checkin := range *checkins {
		feedItems = append(feedItems, s.feedItem(&checkin))
	}

	feed.Items = feedItems
	return feed.ToRss()
}

// GetRSSItem renders one check-in as a single-item RSS feed.
func (s *Server) GetRSSItem(id uuid.UUID) (string, error) {
	err, checkin := s.db.ReadCheckinById(id)
	if err != nil || checkin == nil {
		return "", errors.New("error retrieving checkin by id")
	}

	feed := &feeds.Feed{
		Title:   "Waypost Checkin",
		Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/feed/%s", s.conf.Conf.Domain, checkin.Id)},
		Created: checkin.CreatedAt,
		Items:   []*feeds.Item{s.feedItem(checkin)},
	}
	return feed.ToRss()
}

func (s *Server) feedItem(checkin *domain.Checkin) *feeds.Item {
	title := checkin.CreatedAt.Format("2006-01-02 15:04")
	content := checkin.Content
	if checkin.LocationName != "" {
		title = fmt.Sprintf("%s @ %s", title, checkin.LocationName)
		content = fmt.Sprintf("%s (at %s)", content, checkin.LocationName)
	}

	return &feeds.Item{
		Id:      checkin.Id.String(),
		Title:   title,
		Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/feed/%s", s.conf.Conf.Domain, checkin.Id)},
		Content: content,
		Created: checkin.CreatedAt,
	}
}
