package activitypub

import (
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/util"
)

// remoteAccountTTL bounds how long a fetched actor profile is served
// from cache before a re-fetch.
const remoteAccountTTL = 24 * time.Hour

// actorResponse represents the JSON structure of a fetched
// ActivityPub actor document.
type actorResponse struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolver resolves actor identifiers to profiles and public keys,
// local store first, remote fetch as fallback. Fetched profiles are
// persisted in remote_accounts and held in a short in-memory cache so
// fan-out deliveries don't re-fetch per destination.
type Resolver struct {
	db     *db.DB
	conf   *util.AppConfig
	client *http.Client
	cache  *ristretto.Cache
	logger *log.Logger
}

func NewResolver(database *db.DB, conf *util.AppConfig) *Resolver {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &Resolver{
		db:     database,
		conf:   conf,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  cache,
		logger: log.WithPrefix("resolver"),
	}
}

// LocalActorURI returns the canonical actor URI for a local username.
func (r *Resolver) LocalActorURI(username string) string {
	return fmt.Sprintf("https://%s/users/%s", r.conf.Conf.Domain, username)
}

// LocalUsername reports whether an actor URI belongs to this server,
// and if so which username it names. This is the membership check the
// relation handlers use to derive activity direction.
func (r *Resolver) LocalUsername(actorURI string) (string, bool) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", false
	}
	if parsed.Host != r.conf.Conf.Domain {
		return "", false
	}

	const prefix = "/users/"
	if !strings.HasPrefix(parsed.Path, prefix) {
		return "", false
	}
	username := strings.TrimPrefix(parsed.Path, prefix)
	if username == "" || strings.Contains(username, "/") {
		return "", false
	}
	return username, true
}

// ResolveLocal looks up a local account by username or actor URI.
func (r *Resolver) ResolveLocal(identifier string) (error, *domain.Account) {
	if username, ok := r.LocalUsername(identifier); ok {
		identifier = username
	}
	return r.db.ReadAccByUsername(identifier)
}

// ResolveRemote returns the profile of a remote actor, from cache if
// fresh, fetching otherwise. Private keys are never stored for remote
// actors.
func (r *Resolver) ResolveRemote(actorURI string) (*domain.RemoteAccount, error) {
	if cached, ok := r.cache.Get(actorURI); ok {
		return cached.(*domain.RemoteAccount), nil
	}

	err, stored := r.db.ReadRemoteAccountByURI(actorURI)
	if err == nil && stored != nil && time.Since(stored.LastFetchedAt) < remoteAccountTTL {
		r.cache.SetWithTTL(actorURI, stored, 1, remoteAccountTTL)
		return stored, nil
	}

	fetched, fetchErr := r.fetchRemoteActor(actorURI)
	if fetchErr != nil {
		// Serve a stale row over nothing at all
		if stored != nil {
			return stored, nil
		}
		return nil, fetchErr
	}

	r.cache.SetWithTTL(actorURI, fetched, 1, remoteAccountTTL)
	return fetched, nil
}

// fetchRemoteActor fetches an actor document from a remote server and
// persists it.
func (r *Resolver) fetchRemoteActor(actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("actor fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor actorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	parsed, err := url.Parse(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid actor URI: %w", err)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      actor.PreferredUsername,
		Domain:        parsed.Host,
		ActorURI:      actor.ID,
		DisplayName:   actor.Name,
		Summary:       actor.Summary,
		InboxURI:      actor.Inbox,
		OutboxURI:     actor.Outbox,
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: time.Now(),
	}

	// Keep the stable row id if we already track this actor
	if err, existing := r.db.ReadRemoteAccountByURI(actor.ID); err == nil && existing != nil {
		remoteAcc.Id = existing.Id
	}

	if err := r.db.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	return remoteAcc, nil
}

// InboxFor resolves the inbox URI for a remote actor. A failed lookup
// falls back to the conventional actorURI + "/inbox", with a warning
// so the degradation is visible in the logs.
func (r *Resolver) InboxFor(actorURI string) string {
	remote, err := r.ResolveRemote(actorURI)
	if err != nil {
		fallback := actorURI + "/inbox"
		r.logger.Warn("Actor resolution failed, falling back to conventional inbox",
			"actor", actorURI, "inbox", fallback, "err", err)
		return fallback
	}
	return remote.InboxURI
}

// PublicKeyFor resolves the verification key for a signature keyId.
// Local actors are answered from the accounts table; remote keyIds go
// through ResolveRemote.
func (r *Resolver) PublicKeyFor(keyID string) (*rsa.PublicKey, error) {
	actorURI := strings.Split(keyID, "#")[0]

	if username, ok := r.LocalUsername(actorURI); ok {
		err, acc := r.db.ReadAccByUsername(username)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("no local account %s", username)
			}
			return nil, err
		}
		return ParsePublicKey(acc.WebPublicKey)
	}

	remote, err := r.ResolveRemote(actorURI)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(remote.PublicKeyPem)
}

// ActorId maps an actor URI to the id of its account row, local or
// remote.
func (r *Resolver) ActorId(actorURI string) (uuid.UUID, error) {
	if username, ok := r.LocalUsername(actorURI); ok {
		err, acc := r.db.ReadAccByUsername(username)
		if err != nil {
			return uuid.Nil, fmt.Errorf("unknown local actor %s: %w", actorURI, err)
		}
		return acc.Id, nil
	}

	remote, err := r.ResolveRemote(actorURI)
	if err != nil {
		return uuid.Nil, err
	}
	return remote.Id, nil
}
