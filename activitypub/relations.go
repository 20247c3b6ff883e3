package activitypub

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/domain"
	"github.com/waypostfed/waypost/util"
)

// Relations owns the follow lifecycle on both sides of the wire:
// inbound Follow/Accept/Reject/Undo from peers and the local
// follow/unfollow operations that trigger outbound activities.
//
// State transitions are monotonic. A pending relation becomes accepted
// or rejected; an accepted relation is only ever deleted by an Undo.
type Relations struct {
	db        *db.DB
	resolver  *Resolver
	publisher *Publisher
	conf      *util.AppConfig
	logger    *log.Logger
}

func NewRelations(database *db.DB, resolver *Resolver, publisher *Publisher, conf *util.AppConfig) *Relations {
	return &Relations{
		db:        database,
		resolver:  resolver,
		publisher: publisher,
		conf:      conf,
		logger:    log.WithPrefix("relations"),
	}
}

// HandleFollow processes an inbound Follow. The target must be an
// actor on this server; anything else is permanently malformed. The
// relation row upserts, so a repeated Follow from the same actor is a
// no-op rather than a duplicate.
func (r *Relations) HandleFollow(ctx context.Context, act *domain.FollowActivity) error {
	username, ok := r.resolver.LocalUsername(act.Object)
	if !ok {
		return fmt.Errorf("%w: Follow target %s is not local", domain.ErrMalformedActivity, act.Object)
	}

	err, target := r.db.ReadAccByUsername(username)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: Follow target %s does not exist", domain.ErrMalformedActivity, act.Object)
		}
		return err
	}

	followerId, err := r.resolver.ActorId(act.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve follower %s: %w", act.Actor, err)
	}

	state := domain.FollowPending
	if r.conf.Conf.AutoAcceptFollows {
		state = domain.FollowAccepted
	}

	now := time.Now().UTC()
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       followerId,
		TargetAccountId: target.Id,
		URI:             act.ID,
		State:           state,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.db.UpsertFollow(follow); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	r.logger.Info("Follow received", "follower", act.Actor, "target", username, "state", state)

	if state != domain.FollowAccepted {
		return nil
	}

	accept := AcceptActivity(r.conf.Conf.Domain, r.resolver.LocalActorURI(username), domain.FollowRef{
		ID:     act.ID,
		Type:   "Follow",
		Actor:  act.Actor,
		Object: act.Object,
	})
	return r.publisher.Publish(ctx, target.Id, accept)
}

// HandleAccept processes an inbound Accept of a Follow we sent. The
// embedded Follow's actor must be local; its object names the peer who
// accepted.
func (r *Relations) HandleAccept(ctx context.Context, act *domain.AcceptActivity) error {
	ref := act.Object
	if _, ok := r.resolver.LocalUsername(ref.Actor); !ok {
		return fmt.Errorf("%w: Accept for a Follow we never sent", domain.ErrMalformedActivity)
	}

	if ref.ID != "" {
		if err, existing := r.db.ReadFollowByURI(ref.ID); err == nil && existing != nil {
			r.logger.Info("Follow accepted", "uri", ref.ID, "by", act.Actor)
			return r.db.UpdateFollowStateByURI(ref.ID, domain.FollowAccepted)
		}
	}

	// Peer dropped the Follow id; fall back to matching the pair
	return r.updateStateByPair(ref, act.Actor, domain.FollowAccepted)
}

// HandleReject processes an inbound Reject of a Follow we sent.
func (r *Relations) HandleReject(ctx context.Context, act *domain.RejectActivity) error {
	ref := act.Object
	if _, ok := r.resolver.LocalUsername(ref.Actor); !ok {
		return fmt.Errorf("%w: Reject for a Follow we never sent", domain.ErrMalformedActivity)
	}

	if ref.ID != "" {
		if err, existing := r.db.ReadFollowByURI(ref.ID); err == nil && existing != nil {
			r.logger.Info("Follow rejected", "uri", ref.ID, "by", act.Actor)
			return r.db.UpdateFollowStateByURI(ref.ID, domain.FollowRejected)
		}
	}

	return r.updateStateByPair(ref, act.Actor, domain.FollowRejected)
}

func (r *Relations) updateStateByPair(ref domain.FollowRef, peerURI, state string) error {
	followerId, err := r.resolver.ActorId(ref.Actor)
	if err != nil {
		return err
	}
	targetId, err := r.resolver.ActorId(peerURI)
	if err != nil {
		return err
	}
	return r.db.UpdateFollowState(followerId, targetId, state)
}

// HandleUndo processes an inbound Undo. Only Undo{Follow} mutates
// state; other object types are logged and dropped. The outer actor is
// the one retracting the relation, which disambiguates direction when
// both sides resolve locally.
func (r *Relations) HandleUndo(ctx context.Context, act *domain.UndoActivity) error {
	ref := act.Object
	if ref.Type != "" && ref.Type != "Follow" {
		r.logger.Info("Ignoring Undo of unsupported object", "type", ref.Type, "actor", act.Actor)
		return nil
	}

	followerId, err := r.resolver.ActorId(act.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve undoing actor %s: %w", act.Actor, err)
	}

	if ref.ID != "" {
		if err, existing := r.db.ReadFollowByURI(ref.ID); err == nil && existing != nil {
			if existing.AccountId != followerId {
				return fmt.Errorf("%w: Undo actor does not own the Follow", domain.ErrMalformedActivity)
			}
			r.logger.Info("Follow undone", "uri", ref.ID, "by", act.Actor)
			return r.db.DeleteFollowByURI(ref.ID)
		}
	}

	targetURI := ref.Object
	if targetURI == "" {
		// Nothing to match against; the relation, if any, stays
		return fmt.Errorf("%w: Undo without a resolvable Follow", domain.ErrMalformedActivity)
	}
	targetId, err := r.resolver.ActorId(targetURI)
	if err != nil {
		return fmt.Errorf("failed to resolve undo target %s: %w", targetURI, err)
	}

	// Deleting an absent row is a no-op, so redelivered Undos are safe
	r.logger.Info("Follow undone", "follower", act.Actor, "target", targetURI)
	return r.db.DeleteFollow(followerId, targetId)
}

// HandleDelete processes a remote actor announcing its own deletion:
// the cached profile and every relation it appears in are dropped.
// Delete for anything other than the signing actor itself is ignored.
func (r *Relations) HandleDelete(ctx context.Context, act *domain.DeleteActivity) error {
	if act.Object != act.Actor {
		r.logger.Info("Ignoring Delete of non-actor object", "object", act.Object, "actor", act.Actor)
		return nil
	}

	err, remote := r.db.ReadRemoteAccountByURI(act.Actor)
	if err == sql.ErrNoRows || remote == nil {
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.db.DeleteFollowsInvolving(remote.Id); err != nil {
		return err
	}
	r.logger.Info("Remote actor deleted", "actor", act.Actor)
	return r.db.DeleteRemoteAccount(remote.Id)
}

// Follow sends a Follow from a local account to a (usually remote)
// actor and records the pending relation.
func (r *Relations) Follow(ctx context.Context, acc *domain.Account, targetURI string) error {
	targetId, err := r.resolver.ActorId(targetURI)
	if err != nil {
		return fmt.Errorf("failed to resolve follow target %s: %w", targetURI, err)
	}

	actorURI := r.resolver.LocalActorURI(acc.Username)
	followURI := NewActivityID(r.conf.Conf.Domain)

	now := time.Now().UTC()
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       acc.Id,
		TargetAccountId: targetId,
		URI:             followURI,
		State:           domain.FollowPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.db.UpsertFollow(follow); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return r.publisher.Publish(ctx, acc.Id, FollowActivity(followURI, actorURI, targetURI))
}

// Unfollow retracts a local account's relation to an actor. The Undo
// is enqueued before the row is deleted, so a crash in between leaves
// the peer notified and the local row to clean up on retry.
func (r *Relations) Unfollow(ctx context.Context, acc *domain.Account, targetURI string) error {
	targetId, err := r.resolver.ActorId(targetURI)
	if err != nil {
		return fmt.Errorf("failed to resolve unfollow target %s: %w", targetURI, err)
	}

	err, follow := r.db.ReadFollow(acc.Id, targetId)
	if err == sql.ErrNoRows || follow == nil {
		return nil
	}
	if err != nil {
		return err
	}

	actorURI := r.resolver.LocalActorURI(acc.Username)
	undo := UndoFollowActivity(r.conf.Conf.Domain, actorURI, follow.URI, targetURI)
	if err := r.publisher.Publish(ctx, acc.Id, undo); err != nil {
		return err
	}

	return r.db.DeleteFollow(acc.Id, targetId)
}

// AcceptFollow lets a local account approve a pending follower when
// auto-accept is off.
func (r *Relations) AcceptFollow(ctx context.Context, acc *domain.Account, followerId uuid.UUID) error {
	return r.answerFollow(ctx, acc, followerId, domain.FollowAccepted)
}

// RejectFollow declines a pending follower.
func (r *Relations) RejectFollow(ctx context.Context, acc *domain.Account, followerId uuid.UUID) error {
	return r.answerFollow(ctx, acc, followerId, domain.FollowRejected)
}

func (r *Relations) answerFollow(ctx context.Context, acc *domain.Account, followerId uuid.UUID, state string) error {
	err, follow := r.db.ReadFollow(followerId, acc.Id)
	if err == sql.ErrNoRows || follow == nil {
		return fmt.Errorf("no follow request from %s", followerId)
	}
	if err != nil {
		return err
	}
	if follow.State != domain.FollowPending {
		return fmt.Errorf("follow request already %s", follow.State)
	}

	followerURI, err := r.actorURIById(followerId)
	if err != nil {
		return err
	}

	if err := r.db.UpdateFollowState(followerId, acc.Id, state); err != nil {
		return err
	}

	actorURI := r.resolver.LocalActorURI(acc.Username)
	ref := domain.FollowRef{ID: follow.URI, Type: "Follow", Actor: followerURI, Object: actorURI}

	var activity map[string]interface{}
	if state == domain.FollowAccepted {
		activity = AcceptActivity(r.conf.Conf.Domain, actorURI, ref)
	} else {
		activity = RejectActivity(r.conf.Conf.Domain, actorURI, ref)
	}
	return r.publisher.Publish(ctx, acc.Id, activity)
}

// actorURIById reverses an account row id to its actor URI, remote
// rows first since followers usually live elsewhere.
func (r *Relations) actorURIById(id uuid.UUID) (string, error) {
	if err, remote := r.db.ReadRemoteAccountById(id); err == nil && remote != nil {
		return remote.ActorURI, nil
	}
	err, acc := r.db.ReadAccById(id)
	if err != nil {
		return "", fmt.Errorf("unknown account %s: %w", id, err)
	}
	return r.resolver.LocalActorURI(acc.Username), nil
}
