package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedActivity marks activity payloads that can never become
// valid: missing type, missing actor, unparsable object. Queue items
// carrying such payloads are marked processed without retry.
var ErrMalformedActivity = errors.New("malformed activity")

// Activity is the tagged union over inbound and outbound activity
// payloads, keyed by the ActivityStreams "type" field. Unrecognized
// types parse into UnknownActivity so they survive round trips.
type Activity interface {
	ActivityID() string
	ActivityType() string
	ActorURI() string
}

// Envelope holds the fields shared by every activity variant.
type Envelope struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
}

func (e Envelope) ActivityID() string   { return e.ID }
func (e Envelope) ActivityType() string { return e.Type }
func (e Envelope) ActorURI() string     { return e.Actor }

// FollowRef is the Follow activity embedded in Accept and Undo
// objects: Actor follows Object.
type FollowRef struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`
}

// NoteObject is the object of a Create activity.
type NoteObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published,omitempty"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
}

type FollowActivity struct {
	Envelope
	Object string // URI of the actor being followed
}

type AcceptActivity struct {
	Envelope
	Object FollowRef // the Follow being accepted
}

type RejectActivity struct {
	Envelope
	Object FollowRef // the Follow being rejected
}

type UndoActivity struct {
	Envelope
	Object FollowRef // the activity being undone
}

type CreateActivity struct {
	Envelope
	Object NoteObject
}

type LikeActivity struct {
	Envelope
	Object string // URI of the liked object
}

type DeleteActivity struct {
	Envelope
	Object string // URI of the deleted object (or Tombstone id)
}

type UnknownActivity struct {
	Envelope
	Raw json.RawMessage
}

// rawEnvelope defers the object field so each variant can decode it
// to its own shape.
type rawEnvelope struct {
	Envelope
	Object json.RawMessage `json:"object"`
}

// ParseActivity classifies a raw activity payload into its typed
// variant. Returns ErrMalformedActivity for shapes that retrying
// cannot fix.
func ParseActivity(raw []byte) (Activity, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedActivity)
	}
	if env.Actor == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrMalformedActivity)
	}

	switch env.Type {
	case "Follow":
		target, err := objectURI(env.Object)
		if err != nil || target == "" {
			return nil, fmt.Errorf("%w: Follow without target", ErrMalformedActivity)
		}
		return &FollowActivity{Envelope: env.Envelope, Object: target}, nil

	case "Accept":
		ref, err := followRef(env.Object)
		if err != nil {
			return nil, fmt.Errorf("%w: Accept object: %v", ErrMalformedActivity, err)
		}
		return &AcceptActivity{Envelope: env.Envelope, Object: ref}, nil

	case "Reject":
		ref, err := followRef(env.Object)
		if err != nil {
			return nil, fmt.Errorf("%w: Reject object: %v", ErrMalformedActivity, err)
		}
		return &RejectActivity{Envelope: env.Envelope, Object: ref}, nil

	case "Undo":
		ref, err := followRef(env.Object)
		if err != nil {
			return nil, fmt.Errorf("%w: Undo object: %v", ErrMalformedActivity, err)
		}
		return &UndoActivity{Envelope: env.Envelope, Object: ref}, nil

	case "Create":
		var note NoteObject
		if err := json.Unmarshal(env.Object, &note); err != nil {
			return nil, fmt.Errorf("%w: Create object: %v", ErrMalformedActivity, err)
		}
		return &CreateActivity{Envelope: env.Envelope, Object: note}, nil

	case "Like":
		target, err := objectURI(env.Object)
		if err != nil || target == "" {
			return nil, fmt.Errorf("%w: Like without object", ErrMalformedActivity)
		}
		return &LikeActivity{Envelope: env.Envelope, Object: target}, nil

	case "Delete":
		target, err := objectURI(env.Object)
		if err != nil || target == "" {
			return nil, fmt.Errorf("%w: Delete without object", ErrMalformedActivity)
		}
		return &DeleteActivity{Envelope: env.Envelope, Object: target}, nil

	default:
		return &UnknownActivity{Envelope: env.Envelope, Raw: append([]byte(nil), raw...)}, nil
	}
}

// objectURI accepts either a bare URI string or an embedded object
// with an "id" field.
func objectURI(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing object")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.ID, nil
}

// followRef decodes the embedded object of an Accept or Undo. The
// inner object of the Follow may itself be a URI or an object.
func followRef(raw json.RawMessage) (FollowRef, error) {
	if len(raw) == 0 {
		return FollowRef{}, errors.New("missing object")
	}

	var ref struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return FollowRef{}, err
	}

	inner, err := objectURI(ref.Object)
	if err != nil {
		inner = ""
	}

	return FollowRef{ID: ref.ID, Type: ref.Type, Actor: ref.Actor, Object: inner}, nil
}
