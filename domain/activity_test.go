package domain

import (
	"errors"
	"testing"
)

func TestParseFollowActivity(t *testing.T) {
	raw := `{
		"id": "https://a.example/activities/1",
		"type": "Follow",
		"actor": "https://a.example/users/bob",
		"object": "https://b.example/users/alice"
	}`

	activity, err := ParseActivity([]byte(raw))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}

	follow, ok := activity.(*FollowActivity)
	if !ok {
		t.Fatalf("Expected *FollowActivity, got %T", activity)
	}
	if follow.Object != "https://b.example/users/alice" {
		t.Errorf("Wrong follow target: %s", follow.Object)
	}
	if follow.ActorURI() != "https://a.example/users/bob" {
		t.Errorf("Wrong actor: %s", follow.ActorURI())
	}
}

func TestParseAcceptWithEmbeddedFollow(t *testing.T) {
	raw := `{
		"id": "https://b.example/activities/2",
		"type": "Accept",
		"actor": "https://b.example/users/alice",
		"object": {
			"id": "https://a.example/activities/1",
			"type": "Follow",
			"actor": "https://a.example/users/bob",
			"object": "https://b.example/users/alice"
		}
	}`

	activity, err := ParseActivity([]byte(raw))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}

	accept, ok := activity.(*AcceptActivity)
	if !ok {
		t.Fatalf("Expected *AcceptActivity, got %T", activity)
	}
	if accept.Object.ID != "https://a.example/activities/1" {
		t.Errorf("Wrong embedded follow id: %s", accept.Object.ID)
	}
	if accept.Object.Actor != "https://a.example/users/bob" {
		t.Errorf("Wrong embedded follow actor: %s", accept.Object.Actor)
	}
}

func TestParseUndoWithNestedObjectURI(t *testing.T) {
	// The inner Follow object may itself be an embedded object
	raw := `{
		"id": "https://a.example/activities/3",
		"type": "Undo",
		"actor": "https://a.example/users/bob",
		"object": {
			"id": "https://a.example/activities/1",
			"type": "Follow",
			"actor": "https://a.example/users/bob",
			"object": {"id": "https://b.example/users/alice"}
		}
	}`

	activity, err := ParseActivity([]byte(raw))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}

	undo, ok := activity.(*UndoActivity)
	if !ok {
		t.Fatalf("Expected *UndoActivity, got %T", activity)
	}
	if undo.Object.Object != "https://b.example/users/alice" {
		t.Errorf("Nested object URI not extracted: %s", undo.Object.Object)
	}
}

func TestParseCreateActivity(t *testing.T) {
	raw := `{
		"id": "https://b.example/activities/4",
		"type": "Create",
		"actor": "https://b.example/users/alice",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"object": {
			"id": "https://b.example/notes/1",
			"type": "Note",
			"attributedTo": "https://b.example/users/alice",
			"content": "hello fediverse"
		}
	}`

	activity, err := ParseActivity([]byte(raw))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}

	create, ok := activity.(*CreateActivity)
	if !ok {
		t.Fatalf("Expected *CreateActivity, got %T", activity)
	}
	if create.Object.Content != "hello fediverse" {
		t.Errorf("Wrong note content: %s", create.Object.Content)
	}
	if len(create.To) != 1 {
		t.Errorf("Addressing not preserved: %v", create.To)
	}
}

func TestParseUnknownTypeSurvives(t *testing.T) {
	raw := `{
		"id": "https://b.example/activities/5",
		"type": "Announce",
		"actor": "https://b.example/users/alice",
		"object": "https://a.example/notes/9"
	}`

	activity, err := ParseActivity([]byte(raw))
	if err != nil {
		t.Fatalf("Unknown types must not error: %v", err)
	}

	unknown, ok := activity.(*UnknownActivity)
	if !ok {
		t.Fatalf("Expected *UnknownActivity, got %T", activity)
	}
	if unknown.ActivityType() != "Announce" {
		t.Errorf("Type not preserved: %s", unknown.ActivityType())
	}
	if len(unknown.Raw) == 0 {
		t.Error("Raw payload should be retained")
	}
}

func TestParseMalformedActivities(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{{`,
		"missing type":     `{"id":"x","actor":"https://a.example/users/bob"}`,
		"missing actor":    `{"id":"x","type":"Follow","object":"https://b.example/users/alice"}`,
		"follow no object": `{"id":"x","type":"Follow","actor":"https://a.example/users/bob"}`,
		"like no object":   `{"id":"x","type":"Like","actor":"https://a.example/users/bob"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseActivity([]byte(raw))
			if !errors.Is(err, ErrMalformedActivity) {
				t.Errorf("Expected ErrMalformedActivity, got %v", err)
			}
		})
	}
}
