package eventmodel

import (
	"strings"
	"testing"
	"time"
)

func validPostEvent(ts time.Time, tweetID string) Event {
	return Event{
		Type:      PostCreated,
		Timestamp: ts,
		PrimaryID: tweetID,
		User:      User{Username: "alice", DisplayName: "Alice", UserID: "u1"},
		Data:      Data{Tweet: &Tweet{ID: tweetID, Body: TextBody{Text: "btc news"}}},
	}
}

func TestValidatePostEvent(t *testing.T) {
	e := validPostEvent(time.Now(), "tw1")
	if err := e.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	e := validPostEvent(time.Now(), "tw1")
	e.Type = "not_a_real_type"
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for unknown type")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	e := validPostEvent(time.Time{}, "tw1")
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for zero timestamp")
	}

	e = validPostEvent(time.Now(), "tw1")
	e.PrimaryID = ""
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for missing primaryId")
	}

	e = validPostEvent(time.Now(), "tw1")
	e.User.Username = ""
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for missing username")
	}
}

func TestValidateRejectsMismatchedShape(t *testing.T) {
	e := validPostEvent(time.Now(), "tw1")
	e.Data = Data{}
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error when tweet data is missing for post event")
	}

	follow := Event{
		Type:      FollowCreated,
		Timestamp: time.Now(),
		PrimaryID: "u2",
		User:      User{Username: "alice", UserID: "u1"},
	}
	if err := follow.Validate(); err == nil {
		t.Fatal("expected validation error when following data is missing for follow event")
	}

	profile := Event{
		Type:      ProfileUpdated,
		Timestamp: time.Now(),
		PrimaryID: "u1",
		User:      User{Username: "alice"},
	}
	if err := profile.Validate(); err == nil {
		t.Fatal("expected validation error when profile user data is missing for profile event")
	}
}

func TestFingerprintStableAcrossTimestamp(t *testing.T) {
	e1 := validPostEvent(time.Now(), "tw1")
	e2 := validPostEvent(time.Now().Add(5*time.Minute), "tw1")

	if e1.Fingerprint() != e2.Fingerprint() {
		t.Fatalf("expected identical fingerprints regardless of timestamp, got %q vs %q", e1.Fingerprint(), e2.Fingerprint())
	}

	e3 := validPostEvent(time.Now(), "tw2")
	if e1.Fingerprint() == e3.Fingerprint() {
		t.Fatal("expected different tweet ids to produce different fingerprints")
	}
}

func TestFingerprintFollowEvent(t *testing.T) {
	e := Event{
		Type:      FollowCreated,
		Timestamp: time.Now(),
		PrimaryID: "u2",
		User:      User{Username: "alice", UserID: "u1"},
		Data:      Data{Following: &FollowingTarget{ID: "u2", Handle: "bob"}},
	}
	want := "follow:u1→u2"
	if got := e.Fingerprint(); got != want {
		t.Fatalf("expected fingerprint %q, got %q", want, got)
	}
}

func TestProjectionIncludesPerTypeFields(t *testing.T) {
	e := validPostEvent(time.Now(), "tw1")
	projection := e.Projection()
	for _, want := range []string{"alice", "Alice", "btc news"} {
		if !strings.Contains(projection, want) {
			t.Fatalf("expected projection %q to contain %q", projection, want)
		}
	}
}
