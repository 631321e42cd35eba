package filter

import (
	"testing"
	"time"

	"relay/internal/eventmodel"
)

func postEvent(username, text string) eventmodel.Event {
	return eventmodel.Event{
		Type:      eventmodel.PostCreated,
		Timestamp: time.Now(),
		PrimaryID: "tw1",
		User:      eventmodel.User{Username: username, DisplayName: username},
		Data:      eventmodel.Data{Tweet: &eventmodel.Tweet{ID: "tw1", Body: eventmodel.TextBody{Text: text}}},
	}
}

func TestEmptyPipelineAllowsEverything(t *testing.T) {
	p := New()
	if !p.Apply(postEvent("alice", "hello")) {
		t.Fatal("expected empty pipeline to allow every event")
	}
}

func TestUserPredicateCaseInsensitive(t *testing.T) {
	p := New()
	p.Add(NewUserPredicate([]string{"Alice"}))

	if !p.Apply(postEvent("alice", "hello")) {
		t.Fatal("expected case-insensitive username match to pass")
	}
	if p.Apply(postEvent("bob", "hello")) {
		t.Fatal("expected non-matching username to be rejected")
	}
}

func TestUserPredicateEmptyListAllowsAll(t *testing.T) {
	p := New()
	p.Add(NewUserPredicate(nil))
	if !p.Apply(postEvent("anyone", "hello")) {
		t.Fatal("expected empty user list to allow everyone")
	}
}

func TestKeywordPredicateSubstringMatch(t *testing.T) {
	p := New()
	p.Add(NewKeywordPredicate([]string{"btc"}))

	if !p.Apply(postEvent("alice", "btc news")) {
		t.Fatal("expected keyword substring match to pass")
	}
	if p.Apply(postEvent("alice", "eth news")) {
		t.Fatal("expected non-matching keyword to be rejected")
	}
}

func TestEventTypePredicateMembership(t *testing.T) {
	p := New()
	p.Add(NewEventTypePredicate([]eventmodel.EventType{eventmodel.PostCreated}))

	if !p.Apply(postEvent("alice", "hi")) {
		t.Fatal("expected allowed type to pass")
	}

	follow := eventmodel.Event{
		Type:      eventmodel.FollowCreated,
		Timestamp: time.Now(),
		PrimaryID: "u2",
		User:      eventmodel.User{Username: "alice", UserID: "u1"},
		Data:      eventmodel.Data{Following: &eventmodel.FollowingTarget{ID: "u2", Handle: "bob"}},
	}
	if p.Apply(follow) {
		t.Fatal("expected disallowed type to be rejected")
	}
}

// TestAndSemantics covers users=["alice"], keywords=["btc"].
func TestAndSemantics(t *testing.T) {
	p := New()
	p.Add(NewUserPredicate([]string{"alice"}))
	p.Add(NewKeywordPredicate([]string{"btc"}))

	if !p.Apply(postEvent("alice", "btc news")) {
		t.Fatal("expected alice/btc event to pass both predicates")
	}
	if p.Apply(postEvent("alice", "eth news")) {
		t.Fatal("expected alice/eth event to fail the keyword predicate")
	}
	if p.Apply(postEvent("bob", "btc news")) {
		t.Fatal("expected bob/btc event to fail the user predicate")
	}
}

func TestAddReplacesSameID(t *testing.T) {
	p := New()
	p.Add(NewUserPredicate([]string{"alice"}))
	p.Add(NewUserPredicate([]string{"bob"}))

	if p.Apply(postEvent("alice", "hi")) {
		t.Fatal("expected the second add to replace the first predicate")
	}
	if !p.Apply(postEvent("bob", "hi")) {
		t.Fatal("expected replaced predicate to match bob")
	}
}

func TestRemoveAndClear(t *testing.T) {
	p := New()
	p.Add(NewUserPredicate([]string{"alice"}))
	p.Remove("user")
	if !p.Apply(postEvent("bob", "hi")) {
		t.Fatal("expected removed predicate to no longer constrain events")
	}

	p.Add(NewUserPredicate([]string{"alice"}))
	p.Clear()
	if !p.Apply(postEvent("bob", "hi")) {
		t.Fatal("expected cleared pipeline to allow every event")
	}
}
