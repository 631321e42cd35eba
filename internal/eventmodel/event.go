// Package eventmodel defines the canonical admitted event shape that flows
// through the relay: validation, fingerprinting, and keyword projection.
package eventmodel

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of admitted event discriminators.
type EventType string

const (
	PostCreated    EventType = "post_created"
	PostUpdated    EventType = "post_updated"
	FollowCreated  EventType = "follow_created"
	FollowUpdated  EventType = "follow_updated"
	UserUpdated    EventType = "user_updated"
	ProfileUpdated EventType = "profile_updated"
	ProfilePinned  EventType = "profile_pinned"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case PostCreated, PostUpdated, FollowCreated, FollowUpdated, UserUpdated, ProfileUpdated, ProfilePinned:
		return true
	default:
		return false
	}
}

func (t EventType) isPost() bool {
	return t == PostCreated || t == PostUpdated
}

func (t EventType) isFollow() bool {
	return t == FollowCreated || t == FollowUpdated
}

func (t EventType) isProfile() bool {
	return t == UserUpdated || t == ProfileUpdated || t == ProfilePinned
}

// User identifies the actor the event is attributed to.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
}

// TextBody wraps a plain-text payload field.
type TextBody struct {
	Text string `json:"text"`
}

// Tweet is the post-shape payload carried by post_created/post_updated events.
type Tweet struct {
	ID   string   `json:"id"`
	Body TextBody `json:"body"`
}

// Profile is a display profile, used both for a user's current profile and
// for the "before" snapshot on a profile_updated event.
type Profile struct {
	Name        string   `json:"name"`
	Description TextBody `json:"description"`
}

// ProfileUser is the profile-shape payload's actor, carrying their profile.
type ProfileUser struct {
	Username string  `json:"username"`
	Profile  Profile `json:"profile"`
}

// FollowingTarget is the account being followed/unfollowed.
type FollowingTarget struct {
	ID      string  `json:"id"`
	Handle  string  `json:"handle"`
	Profile Profile `json:"profile"`
}

// Data is the tagged union of payload shapes. Exactly one group of fields is
// populated, discriminated by Event.Type: Tweet for post events, User
// (optionally Pinned/Before) for profile events, User+Following for follow
// events.
type Data struct {
	Tweet     *Tweet           `json:"tweet,omitempty"`
	User      *ProfileUser     `json:"user,omitempty"`
	Pinned    *bool            `json:"pinned,omitempty"`
	Before    *Profile         `json:"before,omitempty"`
	Following *FollowingTarget `json:"following,omitempty"`
}

// Event is the canonical admitted unit flowing through the relay pipeline.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	PrimaryID string    `json:"primaryId"`
	User      User      `json:"user"`
	Data      Data      `json:"data"`
}

// Validate reports whether e is well-formed: known type, required scalar
// fields present, and data shape matching the type's tag.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s: timestamp is required", e.Type)
	}
	if strings.TrimSpace(e.PrimaryID) == "" {
		return fmt.Errorf("event %s: primaryId is required", e.Type)
	}
	if strings.TrimSpace(e.User.Username) == "" {
		return fmt.Errorf("event %s: user.username is required", e.Type)
	}
	switch {
	case e.Type.isPost():
		if e.Data.Tweet == nil {
			return fmt.Errorf("event %s: expected tweet data", e.Type)
		}
	case e.Type.isFollow():
		if e.Data.Following == nil {
			return fmt.Errorf("event %s: expected following data", e.Type)
		}
	case e.Type.isProfile():
		if e.Data.User == nil {
			return fmt.Errorf("event %s: expected profile user data", e.Type)
		}
	}
	return nil
}

// Fingerprint derives the stable dedup key for e, per the relay's
// dedup-across-reconnect contract: timestamps are excluded so the same
// logical event re-delivered after a reconnect still collapses.
func (e Event) Fingerprint() string {
	switch {
	case e.Type.isPost() && e.Data.Tweet != nil:
		return "post:" + e.Data.Tweet.ID
	case e.Type.isFollow() && e.Data.Following != nil:
		return "follow:" + e.User.UserID + "→" + e.Data.Following.ID
	default:
		return "user:" + e.PrimaryID + ":" + string(e.Type)
	}
}

// Projection concatenates the textual fields KeywordPredicate searches:
// the actor's username/displayName plus per-type payload text.
func (e Event) Projection() string {
	parts := []string{e.User.Username, e.User.DisplayName}
	switch {
	case e.Type.isPost() && e.Data.Tweet != nil:
		parts = append(parts, e.Data.Tweet.Body.Text)
	case e.Type.isProfile() && e.Data.User != nil:
		parts = append(parts, e.Data.User.Profile.Name, e.Data.User.Profile.Description.Text)
	case e.Type.isFollow() && e.Data.Following != nil:
		parts = append(parts, e.Data.Following.Handle, e.Data.Following.Profile.Name)
	}
	return strings.Join(parts, " ")
}
