// Package filter implements the composable AND-chain of admission
// predicates events must pass before being published.
package filter

import (
	"strings"
	"sync"

	"relay/internal/eventmodel"
)

// Predicate is a named, replaceable admission check.
type Predicate interface {
	ID() string
	Match(e eventmodel.Event) bool
}

// Pipeline is an ordered collection of predicates identified by string id;
// adding a predicate with an existing id replaces it in place.
type Pipeline struct {
	mu    sync.Mutex
	order []string
	byID  map[string]Predicate
}

// New constructs an empty pipeline. An empty pipeline always accepts.
func New() *Pipeline {
	return &Pipeline{byID: make(map[string]Predicate)}
}

// Add inserts or replaces the predicate identified by its ID.
func (p *Pipeline) Add(pred Predicate) {
	if p == nil || pred == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := pred.ID()
	if _, exists := p.byID[id]; !exists {
		p.order = append(p.order, id)
	}
	p.byID[id] = pred
}

// Remove drops the predicate identified by id, if present.
func (p *Pipeline) Remove(id string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[id]; !exists {
		return
	}
	delete(p.byID, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Clear removes every predicate.
func (p *Pipeline) Clear() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = nil
	p.byID = make(map[string]Predicate)
}

// Apply returns true iff every predicate matches, or the pipeline is empty.
// Evaluation short-circuits on the first rejection; no predicate mutates e.
func (p *Pipeline) Apply(e eventmodel.Event) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	order := make([]string, len(p.order))
	copy(order, p.order)
	byID := p.byID
	p.mu.Unlock()

	for _, id := range order {
		pred, ok := byID[id]
		if !ok {
			continue
		}
		if !pred.Match(e) {
			return false
		}
	}
	return true
}

// UserPredicate matches events whose actor username (case-insensitive) is in
// the configured list. An empty list allows every event.
type UserPredicate struct {
	usernames map[string]struct{}
}

// NewUserPredicate builds a UserPredicate from the configured username list.
func NewUserPredicate(usernames []string) *UserPredicate {
	set := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		set[strings.ToLower(strings.TrimSpace(u))] = struct{}{}
	}
	return &UserPredicate{usernames: set}
}

// ID implements Predicate.
func (*UserPredicate) ID() string { return "user" }

// Match implements Predicate.
func (p *UserPredicate) Match(e eventmodel.Event) bool {
	if len(p.usernames) == 0 {
		return true
	}
	_, ok := p.usernames[strings.ToLower(e.User.Username)]
	return ok
}

// KeywordPredicate matches events whose searchable projection contains at
// least one configured keyword as a substring. An empty list allows every
// event. Matching is case-insensitive unless built with
// NewKeywordPredicateCased(keywords, true).
type KeywordPredicate struct {
	keywords      []string
	caseSensitive bool
}

// NewKeywordPredicate builds a KeywordPredicate from the configured keyword
// list, matching case-insensitively.
func NewKeywordPredicate(keywords []string) *KeywordPredicate {
	return NewKeywordPredicateCased(keywords, false)
}

// NewKeywordPredicateCased builds a KeywordPredicate with explicit case
// sensitivity.
func NewKeywordPredicateCased(keywords []string, caseSensitive bool) *KeywordPredicate {
	kept := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			if !caseSensitive {
				k = strings.ToLower(k)
			}
			kept = append(kept, k)
		}
	}
	return &KeywordPredicate{keywords: kept, caseSensitive: caseSensitive}
}

// ID implements Predicate.
func (*KeywordPredicate) ID() string { return "keyword" }

// Match implements Predicate.
func (p *KeywordPredicate) Match(e eventmodel.Event) bool {
	if len(p.keywords) == 0 {
		return true
	}
	projection := e.Projection()
	if !p.caseSensitive {
		projection = strings.ToLower(projection)
	}
	for _, k := range p.keywords {
		if strings.Contains(projection, k) {
			return true
		}
	}
	return false
}

// EventTypePredicate matches events whose type is in the configured allow
// set. An empty set allows every event.
type EventTypePredicate struct {
	allowed map[eventmodel.EventType]struct{}
}

// NewEventTypePredicate builds an EventTypePredicate from the allowed types.
func NewEventTypePredicate(types []eventmodel.EventType) *EventTypePredicate {
	set := make(map[eventmodel.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &EventTypePredicate{allowed: set}
}

// ID implements Predicate.
func (*EventTypePredicate) ID() string { return "event_type" }

// Match implements Predicate.
func (p *EventTypePredicate) Match(e eventmodel.Event) bool {
	if len(p.allowed) == 0 {
		return true
	}
	_, ok := p.allowed[e.Type]
	return ok
}
