// Package streamcore glues the admission pipeline together: ingest →
// validate → filter → dedup → publish, and owns the runtime-subscription
// state machine that lets a control client retarget the upstream feed
// without restarting.
package streamcore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/internal/dedup"
	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/filter"
	"relay/internal/logging"
	"relay/internal/upstream"
)

// Channel names published on the internal event bus.
const (
	ChannelConsole   = "console"
	ChannelDashboard = "dashboard"
	ChannelAlerts    = "alerts"
)

// AllowedChannels is the closed set of upstream subscription selectors.
var AllowedChannels = map[string]struct{}{
	"all":       {},
	"tweets":    {},
	"following": {},
}

// ErrUpdateInProgress is returned when a second runtime-subscription update
// is attempted while one is already in flight.
var ErrUpdateInProgress = fmt.Errorf("streamcore: a subscription update is already in progress")

// RuntimeSubscriptionState mirrors the upstream subscription selector and
// its provenance.
type RuntimeSubscriptionState struct {
	Channels  []string  `json:"channels"`
	Users     []string  `json:"users"`
	Mode      string    `json:"mode"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stats is the cumulative counter set StreamCore maintains over the ingest
// pipeline. Counters only grow until ResetStats, which zeroes them and
// restarts StartTime.
type Stats struct {
	Total         int                         `json:"total"`
	Delivered     int                         `json:"delivered"`
	Deduped       int                         `json:"deduped"`
	ByType        map[eventmodel.EventType]int `json:"byType"`
	UnknownTypes  map[string]int              `json:"unknownTypes"`
	StartTime     time.Time                   `json:"startTime"`
	LastEventTime time.Time                   `json:"lastEventTime"`
}

// Config configures a Core.
type Config struct {
	Filters  *filter.Pipeline
	Dedup    *dedup.Cache
	Bus      *eventbus.Bus
	Upstream *upstream.Client
	Logger   *logging.Logger
	Now      func() time.Time

	// Debug gates the verbose per-event drop/processed logs behind the
	// DEBUG env var; with it unset, ingest runs silently at info level.
	Debug bool

	InitialChannels []string
	InitialUsers    []string

	// OnSubscriptionUpdated, if set, is invoked after a successful runtime
	// update. The dashboard gateway broadcasts runtimeSubscriptionUpdated from
	// its own RPC handler and does not use this hook.
	OnSubscriptionUpdated func(RuntimeSubscriptionState)
}

// Core is the central ingest/control glue object.
type Core struct {
	filters  *filter.Pipeline
	dedup    *dedup.Cache
	bus      *eventbus.Bus
	upstream *upstream.Client
	logger   *logging.Logger
	now      func() time.Time
	debug    bool
	onUpdate func(RuntimeSubscriptionState)

	statsMu sync.RWMutex
	stats   Stats

	subMu            sync.Mutex
	updateInProgress bool
	state            RuntimeSubscriptionState
}

// New constructs a Core. Initial channels/users seed the runtime-subscription
// state with source "config".
func New(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	channels, _ := normalizeChannels(cfg.InitialChannels)
	if len(channels) == 0 {
		channels = []string{"all"}
	}
	users := normalizeUsers(cfg.InitialUsers)

	c := &Core{
		filters:  cfg.Filters,
		dedup:    cfg.Dedup,
		bus:      cfg.Bus,
		upstream: cfg.Upstream,
		logger:   logger,
		now:      now,
		debug:    cfg.Debug,
		onUpdate: cfg.OnSubscriptionUpdated,
		state: RuntimeSubscriptionState{
			Channels:  channels,
			Users:     users,
			Mode:      modeFor(channels),
			Source:    "config",
			UpdatedAt: now(),
		},
	}
	c.stats.StartTime = now()
	c.stats.ByType = make(map[eventmodel.EventType]int)
	c.stats.UnknownTypes = make(map[string]int)
	return c
}

// Ingest runs the full admission pipeline over a raw upstream event frame:
// parse → validate → filter → dedup → publish. Invalid frames are dropped;
// only an unrecognized event type is counted (in UnknownTypes). Filtered
// frames are dropped silently; deduped frames are dropped and counted in
// Deduped.
func (c *Core) Ingest(raw []byte) {
	var e eventmodel.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		c.debugLog("dropping malformed event frame", err)
		return
	}

	// Structurally invalid frames increment no counters except
	// unknownTypes for an unrecognized discriminator.
	if err := e.Validate(); err != nil {
		if !e.Type.Valid() {
			c.statsMu.Lock()
			c.stats.UnknownTypes[string(e.Type)]++
			c.statsMu.Unlock()
		}
		c.debugLog("dropping invalid event", err)
		return
	}

	// Only events that pass validation count toward total/byType.
	c.statsMu.Lock()
	c.stats.Total++
	c.stats.ByType[e.Type]++
	c.stats.LastEventTime = c.now()
	c.statsMu.Unlock()

	if c.filters != nil && !c.filters.Apply(e) {
		return
	}

	if c.dedup != nil {
		fingerprint := e.Fingerprint()
		if c.dedup.Seen(fingerprint) {
			c.statsMu.Lock()
			c.stats.Deduped++
			c.statsMu.Unlock()
			return
		}
		c.dedup.Admit(fingerprint)
	}

	c.statsMu.Lock()
	c.stats.Delivered++
	c.statsMu.Unlock()

	if c.bus != nil {
		c.bus.Publish(ChannelConsole, e)
		c.bus.Publish(ChannelDashboard, e)
		c.bus.Publish(ChannelAlerts, e)
	}

	if c.debug {
		c.logger.Info(fmt.Sprintf("Event processed: %s from @%s", e.Type, e.User.Username))
	}
}

// debugLog emits a dropped-frame log, gated on DEBUG.
func (c *Core) debugLog(msg string, err error) {
	if !c.debug {
		return
	}
	c.logger.Debug(msg, logging.Error(err))
}

// StatsSnapshot returns a point-in-time copy of the cumulative counters.
func (c *Core) StatsSnapshot() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	snapshot := Stats{
		Total:         c.stats.Total,
		Delivered:     c.stats.Delivered,
		Deduped:       c.stats.Deduped,
		StartTime:     c.stats.StartTime,
		LastEventTime: c.stats.LastEventTime,
		ByType:        make(map[eventmodel.EventType]int, len(c.stats.ByType)),
		UnknownTypes:  make(map[string]int, len(c.stats.UnknownTypes)),
	}
	for k, v := range c.stats.ByType {
		snapshot.ByType[k] = v
	}
	for k, v := range c.stats.UnknownTypes {
		snapshot.UnknownTypes[k] = v
	}
	return snapshot
}

// ResetStats clears cumulative counters and restarts the uptime clock.
func (c *Core) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = Stats{
		StartTime:    c.now(),
		ByType:       make(map[eventmodel.EventType]int),
		UnknownTypes: make(map[string]int),
	}
}

// RuntimeSubscription returns a copy of the current subscription state.
func (c *Core) RuntimeSubscription() RuntimeSubscriptionState {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.state
}

// UpdateRuntimeSubscription normalizes and validates the requested
// channels/users, forwards them to the UpstreamClient, and — on success —
// commits the new state with source "runtime". Guarded by a single-flight
// mutex: a concurrent update attempt fails with ErrUpdateInProgress.
func (c *Core) UpdateRuntimeSubscription(channels, users []string, ackTimeout time.Duration) (RuntimeSubscriptionState, error) {
	channels, err := normalizeChannels(channels)
	if err != nil {
		return RuntimeSubscriptionState{}, err
	}
	users = normalizeUsers(users)

	c.subMu.Lock()
	if c.updateInProgress {
		c.subMu.Unlock()
		return RuntimeSubscriptionState{}, ErrUpdateInProgress
	}
	c.updateInProgress = true
	c.subMu.Unlock()

	defer func() {
		c.subMu.Lock()
		c.updateInProgress = false
		c.subMu.Unlock()
	}()

	if c.upstream != nil {
		if err := c.upstream.UpdateSubscription(channels, users, ackTimeout); err != nil {
			return RuntimeSubscriptionState{}, fmt.Errorf("streamcore: upstream rejected subscription update: %w", err)
		}
	}

	c.subMu.Lock()
	c.state = RuntimeSubscriptionState{
		Channels:  channels,
		Users:     users,
		Mode:      modeFor(channels),
		Source:    "runtime",
		UpdatedAt: c.now(),
	}
	updated := c.state
	c.subMu.Unlock()

	if c.onUpdate != nil {
		c.onUpdate(updated)
	}
	return updated, nil
}

func modeFor(channels []string) string {
	if len(channels) == 0 {
		return "idle"
	}
	return "active"
}

// normalizeChannels validates membership in AllowedChannels, collapses the
// "all" sentinel, removes duplicates, and sorts the result.
func normalizeChannels(channels []string) ([]string, error) {
	seen := make(map[string]struct{}, len(channels))
	sawAll := false
	for _, raw := range channels {
		c := strings.ToLower(strings.TrimSpace(raw))
		if c == "" {
			continue
		}
		if _, ok := AllowedChannels[c]; !ok {
			return nil, fmt.Errorf("streamcore: unknown channel %q", raw)
		}
		if c == "all" {
			sawAll = true
			continue
		}
		seen[c] = struct{}{}
	}
	if sawAll {
		return []string{"all"}, nil
	}
	result := make([]string, 0, len(seen))
	for c := range seen {
		result = append(result, c)
	}
	sort.Strings(result)
	return result, nil
}

// normalizeUsers trims, lowercases, deduplicates, and sorts a user list.
func normalizeUsers(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	for _, raw := range users {
		u := strings.ToLower(strings.TrimSpace(raw))
		if u == "" {
			continue
		}
		seen[u] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for u := range seen {
		result = append(result, u)
	}
	sort.Strings(result)
	return result
}
