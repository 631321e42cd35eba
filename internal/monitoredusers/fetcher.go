// Package monitoredusers maintains a periodically refreshed, fail-open cache
// of the upstream's known-user list, and validates configured user filters
// against it.
package monitoredusers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay/internal/logging"
)

// DefaultRefreshInterval is how often startPeriodicRefresh re-fetches.
const DefaultRefreshInterval = 4 * time.Minute

// Fetcher periodically retrieves the upstream's active-user list over HTTP
// and caches the last successful result.
type Fetcher struct {
	client   *http.Client
	endpoint string
	token    string
	logger   *logging.Logger

	mu    sync.RWMutex
	cache []string

	stop chan struct{}
	done chan struct{}
}

// New constructs a Fetcher against {base}/active-users. client defaults to
// http.DefaultClient when nil.
func New(base, token string, client *http.Client) (*Fetcher, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("monitoredusers: base URL must not be empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(base, "/") + "/active-users"
	return &Fetcher{
		client:   client,
		endpoint: endpoint,
		token:    token,
		logger:   logging.L(),
	}, nil
}

// Fetch performs a network GET and parses one of the three accepted
// response shapes. On failure it falls back to the last successful cache.
func (f *Fetcher) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return f.Cached(), fmt.Errorf("monitoredusers: build request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("monitored users fetch failed, using cache", logging.Error(err))
		return f.Cached(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("monitored users fetch returned non-2xx, using cache",
			logging.Int("status", resp.StatusCode))
		return f.Cached(), nil
	}

	users, err := parseUsers(resp.Body)
	if err != nil {
		f.logger.Warn("monitored users response unparseable, using cache", logging.Error(err))
		return f.Cached(), nil
	}

	f.mu.Lock()
	f.cache = users
	f.mu.Unlock()
	return users, nil
}

// Cached returns a copy of the last successful fetch result.
func (f *Fetcher) Cached() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.cache...)
}

// StartPeriodicRefresh awaits one immediate fetch, then re-fetches every
// interval (default DefaultRefreshInterval) until Stop is called.
func (f *Fetcher) StartPeriodicRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	f.stop = make(chan struct{})
	f.done = make(chan struct{})

	if _, err := f.Fetch(ctx); err != nil {
		f.logger.Warn("initial monitored users fetch failed", logging.Error(err))
	}

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := f.Fetch(ctx); err != nil {
					f.logger.Warn("periodic monitored users fetch failed", logging.Error(err))
				}
			}
		}
	}()
}

// Stop ends the periodic refresh loop started by StartPeriodicRefresh.
func (f *Fetcher) Stop() {
	if f.stop == nil {
		return
	}
	close(f.stop)
	<-f.done
}

type usernameOrObject struct {
	Username string
}

func (u *usernameOrObject) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Username = s
		return nil
	}
	var obj struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	u.Username = obj.Username
	return nil
}

// parseUsers accepts the three response shapes documented for the
// monitored-users endpoint: a top-level array of strings, an array of
// {username} objects, or an object carrying a "users" or "usernames" field
// of either shape.
func parseUsers(body io.Reader) ([]string, error) {
	decoder := json.NewDecoder(body)

	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var list []usernameOrObject
	if err := json.Unmarshal(raw, &list); err == nil {
		return toUsernames(list), nil
	}

	var wrapped struct {
		Users     []usernameOrObject `json:"users"`
		Usernames []usernameOrObject `json:"usernames"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("unrecognized monitored-users shape: %w", err)
	}
	if len(wrapped.Users) > 0 {
		return toUsernames(wrapped.Users), nil
	}
	return toUsernames(wrapped.Usernames), nil
}

func toUsernames(list []usernameOrObject) []string {
	users := make([]string, 0, len(list))
	for _, u := range list {
		if u.Username != "" {
			users = append(users, u.Username)
		}
	}
	return users
}

// ValidationResult is the outcome of comparing a configured user filter list
// against the fetched monitored-users snapshot.
type ValidationResult struct {
	Valid             bool
	InvalidUsers      []string
	ValidUsers        []string
	SampleActiveUsers []string
	FetchError        bool
}

// ValidateUserFilters compares configured (case-insensitively) against the
// fetcher's cached snapshot. A fetch failure (empty cache treated as
// unknown) yields a fail-open result: Valid=true, FetchError=true.
func ValidateUserFilters(configured []string, f *Fetcher) ValidationResult {
	active := f.Cached()
	if len(active) == 0 {
		return ValidationResult{Valid: true, FetchError: true}
	}

	activeSet := make(map[string]struct{}, len(active))
	for _, u := range active {
		activeSet[strings.ToLower(u)] = struct{}{}
	}

	result := ValidationResult{Valid: true}
	for _, u := range configured {
		if _, ok := activeSet[strings.ToLower(u)]; ok {
			result.ValidUsers = append(result.ValidUsers, u)
		} else {
			result.InvalidUsers = append(result.InvalidUsers, u)
			result.Valid = false
		}
	}
	sample := active
	if len(sample) > 10 {
		sample = sample[:10]
	}
	result.SampleActiveUsers = append([]string(nil), sample...)
	return result
}
