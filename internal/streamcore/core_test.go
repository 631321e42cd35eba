package streamcore

import (
	"encoding/json"
	"testing"
	"time"

	"relay/internal/dedup"
	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/filter"
	"relay/internal/logging"
)

func sampleFrame(t *testing.T, id, username string, ts time.Time) []byte {
	t.Helper()
	e := eventmodel.Event{
		Type:      eventmodel.PostCreated,
		Timestamp: ts,
		PrimaryID: id,
		User:      eventmodel.User{Username: username},
		Data:      eventmodel.Data{Tweet: &eventmodel.Tweet{ID: id, Body: eventmodel.TextBody{Text: "hello"}}},
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal sample event: %v", err)
	}
	return raw
}

func newCore(t *testing.T, pipeline *filter.Pipeline) (*Core, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(logging.NewTestLogger())
	core := New(Config{
		Filters: pipeline,
		Dedup:   dedup.New(100, time.Minute, nil),
		Bus:     bus,
		Logger:  logging.NewTestLogger(),
	})
	return core, bus
}

func TestIngestDropsMalformedFrame(t *testing.T) {
	core, _ := newCore(t, filter.New())
	core.Ingest([]byte("not json"))
	stats := core.StatsSnapshot()
	if stats.Total != 0 || stats.Delivered != 0 {
		t.Fatalf("expected malformed frame to increment no counters, got %+v", stats)
	}
}

func TestIngestDropsInvalidEventAndTracksUnknownType(t *testing.T) {
	core, _ := newCore(t, filter.New())
	raw := []byte(`{"type":"bogus_type","timestamp":"2026-01-01T00:00:00Z","primaryId":"1","user":{"username":"alice"}}`)
	core.Ingest(raw)
	stats := core.StatsSnapshot()
	if stats.Delivered != 0 {
		t.Fatalf("expected invalid event not delivered, got %+v", stats)
	}
	if stats.UnknownTypes["bogus_type"] != 1 {
		t.Fatalf("expected unknown type tracked, got %+v", stats.UnknownTypes)
	}
}

func TestIngestFiltersByUserPredicate(t *testing.T) {
	pipeline := filter.New()
	pipeline.Add(filter.NewUserPredicate([]string{"alice"}))
	core, bus := newCore(t, pipeline)

	var delivered []eventmodel.Event
	bus.Subscribe(ChannelConsole, func(e eventmodel.Event) error {
		delivered = append(delivered, e)
		return nil
	})

	core.Ingest(sampleFrame(t, "tw1", "bob", time.Now()))
	core.Ingest(sampleFrame(t, "tw2", "alice", time.Now()))

	if len(delivered) != 1 || delivered[0].User.Username != "alice" {
		t.Fatalf("expected only alice's event delivered, got %+v", delivered)
	}
	stats := core.StatsSnapshot()
	if stats.Delivered != 1 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// TestIngestDedupsAcrossReconnect verifies the same fingerprint delivered
// twice (simulating redelivery after an upstream reconnect) is only
// published once.
func TestIngestDedupsAcrossReconnect(t *testing.T) {
	core, bus := newCore(t, filter.New())

	var delivered int
	bus.Subscribe(ChannelConsole, func(e eventmodel.Event) error {
		delivered++
		return nil
	})

	frame := sampleFrame(t, "tw1", "alice", time.Now())
	core.Ingest(frame)
	core.Ingest(frame)

	if delivered != 1 {
		t.Fatalf("expected exactly one delivery across the duplicate redelivery, got %d", delivered)
	}
	stats := core.StatsSnapshot()
	if stats.Deduped != 1 {
		t.Fatalf("expected one deduped counter increment, got %+v", stats)
	}
}

func TestIngestPublishesOnAllThreeChannels(t *testing.T) {
	core, bus := newCore(t, filter.New())

	seen := map[string]bool{}
	for _, ch := range []string{ChannelConsole, ChannelDashboard, ChannelAlerts} {
		ch := ch
		bus.Subscribe(ch, func(e eventmodel.Event) error {
			seen[ch] = true
			return nil
		})
	}

	core.Ingest(sampleFrame(t, "tw1", "alice", time.Now()))

	for _, ch := range []string{ChannelConsole, ChannelDashboard, ChannelAlerts} {
		if !seen[ch] {
			t.Fatalf("expected publish on channel %q", ch)
		}
	}
}

func TestUpdateRuntimeSubscriptionCollapsesAll(t *testing.T) {
	core, _ := newCore(t, filter.New())
	state, err := core.UpdateRuntimeSubscription([]string{"tweets", "all", "following"}, nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state.Channels) != 1 || state.Channels[0] != "all" {
		t.Fatalf("expected collapse-all normalization, got %+v", state.Channels)
	}
	if state.Source != "runtime" {
		t.Fatalf("expected source runtime, got %q", state.Source)
	}
}

func TestUpdateRuntimeSubscriptionRejectsUnknownChannel(t *testing.T) {
	core, _ := newCore(t, filter.New())
	if _, err := core.UpdateRuntimeSubscription([]string{"bogus"}, nil, time.Second); err == nil {
		t.Fatal("expected an error for an unknown channel selector")
	}
}

// TestUpdateRuntimeSubscriptionRejectsUnknownChannelAfterAll guards against
// short-circuiting on the "all" sentinel before later entries are checked.
func TestUpdateRuntimeSubscriptionRejectsUnknownChannelAfterAll(t *testing.T) {
	core, _ := newCore(t, filter.New())
	if _, err := core.UpdateRuntimeSubscription([]string{"all", "bogus"}, nil, time.Second); err == nil {
		t.Fatal("expected an error for an unknown channel selector following \"all\"")
	}
}

// TestUpdateRuntimeSubscriptionRejectsConcurrentUpdate simulates a second
// update arriving while the first is mid-flight by setting the
// updateInProgress flag directly, then asserts the update is rejected with
// ErrUpdateInProgress.
func TestUpdateRuntimeSubscriptionRejectsConcurrentUpdate(t *testing.T) {
	core, _ := newCore(t, filter.New())
	core.subMu.Lock()
	core.updateInProgress = true
	core.subMu.Unlock()

	_, err := core.UpdateRuntimeSubscription([]string{"tweets"}, nil, time.Second)
	if err != ErrUpdateInProgress {
		t.Fatalf("expected ErrUpdateInProgress, got %v", err)
	}

	core.subMu.Lock()
	core.updateInProgress = false
	core.subMu.Unlock()
}

func TestResetStatsClearsCountersAndRestartsClock(t *testing.T) {
	core, _ := newCore(t, filter.New())
	core.Ingest(sampleFrame(t, "tw1", "alice", time.Now()))
	if core.StatsSnapshot().Total == 0 {
		t.Fatal("expected at least one ingested frame before reset")
	}
	core.ResetStats()
	stats := core.StatsSnapshot()
	if stats.Total != 0 || stats.Delivered != 0 || stats.Deduped != 0 {
		t.Fatalf("expected counters cleared after reset, got %+v", stats)
	}
}
