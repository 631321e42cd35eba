package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/logging"
	"relay/internal/ratelimit"
)

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type fakeChannel struct {
	name    string
	enabled bool
	limiter *ratelimit.Limiter
	calls   int32
	fail    bool
}

func (f *fakeChannel) Name() string                   { return f.name }
func (f *fakeChannel) Enabled() bool                  { return f.enabled }
func (f *fakeChannel) RateLimiter() *ratelimit.Limiter { return f.limiter }
func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func samplePostEvent(username, text string) eventmodel.Event {
	return eventmodel.Event{
		Type:      eventmodel.PostCreated,
		Timestamp: time.Now(),
		PrimaryID: "tw1",
		User:      eventmodel.User{Username: username},
		Data:      eventmodel.Data{Tweet: &eventmodel.Tweet{ID: "tw1", Body: eventmodel.TextBody{Text: text}}},
	}
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	disabled := &fakeChannel{name: "disabled", enabled: false, limiter: ratelimit.New(10, time.Minute, nil)}
	out := New(nil, logging.NewTestLogger(), disabled)
	out.Dispatch(context.Background(), samplePostEvent("alice", "hi"))
	if disabled.calls != 0 {
		t.Fatalf("expected disabled channel to be skipped, got %d calls", disabled.calls)
	}
}

func TestDispatchDropsOverRateLimitSilently(t *testing.T) {
	limiter := ratelimit.New(2, time.Minute, nil)
	ch := &fakeChannel{name: "limited", enabled: true, limiter: limiter}
	out := New(nil, logging.NewTestLogger(), ch)

	for i := 0; i < 5; i++ {
		out.Dispatch(context.Background(), samplePostEvent("alice", "hi"))
	}

	if ch.calls != 2 {
		t.Fatalf("expected exactly 2 sends under a 2/window limiter, got %d", ch.calls)
	}
	stats := out.Stats()
	if stats["limited"].Sent != 2 || stats["limited"].Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats["limited"])
	}
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	failing := &fakeChannel{name: "failing", enabled: true, limiter: ratelimit.New(10, time.Minute, nil), fail: true}
	ok := &fakeChannel{name: "ok", enabled: true, limiter: ratelimit.New(10, time.Minute, nil)}
	out := New(nil, logging.NewTestLogger(), failing, ok)

	out.Dispatch(context.Background(), samplePostEvent("alice", "hi"))

	if ok.calls != 1 {
		t.Fatalf("expected the healthy channel to still be invoked, got %d", ok.calls)
	}
	stats := out.Stats()
	if stats["failing"].Failed != 1 {
		t.Fatalf("expected failing channel to record a failure, got %+v", stats["failing"])
	}
	if stats["ok"].Sent != 1 {
		t.Fatalf("expected ok channel to record a send, got %+v", stats["ok"])
	}
}

func TestFormatMessageByEventKind(t *testing.T) {
	post := samplePostEvent("alice", "btc to the moon")
	if got := formatMessage(post).Text; got != "btc to the moon" {
		t.Fatalf("expected tweet body text, got %q", got)
	}

	follow := eventmodel.Event{
		Type:      eventmodel.FollowCreated,
		Timestamp: time.Now(),
		PrimaryID: "u1",
		User:      eventmodel.User{Username: "alice"},
		Data:      eventmodel.Data{Following: &eventmodel.FollowingTarget{ID: "u2", Handle: "bob"}},
	}
	if got := formatMessage(follow).Text; got != "followed @bob" {
		t.Fatalf("expected follow summary, got %q", got)
	}

	profile := eventmodel.Event{
		Type:      eventmodel.ProfileUpdated,
		Timestamp: time.Now(),
		PrimaryID: "u1",
		User:      eventmodel.User{Username: "alice"},
		Data:      eventmodel.Data{User: &eventmodel.ProfileUser{Username: "alice"}},
	}
	if got := formatMessage(profile).Text; got != "updated profile" {
		t.Fatalf("expected profile summary, got %q", got)
	}
}

func TestWebhookChannelSendsRawMessageBody(t *testing.T) {
	var received Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := jsonDecode(r, &received); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, "", nil, nil, ratelimit.New(10, time.Minute, nil))
	if !ch.Enabled() {
		t.Fatalf("expected webhook channel to be enabled when URL is set")
	}
	msg := Message{EventType: eventmodel.PostCreated, Username: "alice", Text: "hi"}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if received.Username != "alice" {
		t.Fatalf("expected raw message body to be forwarded, got %+v", received)
	}
}

func TestWebhookChannelDisabledWithoutURL(t *testing.T) {
	ch := NewWebhookChannel("", "", nil, nil, nil)
	if ch.Enabled() {
		t.Fatalf("expected webhook channel to be disabled without a URL")
	}
}

func TestOutputSubscribesOnAlertsChannel(t *testing.T) {
	bus := eventbus.New(logging.NewTestLogger())
	ch := &fakeChannel{name: "ok", enabled: true, limiter: ratelimit.New(10, time.Minute, nil)}
	out := New(bus, logging.NewTestLogger(), ch)
	out.Start("alerts")
	defer out.Stop()

	bus.Publish("alerts", samplePostEvent("alice", "hi"))

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&ch.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&ch.calls) != 1 {
		t.Fatalf("expected the alert channel to receive the published event, got %d calls", ch.calls)
	}
}
