// Package alerts dispatches admitted events to outbound alert channels
// (Telegram, Discord, generic webhooks), each gated by its own rate
// limiter, and subscribes on the event bus's alerts channel to drive them.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/logging"
	"relay/internal/ratelimit"
)

// Message is the channel-agnostic alert payload derived from an admitted
// event.
type Message struct {
	EventType eventmodel.EventType `json:"eventType"`
	Username  string               `json:"username"`
	Text      string               `json:"text"`
	Timestamp time.Time            `json:"timestamp"`
}

// Channel is a polymorphic alert sink. Implementations own their rate
// limiter; Output.Dispatch checks Enabled and RateLimiter().Allow before
// calling Send, which does not check them itself. Send returns an error on
// non-2xx response or network failure so AlertOutput can record it as a
// failure.
type Channel interface {
	Name() string
	Enabled() bool
	RateLimiter() *ratelimit.Limiter
	Send(ctx context.Context, msg Message) error
}

// ChannelStats tracks per-channel delivery outcomes.
type ChannelStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Output subscribes on the event bus's alerts channel and fans each
// admitted event out to every enabled, rate-limit-permitting channel.
type Output struct {
	bus      *eventbus.Bus
	logger   *logging.Logger
	channels []Channel

	mu    sync.Mutex
	stats map[string]ChannelStats

	subID string
}

// New constructs an Output over the given channels. channels with a nil
// rate limiter are treated as always-allow.
func New(bus *eventbus.Bus, logger *logging.Logger, channels ...Channel) *Output {
	if logger == nil {
		logger = logging.L()
	}
	return &Output{
		bus:      bus,
		logger:   logger,
		channels: channels,
		stats:    make(map[string]ChannelStats, len(channels)),
	}
}

// Start subscribes the output on the bus's "alerts" channel.
func (o *Output) Start(channel string) {
	if o == nil || o.bus == nil {
		return
	}
	o.subID = o.bus.Subscribe(channel, func(e eventmodel.Event) error {
		o.Dispatch(context.Background(), e)
		return nil
	})
}

// Stop unsubscribes the output from the bus.
func (o *Output) Stop() {
	if o == nil || o.bus == nil || o.subID == "" {
		return
	}
	o.bus.Unsubscribe(o.subID)
	o.subID = ""
}

// Dispatch formats msg from e and sends it to every enabled channel whose
// rate limiter currently allows it. A single channel's failure never
// affects its siblings.
func (o *Output) Dispatch(ctx context.Context, e eventmodel.Event) {
	msg := formatMessage(e)
	for _, ch := range o.channels {
		if ch == nil || !ch.Enabled() {
			continue
		}
		limiter := ch.RateLimiter()
		if limiter != nil && !limiter.Allow() {
			continue
		}
		if limiter != nil {
			limiter.Record()
		}
		if err := ch.Send(ctx, msg); err != nil {
			o.logger.Warn("alert channel send failed",
				logging.String("channel", ch.Name()), logging.Error(err))
			o.recordResult(ch.Name(), false)
			continue
		}
		o.recordResult(ch.Name(), true)
	}
}

func (o *Output) recordResult(name string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats[name]
	if ok {
		s.Sent++
	} else {
		s.Failed++
	}
	o.stats[name] = s
}

// Stats returns a copy of the per-channel sent/failed counters.
func (o *Output) Stats() map[string]ChannelStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]ChannelStats, len(o.stats))
	for k, v := range o.stats {
		out[k] = v
	}
	return out
}

// formatMessage derives the event-kind-specific alert text.
func formatMessage(e eventmodel.Event) Message {
	text := "updated profile"
	switch {
	case e.Type == eventmodel.PostCreated || e.Type == eventmodel.PostUpdated:
		if e.Data.Tweet != nil {
			text = e.Data.Tweet.Body.Text
		}
	case e.Type == eventmodel.FollowCreated || e.Type == eventmodel.FollowUpdated:
		target := ""
		if e.Data.Following != nil {
			target = e.Data.Following.Handle
		}
		text = fmt.Sprintf("followed @%s", target)
	}
	return Message{
		EventType: e.Type,
		Username:  e.User.Username,
		Text:      text,
		Timestamp: e.Timestamp,
	}
}

// baseChannel factors the enabled/rate-limiter bookkeeping shared by every
// concrete channel.
type baseChannel struct {
	name    string
	enabled bool
	limiter *ratelimit.Limiter
	client  *http.Client
}

func (b *baseChannel) Name() string                   { return b.name }
func (b *baseChannel) Enabled() bool                  { return b.enabled }
func (b *baseChannel) RateLimiter() *ratelimit.Limiter { return b.limiter }

func newBaseChannel(name string, enabled bool, client *http.Client, limiter *ratelimit.Limiter) baseChannel {
	if client == nil {
		client = http.DefaultClient
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow, nil)
	}
	return baseChannel{name: name, enabled: enabled, client: client, limiter: limiter}
}

func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint responded with status %s", resp.Status)
	}
	return nil
}

// TelegramChannel posts to the Telegram bot sendMessage API.
type TelegramChannel struct {
	baseChannel
	botToken string
	chatID   string
}

// NewTelegramChannel constructs a TelegramChannel. Enabled iff both
// botToken and chatID are non-empty.
func NewTelegramChannel(botToken, chatID string, client *http.Client, limiter *ratelimit.Limiter) *TelegramChannel {
	enabled := strings.TrimSpace(botToken) != "" && strings.TrimSpace(chatID) != ""
	return &TelegramChannel{
		baseChannel: newBaseChannel("telegram", enabled, client, limiter),
		botToken:    botToken,
		chatID:      chatID,
	}
}

// Send implements Channel.
func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	payload := map[string]string{
		"chat_id":    c.chatID,
		"text":       fmt.Sprintf("[%s] @%s: %s", msg.EventType, msg.Username, msg.Text),
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, c.client, http.MethodPost, url, nil, payload)
}

// DiscordChannel posts to a Discord webhook URL.
type DiscordChannel struct {
	baseChannel
	webhookURL string
}

// NewDiscordChannel constructs a DiscordChannel. Enabled iff webhookURL is
// non-empty.
func NewDiscordChannel(webhookURL string, client *http.Client, limiter *ratelimit.Limiter) *DiscordChannel {
	return &DiscordChannel{
		baseChannel: newBaseChannel("discord", strings.TrimSpace(webhookURL) != "", client, limiter),
		webhookURL:  webhookURL,
	}
}

// Send implements Channel.
func (c *DiscordChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]string{
		"content": fmt.Sprintf("[%s] @%s: %s", msg.EventType, msg.Username, msg.Text),
	}
	return postJSON(ctx, c.client, http.MethodPost, c.webhookURL, nil, payload)
}

// WebhookChannel posts the raw AlertMessage body to an arbitrary URL with a
// configurable method and headers.
type WebhookChannel struct {
	baseChannel
	url     string
	method  string
	headers map[string]string
}

// NewWebhookChannel constructs a WebhookChannel. Enabled iff url is
// non-empty.
func NewWebhookChannel(url, method string, headers map[string]string, client *http.Client, limiter *ratelimit.Limiter) *WebhookChannel {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookChannel{
		baseChannel: newBaseChannel("webhook", strings.TrimSpace(url) != "", client, limiter),
		url:         url,
		method:      method,
		headers:     headers,
	}
}

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, c.client, c.method, c.url, c.headers, msg)
}
