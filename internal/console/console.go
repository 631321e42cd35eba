// Package console implements the one-line stdout tap on admitted events
// plus the periodic cumulative stats line.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/logging"
)

// DefaultStatsInterval is how often displayStats is triggered automatically.
const DefaultStatsInterval = 60 * time.Second

const summaryTruncateLen = 100

// Output subscribes on the bus's console channel, printing a one-line
// summary per admitted event plus a periodic cumulative-stats line.
type Output struct {
	bus    *eventbus.Bus
	out    io.Writer
	logger *logging.Logger
	now    func() time.Time

	startTime time.Time
	total     int64
	delivered int64
	deduped   int64

	subID string

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs an Output writing to w (defaults to os.Stdout).
func New(bus *eventbus.Bus, w io.Writer, logger *logging.Logger, now func() time.Time) *Output {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = logging.L()
	}
	if now == nil {
		now = time.Now
	}
	return &Output{bus: bus, out: w, logger: logger, now: now}
}

// Start subscribes on channel and launches the periodic stats ticker.
// Idempotent to a double call.
func (o *Output) Start(channel string, interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.startTime = o.now()
	if interval <= 0 {
		interval = DefaultStatsInterval
	}

	if o.bus != nil {
		o.subID = o.bus.Subscribe(channel, func(e eventmodel.Event) error {
			o.printEvent(e)
			return nil
		})
	}

	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				o.DisplayStats()
			}
		}
	}()
}

// Stop ends the periodic ticker and unsubscribes from the bus.
func (o *Output) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	stop := o.stop
	done := o.done
	subID := o.subID
	o.mu.Unlock()

	if o.bus != nil && subID != "" {
		o.bus.Unsubscribe(subID)
	}
	if stop != nil {
		close(stop)
		<-done
	}
}

// printEvent writes the single-line event summary, incrementing the
// cumulative counters used by the periodic stats line.
func (o *Output) printEvent(e eventmodel.Event) {
	atomic.AddInt64(&o.total, 1)
	atomic.AddInt64(&o.delivered, 1)
	fmt.Fprintf(o.out, "[%s] @%s: %s\n", e.Type, e.User.Username, sanitizeLine(summarize(e)))
}

// summarize derives the one-line event summary: post body (truncated),
// profile/pinned phrasing, or a follow phrasing.
func summarize(e eventmodel.Event) string {
	switch {
	case (e.Type == eventmodel.PostCreated || e.Type == eventmodel.PostUpdated) && e.Data.Tweet != nil:
		return truncate(e.Data.Tweet.Body.Text, summaryTruncateLen)
	case e.Type == eventmodel.ProfilePinned:
		return "pinned"
	case e.Type == eventmodel.FollowCreated || e.Type == eventmodel.FollowUpdated:
		target := ""
		if e.Data.Following != nil {
			target = e.Data.Following.Handle
		}
		return fmt.Sprintf("followed @%s", target)
	default:
		return "profile updated"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// sanitizeLine strips embedded newlines/carriage returns so the console tap
// always emits exactly one line per event.
func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// IncrementDeduped is a test hook letting callers bump the deduped counter
// without routing a real event through the bus.
func (o *Output) IncrementDeduped() {
	atomic.AddInt64(&o.deduped, 1)
}

// DisplayStats prints the cumulative stats line on demand; also invoked by
// the periodic ticker started in Start.
func (o *Output) DisplayStats() {
	total := atomic.LoadInt64(&o.total)
	delivered := atomic.LoadInt64(&o.delivered)
	deduped := atomic.LoadInt64(&o.deduped)

	elapsed := o.now().Sub(o.startTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(total) / elapsed
	}
	fmt.Fprintf(o.out, "events_total=%d delivered=%d deduped=%d rate=%.1f/s\n", total, delivered, deduped, rate)
}
