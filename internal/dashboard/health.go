package dashboard

import "time"

// connectionHealth mirrors the "connection" field of the /status document.
type connectionHealth struct {
	Status        string   `json:"status"`
	Channels      []string `json:"channels"`
	UptimeSeconds float64  `json:"uptime-seconds"`
}

// eventsHealth mirrors the "events" field of the /status document.
type eventsHealth struct {
	Total     int     `json:"total"`
	Delivered int     `json:"delivered"`
	Deduped   int     `json:"deduped"`
	Rate      float64 `json:"rate"`
}

// healthDocument is the JSON document served at /status.
type healthDocument struct {
	Connection connectionHealth `json:"connection"`
	Events     eventsHealth     `json:"events"`
	Alerts     map[string]any   `json:"alerts"`
	Filters    FilterConfig     `json:"filters"`
}

// StatusDocument builds the health document, unless a
// custom provider was installed, in which case that document is returned
// verbatim by the caller instead of calling this method.
func (g *Gateway) StatusDocument() any {
	uptime := time.Since(g.startedAt).Seconds()
	status := "disconnected"
	var channels []string
	if g.upstream != nil {
		status = g.upstream.GetConnectionState().String()
	}
	if g.core != nil {
		sub := g.core.RuntimeSubscription()
		channels = sub.Channels
	}

	ev := eventsHealth{}
	if g.core != nil {
		snap := g.core.StatsSnapshot()
		ev.Total = snap.Total
		ev.Delivered = snap.Delivered
		ev.Deduped = snap.Deduped
		if uptime > 0 {
			ev.Rate = float64(snap.Total) / uptime
		}
	}

	var alerts map[string]any
	if g.alertStats != nil {
		alerts = g.alertStats()
	}

	return healthDocument{
		Connection: connectionHealth{Status: status, Channels: channels, UptimeSeconds: uptime},
		Events:     ev,
		Alerts:     alerts,
		Filters:    g.FiltersSnapshot(),
	}
}
