package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"relay/internal/alerts"
	"relay/internal/config"
	"relay/internal/console"
	"relay/internal/dashboard"
	"relay/internal/dedup"
	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/filter"
	httpapi "relay/internal/http"
	"relay/internal/logging"
	"relay/internal/monitoredusers"
	"relay/internal/ratelimit"
	"relay/internal/streamcore"
	"relay/internal/upstream"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pipeline := buildFilterPipeline(cfg)
	dedupCache := dedup.New(dedup.DefaultMaxEntries, dedup.DefaultTTL, nil)
	bus := eventbus.New(logger.With(logging.String("component", "eventbus")))

	var core *streamcore.Core
	upstreamClient := upstream.New(upstream.Config{
		URL:      cfg.UpstreamURL,
		Token:    cfg.UpstreamToken,
		Channels: cfg.Channels,
		Users:    cfg.UserFilters,
		Logger:   logger.With(logging.String("component", "upstream")),
	}, func(raw []byte) {
		core.Ingest(raw)
	})

	core = streamcore.New(streamcore.Config{
		Filters:         pipeline,
		Dedup:           dedupCache,
		Bus:             bus,
		Upstream:        upstreamClient,
		Logger:          logger.With(logging.String("component", "streamcore")),
		Debug:           cfg.Debug,
		InitialChannels: cfg.Channels,
		InitialUsers:    cfg.UserFilters,
	})

	monitoredUsers := buildMonitoredUsersFetcher(cfg, logger)
	if monitoredUsers != nil {
		monitoredUsers.StartPeriodicRefresh(context.Background(), monitoredusers.DefaultRefreshInterval)
		defer monitoredUsers.Stop()
	}

	alertOutput := alerts.New(bus, logger.With(logging.String("component", "alerts")), buildAlertChannels(cfg)...)
	alertOutput.Start(streamcore.ChannelAlerts)
	defer alertOutput.Stop()

	consoleOutput := console.New(bus, os.Stdout, logger.With(logging.String("component", "console")), nil)
	consoleOutput.Start(streamcore.ChannelConsole, console.DefaultStatsInterval)
	defer consoleOutput.Stop()

	dashboardGateway := dashboard.New(dashboard.Config{
		Core:           core,
		Upstream:       upstreamClient,
		MonitoredUsers: monitoredUsers,
		AlertStats: func() map[string]any {
			stats := alertOutput.Stats()
			out := make(map[string]any, len(stats))
			for k, v := range stats {
				out[k] = v
			}
			return out
		},
		Logger:    logger.With(logging.String("component", "dashboard")),
		StartedAt: startedAt,
	})
	dashboardGateway.Attach(bus, streamcore.ChannelDashboard)
	defer dashboardGateway.Detach(bus)

	upstreamClient.Connect()
	defer upstreamClient.Disconnect()

	handler := buildHandler(dashboardGateway, logger)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	logger.Info("relay listening", logging.String("address", listenerURL(cfg.ListenAddr, false)))

	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("relay server terminated", logging.Error(err))
	}
}

// buildFilterPipeline wires the configured user/keyword/event-type filters
// into a single AND-chain admission pipeline.
func buildFilterPipeline(cfg *config.Config) *filter.Pipeline {
	pipeline := filter.New()
	if len(cfg.UserFilters) > 0 {
		pipeline.Add(filter.NewUserPredicate(cfg.UserFilters))
	}
	if len(cfg.KeywordFilters) > 0 {
		pipeline.Add(filter.NewKeywordPredicate(cfg.KeywordFilters))
	}
	if len(cfg.EventTypeFilters) > 0 {
		types := make([]eventmodel.EventType, 0, len(cfg.EventTypeFilters))
		for _, t := range cfg.EventTypeFilters {
			types = append(types, eventmodel.EventType(strings.TrimSpace(t)))
		}
		pipeline.Add(filter.NewEventTypePredicate(types))
	}
	return pipeline
}

// buildMonitoredUsersFetcher derives the monitored-users HTTP base from the
// upstream websocket URL (ws/wss -> http/https) and constructs a Fetcher.
// Returns nil if the upstream URL cannot be translated.
func buildMonitoredUsersFetcher(cfg *config.Config, logger *logging.Logger) *monitoredusers.Fetcher {
	base := httpBaseFromWebsocketURL(cfg.UpstreamURL)
	if base == "" {
		return nil
	}
	fetcher, err := monitoredusers.New(base, cfg.UpstreamToken, nil)
	if err != nil {
		logger.Warn("failed to construct monitored-users fetcher", logging.Error(err))
		return nil
	}
	return fetcher
}

func httpBaseFromWebsocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	default:
		return ""
	}
}

// buildAlertChannels constructs the configured Telegram/Discord/webhook
// alert channels, each with its own default-rate-limited sink.
func buildAlertChannels(cfg *config.Config) []alerts.Channel {
	return []alerts.Channel{
		alerts.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID, nil,
			ratelimit.New(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow, nil)),
		alerts.NewDiscordChannel(cfg.DiscordWebhook, nil,
			ratelimit.New(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow, nil)),
		alerts.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookMethod, cfg.WebhookHeaders, nil,
			ratelimit.New(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow, nil)),
	}
}

func buildHandler(gateway *dashboard.Gateway, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", gateway.ServeWS)

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger: logger,
		Status: gateway.StatusDocument,
		State:  gateway.StateSnapshot,
	})
	opsHandlers.Register(mux)

	return logging.HTTPTraceMiddleware(logger)(mux)
}

// listenerURL returns a human-friendly URL for the relay listener address.
// 1.- Decide whether the relay should advertise an HTTP or HTTPS scheme based on TLS configuration.
// 2.- Normalise the configured address so the message always shows a reachable host:port pair.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
