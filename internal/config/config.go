package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultListenAddr is the fallback value read for LISTEN_PORT; Load still
	// reports an error when LISTEN_PORT is unset.
	DefaultListenAddr = ":8080"
	// DefaultChannels is the upstream subscription selector used when CHANNELS is unset.
	DefaultChannels = "all"

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultWebhookMethod is used for the generic alert webhook when unspecified.
	DefaultWebhookMethod = "POST"
)

// Config captures all runtime tunables for the relay process, sourced from
// the environment per the process-level configuration contract.
type Config struct {
	UpstreamURL   string
	UpstreamToken string
	ListenAddr    string

	Channels          []string
	UserFilters       []string
	KeywordFilters    []string
	EventTypeFilters  []string

	TelegramBotToken string
	TelegramChatID   string
	DiscordWebhook   string
	WebhookURL       string
	WebhookMethod    string
	WebhookHeaders   map[string]string

	Debug bool

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the relay configuration from environment variables, applying sane
// defaults and returning a single descriptive error aggregating every problem.
func Load() (*Config, error) {
	cfg := &Config{
		UpstreamURL:      strings.TrimSpace(os.Getenv("UPSTREAM_URL")),
		UpstreamToken:    strings.TrimSpace(os.Getenv("UPSTREAM_TOKEN")),
		ListenAddr:       getString("LISTEN_PORT", DefaultListenAddr),
		Channels:         parseList(getString("CHANNELS", DefaultChannels)),
		UserFilters:      parseList(os.Getenv("USER_FILTERS")),
		KeywordFilters:   parseList(os.Getenv("KEYWORD_FILTERS")),
		EventTypeFilters: parseList(os.Getenv("EVENT_TYPE_FILTERS")),
		TelegramBotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		TelegramChatID:   strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")),
		DiscordWebhook:   strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_URL")),
		WebhookURL:       strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		WebhookMethod:    strings.ToUpper(getString("WEBHOOK_METHOD", DefaultWebhookMethod)),
		WebhookHeaders:   parseHeaders(os.Getenv("WEBHOOK_HEADERS")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if cfg.UpstreamURL == "" {
		problems = append(problems, "UPSTREAM_URL must be set")
	}
	if cfg.UpstreamToken == "" {
		problems = append(problems, "UPSTREAM_TOKEN must be set")
	}
	if strings.TrimSpace(os.Getenv("LISTEN_PORT")) == "" {
		problems = append(problems, "LISTEN_PORT must be set")
	}

	if raw := strings.TrimSpace(os.Getenv("DEBUG")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("DEBUG must be a boolean value, got %q", raw))
		} else {
			cfg.Debug = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		problems = append(problems, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

// parseHeaders parses a comma-separated list of "Key: Value" pairs into a map,
// mirroring the same tolerant, trim-and-skip-empty idiom as parseList.
func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(pair[:idx])
		value := strings.TrimSpace(pair[idx+1:])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
