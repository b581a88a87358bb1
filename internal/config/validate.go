package config

import (
	"fmt"
	"strings"
	"time"

	"jarvis/internal/quiet"
)

// Validate checks values that would otherwise fail late (durations, clock
// times, enums, required credentials).
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", d)
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", d)
		}
	default:
		return fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	if cfg.Storage.MaxConns < 0 {
		return fmt.Errorf("storage.max_conns must be >= 0")
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled")
		}
		if cfg.Telegram.OwnerChatID == 0 {
			return fmt.Errorf("telegram.owner_chat_id is required when telegram is enabled")
		}
	}

	switch cfg.Policy.ForceChannel {
	case "", "voice", "text":
	default:
		return fmt.Errorf("policy.force_channel: unknown channel %q", cfg.Policy.ForceChannel)
	}
	if w := cfg.Policy.SilenceWindow; w != nil {
		if _, err := quiet.ParseWindow(w.Start, w.End); err != nil {
			return fmt.Errorf("policy.silence_window: %w", err)
		}
	}
	if cfg.Policy.DailyLimit < 0 {
		return fmt.Errorf("policy.daily_limit must be >= 0")
	}

	if cfg.QuietHours.Enabled && (cfg.QuietHours.Start != "" || cfg.QuietHours.End != "") {
		if _, err := quiet.ParseWindow(cfg.QuietHours.Start, cfg.QuietHours.End); err != nil {
			return fmt.Errorf("quiet_hours: %w", err)
		}
	}

	switch cfg.Engine.AckChannel {
	case "", "none", "voice", "text":
	default:
		return fmt.Errorf("engine.ack_channel: unknown channel %q", cfg.Engine.AckChannel)
	}

	if w := cfg.Notifier.Workers; w != nil && *w < 0 {
		return fmt.Errorf("notifier.workers must be >= 0")
	}
	if cfg.Notifier.QueueSize < 0 || cfg.Notifier.RatePerSec < 0 {
		return fmt.Errorf("notifier.queue_size and notifier.rate_per_sec must be >= 0")
	}

	if tz := strings.TrimSpace(cfg.Tuning.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("tuning.timezone: invalid %q: %w", tz, err)
		}
	}

	if cfg.NATS.URL == "" && (len(cfg.NATS.Forward) > 0 || len(cfg.NATS.Ingest) > 0) {
		return fmt.Errorf("nats.url is required when nats.forward or nats.ingest is set")
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"policy.min_interval", cfg.Policy.MinInterval},
		{"engine.response_timeout", cfg.Engine.ResponseTimeout},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"metrics.interval", cfg.Metrics.Interval},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
