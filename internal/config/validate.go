package config

import (
	"errors"
	"fmt"
	"strings"

	"tt2tg/internal/reminder"
	"tt2tg/internal/target"
)

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set TT2TG_TELEGRAM_TOKEN)"))
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		if _, err := target.Parse(g); err != nil {
			add(fmt.Errorf("telegram.group_log: %w", err))
		}
	}
	if c.Telegram.SendRate < 0 {
		add(errors.New("telegram.send_rate must be >= 0"))
	}

	for _, lv := range []struct{ path, v string }{
		{"logging.level", c.Logging.Level},
		{"logging.telegram.min_level", c.Logging.Telegram.MinLevel},
	} {
		switch strings.ToLower(strings.TrimSpace(lv.v)) {
		case "", "debug", "info", "warn", "warning", "error":
		default:
			add(fmt.Errorf("%s: unknown level %q", lv.path, lv.v))
		}
	}

	for _, d := range []struct{ path, v string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"ingest.read_timeout", c.Ingest.ReadTimeout},
		{"ingest.write_timeout", c.Ingest.WriteTimeout},
		{"ingest.idle_timeout", c.Ingest.IdleTimeout},
		{"ingest.shutdown_timeout", c.Ingest.ShutdownTimeout},
		{"queue.busy_timeout", c.Queue.BusyTimeout},
		{"delivery.item_delay", c.Delivery.ItemDelay},
		{"delivery.fetch_timeout", c.Delivery.FetchTimeout},
		{"delivery.send_timeout", c.Delivery.SendTimeout},
	} {
		_, err := ParseDurationField(d.path, d.v)
		add(err)
	}

	if strings.TrimSpace(c.Ingest.Addr) == "" {
		add(errors.New("ingest.addr is required"))
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		add(errors.New("ingest.max_body_bytes must be > 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Queue.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver))
	}
	if strings.TrimSpace(c.Queue.Path) == "" {
		add(errors.New("queue.path is required"))
	}
	if c.Dedup.Capacity <= 0 {
		add(errors.New("dedup.capacity must be > 0"))
	}
	if c.Delivery.MaxAlbum < 1 || c.Delivery.MaxAlbum > 10 {
		add(errors.New("delivery.max_album must be between 1 and 10"))
	}
	if c.Delivery.MaxMediaBytes <= 0 {
		add(errors.New("delivery.max_media_bytes must be > 0"))
	}

	add(reminder.Validate(c.ReminderConfig()))
	return errors.Join(errs...)
}

// ReminderConfig converts the reminder section.
func (c *Config) ReminderConfig() reminder.Config {
	return reminder.Config{
		Enabled:  c.Reminder.Enabled,
		Schedule: strings.TrimSpace(c.Reminder.Schedule),
		Timezone: strings.TrimSpace(c.Reminder.Timezone),
	}
}
