package config

import (
	"reflect"
	"strings"

	logx "tt2tg/pkg/logx"
)

// Change describes a reload.
type Change struct {
	// Sections lists the top-level keys that differ.
	Sections []string
	// RestartRequired lists changed keys that only take effect after a
	// restart (queue storage, ingest listener, bot token, dedup size,
	// target file).
	RestartRequired []string
	// Fields are safe log attributes; secrets are never included.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !telegramEqual(oldCfg.Telegram, newCfg.Telegram) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Fields = append(ch.Fields,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
		if oldCfg.Telegram.Token != newCfg.Telegram.Token {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.token")
			ch.Fields = append(ch.Fields, logx.Bool("telegram.token_changed", true))
		}
		if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.poll_timeout")
		}
		if oldCfg.Telegram.SendRate != newCfg.Telegram.SendRate {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.send_rate")
		}
	}
	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Ingest != newCfg.Ingest {
		ch.Sections = append(ch.Sections, "ingest")
		ch.RestartRequired = append(ch.RestartRequired, "ingest")
	}
	if oldCfg.Queue != newCfg.Queue {
		ch.Sections = append(ch.Sections, "queue")
		ch.RestartRequired = append(ch.RestartRequired, "queue")
	}
	if oldCfg.Dedup != newCfg.Dedup {
		ch.Sections = append(ch.Sections, "dedup")
		ch.RestartRequired = append(ch.RestartRequired, "dedup")
	}
	if oldCfg.Target != newCfg.Target {
		ch.Sections = append(ch.Sections, "target")
		ch.RestartRequired = append(ch.RestartRequired, "target")
	}
	if oldCfg.Delivery != newCfg.Delivery {
		ch.Sections = append(ch.Sections, "delivery")
		ch.Fields = append(ch.Fields,
			logx.String("delivery.item_delay", newCfg.Delivery.ItemDelay),
			logx.Int("delivery.max_album", newCfg.Delivery.MaxAlbum),
		)
	}
	if oldCfg.Reminder != newCfg.Reminder {
		ch.Sections = append(ch.Sections, "reminder")
		ch.Fields = append(ch.Fields,
			logx.Bool("reminder.enabled", newCfg.Reminder.Enabled),
			logx.String("reminder.schedule", newCfg.Reminder.Schedule),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		ch.Sections = append(ch.Sections, "metrics")
		ch.RestartRequired = append(ch.RestartRequired, "metrics")
	}
	if len(ch.Sections) > 0 {
		ch.Fields = append(ch.Fields, logx.Strings("sections", ch.Sections))
	}
	return ch
}

func telegramEqual(a, b TelegramConfig) bool {
	return a.Token == b.Token &&
		strings.TrimSpace(a.GroupLog) == strings.TrimSpace(b.GroupLog) &&
		a.PollTimeout == b.PollTimeout &&
		a.SendRate == b.SendRate &&
		reflect.DeepEqual(a.OwnerUserIDs, b.OwnerUserIDs)
}
