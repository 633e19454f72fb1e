package app

import (
	"strings"

	"tt2tg/internal/config"
	"tt2tg/internal/delivery"
	"tt2tg/internal/ingest"
	"tt2tg/internal/queue"
	"tt2tg/internal/runtime/supervisor"
	"tt2tg/internal/target"
	telegram "tt2tg/internal/transport/telegram/adapter"
	logx "tt2tg/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Mapping ----
//
// The mappers below run on configs that already passed config.Validate, so
// duration parse errors cannot occur here.

func mapAdapterConfig(cfg *Config) telegram.Config {
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout),
		SendRate:    cfg.Telegram.SendRate,
	}
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget resolves where Telegram log lines go. A thread in group_log
// wins over logging.telegram.thread_id. ok is false when no chat is set.
func logTarget(cfg *Config) (chatID int64, threadID int, ok bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, 0, false
	}
	t, err := target.Parse(raw)
	if err != nil {
		return 0, 0, false
	}
	threadID = t.ThreadID
	if threadID == 0 {
		threadID = cfg.Logging.Telegram.ThreadID
	}
	return t.ChatID, threadID, true
}

func mapQueueConfig(cfg *Config) queue.Config {
	return queue.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)),
		Path:        strings.TrimSpace(cfg.Queue.Path),
		ArchiveDir:  strings.TrimSpace(cfg.Queue.ArchiveDir),
		BusyTimeout: config.MustDuration(cfg.Queue.BusyTimeout),
	}
}

func mapIngestConfig(cfg *Config) ingest.Config {
	return ingest.Config{
		Addr:            strings.TrimSpace(cfg.Ingest.Addr),
		MaxBodyBytes:    cfg.Ingest.MaxBodyBytes,
		ReadTimeout:     config.MustDuration(cfg.Ingest.ReadTimeout),
		WriteTimeout:    config.MustDuration(cfg.Ingest.WriteTimeout),
		IdleTimeout:     config.MustDuration(cfg.Ingest.IdleTimeout),
		ShutdownTimeout: config.MustDuration(cfg.Ingest.ShutdownTimeout),
		Metrics:         cfg.Metrics.Enabled,
	}
}

func mapDeliveryConfig(cfg *Config) delivery.Config {
	return delivery.Config{
		ItemDelay:     config.MustDuration(cfg.Delivery.ItemDelay),
		FetchTimeout:  config.MustDuration(cfg.Delivery.FetchTimeout),
		SendTimeout:   config.MustDuration(cfg.Delivery.SendTimeout),
		MaxAlbum:      cfg.Delivery.MaxAlbum,
		MaxMediaBytes: cfg.Delivery.MaxMediaBytes,
		TempDir:       strings.TrimSpace(cfg.Delivery.TempDir),
	}
}
