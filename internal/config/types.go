package config

// Config is the whole tt2tg configuration. Every field can be overridden by
// the TT2TG_* environment variable named in its env tag.
//
// Durations are Go duration strings ("500ms", "10s", "2m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Ingest   IngestConfig   `json:"ingest"`
	Queue    QueueConfig    `json:"queue"`
	Dedup    DedupConfig    `json:"dedup"`
	Target   TargetConfig   `json:"target"`
	Delivery DeliveryConfig `json:"delivery"`
	Reminder ReminderConfig `json:"reminder"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type TelegramConfig struct {
	Token        string  `env:"TT2TG_TELEGRAM_TOKEN"          json:"token"`
	OwnerUserIDs []int64 `env:"TT2TG_TELEGRAM_OWNER_USER_IDS" json:"owner_user_ids"`
	// GroupLog receives forwarded log lines ("chat" or "chat:thread").
	GroupLog    string `env:"TT2TG_TELEGRAM_GROUP_LOG"    json:"group_log"`
	PollTimeout string `env:"TT2TG_TELEGRAM_POLL_TIMEOUT" json:"poll_timeout"`
	// SendRate caps outbound API calls per second.
	SendRate float64 `env:"TT2TG_TELEGRAM_SEND_RATE" json:"send_rate,omitempty"`
}

type LoggingConfig struct {
	Level    string          `env:"TT2TG_LOGGING_LEVEL"   json:"level"`
	Console  bool            `env:"TT2TG_LOGGING_CONSOLE" json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `env:"TT2TG_LOGGING_FILE_ENABLED" json:"enabled"`
	Path    string `env:"TT2TG_LOGGING_FILE_PATH"    json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `env:"TT2TG_LOGGING_TELEGRAM_ENABLED"      json:"enabled"`
	ThreadID   int    `env:"TT2TG_LOGGING_TELEGRAM_THREAD_ID"    json:"thread_id,omitempty"`
	MinLevel   string `env:"TT2TG_LOGGING_TELEGRAM_MIN_LEVEL"    json:"min_level"`
	RatePerSec int    `env:"TT2TG_LOGGING_TELEGRAM_RATE_PER_SEC" json:"rate_per_sec"`
}

type IngestConfig struct {
	Addr            string `env:"TT2TG_INGEST_ADDR"             json:"addr"`
	MaxBodyBytes    int64  `env:"TT2TG_INGEST_MAX_BODY_BYTES"   json:"max_body_bytes"`
	ReadTimeout     string `env:"TT2TG_INGEST_READ_TIMEOUT"     json:"read_timeout"`
	WriteTimeout    string `env:"TT2TG_INGEST_WRITE_TIMEOUT"    json:"write_timeout"`
	IdleTimeout     string `env:"TT2TG_INGEST_IDLE_TIMEOUT"     json:"idle_timeout"`
	ShutdownTimeout string `env:"TT2TG_INGEST_SHUTDOWN_TIMEOUT" json:"shutdown_timeout,omitempty"`
}

// QueueConfig selects the durable queue backend.
//
//	"queue": { "driver": "file", "path": "./urls_to_send.json" }
type QueueConfig struct {
	Driver      string `env:"TT2TG_QUEUE_DRIVER"       json:"driver"`
	Path        string `env:"TT2TG_QUEUE_PATH"         json:"path"`
	ArchiveDir  string `env:"TT2TG_QUEUE_ARCHIVE_DIR"  json:"archive_dir"`
	BusyTimeout string `env:"TT2TG_QUEUE_BUSY_TIMEOUT" json:"busy_timeout,omitempty"` // sqlite
}

type DedupConfig struct {
	Capacity int `env:"TT2TG_DEDUP_CAPACITY" json:"capacity"`
}

type TargetConfig struct {
	Path string `env:"TT2TG_TARGET_PATH" json:"path"`
}

type DeliveryConfig struct {
	ItemDelay     string `env:"TT2TG_DELIVERY_ITEM_DELAY"      json:"item_delay"`
	FetchTimeout  string `env:"TT2TG_DELIVERY_FETCH_TIMEOUT"   json:"fetch_timeout"`
	SendTimeout   string `env:"TT2TG_DELIVERY_SEND_TIMEOUT"    json:"send_timeout"`
	MaxAlbum      int    `env:"TT2TG_DELIVERY_MAX_ALBUM"       json:"max_album"`
	MaxMediaBytes int64  `env:"TT2TG_DELIVERY_MAX_MEDIA_BYTES" json:"max_media_bytes"`
	TempDir       string `env:"TT2TG_DELIVERY_TEMP_DIR"        json:"temp_dir"`
}

type ReminderConfig struct {
	Enabled  bool   `env:"TT2TG_REMINDER_ENABLED"  json:"enabled"`
	Schedule string `env:"TT2TG_REMINDER_SCHEDULE" json:"schedule"`
	Timezone string `env:"TT2TG_REMINDER_TIMEZONE" json:"timezone"`
}

type MetricsConfig struct {
	Enabled bool `env:"TT2TG_METRICS_ENABLED" json:"enabled"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{PollTimeout: "10s", SendRate: 1},
		Logging: LoggingConfig{
			Level:    "info",
			Console:  true,
			File:     LoggingFile{Path: "./tt2tg.log"},
			Telegram: LoggingTelegram{MinLevel: "warn", RatePerSec: 1},
		},
		Ingest: IngestConfig{
			Addr:            "127.0.0.1:5000",
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     "10s",
			WriteTimeout:    "15s",
			IdleTimeout:     "60s",
			ShutdownTimeout: "5s",
		},
		Queue:  QueueConfig{Driver: "file", Path: "./urls_to_send.json", BusyTimeout: "1s"},
		Dedup:  DedupConfig{Capacity: 10000},
		Target: TargetConfig{Path: "./chat_id.txt"},
		Delivery: DeliveryConfig{
			ItemDelay:     "10s",
			FetchTimeout:  "120s",
			SendTimeout:   "120s",
			MaxAlbum:      10,
			MaxMediaBytes: 50 << 20,
		},
		Reminder: ReminderConfig{Schedule: "0 9 * * *"},
		Metrics:  MetricsConfig{Enabled: true},
	}
}
