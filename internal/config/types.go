package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "5m"); clock times are "HH:MM".
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Telegram   TelegramConfig   `json:"telegram"`
	Voice      VoiceConfig      `json:"voice"`
	Policy     PolicyConfig     `json:"policy"`
	QuietHours QuietHoursConfig `json:"quiet_hours"`
	Engine     EngineConfig     `json:"engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Tuning     TuningConfig     `json:"tuning"`
	NATS       NATSConfig       `json:"nats"`
	HTTP       HTTPConfig       `json:"http"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jarvis.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | postgres | none
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	OwnerChatID int64  `json:"owner_chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// ReplyButtons are offered under each message, e.g. ["да", "позже"].
	ReplyButtons []string `json:"reply_buttons,omitempty"`
}

// VoiceConfig runs a text-to-speech command for the voice channel.
// A "{text}" argument is replaced by the suggestion; otherwise it goes to stdin.
type VoiceConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type PolicyConfig struct {
	ForceChannel   string        `json:"force_channel,omitempty"` // voice | text
	SilenceWindow  *WindowConfig `json:"silence_window,omitempty"`
	MinInterval    string        `json:"min_interval,omitempty"`
	DailyLimit     int           `json:"daily_limit,omitempty"`
	CancelKeywords []string      `json:"cancel_keywords,omitempty"`
}

type WindowConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// QuietHoursConfig is the ambient "quiet now" window. Omitted start/end
// fall back to 23:00-08:00 when enabled.
type QuietHoursConfig struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

type EngineConfig struct {
	ResponseTimeout string   `json:"response_timeout,omitempty"`
	UserTextKinds   []string `json:"user_text_kinds,omitempty"`
	PositiveWords   []string `json:"positive_words,omitempty"`
	NegativeWords   []string `json:"negative_words,omitempty"`
	AckAccepted     string   `json:"ack_accepted,omitempty"`
	AckDeclined     string   `json:"ack_declined,omitempty"`
	// AckChannel set to "none" disables acknowledgements.
	AckChannel  string `json:"ack_channel,omitempty"`
	StartAbsent bool   `json:"start_absent,omitempty"`
}

// NotifierConfig controls the async delivery queue. Workers 0 delivers
// inline on the engine goroutine.
type NotifierConfig struct {
	Workers     *int   `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type TuningConfig struct {
	Enabled     bool     `json:"enabled"`
	Schedule    string   `json:"schedule,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
}

type NATSConfig struct {
	URL           string   `json:"url,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	Forward       []string `json:"forward,omitempty"`
	Ingest        []string `json:"ingest,omitempty"`
}

type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiling     bool   `json:"profiling,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type MetricsConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
	Interval     string `json:"interval,omitempty"`
}
