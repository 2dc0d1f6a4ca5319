package config

type Config struct {
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Pacing    PacingConfig    `json:"pacing"`
	Worker    WorkerConfig    `json:"worker"`
	Transport TransportConfig `json:"transport"`
	Notifier  NotifierConfig  `json:"notifier"`
	Report    ReportConfig    `json:"report"`
	API       APIConfig       `json:"api"`
	Pprof     PprofConfig     `json:"pprof"`
}

// StorageConfig controls the sqlite queue database.
//
// Example:
//
//	"storage": { "path": "./bulksender.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the operator notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// QueueConfig holds the retry budget and the default delay bounds applied to
// jobs that don't carry their own.
type QueueConfig struct {
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	DefaultDelayMin  string `json:"default_delay_min"`
	DefaultDelayMax  string `json:"default_delay_max"`
}

// PacingConfig controls the long pause cadence and the optional hard ceiling.
//
// MaxPerMinute = 0 disables the ceiling.
type PacingConfig struct {
	LongPauseEvery int    `json:"long_pause_every"`
	LongPauseMin   string `json:"long_pause_min"`
	LongPauseMax   string `json:"long_pause_max"`
	MaxPerMinute   int    `json:"max_per_minute"`
}

// WorkerConfig controls the send loop. All durations are Go duration strings.
type WorkerConfig struct {
	PollInterval         string `json:"poll_interval"`
	IdleInterval         string `json:"idle_interval"`
	SessionCheckInterval string `json:"session_check_interval"`
	ReconnectTimeout     string `json:"reconnect_timeout"`
	SessionLossBackoff   string `json:"session_loss_backoff"`
	IterationPause       string `json:"iteration_pause"`
	SendTimeout          string `json:"send_timeout"`
	StartupLoginTimeout  string `json:"startup_login_timeout"`
}

// TransportConfig selects the message transport.
//
// Driver:
//   - "gateway": HTTP messaging gateway (default)
//   - "dryrun": logs deliveries and always succeeds
type TransportConfig struct {
	Driver  string        `json:"driver"`
	Gateway GatewayConfig `json:"gateway"`
}

type GatewayConfig struct {
	URL      string `json:"url"`
	Token    string `json:"token,omitempty"` // bearer token (do not log)
	Timeout  string `json:"timeout,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
	// ReconnectPoll is how often the session is polled while a reconnect is in progress.
	ReconnectPoll string `json:"reconnect_poll,omitempty"`
}

// NotifierConfig controls operator alerts over Telegram.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	// Events limits forwarded bus events by type. Empty means the default set.
	Events []string `json:"events,omitempty"`
}

// ReportConfig schedules the periodic progress summary.
//
// Schedule accepts a cron spec with optional seconds or a descriptor (e.g. "@every 10m").
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// APIConfig controls the producer HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - Set api_key when binding to a non-loopback address.
type APIConfig struct {
	Addr           string `json:"addr"`
	APIKey         string `json:"api_key,omitempty"` // do not log
	UploadDir      string `json:"upload_dir"`
	MaxUploadBytes int64  `json:"max_upload_bytes,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
}

// PprofConfig controls the debug profiling listener.
//
// Example:
//
//	"pprof": { "enabled": true, "addr": "127.0.0.1:6060" }
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr"`
	Token                string `json:"token,omitempty"` // do not log
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

const (
	DefaultDBPath       = "./bulksender.db"
	DefaultAPIAddr      = "127.0.0.1:8080"
	DefaultPprofAddr    = "127.0.0.1:6060"
	DefaultUploadDir    = "./uploads"
	DefaultReportSpec   = "@every 10m"
	DefaultTransport    = "gateway"
	DefaultMaxUpload    = 16 << 20
	DefaultMaxRetries   = 3
	DefaultLongPauseN   = 10
	DefaultNotifierRate = 1
)

// Defaults returns a config populated with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{Path: DefaultDBPath, BusyTimeout: "5s"},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alert:   LoggingAlert{MinLevel: "error", RatePerSec: 1},
		},
		Queue: QueueConfig{
			MaxRetryAttempts: DefaultMaxRetries,
			DefaultDelayMin:  "4s",
			DefaultDelayMax:  "8s",
		},
		Pacing: PacingConfig{
			LongPauseEvery: DefaultLongPauseN,
			LongPauseMin:   "20s",
			LongPauseMax:   "40s",
		},
		Worker: WorkerConfig{
			PollInterval:         "1s",
			IdleInterval:         "2s",
			SessionCheckInterval: "5s",
			ReconnectTimeout:     "30s",
			SessionLossBackoff:   "5s",
			IterationPause:       "500ms",
			SendTimeout:          "60s",
			StartupLoginTimeout:  "60s",
		},
		Transport: TransportConfig{
			Driver:  DefaultTransport,
			Gateway: GatewayConfig{Timeout: "30s", RetryMax: 2, ReconnectPoll: "2s"},
		},
		Notifier: NotifierConfig{RatePerSec: DefaultNotifierRate, QueueSize: 64},
		Report:   ReportConfig{Schedule: DefaultReportSpec},
		API: APIConfig{
			Addr:           DefaultAPIAddr,
			UploadDir:      DefaultUploadDir,
			MaxUploadBytes: DefaultMaxUpload,
			ReadTimeout:    "30s",
			WriteTimeout:   "60s",
		},
		Pprof: PprofConfig{Addr: DefaultPprofAddr},
	}
}
