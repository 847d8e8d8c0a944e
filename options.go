package relay

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

// Settings storage backends.
const (
	SettingsMemory = "memory"
	SettingsMongo  = "mongo"
	SettingsRedis  = "redis"
)

type (
	// Logger is an interface for logging messages.
	Logger interface {
		Debug(string, ...any)
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}

	// Options contains relay additional options.
	Options struct {
		// Config contains relay configuration. It is optional and has default values for all fields except Token.
		Config Config

		// Logger is a logger. It uses slog JSON logger by default if EnableLogging == true (by default).
		Logger Logger

		// Msgs is a message provider. It uses default English messages by default.
		Msgs MessageProvider

		// Settings is a storage of user preferences. It uses in-memory storage by default.
		// Mongo and Redis storages are created by the binary from [Config.Settings].
		Settings SettingsStorage

		// Offloader stores files above the upload limit. Such files are rejected if it is nil.
		Offloader Offloader

		// Messenger replaces Telegram as the messaging platform (e.g. for testing).
		// Bot doesn't start a poller if it is set.
		Messenger Messenger

		// HTTPClient is used for downloads. It uses client without total timeout by default,
		// transfers are bounded by DownloadTimeout.
		HTTPClient *http.Client

		// Metrics contains metrics configuration. Metrics are disabled if Registry is nil.
		Metrics MetricsConfig

		// Poller is a poller for the bot. It uses long poller or webhook by default.
		Poller tele.Poller
	}
)

// Config contains relay configuration.
type Config struct {
	// Token is the Telegram bot token.
	// Environment variable: RELAY_TOKEN.
	Token string `yaml:"token" json:"token" env:"RELAY_TOKEN"`

	// Debug is a flag that enables debug mode. It set log level to debug.
	// Default: false.
	// Environment variable: RELAY_DEBUG.
	Debug bool `yaml:"debug" json:"debug" env:"RELAY_DEBUG"`

	// EnableLogging is a flag that enables logging of bot activity.
	// Default: true.
	// Environment variable: RELAY_ENABLE_LOGGING.
	EnableLogging *bool `yaml:"enable_logging" json:"enable_logging" env:"RELAY_ENABLE_LOGGING"`

	// TestMode is a flag that sets telebot to offline mode.
	// Default: false.
	// Environment variable: RELAY_TEST_MODE.
	TestMode bool `yaml:"test_mode" json:"test_mode" env:"RELAY_TEST_MODE"`

	// LPTimeout is the long polling timeout.
	// Default: 15 seconds.
	// Environment variable: RELAY_LP_TIMEOUT.
	LPTimeout time.Duration `yaml:"lp_timeout" json:"lp_timeout" env:"RELAY_LP_TIMEOUT"`

	// WebhookURL is the public URL for the webhook. Long polling is used if it is empty.
	// Environment variable: RELAY_WEBHOOK_URL.
	WebhookURL string `yaml:"webhook_url" json:"webhook_url" env:"RELAY_WEBHOOK_URL"`

	// ListenAddress is the address for the webhook listener.
	// Default: ":8443".
	// Environment variable: RELAY_LISTEN_ADDRESS.
	ListenAddress string `yaml:"listen_address" json:"listen_address" env:"RELAY_LISTEN_ADDRESS"`

	// SecretToken is checked in X-Telegram-Bot-Api-Secret-Token header of webhook requests.
	// Environment variable: RELAY_SECRET_TOKEN.
	SecretToken string `yaml:"secret_token" json:"secret_token" env:"RELAY_SECRET_TOKEN"`

	// TLSKeyFile is the path to the TLS key file of the webhook listener.
	// Environment variable: RELAY_TLS_KEY_FILE.
	TLSKeyFile string `yaml:"tls_key_file" json:"tls_key_file" env:"RELAY_TLS_KEY_FILE"`

	// TLSCertFile is the path to the TLS cert file of the webhook listener.
	// Environment variable: RELAY_TLS_CERT_FILE.
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file" env:"RELAY_TLS_CERT_FILE"`

	// MaxFileSize is the maximum size of a downloaded file in bytes.
	// Default: 2000 MB.
	// Environment variable: RELAY_MAX_FILE_SIZE.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size" env:"RELAY_MAX_FILE_SIZE"`

	// UploadLimit is the maximum size of a file accepted by Telegram in bytes.
	// Larger files are offloaded if offload is enabled.
	// Default: 50 MB.
	// Environment variable: RELAY_UPLOAD_LIMIT.
	UploadLimit int64 `yaml:"upload_limit" json:"upload_limit" env:"RELAY_UPLOAD_LIMIT"`

	// TempDir is the shared directory for downloads.
	// Default: "<os temp dir>/relay/downloads".
	// Environment variable: RELAY_TEMP_DIR.
	TempDir string `yaml:"temp_dir" json:"temp_dir" env:"RELAY_TEMP_DIR"`

	// ThumbnailDir is the directory for user thumbnails.
	// Default: "<os temp dir>/relay/thumbnails".
	// Environment variable: RELAY_THUMBNAIL_DIR.
	ThumbnailDir string `yaml:"thumbnail_dir" json:"thumbnail_dir" env:"RELAY_THUMBNAIL_DIR"`

	// DownloadTimeout bounds a single download.
	// Default: 30 minutes.
	// Environment variable: RELAY_DOWNLOAD_TIMEOUT.
	DownloadTimeout time.Duration `yaml:"download_timeout" json:"download_timeout" env:"RELAY_DOWNLOAD_TIMEOUT"`

	// UploadTimeout bounds a single upload.
	// Default: 10 minutes.
	// Environment variable: RELAY_UPLOAD_TIMEOUT.
	UploadTimeout time.Duration `yaml:"upload_timeout" json:"upload_timeout" env:"RELAY_UPLOAD_TIMEOUT"`

	// ProbeTimeout bounds the HEAD request made before showing the prompt.
	// Default: 10 seconds.
	// Environment variable: RELAY_PROBE_TIMEOUT.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" env:"RELAY_PROBE_TIMEOUT"`

	// ProgressInterval is the minimal interval between edits of the status message.
	// Default: 3 seconds.
	// Environment variable: RELAY_PROGRESS_INTERVAL.
	ProgressInterval time.Duration `yaml:"progress_interval" json:"progress_interval" env:"RELAY_PROGRESS_INTERVAL"`

	// ProgressStep is the step of progress updates in percents.
	// Default: 5.
	// Environment variable: RELAY_PROGRESS_STEP.
	ProgressStep float64 `yaml:"progress_step" json:"progress_step" env:"RELAY_PROGRESS_STEP"`

	// AskByDefault is a flag that shows mode and rename choice for every link of a new user.
	// Users can toggle it with /ask.
	// Default: true.
	// Environment variable: RELAY_ASK_BY_DEFAULT.
	AskByDefault *bool `yaml:"ask_by_default" json:"ask_by_default" env:"RELAY_ASK_BY_DEFAULT"`

	// DefaultMode is the upload mode of a new user.
	// Default: "auto".
	// Environment variable: RELAY_DEFAULT_MODE.
	DefaultMode UploadMode `yaml:"default_mode" json:"default_mode" env:"RELAY_DEFAULT_MODE"`

	// SessionTTL is the time after which an inactive session and its thumbnail are removed.
	// Default: 24 hours.
	// Environment variable: RELAY_SESSION_TTL.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl" env:"RELAY_SESSION_TTL"`

	// SessionCapacity is the maximum number of sessions in memory.
	// Default: 10000.
	// Environment variable: RELAY_SESSION_CAPACITY.
	SessionCapacity int `yaml:"session_capacity" json:"session_capacity" env:"RELAY_SESSION_CAPACITY"`

	// MaxTransfers is the maximum number of transfers running at the same time.
	// Default: 10.
	// Environment variable: RELAY_MAX_TRANSFERS.
	MaxTransfers int `yaml:"max_transfers" json:"max_transfers" env:"RELAY_MAX_TRANSFERS"`

	// QueueWorkers is the number of workers that handle user events. Events of a single user are handled in order.
	// Default: 8.
	// Environment variable: RELAY_QUEUE_WORKERS.
	QueueWorkers int `yaml:"queue_workers" json:"queue_workers" env:"RELAY_QUEUE_WORKERS"`

	// UserAgent is sent with download requests.
	// Default: "relaybot/1.0".
	// Environment variable: RELAY_USER_AGENT.
	UserAgent string `yaml:"user_agent" json:"user_agent" env:"RELAY_USER_AGENT"`

	// MetricsAddress is the address of /metrics and /healthz endpoints. Empty disables them.
	// Environment variable: RELAY_METRICS_ADDRESS.
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" env:"RELAY_METRICS_ADDRESS"`

	// Settings configures storage of user preferences.
	Settings SettingsConfig `yaml:"settings" json:"settings"`

	// Offload configures storage for files above the upload limit.
	Offload OffloadConfig `yaml:"offload" json:"offload"`
}

// SettingsConfig selects storage of user preferences.
type SettingsConfig struct {
	// Backend is one of "memory", "mongo", "redis".
	// Default: "memory".
	// Environment variable: RELAY_SETTINGS_BACKEND.
	Backend string `yaml:"backend" json:"backend" env:"RELAY_SETTINGS_BACKEND"`

	Mongo MongoConfig `yaml:"mongo" json:"mongo"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// ReadConfig reads configuration from the file (if path is not empty) and environment variables.
func ReadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return cfg, errm.Wrap(err, "read config", "path", path)
		}
		return cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, errm.Wrap(err, "read env")
	}
	return cfg, nil
}

// PrepareConfig returns configuration with default values applied or validation error.
func PrepareConfig(cfg Config) (Config, error) {
	if err := cfg.prepareAndValidate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WithConfig returns an option that sets the relay configuration.
func WithConfig(cfg Config) func(opts *Options) {
	return func(opts *Options) {
		opts.Config = cfg
	}
}

// WithLogger returns an option that sets the logger.
func WithLogger(logger Logger) func(opts *Options) {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMsgs returns an option that sets the message provider.
func WithMsgs(msgs MessageProvider) func(opts *Options) {
	return func(opts *Options) {
		opts.Msgs = msgs
	}
}

// WithSettings returns an option that sets the settings storage.
func WithSettings(s SettingsStorage) func(opts *Options) {
	return func(opts *Options) {
		opts.Settings = s
	}
}

// WithOffloader returns an option that sets the offloader of big files.
func WithOffloader(o Offloader) func(opts *Options) {
	return func(opts *Options) {
		opts.Offloader = o
	}
}

// WithHTTPClient returns an option that sets the HTTP client for downloads.
func WithHTTPClient(c *http.Client) func(opts *Options) {
	return func(opts *Options) {
		opts.HTTPClient = c
	}
}

// WithMetrics returns an option that enables metrics.
func WithMetrics(cfg MetricsConfig) func(opts *Options) {
	return func(opts *Options) {
		opts.Metrics = cfg
	}
}

// WithMessenger returns an option that replaces Telegram with the provided messenger.
func WithMessenger(m Messenger) func(opts *Options) {
	return func(opts *Options) {
		opts.Messenger = m
	}
}

// WithTestMode returns an option that sets the test mode.
// If poller is provided, it will be used instead of the default poller.
func WithTestMode(poller ...tele.Poller) func(opts *Options) {
	return func(opts *Options) {
		if len(poller) > 0 {
			opts.Poller = poller[0]
		}
		opts.Config.TestMode = true
	}
}

func (cfg *Config) prepareAndValidate() error {
	cfg.LPTimeout = lang.Check(cfg.LPTimeout, 15*time.Second)
	cfg.EnableLogging = lang.Ptr(lang.CheckPtr(cfg.EnableLogging, true))
	cfg.AskByDefault = lang.Ptr(lang.CheckPtr(cfg.AskByDefault, true))
	cfg.MaxFileSize = lang.Check(cfg.MaxFileSize, 2000<<20)
	cfg.UploadLimit = lang.Check(cfg.UploadLimit, DefaultUploadLimit)
	cfg.TempDir = lang.Check(cfg.TempDir, filepath.Join(os.TempDir(), "relay", "downloads"))
	cfg.ThumbnailDir = lang.Check(cfg.ThumbnailDir, filepath.Join(os.TempDir(), "relay", "thumbnails"))
	cfg.DownloadTimeout = lang.Check(cfg.DownloadTimeout, 30*time.Minute)
	cfg.UploadTimeout = lang.Check(cfg.UploadTimeout, 10*time.Minute)
	cfg.ProbeTimeout = lang.Check(cfg.ProbeTimeout, 10*time.Second)
	cfg.ProgressInterval = lang.Check(cfg.ProgressInterval, 3*time.Second)
	cfg.ProgressStep = lang.Check(cfg.ProgressStep, 5)
	cfg.DefaultMode = lang.Check(cfg.DefaultMode, ModeAuto)
	cfg.SessionTTL = lang.Check(cfg.SessionTTL, 24*time.Hour)
	cfg.SessionCapacity = lang.Check(cfg.SessionCapacity, 10000)
	cfg.MaxTransfers = lang.Check(cfg.MaxTransfers, 10)
	cfg.QueueWorkers = lang.Check(cfg.QueueWorkers, 8)
	cfg.UserAgent = lang.Check(cfg.UserAgent, defaultUserAgent)
	cfg.Settings.Backend = lang.Check(cfg.Settings.Backend, SettingsMemory)

	if cfg.WebhookURL != "" {
		cfg.ListenAddress = lang.Check(cfg.ListenAddress, ":8443")
	}

	err := validation.ValidateStruct(cfg,
		validation.Field(&cfg.WebhookURL, is.URL),
		validation.Field(&cfg.TLSKeyFile, validation.Required.When(cfg.TLSCertFile != "")),
		validation.Field(&cfg.TLSCertFile, validation.Required.When(cfg.TLSKeyFile != "")),
		validation.Field(&cfg.MaxFileSize, validation.Min(int64(1))),
		validation.Field(&cfg.UploadLimit, validation.Min(int64(1))),
		validation.Field(&cfg.ProgressStep, validation.Min(0.1), validation.Max(100.0)),
		validation.Field(&cfg.SessionCapacity, validation.Min(1)),
		validation.Field(&cfg.MaxTransfers, validation.Min(1)),
		validation.Field(&cfg.QueueWorkers, validation.Min(1)),
		validation.Field(&cfg.DefaultMode, validation.In(ModeAuto, ModeDocument, ModeVideo, ModeAudio, ModePhoto)),
	)
	if err != nil {
		return err
	}
	if err := validation.Validate(cfg.Settings.Backend, validation.In(SettingsMemory, SettingsMongo, SettingsRedis)); err != nil {
		return errm.Wrap(err, "settings backend")
	}
	if err := cfg.Offload.Validate(); err != nil {
		return errm.Wrap(err, "offload")
	}

	return nil
}

func prepareOpts(opts Options) (Options, error) {
	err := opts.Config.prepareAndValidate()
	if err != nil {
		return opts, errm.Wrap(err, "prepare and validate config")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: lang.If(opts.Config.Debug, slog.LevelDebug, slog.LevelInfo),
		}))
	}
	if !*opts.Config.EnableLogging {
		opts.Logger = noopLogger{}
	}

	if opts.Settings == nil {
		opts.Settings, err = NewInMemorySettings(opts.Config.SessionCapacity)
		if err != nil {
			return opts, errm.Wrap(err, "new settings storage")
		}
	}
	if opts.Msgs == nil {
		opts.Msgs = newDefaultMessageProvider()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return opts, nil
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
