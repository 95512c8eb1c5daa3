package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr      = "127.0.0.1:8080"
	DefaultBackendAddr   = "127.0.0.1:8090"
	DefaultDataDir       = ".pulse"
	DefaultSyncInterval  = 30 * time.Second
	DefaultHourly        = time.Hour
	DefaultMaxBodyBytes  = int64(25 << 20)
	DefaultRateLimitMax  = 120
	DefaultRateWindow    = time.Minute
	DefaultWidgetRefresh = 15 * time.Minute

	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

type Config struct {
	User    pulse.Profile   `yaml:"user"`
	Group   pulse.Group     `yaml:"group"`
	Members []pulse.Profile `yaml:"members"`
	Remote  RemoteConfig    `yaml:"remote"`
	Storage StorageConfig   `yaml:"storage"`
	HTTP    HTTPConfig      `yaml:"http"`
	Sync    SyncConfig      `yaml:"sync"`
	Widget  WidgetConfig    `yaml:"widget"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

type RemoteConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	RealtimeURL string `yaml:"realtime_url"`
	// BackendAddr is where the bundled reference backend listens.
	BackendAddr string `yaml:"backend_addr"`
}

type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	StateDSN      string `yaml:"state_dsn"`
	StateFile     string `yaml:"state_file"`
	ProductionDSN string `yaml:"production_dsn"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Jitter is the fraction of Interval applied randomly to each wait.
	Jitter         float64       `yaml:"jitter"`
	HourlyInterval time.Duration `yaml:"hourly_interval"`
	Realtime       bool          `yaml:"realtime"`
}

type WidgetConfig struct {
	SnapshotDir     string        `yaml:"snapshot_dir"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func Default() Config {
	return Config{
		Group: pulse.Group{MemberCount: 1},
		Remote: RemoteConfig{
			BackendAddr: DefaultBackendAddr,
		},
		Storage: StorageConfig{
			Profile: ProfileDurableLocal,
			DataDir: DefaultDataDir,
		},
		HTTP: HTTPConfig{
			Addr:            DefaultHTTPAddr,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			RateLimitMax:    DefaultRateLimitMax,
			RateLimitWindow: DefaultRateWindow,
		},
		Sync: SyncConfig{
			Interval:       DefaultSyncInterval,
			Jitter:         0.2,
			HourlyInterval: DefaultHourly,
			Realtime:       true,
		},
		Widget: WidgetConfig{
			RefreshInterval: DefaultWidgetRefresh,
		},
		LogLevel: "info",
	}
}

// Load reads defaults, then the YAML file at path (or PULSE_CONFIG when path
// is empty), then PULSE_* environment overrides.
func Load(path string, logger *log.Logger) (Config, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("PULSE_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, logger *log.Logger) {
	stringEnv("PULSE_USER_ID", &cfg.User.UserID)
	stringEnv("PULSE_DISPLAY_NAME", &cfg.User.DisplayName)
	stringEnv("PULSE_EMOJI", &cfg.User.Emoji)
	cfg.User.ManualOnly = boolEnv(logger, "PULSE_MANUAL_ONLY", cfg.User.ManualOnly)
	stringEnv("PULSE_GROUP_ID", &cfg.Group.ID)
	stringEnv("PULSE_GROUP_NAME", &cfg.Group.Name)
	stringEnv("PULSE_INVITE_CODE", &cfg.Group.InviteCode)
	cfg.Group.MemberCount = intEnv(logger, "PULSE_MEMBER_COUNT", cfg.Group.MemberCount)

	stringEnv("PULSE_REMOTE_URL", &cfg.Remote.URL)
	stringEnv("PULSE_REMOTE_TOKEN", &cfg.Remote.Token)
	stringEnv("PULSE_REALTIME_URL", &cfg.Remote.RealtimeURL)
	stringEnv("PULSE_BACKEND_ADDR", &cfg.Remote.BackendAddr)

	stringEnv("PULSE_BACKEND_PROFILE", &cfg.Storage.Profile)
	stringEnv("PULSE_DATA_DIR", &cfg.Storage.DataDir)
	stringEnv("PULSE_STATE_DSN", &cfg.Storage.StateDSN)
	stringEnv("PULSE_STATE_FILE", &cfg.Storage.StateFile)
	stringEnv("PULSE_PRODUCTION_DSN", &cfg.Storage.ProductionDSN)
	if cfg.Storage.ProductionDSN == "" {
		stringEnv("PULSE_POSTGRES_DSN", &cfg.Storage.ProductionDSN)
	}

	stringEnv("PULSE_HTTP_ADDR", &cfg.HTTP.Addr)
	stringEnv("PULSE_JWT_SECRET", &cfg.HTTP.JWTSecret)
	cfg.HTTP.MaxBodyBytes = int64Env(logger, "PULSE_MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)
	cfg.HTTP.RateLimitMax = intEnv(logger, "PULSE_RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = durationEnv(logger, "PULSE_RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)

	cfg.Sync.Interval = durationEnv(logger, "PULSE_SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.Jitter = floatEnv(logger, "PULSE_SYNC_JITTER", cfg.Sync.Jitter)
	cfg.Sync.HourlyInterval = durationEnv(logger, "PULSE_HOURLY_INTERVAL", cfg.Sync.HourlyInterval)
	cfg.Sync.Realtime = boolEnv(logger, "PULSE_REALTIME", cfg.Sync.Realtime)

	stringEnv("PULSE_WIDGET_DIR", &cfg.Widget.SnapshotDir)
	cfg.Widget.RefreshInterval = durationEnv(logger, "PULSE_WIDGET_REFRESH", cfg.Widget.RefreshInterval)

	stringEnv("PULSE_LOG_LEVEL", &cfg.LogLevel)
}

func (c Config) Validate() error {
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%w: sync interval must be positive", pulse.ErrInvalidInput)
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return fmt.Errorf("%w: sync jitter must be between 0 and 1", pulse.ErrInvalidInput)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be positive", pulse.ErrInvalidInput)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", pulse.ErrInvalidInput, c.LogLevel)
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// StateDSN resolves the state backend DSN. An explicit state DSN wins over a
// state file, which wins over the storage profile defaults.
func (c Config) StateDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Storage.StateDSN); dsn != "" {
		return dsn, nil
	}
	if path := strings.TrimSpace(c.Storage.StateFile); path != "" {
		return "file://" + path, nil
	}
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	switch profile {
	case "", ProfileCustom, ProfileMemory, "inmemory":
		return "memory://", nil
	case ProfileProduction, "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("PULSE_PRODUCTION_DSN or PULSE_POSTGRES_DSN is required when PULSE_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case ProfileDurableLocal, "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "pulse.db"), nil
	default:
		return "", fmt.Errorf("unsupported PULSE_BACKEND_PROFILE: %s", profile)
	}
}

// BuildStateBackend opens the backend named by StateDSN. Durable local
// profiles create the data directory first.
func (c Config) BuildStateBackend() (pulse.StateBackend, error) {
	dsn, err := c.StateDSN()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(dsn, "sqlite://") || strings.HasPrefix(dsn, "file://") {
		path := dsn[strings.Index(dsn, "://")+3:]
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	backend, err := pulse.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return pulse.NewInMemoryStateBackend(), nil
	}
	return backend, nil
}

func stringEnv(name string, target *string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*target = raw
	}
}

func intEnv(logger *log.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(logger *log.Logger, name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(logger *log.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(logger *log.Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *log.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
