package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BrokerEnvPrefix   = "AGTBROKER"
	LauncherEnvPrefix = "AGTLAUNCHER"
)

// Config is the broker configuration. Values not present in the
// environment keep their DefaultConfig value.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR"`
	DBPath     string `envconfig:"DB_PATH"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	LogDev     bool   `envconfig:"LOG_DEV"`

	TmuxBinary         string          `envconfig:"TMUX_BINARY"`
	TmuxSocket         string          `envconfig:"TMUX_SOCKET"`
	DisableMultiplexer bool            `envconfig:"DISABLE_MULTIPLEXER"`
	CommandTimeout     time.Duration   `envconfig:"COMMAND_TIMEOUT"`
	RetryBackoff       []time.Duration `envconfig:"RETRY_BACKOFF"`
	CaptureLines       int             `envconfig:"CAPTURE_LINES"`

	AgentBinary string `envconfig:"AGENT_BINARY"`
	Shell       string `envconfig:"SHELL_PATH"`
	DefaultCols uint16 `envconfig:"DEFAULT_COLS"`
	DefaultRows uint16 `envconfig:"DEFAULT_ROWS"`

	OutputTailBytes     int           `envconfig:"OUTPUT_TAIL_BYTES"`
	FlushInterval       time.Duration `envconfig:"FLUSH_INTERVAL"`
	HealthCheckDelay    time.Duration `envconfig:"HEALTH_CHECK_DELAY"`
	HealthCheckMinBytes int64         `envconfig:"HEALTH_CHECK_MIN_BYTES"`
	HealthCheckPrompts  []string      `envconfig:"HEALTH_CHECK_PROMPTS"`
	IdleAfter           time.Duration `envconfig:"IDLE_AFTER"`
	RecoveryInterval    time.Duration `envconfig:"RECOVERY_INTERVAL"`

	BufferMaxEntries      int           `envconfig:"BUFFER_MAX_ENTRIES"`
	BufferRetainAfterExit time.Duration `envconfig:"BUFFER_RETAIN_AFTER_EXIT"`
	ViewerSendQueue       int           `envconfig:"VIEWER_SEND_QUEUE"`

	LauncherToken            string            `envconfig:"LAUNCHER_TOKEN"`
	LauncherHeartbeatTimeout time.Duration     `envconfig:"LAUNCHER_HEARTBEAT_TIMEOUT"`
	LauncherSweepInterval    time.Duration     `envconfig:"LAUNCHER_SWEEP_INTERVAL"`
	LauncherPreferences      map[string]string `envconfig:"LAUNCHER_PREFERENCES"`

	DispatchSyncURL string `envconfig:"DISPATCH_SYNC_URL"`

	RateLimitRPS     int  `envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst   int  `envconfig:"RATE_LIMIT_BURST"`
	RateLimitEnabled bool `envconfig:"RATE_LIMIT_ENABLED"`
}

// LauncherConfig configures the remote launcher daemon. It embeds the
// session knobs the local supervisor needs.
type LauncherConfig struct {
	Session Config `ignored:"true"`

	BrokerURL         string        `envconfig:"BROKER_URL"`
	ID                string        `envconfig:"ID"`
	Name              string        `envconfig:"NAME"`
	Token             string        `envconfig:"TOKEN"`
	Capacity          int           `envconfig:"CAPACITY"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	ReconnectMin      time.Duration `envconfig:"RECONNECT_MIN"`
	ReconnectMax      time.Duration `envconfig:"RECONNECT_MAX"`
	OutboundQueue     int           `envconfig:"OUTBOUND_QUEUE"`
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:               "127.0.0.1:7421",
		DBPath:                   defaultDBPath(),
		LogLevel:                 "info",
		TmuxBinary:               "tmux",
		TmuxSocket:               "agtbroker",
		CommandTimeout:           5 * time.Second,
		RetryBackoff:             []time.Duration{250 * time.Millisecond, 1 * time.Second},
		CaptureLines:             2000,
		AgentBinary:              "claude",
		Shell:                    defaultShell(),
		DefaultCols:              120,
		DefaultRows:              40,
		OutputTailBytes:          256 * 1024,
		FlushInterval:            10 * time.Second,
		HealthCheckDelay:         45 * time.Second,
		HealthCheckMinBytes:      200,
		HealthCheckPrompts:       []string{"❯", "> ", "? for shortcuts", "Do you trust"},
		IdleAfter:                2 * time.Minute,
		RecoveryInterval:         60 * time.Second,
		BufferMaxEntries:         20000,
		BufferRetainAfterExit:    5 * time.Minute,
		ViewerSendQueue:          256,
		LauncherHeartbeatTimeout: 45 * time.Second,
		LauncherSweepInterval:    10 * time.Second,
		RateLimitRPS:             50,
		RateLimitBurst:           100,
		RateLimitEnabled:         true,
	}
}

func DefaultLauncherConfig() LauncherConfig {
	session := DefaultConfig()
	session.DBPath = ""
	session.TmuxSocket = "agtlauncher"
	return LauncherConfig{
		Session:           session,
		BrokerURL:         "ws://127.0.0.1:7421/v1/launchers/connect",
		Name:              defaultHostname(),
		Capacity:          4,
		HeartbeatInterval: 15 * time.Second,
		ReconnectMin:      1 * time.Second,
		ReconnectMax:      30 * time.Second,
		OutboundQueue:     4096,
		DialTimeout:       10 * time.Second,
	}
}

// Load overlays AGTBROKER_* environment variables on the defaults.
func Load() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(BrokerEnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load broker config: %w", err)
	}
	return cfg, nil
}

// LoadLauncher overlays AGTLAUNCHER_* for the daemon's own settings and
// AGTBROKER_* for the shared session settings.
func LoadLauncher() (LauncherConfig, error) {
	cfg := DefaultLauncherConfig()
	if err := envconfig.Process(BrokerEnvPrefix, &cfg.Session); err != nil {
		return LauncherConfig{}, fmt.Errorf("load launcher session config: %w", err)
	}
	if err := envconfig.Process(LauncherEnvPrefix, &cfg); err != nil {
		return LauncherConfig{}, fmt.Errorf("load launcher config: %w", err)
	}
	return cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agtbroker.db"
	}
	return filepath.Join(home, ".local", "state", "agtbroker", "sessions.db")
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "launcher"
	}
	return h
}
