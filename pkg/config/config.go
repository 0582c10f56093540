package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Calls struct {
		SetupTimeout   time.Duration `yaml:"setup_timeout"`
		SetupExtension time.Duration `yaml:"setup_extension"`
		AnsweredGrace  time.Duration `yaml:"answered_grace"`
		ICEServers     []ICEServer   `yaml:"ice_servers"`
	} `yaml:"calls"`

	Monitor struct {
		SampleInterval      time.Duration `yaml:"sample_interval"`
		DisconnectTolerance time.Duration `yaml:"disconnect_tolerance"`
		MaxReconnects       int           `yaml:"max_reconnects"`
		BackoffInitial      time.Duration `yaml:"backoff_initial"`
		BackoffMax          time.Duration `yaml:"backoff_max"`
	} `yaml:"monitor"`

	Degradation struct {
		StepInterval  time.Duration `yaml:"step_interval"`
		RecoveryDwell time.Duration `yaml:"recovery_dwell"`
	} `yaml:"degradation"`

	Discovery struct {
		Enabled          bool          `yaml:"enabled"`
		Port             int           `yaml:"port"`
		AnnounceInterval time.Duration `yaml:"announce_interval"`
		PeerTimeout      time.Duration `yaml:"peer_timeout"`
	} `yaml:"discovery"`

	Relay struct {
		Address           string        `yaml:"address"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		HistoryLimit      int           `yaml:"history_limit"`
		HistoryTTL        time.Duration `yaml:"history_ttl"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		MessageBurst      int           `yaml:"message_burst"`
	} `yaml:"relay"`

	Signaling struct {
		RelayURL          string        `yaml:"relay_url"`
		JWTSecret         string        `yaml:"jwt_secret"`
		TokenTTL          time.Duration `yaml:"token_ttl"`
		CompressBelowKbps int           `yaml:"compress_below_kbps"`
		BatchQuietNormal  time.Duration `yaml:"batch_quiet_normal"`
		BatchQuietLow     time.Duration `yaml:"batch_quiet_low"`
	} `yaml:"signaling"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Calls.SetupTimeout <= 0 {
		return fmt.Errorf("calls.setup_timeout must be > 0")
	}
	if c.Calls.SetupExtension <= 0 {
		return fmt.Errorf("calls.setup_extension must be > 0")
	}
	if c.Calls.AnsweredGrace <= 0 {
		return fmt.Errorf("calls.answered_grace must be > 0")
	}
	if c.Monitor.SampleInterval <= 0 {
		return fmt.Errorf("monitor.sample_interval must be > 0")
	}
	if c.Monitor.DisconnectTolerance <= 0 {
		return fmt.Errorf("monitor.disconnect_tolerance must be > 0")
	}
	if c.Monitor.MaxReconnects < 0 {
		return fmt.Errorf("monitor.max_reconnects must be >= 0")
	}
	if c.Monitor.BackoffInitial <= 0 || c.Monitor.BackoffMax < c.Monitor.BackoffInitial {
		return fmt.Errorf("monitor.backoff_initial must be > 0 and <= monitor.backoff_max")
	}

	if c.Degradation.StepInterval <= 0 {
		return fmt.Errorf("degradation.step_interval must be > 0")
	}
	if c.Degradation.RecoveryDwell <= 0 {
		return fmt.Errorf("degradation.recovery_dwell must be > 0")
	}

	if c.Discovery.Enabled {
		if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
			return fmt.Errorf("discovery.port must be in (0, 65535] when discovery is enabled")
		}
		if c.Discovery.AnnounceInterval <= 0 {
			return fmt.Errorf("discovery.announce_interval must be > 0 when discovery is enabled")
		}
		if c.Discovery.PeerTimeout <= c.Discovery.AnnounceInterval {
			return fmt.Errorf("discovery.peer_timeout must be > discovery.announce_interval")
		}
	}

	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.HistoryLimit <= 0 || c.Relay.HistoryTTL <= 0 {
		return fmt.Errorf("relay history limit and ttl must be > 0")
	}
	if c.Relay.MessagesPerSecond <= 0 || c.Relay.MessageBurst <= 0 {
		return fmt.Errorf("relay message rate limits must be > 0")
	}

	if c.Signaling.CompressBelowKbps < 0 {
		return fmt.Errorf("signaling.compress_below_kbps must be >= 0")
	}
	if c.Signaling.BatchQuietNormal <= 0 || c.Signaling.BatchQuietLow <= 0 {
		return fmt.Errorf("signaling batch quiet periods must be > 0")
	}
	if c.Signaling.TokenTTL <= 0 {
		return fmt.Errorf("signaling.token_ttl must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Calls.SetupTimeout = 15 * time.Second
	cfg.Calls.SetupExtension = 15 * time.Second
	cfg.Calls.AnsweredGrace = 10 * time.Second
	cfg.Calls.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Monitor.SampleInterval = 3 * time.Second
	cfg.Monitor.DisconnectTolerance = 10 * time.Second
	cfg.Monitor.MaxReconnects = 5
	cfg.Monitor.BackoffInitial = 1 * time.Second
	cfg.Monitor.BackoffMax = 10 * time.Second

	cfg.Degradation.StepInterval = 2 * time.Second
	cfg.Degradation.RecoveryDwell = 10 * time.Second

	cfg.Discovery.Enabled = true
	cfg.Discovery.Port = 47200
	cfg.Discovery.AnnounceInterval = 5 * time.Second
	cfg.Discovery.PeerTimeout = 15 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.ReadTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 10 * time.Second
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.HistoryLimit = 200
	cfg.Relay.HistoryTTL = 24 * time.Hour
	cfg.Relay.MessagesPerSecond = 50
	cfg.Relay.MessageBurst = 100

	cfg.Signaling.RelayURL = "ws://localhost:8081/ws"
	cfg.Signaling.JWTSecret = "change-me-in-production"
	cfg.Signaling.TokenTTL = 15 * time.Minute
	cfg.Signaling.CompressBelowKbps = 100
	cfg.Signaling.BatchQuietNormal = 500 * time.Millisecond
	cfg.Signaling.BatchQuietLow = 1000 * time.Millisecond

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CALLKIT_RELAY_URL"); url != "" {
		c.Signaling.RelayURL = url
	}
	if secret := os.Getenv("CALLKIT_JWT_SECRET"); secret != "" {
		c.Signaling.JWTSecret = secret
	}
	if level := os.Getenv("CALLKIT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLKIT_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
