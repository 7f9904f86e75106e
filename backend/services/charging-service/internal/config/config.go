package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "chargeflow/backend/libs/config"
)

// Ledger drivers.
const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config defines charging service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"CHARGING_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN     string `yaml:"dsn" env:"CHARGING_POSTGRES_DSN"`
		Migrate bool   `yaml:"migrate" env:"CHARGING_POSTGRES_MIGRATE"`
	} `yaml:"database"`
	Ledger struct {
		Driver string `yaml:"driver" env:"CHARGING_LEDGER_DRIVER"`
	} `yaml:"ledger"`
	Redis struct {
		Addr       string        `yaml:"addr" env:"CHARGING_REDIS_ADDR"`
		Password   string        `yaml:"password" env:"CHARGING_REDIS_PASSWORD"`
		DB         int           `yaml:"db" env:"CHARGING_REDIS_DB"`
		TTL        time.Duration `yaml:"ttl" env:"CHARGING_REDIS_TTL"`
		StartGuard time.Duration `yaml:"startGuard" env:"CHARGING_REDIS_START_GUARD"`
	} `yaml:"redis"`
	MQTT struct {
		BrokerURL          string        `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
		ClientID           string        `yaml:"clientId" env:"MQTT_CLIENT_ID"`
		Username           string        `yaml:"username" env:"MQTT_USERNAME"`
		Password           string        `yaml:"password" env:"MQTT_PASSWORD"`
		KeepAlive          uint16        `yaml:"keepAlive" env:"MQTT_KEEP_ALIVE"`
		ReconnectPeriod    time.Duration `yaml:"reconnectPeriod" env:"MQTT_RECONNECT_PERIOD"`
		MaxReconnectPeriod time.Duration `yaml:"maxReconnectPeriod" env:"MQTT_MAX_RECONNECT_PERIOD"`
		ConnectTimeout     time.Duration `yaml:"connectTimeout" env:"MQTT_CONNECT_TIMEOUT"`
		InsecureSkipVerify bool          `yaml:"insecureSkipVerify" env:"MQTT_INSECURE_SKIP_VERIFY"`
	} `yaml:"mqtt"`
	Topics struct {
		Voltage      string `yaml:"voltage" env:"TOPIC_VOLTAGE"`
		Current      string `yaml:"current" env:"TOPIC_CURRENT"`
		Status       string `yaml:"status" env:"TOPIC_STATUS"`
		RelayControl string `yaml:"relayControl" env:"TOPIC_RELAY_CONTROL"`
	} `yaml:"topics"`
	Telemetry struct {
		StaleAfter time.Duration `yaml:"staleAfter" env:"TELEMETRY_STALE_AFTER"`
	} `yaml:"telemetry"`
	Relay struct {
		RetryDelay  time.Duration `yaml:"retryDelay" env:"RELAY_RETRY_DELAY"`
		MaxAttempts int           `yaml:"maxAttempts" env:"RELAY_MAX_ATTEMPTS"`
	} `yaml:"relay"`
	Metering struct {
		TariffPerKWh float64       `yaml:"tariffPerKwh" env:"FIXED_RATE_PER_KWH"`
		TickInterval time.Duration `yaml:"tickInterval" env:"METERING_TICK_INTERVAL"`
		Mode         string        `yaml:"mode" env:"METERING_MODE"`
	} `yaml:"metering"`
	Sessions struct {
		PersistAttempts int           `yaml:"persistAttempts" env:"SESSIONS_PERSIST_ATTEMPTS"`
		RetryDelay      time.Duration `yaml:"retryDelay" env:"SESSIONS_RETRY_DELAY"`
		StopTimeout     time.Duration `yaml:"stopTimeout" env:"SESSIONS_STOP_TIMEOUT"`
		ResumeOnStart   bool          `yaml:"resumeOnStart" env:"SESSIONS_RESUME_ON_START"`
		Timezone        string        `yaml:"timezone" env:"SESSIONS_TIMEZONE"`
	} `yaml:"sessions"`
	Auth struct {
		JWTSecret string        `yaml:"jwtSecret" env:"JWT_SECRET"`
		TokenTTL  time.Duration `yaml:"tokenTtl" env:"JWT_TOKEN_TTL"`
	} `yaml:"auth"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8085"
	cfg.Database.Migrate = true
	cfg.Ledger.Driver = LedgerPostgres
	cfg.Redis.TTL = 24 * time.Hour
	cfg.Redis.StartGuard = 30 * time.Second
	cfg.MQTT.KeepAlive = 30
	cfg.MQTT.ReconnectPeriod = time.Second
	cfg.MQTT.MaxReconnectPeriod = time.Minute
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.Topics.Voltage = "device/voltage"
	cfg.Topics.Current = "device/current"
	cfg.Topics.Status = "ev/device/{deviceId}/status"
	cfg.Topics.RelayControl = "device/relayControl"
	cfg.Telemetry.StaleAfter = 30 * time.Second
	cfg.Relay.RetryDelay = time.Second
	cfg.Relay.MaxAttempts = 5
	cfg.Metering.TariffPerKWh = 20
	cfg.Metering.TickInterval = 5 * time.Second
	cfg.Metering.Mode = "delta"
	cfg.Sessions.PersistAttempts = 3
	cfg.Sessions.RetryDelay = 500 * time.Millisecond
	cfg.Sessions.StopTimeout = 30 * time.Second
	cfg.Sessions.ResumeOnStart = true
	cfg.Sessions.Timezone = "UTC"
	cfg.Auth.TokenTTL = time.Hour
	return cfg
}

// Load reads configuration via shared helper. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	var err error
	if strings.TrimSpace(path) == "" {
		err = libconfig.LoadConfig(cfg)
	} else {
		err = libconfig.LoadConfigFile(path, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case LedgerPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn required for postgres ledger")
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("config: unknown ledger driver %q", c.Ledger.Driver)
	}
	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		return errors.New("config: mqtt broker url required")
	}
	if c.Metering.TariffPerKWh <= 0 {
		return errors.New("config: tariff per kWh must be positive")
	}
	if c.Relay.MaxAttempts <= 0 {
		return errors.New("config: relay max attempts must be positive")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: jwt secret required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8085"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// Location returns the timezone used for session start dates.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Sessions.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", name, err)
	}
	return loc, nil
}

// RedisEnabled reports whether the active session cache is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
