package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              int
	MasterSecret      string
	GinMode           string
	TLSCertFile       string
	TLSKeyFile        string
	TokenExpiry       time.Duration
	SessionsStateFile string
	SweepInterval     time.Duration
	LogLevel          string
	AppEnv            string
}

func (c Config) Development() bool { return c.AppEnv == "development" }

// ClientConfig configures the bridge and console binaries.
type ClientConfig struct {
	ServerURL  string
	Token      string
	SerialPort string
	BaudRate   int
	LogLevel   string
	AppEnv     string
}

func (c ClientConfig) Development() bool { return c.AppEnv == "development" }

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadConfig reads a .env file when present, then the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	return LoadConfigFromEnv(osEnv{})
}

func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()
	return LoadClientConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:          3000,
		GinMode:       "release",
		TokenExpiry:   7 * 24 * time.Hour,
		SweepInterval: time.Hour,
		LogLevel:      "info",
		AppEnv:        "production",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	cfg.SessionsStateFile = env.Getenv("SESSIONS_STATE_FILE")

	if raw := env.Getenv("SWEEP_INTERVAL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return Config{}, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS")
		}
		cfg.SweepInterval = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("APP_ENV"); raw != "" {
		cfg.AppEnv = raw
	}

	return cfg, nil
}

func LoadClientConfigFromEnv(env Env) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL: "http://localhost:3000",
		BaudRate:  115200,
		LogLevel:  "info",
		AppEnv:    "production",
	}

	if raw := env.Getenv("SUPPORT_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	cfg.Token = env.Getenv("SUPPORT_TOKEN")
	cfg.SerialPort = env.Getenv("SERIAL_PORT")

	if raw := env.Getenv("SERIAL_BAUD"); raw != "" {
		baud, err := strconv.Atoi(raw)
		if err != nil || baud <= 0 {
			return ClientConfig{}, fmt.Errorf("invalid SERIAL_BAUD")
		}
		cfg.BaudRate = baud
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("APP_ENV"); raw != "" {
		cfg.AppEnv = raw
	}

	return cfg, nil
}
