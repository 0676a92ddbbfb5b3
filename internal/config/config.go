package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	LinkSessionTTL time.Duration
	LinkCodeBase   string

	StoreDriver StoreDriver
	DatabaseURL string
	StateFile   string

	SweepInterval     time.Duration
	TerminalRetention time.Duration

	CreateRateLimit  int
	CreateRateWindow time.Duration

	LogLevel  string
	LogFormat string
}

type Env interface {
	Getenv(key string) string
}

// viperEnv reads keys from the process environment, falling back to a
// .env file in the working directory.
type viperEnv struct {
	v *viper.Viper
}

func (e viperEnv) Getenv(key string) string { return e.v.GetString(key) }

func newViperEnv(dotenv string) viperEnv {
	v := viper.New()
	v.SetConfigFile(dotenv)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine
	v.AutomaticEnv()
	return viperEnv{v: v}
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(newViperEnv(".env"))
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              3000,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		LinkSessionTTL:    5 * time.Minute,
		LinkCodeBase:      "devicelink://link",
		StoreDriver:       StoreMemory,
		SweepInterval:     time.Minute,
		TerminalRetention: time.Hour,
		CreateRateLimit:   10,
		CreateRateWindow:  time.Minute,
		LogLevel:          "info",
		LogFormat:         "json",
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

	var err error
	if cfg.LinkSessionTTL, err = positiveDuration(env, "LINK_SESSION_TTL", cfg.LinkSessionTTL); err != nil {
		return Config{}, err
	}
	if raw := env.Getenv("LINK_CODE_BASE_URL"); raw != "" {
		cfg.LinkCodeBase = raw
	}

	if raw := env.Getenv("STORE_DRIVER"); raw != "" {
		cfg.StoreDriver = StoreDriver(strings.ToLower(raw))
	}
	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	cfg.StateFile = env.Getenv("STATE_FILE")
	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", cfg.StoreDriver)
		}
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.SweepInterval, err = positiveDuration(env, "SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.TerminalRetention, err = positiveDuration(env, "TERMINAL_RETENTION", cfg.TerminalRetention); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("CREATE_RATE_LIMIT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return Config{}, fmt.Errorf("invalid CREATE_RATE_LIMIT")
		}
		cfg.CreateRateLimit = limit
	}
	if cfg.CreateRateWindow, err = positiveDuration(env, "CREATE_RATE_WINDOW", cfg.CreateRateWindow); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		switch strings.ToLower(raw) {
		case "json", "text":
			cfg.LogFormat = strings.ToLower(raw)
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT %q", raw)
		}
	}

	return cfg, nil
}

func positiveDuration(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
