package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"quotawarden/internal/opstore"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Engine struct {
		DBPath       string        `yaml:"db_path"`
		LockPath     string        `yaml:"lock_path"`
		StopCommand  []string      `yaml:"stop_command"`
		StartCommand []string      `yaml:"start_command"`
		StopSettle   time.Duration `yaml:"stop_settle"`
		StartSettle  time.Duration `yaml:"start_settle"`
		BusyTimeout  time.Duration `yaml:"busy_timeout"`
		ResetMode    string        `yaml:"reset_mode"`
	} `yaml:"engine"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL     string        `yaml:"url"`
		LockKey string        `yaml:"lock_key"`
		LockTTL time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`
	Enforcement struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"enforcement"`
	Billing struct {
		CycleDays int    `yaml:"cycle_days"`
		Location  string `yaml:"location"`
	} `yaml:"billing"`
	Policy struct {
		Path string `yaml:"path"`
	} `yaml:"policy"`
	Cache struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
	ObjectStore struct {
		URL       string `yaml:"url"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"object_store"`
	Security struct {
		APIKey       string   `yaml:"api_key"`
		AllowOrigins []string `yaml:"allow_origins"`
		RateLimit    float64  `yaml:"rate_limit"`
		RateBurst    int      `yaml:"rate_burst"`
	} `yaml:"security"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8888"
	cfg.Engine.DBPath = "/etc/x-ui/x-ui.db"
	cfg.Engine.StopCommand = []string{"/usr/bin/systemctl", "stop", "x-ui"}
	cfg.Engine.StartCommand = []string{"/usr/bin/systemctl", "start", "x-ui"}
	cfg.Engine.StopSettle = 2 * time.Second
	cfg.Engine.StartSettle = 3 * time.Second
	cfg.Engine.BusyTimeout = 5 * time.Second
	cfg.Engine.ResetMode = "zero"
	cfg.Database.DSN = "quotawarden.db"
	cfg.Redis.LockKey = "quotawarden:engine-lock"
	cfg.Redis.LockTTL = 2 * time.Minute
	cfg.Enforcement.Enabled = true
	cfg.Enforcement.Interval = 10 * time.Second
	cfg.Billing.CycleDays = 30
	cfg.Billing.Location = "Local"
	cfg.Cache.TTL = 5 * time.Second
	cfg.Security.RateLimit = 10
	cfg.Security.RateBurst = 20
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads a YAML or TOML file (picked by extension) over the defaults and
// then applies QW_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := decode(path, data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		// TOML goes through the YAML decoder so unset keys keep their defaults.
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
		data, err = yaml.Marshal(tree.ToMap())
		if err != nil {
			return fmt.Errorf("convert toml config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.Engine.DBPath == "" {
		return errors.New("missing engine.db_path (or QW_ENGINE_DB_PATH)")
	}
	if len(c.Engine.StopCommand) == 0 || len(c.Engine.StartCommand) == 0 {
		return errors.New("engine stop_command and start_command are required")
	}
	if c.Database.DSN == "" {
		return errors.New("missing database.dsn (or QW_DB_DSN)")
	}
	if c.Enforcement.Interval <= 0 {
		return errors.New("enforcement.interval must be positive")
	}
	if c.Billing.CycleDays <= 0 {
		return errors.New("billing.cycle_days must be positive")
	}
	if _, err := opstore.ParseResetMode(c.Engine.ResetMode); err != nil {
		return err
	}
	return nil
}

// TimeLocation resolves Billing.Location; "Local" and "" mean the host zone.
func (c Config) TimeLocation() (*time.Location, error) {
	switch c.Billing.Location {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Billing.Location)
	}
}

// EngineLockPath is the host-local lock file used when redis is not
// configured. It defaults to the engine database path plus ".lock".
func (c Config) EngineLockPath() string {
	if c.Engine.LockPath != "" {
		return c.Engine.LockPath
	}
	return c.Engine.DBPath + ".lock"
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("QW_ENGINE_DB_PATH"); v != "" {
		cfg.Engine.DBPath = v
	}
	if v := os.Getenv("QW_ENGINE_LOCK_PATH"); v != "" {
		cfg.Engine.LockPath = v
	}
	if v := os.Getenv("QW_ENGINE_STOP_COMMAND"); v != "" {
		cfg.Engine.StopCommand = strings.Fields(v)
	}
	if v := os.Getenv("QW_ENGINE_START_COMMAND"); v != "" {
		cfg.Engine.StartCommand = strings.Fields(v)
	}
	if v := os.Getenv("QW_ENGINE_STOP_SETTLE"); v != "" {
		cfg.Engine.StopSettle = parseDuration(v, cfg.Engine.StopSettle)
	}
	if v := os.Getenv("QW_ENGINE_START_SETTLE"); v != "" {
		cfg.Engine.StartSettle = parseDuration(v, cfg.Engine.StartSettle)
	}
	if v := os.Getenv("QW_ENGINE_RESET_MODE"); v != "" {
		cfg.Engine.ResetMode = v
	}
	if v := os.Getenv("QW_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("QW_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("QW_REDIS_LOCK_KEY"); v != "" {
		cfg.Redis.LockKey = v
	}
	if v := os.Getenv("QW_ENFORCEMENT_ENABLED"); v != "" {
		cfg.Enforcement.Enabled = parseBool(v, cfg.Enforcement.Enabled)
	}
	if v := os.Getenv("QW_ENFORCEMENT_INTERVAL"); v != "" {
		cfg.Enforcement.Interval = parseDuration(v, cfg.Enforcement.Interval)
	}
	if v := os.Getenv("QW_BILLING_CYCLE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Billing.CycleDays = n
		}
	}
	if v := os.Getenv("QW_BILLING_LOCATION"); v != "" {
		cfg.Billing.Location = v
	}
	if v := os.Getenv("QW_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := os.Getenv("QW_CACHE_TTL"); v != "" {
		cfg.Cache.TTL = parseDuration(v, cfg.Cache.TTL)
	}
	if v := os.Getenv("QW_OBJECT_STORE_URL"); v != "" {
		cfg.ObjectStore.URL = v
	}
	if v := os.Getenv("QW_OBJECT_STORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("QW_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("QW_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("QW_OBJECT_STORE_USE_SSL"); v != "" {
		cfg.ObjectStore.UseSSL = parseBool(v, cfg.ObjectStore.UseSSL)
	}
	if v := os.Getenv("QW_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("QW_ALLOW_ORIGINS"); v != "" {
		cfg.Security.AllowOrigins = splitCSV(v)
	}
	if v := os.Getenv("QW_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Security.RateLimit = f
		}
	}
	if v := os.Getenv("QW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("QW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseDuration(input string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(input))
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
