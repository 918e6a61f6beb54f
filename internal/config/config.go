package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers understood by the repository package.
const (
	DriverSupabase = "supabase"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Roles passed to Validate.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// ErrMissingCredential is returned by Validate when a required credential is not set.
var ErrMissingCredential = errors.New("missing required credential")

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "json" or "console"
	} `yaml:"log"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"` // Empty disables bearer auth
	} `yaml:"auth"`
	Database struct {
		Driver         string `yaml:"driver"`
		SupabaseURL    string `yaml:"supabase_url"`
		ServiceRoleKey string `yaml:"service_role_key"`
		URL            string `yaml:"url"` // Postgres DSN or sqlite path
	} `yaml:"database"`
	Model struct {
		ServerURL          string        `yaml:"server_url"`
		Name               string        `yaml:"name"`
		Version            string        `yaml:"version"`
		SecondaryServerURL string        `yaml:"secondary_server_url"`
		SecondaryName      string        `yaml:"secondary_name"`
		SecondaryVersion   string        `yaml:"secondary_version"`
		Token              string        `yaml:"token"`
		MaxLength          int           `yaml:"max_length"`
		CascadeTrigger     string        `yaml:"cascade_trigger"`
		Timeout            time.Duration `yaml:"timeout"`
		MaxRetries         int           `yaml:"max_retries"`
		RequestsPerSecond  float64       `yaml:"requests_per_second"`
	} `yaml:"model"`
	Worker struct {
		BatchSize      int     `yaml:"batch_size"`
		SleepSeconds   float64 `yaml:"sleep_seconds"`
		MinWords       int     `yaml:"min_words"`
		Upsert         bool    `yaml:"upsert"`
		StoreInputText bool    `yaml:"store_input_text"`
		MaxErrorLength int     `yaml:"max_error_length"`
		MetricsPort    string  `yaml:"metrics_port"`
	} `yaml:"worker"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "5000"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Database.Driver = DriverSupabase
	cfg.Model.ServerURL = "http://localhost:8080"
	cfg.Model.Name = "emngarcia/deberta_mh_benign_worrisome"
	cfg.Model.Version = "hackathon-v1"
	cfg.Model.SecondaryVersion = "hackathon-v1"
	cfg.Model.MaxLength = 256
	cfg.Model.CascadeTrigger = "worrisome"
	cfg.Model.Timeout = 30 * time.Second
	cfg.Model.MaxRetries = 2
	cfg.Worker.BatchSize = 5
	cfg.Worker.SleepSeconds = 1.0
	cfg.Worker.MinWords = 5
	cfg.Worker.Upsert = true
	cfg.Worker.MaxErrorLength = 500
	cfg.Worker.MetricsPort = "9100"
	return cfg
}

// LoadDotEnv loads variables from .env files into the process environment.
// Variables that are already set win; a missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads configuration from the specified YAML file and applies
// environment overrides. A missing file leaves the defaults in place.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		file, err := os.Open(configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		default:
			defer file.Close()
			decoder := yaml.NewDecoder(file)
			if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	// Secrets in the YAML file may reference the environment, e.g. ${SUPABASE_SERVICE_ROLE_KEY}
	config.Database.SupabaseURL = os.ExpandEnv(config.Database.SupabaseURL)
	config.Database.ServiceRoleKey = os.ExpandEnv(config.Database.ServiceRoleKey)
	config.Database.URL = os.ExpandEnv(config.Database.URL)
	config.Model.Token = os.ExpandEnv(config.Model.Token)
	config.Auth.JWTSecret = os.ExpandEnv(config.Auth.JWTSecret)

	return config, nil
}

func (c *Config) applyEnv() error {
	envString("PORT", &c.Server.Port)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("JWT_SECRET", &c.Auth.JWTSecret)

	envString("DATABASE_DRIVER", &c.Database.Driver)
	envString("SUPABASE_URL", &c.Database.SupabaseURL)
	envString("SUPABASE_SERVICE_ROLE_KEY", &c.Database.ServiceRoleKey)
	envString("DATABASE_URL", &c.Database.URL)

	envString("MODEL_SERVER_URL", &c.Model.ServerURL)
	envString("HF_MODEL", &c.Model.Name)
	envString("MODEL_VERSION", &c.Model.Version)
	envString("MODEL2_SERVER_URL", &c.Model.SecondaryServerURL)
	envString("HF_MODEL2", &c.Model.SecondaryName)
	envString("MODEL_VERSION2", &c.Model.SecondaryVersion)
	envString("HF_TOKEN", &c.Model.Token)
	envString("CASCADE_TRIGGER", &c.Model.CascadeTrigger)
	envString("METRICS_PORT", &c.Worker.MetricsPort)

	return errors.Join(
		envInt("MAX_LEN", &c.Model.MaxLength),
		envDuration("MODEL_TIMEOUT", &c.Model.Timeout),
		envInt("MODEL_MAX_RETRIES", &c.Model.MaxRetries),
		envFloat("MODEL_RPS", &c.Model.RequestsPerSecond),
		envInt("BATCH_SIZE", &c.Worker.BatchSize),
		envFloat("SLEEP_SECONDS", &c.Worker.SleepSeconds),
		envInt("MIN_WORDS", &c.Worker.MinWords),
		envBool("PREDICTION_UPSERT", &c.Worker.Upsert),
		envBool("STORE_INPUT_TEXT", &c.Worker.StoreInputText),
		envInt("MAX_ERROR_LEN", &c.Worker.MaxErrorLength),
	)
}

// Validate checks that everything the given role needs is present.
func (c *Config) Validate(role string) error {
	if role != RoleWorker {
		return nil
	}

	switch c.Database.Driver {
	case DriverSupabase:
		if c.Database.SupabaseURL == "" {
			return fmt.Errorf("%w: SUPABASE_URL", ErrMissingCredential)
		}
		if c.Database.ServiceRoleKey == "" {
			return fmt.Errorf("%w: SUPABASE_SERVICE_ROLE_KEY", ErrMissingCredential)
		}
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: DATABASE_URL", ErrMissingCredential)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Model.ServerURL == "" {
		return fmt.Errorf("model server url is required")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Model.MaxLength <= 0 {
		return fmt.Errorf("max length must be positive, got %d", c.Model.MaxLength)
	}
	if c.Worker.SleepSeconds <= 0 {
		return fmt.Errorf("sleep seconds must be positive, got %v", c.Worker.SleepSeconds)
	}
	if c.Worker.MinWords < 0 {
		return fmt.Errorf("min words must not be negative, got %d", c.Worker.MinWords)
	}
	return nil
}

// SleepInterval is the idle poll delay as a duration.
func (c *Config) SleepInterval() time.Duration {
	return time.Duration(c.Worker.SleepSeconds * float64(time.Second))
}

// CascadeEnabled reports whether a second-stage model is configured.
func (c *Config) CascadeEnabled() bool {
	return c.Model.SecondaryName != ""
}

// SecondaryURL returns the server for the second model, defaulting to the primary one.
func (c *Config) SecondaryURL() string {
	if c.Model.SecondaryServerURL != "" {
		return c.Model.SecondaryServerURL
	}
	return c.Model.ServerURL
}

// ---------------------------------------------------------------------------
// Env helpers
// ---------------------------------------------------------------------------

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = i
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

// envDuration accepts Go durations ("30s") or a plain number of seconds.
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = time.Duration(secs * float64(time.Second))
	return nil
}
