// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/andresuchdata/bipsync/internal/domain"
	"github.com/andresuchdata/bipsync/internal/storage"
)

type Config struct {
	Log      LogConfig
	Storage  StorageConfig
	Transfer TransferConfig
	Metrics  MetricsConfig
	Sources  []domain.Source
}

type LogConfig struct {
	Level string
	File  string
}

type StorageConfig struct {
	Driver             string
	GCSCredentialsPath string
	S3                 storage.S3Config
}

type TransferConfig struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	ParallelSources  int
	FileWorkers      int
	MinRSABits       int
	Collision        domain.CollisionPolicy
}

type MetricsConfig struct {
	PushgatewayURL string
	Job            string
}

// Options returns the per-source transfer options.
func (t TransferConfig) Options() domain.TransferOptions {
	return domain.TransferOptions{
		ConnectTimeout:   t.ConnectTimeout,
		OperationTimeout: t.OperationTimeout,
		FileWorkers:      t.FileWorkers,
	}
}

// StorageOptions returns the storage driver options for one source.
func (c *Config) StorageOptions(dest domain.DestinationConfig) storage.Options {
	return storage.Options{
		Driver:          c.Storage.Driver,
		CredentialsPath: dest.CredentialsPath,
		S3:              c.Storage.S3,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "app.log")
	v.SetDefault("STORAGE_DRIVER", storage.DriverGCS)
	v.SetDefault("GCS_CREDENTIALS_PATH", "")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("CONNECT_TIMEOUT", "30s")
	v.SetDefault("OPERATION_TIMEOUT", "10m")
	v.SetDefault("PARALLEL_SOURCES", 1)
	v.SetDefault("FILE_WORKERS", 1)
	v.SetDefault("MIN_RSA_BITS", domain.DefaultMinRSABits)
	v.SetDefault("SENT_COLLISION_POLICY", string(domain.CollisionVersion))
	v.SetDefault("METRICS_PUSHGATEWAY_URL", "")
	v.SetDefault("METRICS_JOB", "bipsync")
	v.SetDefault("SOURCE_NAMES", "")
}

// Load reads envFile (if present) and configFile (if set) and resolves every
// configured source. Values from the process environment win over both files.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config out of an already populated viper instance.
// Global settings that are invalid fail the whole config; per-source problems
// are carried in Source.Err.
func FromViper(v *viper.Viper) (*Config, error) {
	collision, ok := domain.ParseCollisionPolicy(v.GetString("SENT_COLLISION_POLICY"))
	if !ok {
		return nil, fmt.Errorf("unknown SENT_COLLISION_POLICY %q: %w",
			v.GetString("SENT_COLLISION_POLICY"), domain.ErrConfiguration)
	}

	cfg := &Config{
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
			File:  v.GetString("LOG_FILE"),
		},
		Storage: StorageConfig{
			Driver:             strings.ToLower(v.GetString("STORAGE_DRIVER")),
			GCSCredentialsPath: expandHome(v.GetString("GCS_CREDENTIALS_PATH")),
			S3: storage.S3Config{
				Endpoint:  v.GetString("S3_ENDPOINT"),
				AccessKey: v.GetString("S3_ACCESS_KEY"),
				SecretKey: v.GetString("S3_SECRET_KEY"),
				Region:    v.GetString("S3_REGION"),
				UseSSL:    v.GetBool("S3_USE_SSL"),
			},
		},
		Transfer: TransferConfig{
			ConnectTimeout:   v.GetDuration("CONNECT_TIMEOUT"),
			OperationTimeout: v.GetDuration("OPERATION_TIMEOUT"),
			ParallelSources:  v.GetInt("PARALLEL_SOURCES"),
			FileWorkers:      v.GetInt("FILE_WORKERS"),
			MinRSABits:       v.GetInt("MIN_RSA_BITS"),
			Collision:        collision,
		},
		Metrics: MetricsConfig{
			PushgatewayURL: v.GetString("METRICS_PUSHGATEWAY_URL"),
			Job:            v.GetString("METRICS_JOB"),
		},
	}

	if cfg.Storage.Driver != storage.DriverGCS && cfg.Storage.Driver != storage.DriverS3 {
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q: %w", cfg.Storage.Driver, domain.ErrConfiguration)
	}

	names := sourceNames(v)
	if len(names) == 0 {
		return nil, fmt.Errorf("no sources configured (set SOURCE_NAMES): %w", domain.ErrConfiguration)
	}

	// A source that cannot be resolved is kept with its error so the run still
	// attempts every other source.
	for _, name := range names {
		src, err := ResolveSource(name, newViperSecrets(v, name), cfg)
		if err != nil {
			src = domain.Source{Name: name, Err: err}
		}
		cfg.Sources = append(cfg.Sources, src)
	}

	return cfg, nil
}

// sourceNames returns the configured sources, from SOURCE_NAMES first and then
// from the keys of a "sources" table in the config file.
func sourceNames(v *viper.Viper) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		seen[strings.ToLower(name)] = true
		names = append(names, name)
	}

	for _, name := range strings.Split(v.GetString("SOURCE_NAMES"), ",") {
		add(name)
	}
	var declared []string
	for name := range v.GetStringMap("sources") {
		declared = append(declared, name)
	}
	sort.Strings(declared)
	for _, name := range declared {
		add(name)
	}
	return names
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
