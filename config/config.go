package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. JOBWATCH_SERVER_PORT.
const EnvPrefix = "JOBWATCH"

type ctxKey struct{}

var (
	config *Config
	path   string
	mu     sync.RWMutex
	v      *viper.Viper
)

// Config represents the configuration implementation.
type Config struct {
	AppName  string
	RunMode  string
	Host     string
	Port     int
	Logger   *Logger
	Data     *Data
	Queue    *Queue
	Status   *Status
	Realtime *Realtime
	Worker   *Worker
	Observes *Observes
	Viper    *viper.Viper
}

func newViper() *viper.Viper {
	nv := viper.New()
	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
	return nv
}

// SetPath sets the configuration file used by Init and Reload.
func SetPath(p string) {
	mu.Lock()
	defer mu.Unlock()
	path = p
}

// Init loads the configuration from the configured path and sets it globally.
func Init() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	config = cfg
	v = cfg.Viper
	return cfg, nil
}

// GetConfig returns the loaded configuration, loading it on first use.
func GetConfig() (*Config, error) {
	mu.RLock()
	cfg := config
	mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}
	cfg, err := Init()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config: %w", err)
	}
	return cfg, nil
}

// BindConfigToContext binds the configuration to the context.
func BindConfigToContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext returns the configuration bound to ctx, if any.
func FromContext(ctx context.Context) (*Config, bool) {
	cfg, ok := ctx.Value(ctxKey{}).(*Config)
	return cfg, ok
}

// LoadConfig loads the configuration from the file without touching the
// global state. An empty path searches the default locations; when no file
// is found there, defaults and environment variables still apply.
func LoadConfig(configPath string) (*Config, error) {
	return load(configPath)
}

func load(configPath string) (*Config, error) {
	nv := newViper()
	if configPath != "" {
		nv.SetConfigFile(configPath)
		if err := nv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		nv.SetConfigName("config")
		nv.AddConfigPath("/etc/jobwatch")
		nv.AddConfigPath("$HOME/.jobwatch")
		nv.AddConfigPath(".")
		if ex, err := os.Executable(); err == nil {
			nv.AddConfigPath(filepath.Dir(ex))
		}
		if err := nv.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return fromViper(nv), nil
}

func fromViper(nv *viper.Viper) *Config {
	return &Config{
		AppName:  getStringOrDefault(nv, "app_name", "jobwatch"),
		RunMode:  getStringOrDefault(nv, "run_mode", "debug"),
		Host:     getStringOrDefault(nv, "server.host", "0.0.0.0"),
		Port:     getIntOrDefault(nv, "server.port", 3000),
		Logger:   getLoggerConfig(nv),
		Data:     getDataConfig(nv),
		Queue:    getQueueConfig(nv),
		Status:   getStatusConfig(nv),
		Realtime: getRealtimeConfig(nv),
		Worker:   getWorkerConfig(nv),
		Observes: getObservesConfig(nv),
		Viper:    nv,
	}
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Reload reloads the configuration from the file.
func Reload() error {
	mu.Lock()
	defer mu.Unlock()

	newConfig, err := load(path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	config = newConfig
	v = newConfig.Viper
	return nil
}

// Watch watches the configuration file and reloads it when it changes.
func Watch(callback func(*Config)) {
	mu.RLock()
	nv := v
	mu.RUnlock()
	if nv == nil || nv.ConfigFileUsed() == "" {
		return
	}

	nv.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := Reload(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reloading config: %v\n", err)
			return
		}
		mu.RLock()
		cfg := config
		mu.RUnlock()
		callback(cfg)
	})
	nv.WatchConfig()
}
