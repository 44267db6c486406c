package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes from TOML as either a Go duration string ("90s",
// "1h") or a bare integer, which is taken as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		parsed, err := parseDuration(t)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	case int64:
		d.Duration = time.Duration(t) * time.Second
		return nil
	case float64:
		d.Duration = time.Duration(t * float64(time.Second))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func parseDuration(s string) (time.Duration, error) {
	if dur, err := time.ParseDuration(s); err == nil {
		return dur, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

type OrchestratorConfig struct {
	DBURL             string   `toml:"db_url"`
	Listen            string   `toml:"listen"`
	Port              int      `toml:"port"`
	SchedulerInterval Duration `toml:"scheduler_interval"`
	MigrateTimeout    Duration `toml:"migrate_timeout"`
}

// Addr returns the listen address for the orchestrator API.
func (o OrchestratorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Listen, o.Port)
}

type WorkerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	LaunchCommand  string   `toml:"launch_command"`
	StartupTimeout Duration `toml:"startup_timeout"`
}

// Addr returns the listen address for the worker API.
func (w WorkerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// BaseURL returns the worker API base URL as seen from the orchestrator.
func (w WorkerConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", w.Host, w.Port)
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Worker       WorkerConfig       `toml:"worker"`
	Logging      LoggingConfig      `toml:"logging"`
}

func Defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			DBURL:             "postgres://localhost:5432/datamover?sslmode=disable",
			Listen:            "127.0.0.1",
			Port:              8040,
			SchedulerInterval: Duration{5 * time.Second},
			MigrateTimeout:    Duration{3600 * time.Second},
		},
		Worker: WorkerConfig{
			Host:           "127.0.0.1",
			Port:           8041,
			StartupTimeout: Duration{60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".datamover", "config.toml"))
	}
	candidates = append(candidates, "/etc/datamover/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_DB_URL"); v != "" {
		cfg.Orchestrator.DBURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_LISTEN"); v != "" {
		cfg.Orchestrator.Listen = v
	}
	if v := os.Getenv("ORCHESTRATOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.Port = port
		}
	}
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		if dur, err := parseDuration(v); err == nil {
			cfg.Orchestrator.SchedulerInterval = Duration{dur}
		}
	}
	if v := os.Getenv("MIGRATE_HTTP_TIMEOUT"); v != "" {
		if dur, err := parseDuration(v); err == nil {
			cfg.Orchestrator.MigrateTimeout = Duration{dur}
		}
	}
	if v := os.Getenv("WORKER_HOST"); v != "" {
		cfg.Worker.Host = v
	}
	if v := os.Getenv("WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Port = port
		}
	}
	if v := os.Getenv("WORKER_LAUNCH_COMMAND"); v != "" {
		cfg.Worker.LaunchCommand = v
	}
	if v := os.Getenv("WORKER_STARTUP_TIMEOUT"); v != "" {
		if dur, err := parseDuration(v); err == nil {
			cfg.Worker.StartupTimeout = Duration{dur}
		}
	}
	if v := os.Getenv("DATAMOVER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATAMOVER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
