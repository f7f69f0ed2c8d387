package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/flowcore/internal/tools"
	"github.com/rendis/flowcore/pkg/schema"
)

// Config holds all flowcore runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string                           `json:"db_path" validate:"required_unless=SnapshotBackend memory"`
	LogLevel          string                           `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string                           `json:"log_format" validate:"oneof=text json"`
	MaxParallelism    int                              `json:"max_parallelism" validate:"gte=0"`
	MaxLoopIterations int                              `json:"max_loop_iterations" validate:"gte=0"`
	EventBuffer       int                              `json:"event_buffer" validate:"gte=0"`
	SnapshotBackend   string                           `json:"snapshot_backend" validate:"oneof=libsql redis memory"`
	RedisAddr         string                           `json:"redis_addr" validate:"required_if=SnapshotBackend redis"`
	AMQPURL           string                           `json:"amqp_url" validate:"omitempty,url"`
	AMQPExchange      string                           `json:"amqp_exchange" validate:"required_with=AMQPURL"`
	MetricsAddr       string                           `json:"metrics_addr"`
	MCPServers        map[string]tools.MCPServerConfig `json:"mcp_servers"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(flowcoreDir(), "flowcore.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		EventBuffer:     256,
		SnapshotBackend: "libsql",
		AMQPExchange:    "flowcore.events",
	}
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func settingsPath() string {
	return filepath.Join(flowcoreDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path and FLOWCORE_* env
// vars, then validates the result. A missing settings file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %s", path, err.Error()).WithCause(err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, schema.NewErrorf(schema.ErrCodeValidation, "read %s: %s", path, err.Error()).WithCause(err)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWCORE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLOWCORE_MAX_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelism = n
		}
	}
	if v := os.Getenv("FLOWCORE_MAX_LOOP_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxLoopIterations = n
		}
	}
	if v := os.Getenv("FLOWCORE_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventBuffer = n
		}
	}
	if v := os.Getenv("FLOWCORE_SNAPSHOT_BACKEND"); v != "" {
		cfg.SnapshotBackend = v
	}
	if v := os.Getenv("FLOWCORE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FLOWCORE_AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("FLOWCORE_AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = v
	}
	if v := os.Getenv("FLOWCORE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg, cfg.Validate()
}

// Validate checks field constraints.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %s", verrs[0].Error()).
				WithDetails(details)
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %s", err.Error()).WithCause(err)
	}
	return nil
}
