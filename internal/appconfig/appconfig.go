// Package appconfig holds process-level configuration read from the
// environment: listen address, log level, OTel toggle, and the path to the
// orchestrator configuration document. Grounded on the teacher's
// internal/app/config.go getEnv*/Validate pattern.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the gradeforge process configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	OrchestratorConfigPath string

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	CORSOrigins []string

	AdminToken string // required for admin-protected endpoints, if any
}

// Load reads the process configuration from the environment, applying the
// teacher-style GRADEFORGE_* defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:             getEnv("GRADEFORGE_LISTEN_ADDR", ":8080"),
		LogLevel:                getEnv("GRADEFORGE_LOG_LEVEL", "info"),
		OrchestratorConfigPath:  getEnv("GRADEFORGE_ORCHESTRATOR_CONFIG", "orchestrator.json"),
		OTelEnabled:             getEnvBool("GRADEFORGE_OTEL_ENABLED", false),
		OTelEndpoint:            getEnv("GRADEFORGE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName:         getEnv("GRADEFORGE_OTEL_SERVICE_NAME", "gradeforge-orchestrator"),
		CORSOrigins:             getEnvStringSlice("GRADEFORGE_CORS_ORIGINS", nil),
		AdminToken:              getEnv("GRADEFORGE_ADMIN_TOKEN", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("GRADEFORGE_LISTEN_ADDR must not be empty")
	}
	if c.OrchestratorConfigPath == "" {
		return fmt.Errorf("GRADEFORGE_ORCHESTRATOR_CONFIG must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("GRADEFORGE_LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
