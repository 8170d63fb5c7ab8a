package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
)

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// getBuildVersion extracts version info from Go's embedded build info.
// Returns git short hash + "-dirty" suffix if uncommitted changes, or "unknown" if unavailable.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		return "unknown"
	}

	// Use short hash (8 chars)
	if len(revision) > 8 {
		revision = revision[:8]
	}
	if dirty {
		revision += "-dirty"
	}
	return revision
}

type Config struct {
	ModuleRoot       string // Directory containing one subdirectory per module
	LiveRoot         string // Filesystem root the assembled view is grafted onto
	TmpRoot          string // Parent directory for the scaffold tmpfs
	MountSourceLabel string // Source label for the scaffold tmpfs mount (cosmetic, shows in /proc/mounts)
	ExtraParts       []string // Extra top-level partitions to promote out of /system

	// Status surface configuration
	StatusAddr string // Listen address for the status HTTP endpoint (empty = disabled)

	// Run budget
	RunTimeout int // Wall-clock budget for one assembly pass in seconds (0 = none)

	// OpenTelemetry configuration
	OtelEnabled           bool   // Enable OpenTelemetry
	OtelEndpoint          string // OTLP endpoint (gRPC)
	OtelServiceName       string // Service name for tracing
	OtelServiceInstanceID string // Service instance ID (default: hostname)
	OtelInsecure          bool   // Disable TLS for OTLP
	Version               string // Application version for telemetry
	Env                   string // Deployment environment (e.g., dev, staging, prod)

	// Logging configuration
	LogLevel string // Default log level (debug, info, warn, error)
}

// fileConfig is the YAML document layer. It carries the structured settings
// a flat env var can't express well (the extra-partitions list) plus
// optional overrides for the scalar settings. Field tags are json because
// the YAML layer round-trips through json struct tags.
type fileConfig struct {
	ModuleRoot      string   `json:"module_root,omitempty"`
	LiveRoot        string   `json:"live_root,omitempty"`
	TmpRoot         string   `json:"tmp_root,omitempty"`
	MountSource     string   `json:"mount_source,omitempty"`
	ExtraPartitions []string `json:"extra_partitions,omitempty"`
	StatusAddr      string   `json:"status_addr,omitempty"`
}

// loadFile parses the YAML config document at path. A missing file is not
// an error, just an empty layer; a malformed one is reported so a typo
// doesn't silently drop the extra-partitions list.
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// Load loads configuration from the YAML config file and environment
// variables, env taking precedence over file values over built-in defaults.
// Automatically loads .env file if present.
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	fc, err := loadFile(getEnv("CONFIG_FILE", "/data/adb/overlayd.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cfg := &Config{
		ModuleRoot:       getEnv("MODULE_ROOT", fallback(fc.ModuleRoot, "/data/adb/modules")),
		LiveRoot:         getEnv("LIVE_ROOT", fallback(fc.LiveRoot, "/")),
		TmpRoot:          getEnv("TMP_ROOT", fallback(fc.TmpRoot, "/debug_ramdisk")),
		MountSourceLabel: getEnv("MOUNT_SOURCE", fallback(fc.MountSource, "overlayd")),
		ExtraParts:       fc.ExtraPartitions,

		StatusAddr: getEnv("STATUS_ADDR", fc.StatusAddr),
		RunTimeout: getEnvInt("RUN_TIMEOUT", 0),

		// OpenTelemetry configuration
		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "overlayd"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", getBuildVersion()),
		Env:                   getEnv("ENV", "unset"),

		// Logging configuration
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	// Comma-separated env override for the extra-partitions list
	if parts := getEnv("EXTRA_PARTITIONS", ""); parts != "" {
		cfg.ExtraParts = nil
		for _, p := range strings.Split(parts, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.ExtraParts = append(cfg.ExtraParts, p)
			}
		}
	}

	return cfg
}

func fallback(value, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Validate checks configuration values for correctness.
// Returns an error if any configuration value is invalid.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.ModuleRoot) {
		return fmt.Errorf("MODULE_ROOT must be an absolute path, got %q", c.ModuleRoot)
	}
	if !filepath.IsAbs(c.LiveRoot) {
		return fmt.Errorf("LIVE_ROOT must be an absolute path, got %q", c.LiveRoot)
	}
	if !filepath.IsAbs(c.TmpRoot) {
		return fmt.Errorf("TMP_ROOT must be an absolute path, got %q", c.TmpRoot)
	}
	if c.MountSourceLabel == "" {
		return fmt.Errorf("MOUNT_SOURCE must not be empty")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("RUN_TIMEOUT must be >= 0, got %v", c.RunTimeout)
	}
	for _, p := range c.ExtraParts {
		if p == "" || strings.ContainsRune(p, '/') {
			return fmt.Errorf("extra partition name %q must be a bare directory name", p)
		}
	}
	return nil
}
