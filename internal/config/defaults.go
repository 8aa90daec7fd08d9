package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform defaults.
const (
	DefaultHTTPPortValue = 8080
	DefaultGRPCPortValue = 9090
	DefaultModelDir      = "/opt/ml/model"
)

// DefaultHTTPPort returns the port the hosting platform probes.
func DefaultHTTPPort() int { return DefaultHTTPPortValue }

// DefaultGRPCPort returns the gRPC health port.
func DefaultGRPCPort() int { return DefaultGRPCPortValue }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			HTTPPort:            DefaultHTTPPortValue,
			GRPCPort:            DefaultGRPCPortValue,
			ReadTimeoutSeconds:  60,
			WriteTimeoutSeconds: 60,
			MaxBodyMB:           6,
		},
		Model: ModelConfig{
			ID:                    "model",
			Source:                SourceConfig{Local: &LocalSource{Path: DefaultModelDir}},
			Sessions:              1,
			AcquireTimeoutSeconds: 5,
		},
		Inference: InferenceConfig{
			DefaultAccept: "application/x-protobuf",
		},
		Audit: AuditConfig{
			Path: filepath.Join(DefaultDataPath(), "audit.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "logs/detserve.log",
		},
	}
}

// DefaultConfigPath returns the default path for DETSERVE config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "detserve", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "detserve")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "detserve")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "detserve")
		}
		return filepath.Join(home, ".config", "detserve")
	}
}

// DefaultModelsPath returns the default path for downloaded models.
func DefaultModelsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "detserve", "models")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "detserve", "models")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "detserve", "models")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "detserve", "models")
		}
		return filepath.Join(home, ".cache", "detserve", "models")
	}
}

// DefaultDataPath returns the default path for the audit database.
func DefaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "detserve", "data")
	}

	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "detserve")
		}
		return filepath.Join(home, ".local", "share", "detserve")
	}
	return filepath.Join(DefaultConfigPath(), "data")
}
