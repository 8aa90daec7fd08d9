package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/ekisa-team/detserve/internal/envvar"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides cfg with environment variables. Platform variables are
// applied first so the DETSERVE_* ones win.
func ApplyEnv(cfg *Config) {
	if dir := os.Getenv(envvar.SageMakerModelDir); dir != "" {
		cfg.Model.SetLocalSource(dir)
	}
	if dir := os.Getenv(envvar.DetserveModelDir); dir != "" {
		cfg.Model.SetLocalSource(dir)
	}

	applyPort(envvar.SageMakerBindToPort, &cfg.Server.HTTPPort)
	applyPort(envvar.DetserveServerHTTPPort, &cfg.Server.HTTPPort)
	applyPort(envvar.DetserveServerGRPCPort, &cfg.Server.GRPCPort)

	if lib := os.Getenv(envvar.ONNXRuntimeSharedLibraryPath); lib != "" {
		cfg.Model.OnnxRuntimeLibrary = lib
	}
	if level := os.Getenv(envvar.DetserveLogLevel); level != "" {
		cfg.Logging.Level = level
	}
}

func applyPort(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}

	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		slog.Warn("Ignoring invalid port", "variable", name, "value", v)
		return
	}
	*dst = port
}
