package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/backend/onnx"
	"github.com/ekisa-team/detserve/internal/backend/opencv"
	"github.com/ekisa-team/detserve/internal/backend/process"
	"github.com/ekisa-team/detserve/internal/config"
	"github.com/ekisa-team/detserve/internal/env"
	"github.com/ekisa-team/detserve/internal/envvar"
	"github.com/ekisa-team/detserve/internal/events"
	"github.com/ekisa-team/detserve/internal/handler"
	"github.com/ekisa-team/detserve/internal/logger"
	"github.com/ekisa-team/detserve/internal/model"
	"github.com/ekisa-team/detserve/internal/predictor"
	grpcserver "github.com/ekisa-team/detserve/internal/server/grpc"
	httpserver "github.com/ekisa-team/detserve/internal/server/http"
	"github.com/ekisa-team/detserve/internal/service"
	"github.com/ekisa-team/detserve/internal/store/sqlite"
	"github.com/ekisa-team/detserve/internal/xfs"
)

const auditRetention = 30 * 24 * time.Hour

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "predict" {
		os.Exit(runPredict(os.Args[2:]))
	}
	os.Exit(runServe(os.Args[1:]))
}

func defaultConfigFile() string {
	if path := os.Getenv(envvar.DetserveConfig); path != "" {
		return path
	}
	return filepath.Join(config.DefaultConfigPath(), "config.yaml")
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("detserve", flag.ExitOnError)
	var (
		flagConfigPath = fs.String("config", defaultConfigFile(), "Path to config file")
		flagSchemaPath = fs.String("schema", "", "Path to schema file (embedded schema when empty)")
		flagModelDir   = fs.String("model-dir", "", "Directory holding the config and weights files")
		flagHTTPPort   = fs.Int("port", 0, "HTTP port to listen on")
		flagGRPCPort   = fs.Int("grpc-port", 0, "GRPC port to listen on")
		flagEnvFile    = fs.String("env-file", "", "Optional .env file to load")
	)
	_ = fs.Parse(args)

	if err := config.LoadEnvFile(*flagEnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		return 1
	}

	// Flags win over the environment, which wins over the file.
	override := func(cfg *config.Config) {
		config.ApplyEnv(cfg)
		if *flagModelDir != "" {
			cfg.Model.SetLocalSource(*flagModelDir)
		}
		if *flagHTTPPort > 0 {
			cfg.Server.HTTPPort = *flagHTTPPort
		}
		if *flagGRPCPort > 0 {
			cfg.Server.GRPCPort = *flagGRPCPort
		}
	}

	configPath := xfs.ExpandTilde(*flagConfigPath)
	hasConfigFile := xfs.Exists(configPath)

	cfg := config.Default()
	if hasConfigFile {
		loaded, err := config.LoadAndValidate(configPath, *flagSchemaPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	override(cfg)

	environment := env.FromEnv()
	slog.SetDefault(
		logger.New(environment,
			logger.WithLevel(logger.ParseLevel(cfg.Logging.Level)),
			logger.WithLogToFile(cfg.Logging.ToFile),
			logger.WithLogFile(cfg.Logging.File),
		),
	)
	if hasConfigFile {
		slog.Info("Config loaded successfully", "config", configPath, "schema", *flagSchemaPath)
	} else {
		slog.Info("No config file, using defaults", "config", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends := newRegistry(cfg.Model.OnnxRuntimeLibrary)
	defer backends.Close()

	h := handler.New(backends,
		predictor.WithSessions(cfg.Model.Sessions),
		predictor.WithAcquireTimeout(cfg.Model.AcquireTimeout()),
	)

	hub := events.NewHub()
	go hub.Run(ctx)

	grpcSrv := grpcserver.New()

	manager := model.NewManager(h)
	defer manager.Close()
	manager.OnChange(func(instance *model.Instance) {
		grpcSrv.SetServing(manager.Ready())
		hub.Publish(events.TypeModel, instance.Info())
	})

	var (
		inferenceOpts = []service.InferenceOption{service.WithPublisher(hub)}
		auditLog      httpserver.AuditLog
	)
	if cfg.Audit.Enabled {
		db, err := sqlite.New(xfs.ExpandTilde(cfg.Audit.Path))
		if err != nil {
			slog.Error("Failed to open audit log", "path", cfg.Audit.Path, "error", err)
			return 1
		}
		defer db.Close()

		if n, err := db.Prune(ctx, time.Now().Add(-auditRetention)); err != nil {
			slog.Warn("Failed to prune audit log", "error", err)
		} else if n > 0 {
			slog.Info("Pruned audit log", "removed", n)
		}

		inferenceOpts = append(inferenceOpts, service.WithAuditor(db))
		auditLog = db
	}

	if err := manager.LoadFromConfig(ctx, cfg); err != nil {
		slog.Error("Failed to load model from config", "error", err)
	}

	if hasConfigFile {
		watcher, err := config.NewWatcher(configPath, *flagSchemaPath, func(cfg *config.Config, err error) {
			if err != nil {
				slog.Error("Failed to reload config", "error", err)
				return
			}
			if err := manager.LoadFromConfig(ctx, cfg); err != nil {
				slog.Error("Failed to load model from config", "error", err)
			}
		}, override)
		if err != nil {
			slog.Error("Failed to create config watcher", "error", err)
			return 1
		}
		defer watcher.Close()
	}

	inference := service.NewInference(h, manager, cfg.Inference, inferenceOpts...)

	httpSrv := httpserver.New(httpserver.Config{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		MaxBodyBytes: int64(cfg.Server.MaxBodyMB) << 20,
	}, httpserver.Deps{
		Inference: inference,
		Models:    manager,
		Audit:     auditLog,
		Events:    hub,
		Version:   version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })
	g.Go(func() error {
		return grpcSrv.Run(gctx, fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server stopped", "error", err)
		return 1
	}

	slog.Info("Server stopped")
	return 0
}

// newRegistry registers every runtime available in this build.
func newRegistry(onnxLibrary string) *backend.Registry {
	reg := backend.NewRegistry()

	mustRegister(reg, onnx.NewBackend(onnxLibrary))
	mustRegister(reg, process.NewBackend())

	if cv, err := opencv.NewBackend(); err == nil {
		mustRegister(reg, cv)
	} else {
		slog.Debug("OpenCV backend disabled", "error", err)
	}

	slog.Debug("Backends registered", "providers", reg.Providers(), "extensions", reg.Extensions())
	return reg
}

func mustRegister(reg *backend.Registry, b backend.Backend) {
	if err := reg.Register(b); err != nil {
		panic(err)
	}
}
