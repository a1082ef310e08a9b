// Package seg3d parses seg3d server flags and launches the runtime.
package seg3d

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/seg3d/internal/platform/cmd"
	"github.com/louisbranch/seg3d/internal/platform/logging"
	"github.com/louisbranch/seg3d/internal/platform/otel"
	server "github.com/louisbranch/seg3d/internal/services/seg3d/app"
)

// Config holds seg3d command configuration.
type Config struct {
	AppName     string        `env:"SEG3D_APP_NAME" envDefault:"Seg3D"`
	SocketAddr  string        `env:"SEG3D_SOCKET_ADDR" envDefault:":9000"`
	HealthAddr  string        `env:"SEG3D_HEALTH_ADDR" envDefault:"localhost:9001"`
	MetricsAddr string        `env:"SEG3D_METRICS_ADDR" envDefault:"localhost:9002"`
	MaxConns    int           `env:"SEG3D_MAX_CONNS" envDefault:"16"`
	IdleTimeout time.Duration `env:"SEG3D_IDLE_TIMEOUT" envDefault:"0s"`

	DBPath        string `env:"SEG3D_DB_PATH" envDefault:"data/seg3d-provenance.db"`
	ReplayOnStart bool   `env:"SEG3D_REPLAY_ON_START" envDefault:"false"`

	ScriptDir      string `env:"SEG3D_SCRIPT_DIR"`
	SandboxScripts bool   `env:"SEG3D_SANDBOX_SCRIPTS" envDefault:"true"`

	UndoMaxItems    int           `env:"SEG3D_UNDO_MAX_ITEMS" envDefault:"100"`
	UndoMaxBytes    int64         `env:"SEG3D_UNDO_MAX_BYTES" envDefault:"268435456"`
	MaxRequeue      int           `env:"SEG3D_MAX_REQUEUE" envDefault:"8"`
	ResourceTimeout time.Duration `env:"SEG3D_RESOURCE_TIMEOUT" envDefault:"30s"`

	LogLevel string `env:"SEG3D_LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"SEG3D_LOG_DEV" envDefault:"false"`

	Telemetry otel.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.SocketAddr, "addr", cfg.SocketAddr, "The action socket listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "The metrics HTTP listen address (empty disables)")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "Maximum concurrent socket connections (0 is unlimited)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Provenance database path (empty keeps provenance in memory)")
	fs.BoolVar(&cfg.ReplayOnStart, "replay", cfg.ReplayOnStart, "Replay stored provenance on start")
	fs.StringVar(&cfg.ScriptDir, "scripts", cfg.ScriptDir, "Directory watched for .lua scripts")
	fs.BoolVar(&cfg.SandboxScripts, "sandbox-scripts", cfg.SandboxScripts, "Run watched scripts in a sandbox runtime")
	fs.IntVar(&cfg.UndoMaxItems, "undo-items", cfg.UndoMaxItems, "Maximum undo items kept")
	fs.Int64Var(&cfg.UndoMaxBytes, "undo-bytes", cfg.UndoMaxBytes, "Maximum bytes held by undo checkpoints")
	fs.DurationVar(&cfg.ResourceTimeout, "resource-timeout", cfg.ResourceTimeout, "How long an action may wait for a busy resource")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the seg3d server.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeg3D, entrypoint.RunOptions{
		Telemetry: cfg.Telemetry,
		Logger:    logger,
	}, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			AppName:         cfg.AppName,
			SocketAddr:      cfg.SocketAddr,
			HealthAddr:      cfg.HealthAddr,
			MetricsAddr:     cfg.MetricsAddr,
			MaxConns:        cfg.MaxConns,
			IdleTimeout:     cfg.IdleTimeout,
			DBPath:          cfg.DBPath,
			ReplayOnStart:   cfg.ReplayOnStart,
			ScriptDir:       cfg.ScriptDir,
			SandboxScripts:  cfg.SandboxScripts,
			UndoMaxItems:    cfg.UndoMaxItems,
			UndoMaxBytes:    cfg.UndoMaxBytes,
			MaxRequeue:      cfg.MaxRequeue,
			ResourceTimeout: cfg.ResourceTimeout,
			Logger:          logger,
		})
	})
}
