// Package seg3dctl builds the seg3dctl command tree: a client that posts
// actions to a running seg3d server, runs Lua scripts and replays stored
// provenance.
package seg3dctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/seg3d/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/seg3d/internal/platform/grpc"
	"github.com/louisbranch/seg3d/internal/platform/logging"
	"github.com/louisbranch/seg3d/internal/platform/otel"
	"github.com/louisbranch/seg3d/internal/platform/timeouts"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/runtime"
	"github.com/louisbranch/seg3d/internal/services/seg3d/script"
	seg3dsqlite "github.com/louisbranch/seg3d/internal/services/seg3d/storage/sqlite"
	"github.com/louisbranch/seg3d/internal/services/seg3d/transport/socket"
)

// Config holds the client defaults read from the environment. Flags
// override every field.
type Config struct {
	Addr       string        `env:"SEG3D_ADDR" envDefault:"localhost:9000"`
	HealthAddr string        `env:"SEG3D_CTL_HEALTH_ADDR"`
	Timeout    time.Duration `env:"SEG3D_CTL_TIMEOUT" envDefault:"30s"`
	LogLevel   string        `env:"SEG3D_LOG_LEVEL" envDefault:"warn"`

	Telemetry otel.Config
}

type options struct {
	cfg    Config
	logger *zap.Logger
}

// Run parses args and executes the matching subcommand.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	root := NewRootCommand(cfg)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeg3DCtl, entrypoint.RunOptions{
		Telemetry: cfg.Telemetry,
	}, root.ExecuteContext)
}

// NewRootCommand returns the seg3dctl command tree using cfg as flag
// defaults.
func NewRootCommand(cfg Config) *cobra.Command {
	opts := &options{cfg: cfg}
	root := &cobra.Command{
		Use:           entrypoint.ServiceSeg3DCtl,
		Short:         "Talk to a seg3d action server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(opts.cfg.LogLevel, false)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfg.Addr, "addr", cfg.Addr, "Action socket address")
	flags.StringVar(&opts.cfg.HealthAddr, "health-addr", cfg.HealthAddr, "Wait for the gRPC health service at this address before connecting")
	flags.DurationVar(&opts.cfg.Timeout, "timeout", cfg.Timeout, "Per-command timeout")
	flags.StringVar(&opts.cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	root.AddCommand(
		buildExecCmd(opts),
		buildScriptCmd(opts),
		buildReplayCmd(opts),
	)
	return root
}

func buildExecCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [command...]",
		Short: "Post action command lines",
		Long: `Post one action command line built from the arguments, or one per line
from stdin when no arguments are given. Stops at the first failing action.

  seg3dctl exec NewLayer name=liver dim_x=64 dim_y=64 dim_z=32
  seg3dctl exec < batch.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var lines []string
			if len(args) > 0 {
				lines = []string{strings.Join(args, " ")}
			} else if lines, err = readLines(cmd.InOrStdin()); err != nil {
				return err
			}
			for _, line := range lines {
				if err := opts.execLine(cmd, c, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func buildScriptCmd(opts *options) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "script [file.lua]",
		Short: "Run a Lua script",
		Long: `Run a Lua script through the seg3d table (seg3d.post, seg3d.get,
seg3d.log). By default every post goes to the server; --local runs the
script against a private in-process runtime instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			name := filepath.Base(args[0])

			var exec script.Executor
			if local {
				rt, stop, err := opts.localRuntime(cmd.Context(), name)
				if err != nil {
					return err
				}
				defer stop()
				exec = rt
			} else {
				c, err := opts.dial(cmd.Context())
				if err != nil {
					return err
				}
				defer c.Close()
				exec = &remoteExecutor{client: c, timeout: opts.cfg.Timeout}
			}

			res, err := script.NewInterpreter(exec, opts.logger).Run(cmd.Context(), name, string(src))
			if res != nil {
				for _, line := range res.Log {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d actions\n", name, res.Actions)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Run against an in-process runtime")
	return cmd
}

func buildReplayCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "replay [provenance.db]",
		Short: "Post stored provenance steps in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := seg3dsqlite.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			records, err := store.ListProvenance(cmd.Context())
			if cerr := store.Close(); cerr != nil && err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if dryRun {
				for _, rec := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", rec.StepID, rec.Command)
				}
				return nil
			}

			c, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			for _, rec := range records {
				if err := opts.execLine(cmd, c, rec.Command); err != nil {
					return fmt.Errorf("step %d: %w", rec.StepID, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the steps instead of posting them")
	return cmd
}

func (o *options) dial(ctx context.Context) (*socket.Client, error) {
	if o.cfg.HealthAddr != "" {
		conn, err := platformgrpc.DialWithHealth(ctx, o.cfg.HealthAddr, timeouts.GRPCDial, o.logger)
		if err != nil {
			return nil, err
		}
		_ = conn.Close()
	}
	dialCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	c, err := socket.Dial(dialCtx, o.cfg.Addr)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("connected", zap.String("addr", o.cfg.Addr), zap.String("greeting", c.Greeting()))
	return c, nil
}

// execLine posts line and prints every report. A failed action is an error.
func (o *options) execLine(cmd *cobra.Command, c *socket.Client, line string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.cfg.Timeout)
	defer cancel()
	reply, err := c.Exec(ctx, line)
	if err != nil {
		return err
	}
	for _, r := range reply.Reports {
		fmt.Fprintln(cmd.OutOrStdout(), r.String())
	}
	return reply.Err()
}

func (o *options) localRuntime(ctx context.Context, name string) (*runtime.Runtime, func(), error) {
	rt, err := runtime.New(runtime.Config{Name: strings.TrimSuffix(name, script.Ext), Logger: o.logger})
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	select {
	case <-rt.Dispatcher.Started():
	case err := <-done:
		cancel()
		return nil, nil, err
	}
	return rt, func() {
		cancel()
		<-done
	}, nil
}

// remoteExecutor lets the interpreter post over the action socket. Reports
// come back as text, so every failure maps to StatusError.
type remoteExecutor struct {
	client  *socket.Client
	timeout time.Duration
}

func (e *remoteExecutor) Exec(ctx context.Context, line string, source action.Source) (*action.BufferedContext, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	reply, err := e.client.Exec(ctx, line)
	if err != nil {
		return nil, err
	}
	actx := action.NewContext(source)
	actx.ReportStatus(action.StatusSuccess)
	for _, r := range reply.Reports {
		switch r.Level {
		case action.LevelError:
			actx.ReportError(r.Text)
			actx.ReportStatus(action.StatusError)
		case action.LevelWarning:
			actx.ReportWarning(r.Text)
		case action.LevelMessage:
			actx.ReportMessage(r.Text)
		case action.LevelResult:
			if r.Text != "" {
				actx.ReportResult(variant.FromString(r.Text))
			}
		}
	}
	return actx, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), socket.MaxLineBytes)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}
	return lines, nil
}
