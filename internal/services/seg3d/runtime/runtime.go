// Package runtime bundles one application goroutine with everything its
// actions operate on: state engine, layers, undo buffer, provenance and the
// action registry.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/louisbranch/seg3d/internal/platform/id"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/dispatch"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/layer"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/provenance"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/state"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/undo"
)

// MainName is the name of the application runtime.
const MainName = "main"

// Config configures a Runtime.
type Config struct {
	Name            string
	UndoMaxItems    int
	UndoMaxBytes    int64
	MaxRequeue      int
	ResourceTimeout time.Duration
	HistorySize     int
	Logger          *zap.Logger
	Metrics         *dispatch.Metrics
	Tracer          trace.Tracer
}

// Runtime is one isolated action world. The main runtime serves the socket
// and scripts; sandboxes are throwaway runtimes with their own id namespace.
type Runtime struct {
	name   string
	cfg    Config
	logger *zap.Logger

	Engine     *state.Engine
	Layers     *layer.Manager
	Undo       *undo.Buffer
	Provenance *provenance.Recorder
	Registry   *action.Registry
	Dispatcher *dispatch.Dispatcher
	History    *dispatch.History
}

// New builds a runtime and registers every action type. Registration order
// is fixed so Usage and Types are stable across runs.
func New(cfg Config) (*Runtime, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = MainName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("runtime", cfg.Name))

	engine := state.NewEngine(logger)
	reg := action.NewRegistry(logger)
	rt := &Runtime{
		name:       cfg.Name,
		cfg:        cfg,
		logger:     logger,
		Engine:     engine,
		Layers:     layer.NewManager(engine, logger),
		Provenance: provenance.NewRecorder(logger),
		Registry:   reg,
		Dispatcher: dispatch.New(dispatch.Config{
			Name:            cfg.Name,
			MaxRequeue:      cfg.MaxRequeue,
			ResourceTimeout: cfg.ResourceTimeout,
			Logger:          logger,
			Metrics:         cfg.Metrics,
			Tracer:          cfg.Tracer,
		}),
		History: dispatch.NewHistory(cfg.HistorySize),
	}
	rt.Undo = undo.NewBuffer(undo.Config{
		MaxItems: cfg.UndoMaxItems,
		MaxBytes: cfg.UndoMaxBytes,
		Rebuild:  reg.Create,
		Logger:   logger,
	})
	rt.History.Attach(rt.Dispatcher)

	if err := state.RegisterActions(reg, engine); err != nil {
		return nil, fmt.Errorf("register state actions: %w", err)
	}
	if err := undo.RegisterActions(reg, rt.Undo); err != nil {
		return nil, fmt.Errorf("register undo actions: %w", err)
	}
	env := layer.Env{Layers: rt.Layers, Undo: rt.Undo, Provenance: rt.Provenance, Logger: logger}
	if err := layer.RegisterActions(reg, env); err != nil {
		return nil, fmt.Errorf("register layer actions: %w", err)
	}
	return rt, nil
}

// Name returns the runtime name, which is also the application goroutine owner.
func (r *Runtime) Name() string { return r.name }

// Run runs the application loop until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.Dispatcher.Run(ctx)
}

// NewSandbox returns an isolated runtime sharing this runtime's limits but
// none of its state. An empty name gets a random one. The caller runs it.
func (r *Runtime) NewSandbox(name string) (*Runtime, error) {
	if strings.TrimSpace(name) == "" {
		suffix, err := id.NewID()
		if err != nil {
			return nil, err
		}
		name = suffix[:8]
	}
	cfg := r.cfg
	cfg.Name = "sandbox-" + name
	cfg.Metrics = nil
	cfg.Logger = r.cfg.Logger
	return New(cfg)
}

// Exec parses line and runs it, waiting for the outcome. The returned
// context holds the status and reports; err covers parse failures and
// cancellation only.
func (r *Runtime) Exec(ctx context.Context, line string, source action.Source) (*action.BufferedContext, error) {
	a, err := r.Registry.Create(line)
	if err != nil {
		return nil, err
	}
	actx := action.NewContext(source)
	if err := r.Dispatcher.PostAndWaitAction(ctx, a, actx); err != nil {
		return actx, err
	}
	return actx, nil
}

// Replay re-runs recorded provenance steps on this runtime.
func (r *Runtime) Replay(ctx context.Context, records []provenance.Record) (*action.BufferedContext, error) {
	return provenance.Replay(ctx, records, r.Registry, r.Dispatcher)
}

// Resume loads stored provenance into the recorder. With replay set the
// steps are re-run first, each bound to its stored step id so undoing it
// withdraws the step.
func (r *Runtime) Resume(ctx context.Context, records []provenance.Record, replay bool) (*action.BufferedContext, error) {
	r.Provenance.Restore(records)
	if !replay || len(records) == 0 {
		return action.NewContext(action.SourceProvenance), nil
	}
	r.Provenance.ExpectReplay(records)
	defer r.Provenance.ExpectReplay(nil)
	return r.Replay(ctx, records)
}

// SaveSession writes the project state cells to w.
func (r *Runtime) SaveSession(ctx context.Context, w io.Writer) error {
	return r.Dispatcher.Invoke(ctx, func(context.Context) error {
		return state.SaveSession(w, r.Engine)
	})
}

// LoadSession applies a saved session on the application goroutine.
func (r *Runtime) LoadSession(ctx context.Context, rd io.Reader) error {
	return r.Dispatcher.Invoke(ctx, func(ctx context.Context) error {
		return state.LoadSession(ctx, rd, r.Engine, action.SourceNone)
	})
}
