package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last write to a
// file before running it.
const DefaultDebounce = 200 * time.Millisecond

// Ext is the extension of scripts picked up by a Watcher.
const Ext = ".lua"

// SandboxFunc returns an executor isolated from the main runtime plus a
// function that tears it down.
type SandboxFunc func(name string) (Executor, func(), error)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Dir string
	// Exec runs scripts when Sandbox is nil.
	Exec Executor
	// Sandbox, when set, gives every script its own runtime.
	Sandbox  SandboxFunc
	Debounce time.Duration
	// OnResult is called after each script finishes.
	OnResult func(path string, res *Result, err error)
	Logger   *zap.Logger
}

// Watcher runs scripts dropped into a directory, one at a time.
type Watcher struct {
	cfg    WatcherConfig
	logger *zap.Logger
}

// NewWatcher validates cfg and returns a watcher. Call Run to start it.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("script directory is required")
	}
	if cfg.Exec == nil && cfg.Sandbox == nil {
		return nil, fmt.Errorf("script executor is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, logger: logger.With(zap.String("component", "script_watcher"), zap.String("dir", cfg.Dir))}, nil
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.logger.Info("watching for scripts")

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != Ext {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.cfg.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			for _, p := range paths {
				if ctx.Err() != nil {
					return nil
				}
				w.runFile(ctx, p)
			}
		}
	}
}

func (w *Watcher) runFile(ctx context.Context, path string) {
	res, err := w.execFile(ctx, path)
	if err != nil {
		w.logger.Warn("script failed", zap.String("script", path), zap.Error(err))
	}
	if w.cfg.OnResult != nil {
		w.cfg.OnResult(path, res, err)
	}
}

func (w *Watcher) execFile(ctx context.Context, path string) (*Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	exec := w.cfg.Exec
	if w.cfg.Sandbox != nil {
		name := strings.TrimSuffix(filepath.Base(path), Ext)
		sb, stop, err := w.cfg.Sandbox(name)
		if err != nil {
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
		defer stop()
		exec = sb
	}
	return NewInterpreter(exec, w.logger).Run(ctx, filepath.Base(path), string(src))
}
