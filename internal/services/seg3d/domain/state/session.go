package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

const sessionVersion = 1

type sessionFile struct {
	Version int            `yaml:"version"`
	States  []sessionState `yaml:"states"`
}

type sessionState struct {
	ID       string `yaml:"id"`
	Value    string `yaml:"value"`
	Priority int    `yaml:"priority,omitempty"`
}

// SaveSession writes every cell whose session priority is not DoNotLoad,
// highest priority first.
func SaveSession(w io.Writer, e *Engine) error {
	cells := sessionCells(e)
	file := sessionFile{Version: sessionVersion, States: make([]sessionState, 0, len(cells))}
	for _, c := range cells {
		file.States = append(file.States, sessionState{
			ID:       c.ID(),
			Value:    c.ExportToString(),
			Priority: c.SessionPriority(),
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return enc.Close()
}

// LoadSession restores cell values saved by SaveSession. Cells are loaded in
// descending session priority; ids missing from the engine are skipped. It
// must run on the application goroutine. Every failed cell is reported in
// the joined error; the remaining cells are still loaded.
func LoadSession(ctx context.Context, r io.Reader, e *Engine, src action.Source) error {
	var file sessionFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode session: %w", err)
	}
	if file.Version > sessionVersion {
		return fmt.Errorf("session version %d is newer than supported version %d", file.Version, sessionVersion)
	}

	values := make(map[string]string, len(file.States))
	for _, s := range file.States {
		values[s.ID] = s.Value
	}

	var errs []error
	for _, c := range sessionCells(e) {
		raw, ok := values[c.ID()]
		if !ok {
			continue
		}
		delete(values, c.ID())
		if err := c.ImportFromString(ctx, raw, src); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID(), err))
		}
	}
	for id := range values {
		e.logger.Debug("session state has no matching cell", zap.String("state", id))
	}
	return errors.Join(errs...)
}

func sessionCells(e *Engine) []Cell {
	var cells []Cell
	for _, c := range e.Cells() {
		if c.SessionPriority() != DoNotLoad {
			cells = append(cells, c)
		}
	}
	sort.SliceStable(cells, func(i, j int) bool {
		return cells[i].SessionPriority() > cells[j].SessionPriority()
	})
	return cells
}
