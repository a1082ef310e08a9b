package action

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
)

var (
	// ErrTypeRequired indicates a registration without an Info.
	ErrTypeRequired = errors.New("action info is required")
	// ErrConstructorRequired indicates a registration without a constructor.
	ErrConstructorRequired = errors.New("action constructor is required")
	// ErrDuplicateType indicates the type name is already registered.
	ErrDuplicateType = errors.New("action type is already registered")
)

// Constructor builds a fresh action with default parameters. Constructors are
// closures so actions can capture their collaborators (layer manager, undo
// buffer) without globals.
type Constructor func() Action

type registration struct {
	info  *Info
	build Constructor
}

// Registry maps action type names to constructors.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger.With(zap.String("component", "action_registry")),
		entries: make(map[string]registration),
	}
}

// Register adds an action type. Type names are matched case-insensitively.
func (r *Registry) Register(info *Info, build Constructor) error {
	if info == nil {
		return ErrTypeRequired
	}
	if build == nil {
		return fmt.Errorf("%s: %w", info.Type(), ErrConstructorRequired)
	}
	name := strings.ToLower(info.Type())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%s: %w", info.Type(), ErrDuplicateType)
	}
	r.entries[name] = registration{info: info, build: build}
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(info *Info, build Constructor) {
	if err := r.Register(info, build); err != nil {
		panic(err)
	}
}

// Info returns the declaration for a type name.
func (r *Registry) Info(name string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[strings.ToLower(name)]
	return entry.info, ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		names = append(names, entry.info.Type())
	}
	sort.Strings(names)
	return names
}

// Usage returns the generic help text listing every registered action.
func (r *Registry) Usage() string {
	return "Available actions: " + strings.Join(r.Types(), ", ")
}

// New builds an action with default parameters.
func (r *Registry) New(name string) (Action, error) {
	r.mu.RLock()
	entry, ok := r.entries[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, perrors.WithMetadata(perrors.CodeUnknownAction,
			fmt.Sprintf("Unknown action '%s'. %s", name, r.Usage()),
			map[string]string{"type": name})
	}
	return entry.build(), nil
}

// Create parses a command line into a ready-to-post action. An unknown type
// yields an UNKNOWN_ACTION error carrying the usage help; a malformed line
// yields the SYNTAX ERROR from the action's import.
func (r *Registry) Create(text string) (Action, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 || tokens[0].hasKey {
		return nil, syntaxError("expected an action name. %s", r.Usage())
	}

	act, err := r.New(tokens[0].value)
	if err != nil {
		return nil, err
	}
	if err := act.ImportFromString(text); err != nil {
		return nil, err
	}
	if ignored := act.Params().IgnoredKeys(); len(ignored) > 0 {
		r.logger.Debug("ignoring unknown keys",
			zap.String("type", act.Info().Type()),
			zap.Strings("keys", ignored))
	}
	return act, nil
}
