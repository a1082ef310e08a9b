// Package script runs Lua scripts against a runtime. Scripts post action
// command lines through the seg3d table; every post waits for its outcome and
// a failed action aborts the script.
package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"
	"go.uber.org/zap"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

const globalName = "seg3d"

// Executor runs one command line and waits for its outcome.
type Executor interface {
	Exec(ctx context.Context, line string, source action.Source) (*action.BufferedContext, error)
}

// Result summarizes a finished script.
type Result struct {
	Name    string
	Actions int
	Log     []string
}

// Interpreter runs scripts. Each Run uses a fresh Lua state.
type Interpreter struct {
	exec   Executor
	logger *zap.Logger
}

// NewInterpreter returns an interpreter posting to exec.
func NewInterpreter(exec Executor, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{exec: exec, logger: logger.With(zap.String("component", "script"))}
}

// Run executes src as a chunk called name. ctx is checked before every
// post; a Lua loop that never posts runs until it returns.
// TODO: install a count hook that raises once ctx is done so busy loops can
// be interrupted too.
func (in *Interpreter) Run(ctx context.Context, name string, src string) (*Result, error) {
	res := &Result{Name: name}
	state := lua.NewState()
	lua.OpenLibraries(state)
	in.register(ctx, state, res)

	if err := lua.LoadBuffer(state, src, name, "t"); err != nil {
		return res, fmt.Errorf("load %s: %w", name, err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		in.logger.Warn("script aborted", zap.String("script", name), zap.Int("actions", res.Actions), zap.Error(err))
		return res, fmt.Errorf("run %s: %w", name, err)
	}
	in.logger.Info("script finished", zap.String("script", name), zap.Int("actions", res.Actions))
	return res, nil
}

func (in *Interpreter) register(ctx context.Context, state *lua.State, res *Result) {
	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "post", Function: func(state *lua.State) int {
			line := lua.CheckString(state, 1)
			result, ok := in.post(ctx, state, res, line)
			if !ok {
				state.PushNil()
				return 1
			}
			state.PushString(result)
			return 1
		}},
		{Name: "get", Function: func(state *lua.State) int {
			id := lua.CheckString(state, 1)
			result, _ := in.post(ctx, state, res, "Get "+action.Quote(id))
			state.PushString(result)
			return 1
		}},
		{Name: "log", Function: func(state *lua.State) int {
			msg := lua.CheckString(state, 1)
			res.Log = append(res.Log, msg)
			in.logger.Info("script log", zap.String("script", res.Name), zap.String("message", msg))
			return 0
		}},
	}, 0)
	state.SetGlobal(globalName)
}

// post runs line and raises a Lua error when it does not succeed. ok is
// false when the action produced no result.
func (in *Interpreter) post(ctx context.Context, state *lua.State, res *Result, line string) (string, bool) {
	if err := ctx.Err(); err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	actx, err := in.exec.Exec(ctx, line, action.SourceScript)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	res.Actions++
	for _, r := range actx.Reports() {
		if r.Level == action.LevelWarning || r.Level == action.LevelMessage {
			res.Log = append(res.Log, r.String())
		}
	}
	if actx.Status() != action.StatusSuccess {
		msg := actx.ErrorMessage()
		if strings.TrimSpace(msg) == "" {
			msg = fmt.Sprintf("%s: %s", firstWord(line), actx.Status())
		}
		lua.Errorf(state, "%s", msg)
	}
	v, ok := actx.Result()
	if !ok {
		return "", false
	}
	return v.ExportToString(), true
}

func firstWord(line string) string {
	if f := strings.Fields(line); len(f) > 0 {
		return f[0]
	}
	return line
}
