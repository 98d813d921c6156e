package adapter

import (
	"context"
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
)

// ScriptAdapter runs a category's stage as a Lua script.
//
// The script must define a global function execute(project) returning a
// table {success, artifacts, next_stage, output, error}. It may call:
//
//	run(cmd [, timeout_ms]) -> {success, stdout, stderr, exit_code, error}
//	log(message)
//
// Only the base, table, string and math libraries are available, without
// file loading, print or random numbers.
type ScriptAdapter struct {
	def    Definition
	path   string
	runner Runner
	logger *logging.Logger
}

// NewScriptAdapter creates an adapter running the script at path.
func NewScriptAdapter(def Definition, path string, runner Runner, logger *logging.Logger) *ScriptAdapter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ScriptAdapter{
		def:    def,
		path:   path,
		runner: runner,
		logger: logger.WithCategory(string(def.Category)),
	}
}

func (a *ScriptAdapter) fail(message string, cause error) *errors.AdapterError {
	return errors.NewAdapterError(message, cause).
		WithCategory(string(a.def.Category)).
		WithStage(string(a.def.Stage))
}

// Execute loads the script in a fresh interpreter and calls execute().
func (a *ScriptAdapter) Execute(ctx context.Context, pc task.ProjectContext) (*task.Result, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	a.registerAPI(ctx, L, pc)

	if err := L.DoFile(a.path); err != nil {
		return nil, a.fail("loading script "+a.path, err).WithPermanent(true)
	}

	fn := L.GetGlobal("execute")
	if fn.Type() != lua.LTFunction {
		return nil, a.fail("script must define an execute function", nil).WithPermanent(true)
	}

	L.Push(fn)
	L.Push(projectTable(L, pc, a.def))
	if err := L.PCall(1, 1, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, a.fail("script interrupted", ctxErr)
		}
		return nil, a.fail("script raised an error", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, a.fail(fmt.Sprintf("execute returned %s, want a table", ret.Type()), nil).WithPermanent(true)
	}

	result := a.resultFromTable(tbl)
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "script reported failure"
		}
		return result, a.fail(msg, nil)
	}
	return result, nil
}

// openSafeLibs loads base, table, string and math, then removes the entry
// points that reach the filesystem or break determinism.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(math, "random", lua.LNil)
		L.SetField(math, "randomseed", lua.LNil)
	}
}

func (a *ScriptAdapter) registerAPI(ctx context.Context, L *lua.LState, pc task.ProjectContext) {
	logger := a.logger.WithProject(pc.ProjectPath)

	L.SetGlobal("run", L.NewFunction(func(L *lua.LState) int {
		cmd := L.CheckString(1)
		timeout := time.Duration(L.OptInt(2, 0)) * time.Millisecond
		if timeout == 0 {
			timeout = a.def.Timeout
		}

		res := a.runner.RunInSession(ctx, pc.ProjectPath, cmd, timeout)

		tbl := L.NewTable()
		L.SetField(tbl, "success", lua.LBool(res.Success))
		L.SetField(tbl, "stdout", lua.LString(res.Stdout))
		L.SetField(tbl, "stderr", lua.LString(res.Stderr))
		L.SetField(tbl, "exit_code", lua.LNumber(res.ExitCode))
		if msg := res.ErrorMessage(); msg != "" {
			L.SetField(tbl, "error", lua.LString(msg))
		}
		L.Push(tbl)
		return 1
	}))

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("script: " + L.CheckString(1))
		return 0
	}))
}

func projectTable(L *lua.LState, pc task.ProjectContext, def Definition) *lua.LTable {
	stage := pc.CurrentStage
	if stage == "" {
		stage = def.Stage
	}
	tbl := L.NewTable()
	L.SetField(tbl, "project_id", lua.LString(pc.ProjectID))
	L.SetField(tbl, "project_name", lua.LString(pc.ProjectName))
	L.SetField(tbl, "project_path", lua.LString(pc.ProjectPath))
	L.SetField(tbl, "user_id", lua.LString(pc.UserID))
	L.SetField(tbl, "category", lua.LString(def.Category))
	L.SetField(tbl, "stage", lua.LString(stage))
	L.SetField(tbl, "next_stage", lua.LString(def.NextStage))
	L.SetField(tbl, "attempt", lua.LNumber(pc.Attempt))
	L.SetField(tbl, "input", goToLua(L, pc.StageInput))
	L.SetField(tbl, "previous", goToLua(L, pc.PreviousStageOutput))

	artifacts := L.NewTable()
	for _, p := range pc.Artifacts {
		artifacts.Append(lua.LString(p))
	}
	L.SetField(tbl, "artifacts", artifacts)
	return tbl
}

func (a *ScriptAdapter) resultFromTable(tbl *lua.LTable) *task.Result {
	result := &task.Result{
		Success:   lua.LVAsBool(tbl.RawGetString("success")),
		NextStage: a.def.NextStage,
	}
	if v := tbl.RawGetString("next_stage"); v != lua.LNil {
		result.NextStage = task.Stage(lua.LVAsString(v))
	}
	if v := tbl.RawGetString("output"); v != lua.LNil {
		result.Output = lua.LVAsString(v)
	}
	if v := tbl.RawGetString("error"); v != lua.LNil {
		result.Error = lua.LVAsString(v)
	}
	if arts, ok := tbl.RawGetString("artifacts").(*lua.LTable); ok {
		arts.ForEach(func(_, v lua.LValue) {
			switch av := v.(type) {
			case lua.LString:
				p := string(av)
				result.Artifacts = append(result.Artifacts, task.Artifact{Name: baseName(p), Path: p, Type: artifactType(p)})
			case *lua.LTable:
				p := lua.LVAsString(av.RawGetString("path"))
				if p == "" {
					return
				}
				name := lua.LVAsString(av.RawGetString("name"))
				if name == "" {
					name = baseName(p)
				}
				typ := lua.LVAsString(av.RawGetString("type"))
				if typ == "" {
					typ = artifactType(p)
				}
				result.Artifacts = append(result.Artifacts, task.Artifact{Name: name, Path: p, Type: typ})
			}
		})
	}
	return result
}

// goToLua converts decoded JSON/YAML values into Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []string:
		tbl := L.NewTable()
		for _, s := range val {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			L.SetField(tbl, k, goToLua(L, val[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
