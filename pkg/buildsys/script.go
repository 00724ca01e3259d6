package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/EndlessArch/haruhi/pkg/buildlog"
)

// ScriptName is the task script inside the project root.
const ScriptName = "tasks.star"

type scriptCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	sources      map[string]int64
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool

	queries  []cacheQuery
	messages []cacheMessage
	// uncacheable is set once the script ran an external command.
	uncacheable bool
}

// Script is the result of evaluating tasks.star.
type Script struct {
	Tasks   TaskList
	Options map[string]ScriptOption
	// Sources maps every file the script read to its modification time.
	Sources map[string]int64

	queries     []cacheQuery
	messages    []cacheMessage
	uncacheable bool
}

func getCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

func (ctx *scriptCtx) addSource(path string) {
	mtime, err := fileModTime(path)
	if err == nil {
		ctx.sources[path] = mtime
	}
}

func scriptMessage(thread *starlark.Thread, msg string, args ...interface{}) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	return fmt.Sprintf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	text := scriptMessage(thread, msg, args...)
	ctx.messages = append(ctx.messages, cacheMessage{Text: text})
	buildlog.Log(ctx.ctx).Info().Msg(text)
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	text := scriptMessage(thread, msg, args...)
	ctx.messages = append(ctx.messages, cacheMessage{Warn: true, Text: text})
	buildlog.Log(ctx.ctx).Warn().Msg(text)
}

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue string
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return starlark.String(defaultValue), nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"patch_file":   starlark.NewBuiltin("patch_file", patchFile),
		"find_one":     starlark.NewBuiltin("find_one", findOne),
		"relocate":     starlark.NewBuiltin("relocate", relocate),
		"task":         starlark.NewBuiltin("task", task),
	}
}

// RunScript executes a task script and returns the declared options. If
// doConfigure is true, the script's configure function is called and the
// declared tasks are collected as well.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (*Script, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve script path")
	}

	if options == nil {
		options = map[string]string{}
	}

	threadCtx := &scriptCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		sources:      make(map[string]int64),
		initPhase:    true,
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			buildlog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal("scriptCtx", threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", filename)
	}
	threadCtx.addSource(filename)

	displayName := simplifyPath(threadCtx, filename)
	globals, err := starlark.ExecFile(thread, displayName, script, predeclared())
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.Errorf("failed to execute %s:\n%s", displayName, evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed to execute %s", displayName)
	}

	result := &Script{
		Tasks:   TaskList{},
		Options: threadCtx.options,
		Sources: threadCtx.sources,
	}
	if !doConfigure {
		result.queries = threadCtx.queries
		result.messages = threadCtx.messages
		result.uncacheable = threadCtx.uncacheable
		return result, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, eris.Errorf("%s did not declare a configure function", displayName)
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s did declare a configure value but it's not a function", displayName)
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, starlark.Tuple{}, nil)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.New(evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed configure call in %s", displayName)
	}

	for _, task := range threadCtx.tasks {
		for name, value := range threadCtx.envOverrides {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}

		// Anonymous tasks are only reachable through the task that lists them in cmds.
		if strings.HasPrefix(task.Short, anonymousPrefix) {
			continue
		}

		if _, dup := result.Tasks[task.Short]; dup {
			return nil, eris.Errorf("%s declares the task %s more than once", displayName, task.Short)
		}
		result.Tasks[task.Short] = task
	}

	result.queries = threadCtx.queries
	result.messages = threadCtx.messages
	result.uncacheable = threadCtx.uncacheable
	return result, nil
}
