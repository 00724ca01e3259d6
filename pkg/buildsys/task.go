package buildsys

import (
	"path/filepath"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

const anonymousPrefix = "auto#"

// commandFromParts turns ("KEY=value", "cmd", "arg", ...) into a call
// expression. Arguments are quoted so they reach the command unchanged.
func commandFromParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	cmd := new(syntax.CallExpr)
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	}

	cmd.Args = make([]*syntax.Word, 0, len(parts)-len(envVars))
	for _, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case Path:
			encodedValue = string(value)

			// absolute paths cause issues on Windows
			if relValue, err := filepath.Rel(base, encodedValue); err == nil {
				encodedValue = relValue
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if encodedValue == "" || strings.ContainsAny(encodedValue, " \t\n$'\"`\\*?[]#;&|<>(){}~") {
			if strings.Contains(encodedValue, "'") {
				wordPart = &syntax.DblQuoted{Parts: []syntax.WordPart{&syntax.Lit{Value: escapeDouble(encodedValue)}}}
			} else {
				wordPart = &syntax.SglQuoted{Value: encodedValue}
			}
		} else {
			wordPart = &syntax.Lit{Value: encodedValue}
		}

		cmd.Args = append(cmd.Args, &syntax.Word{Parts: []syntax.WordPart{wordPart}})
	}

	if len(cmd.Args) == 0 {
		return nil, eris.New("command is empty")
	}

	return cmd, nil
}

func escapeDouble(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return replacer.Replace(value)
}

func printCommand(printer *syntax.Printer, cmd *syntax.CallExpr) (string, error) {
	buf := strings.Builder{}
	err := printer.Print(&buf, cmd)
	if err != nil {
		return "", err
	}

	return buf.String(), nil
}

func listToTuple(list *starlark.List) starlark.Tuple {
	parts := make(starlark.Tuple, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		parts = append(parts, item)
	}

	return parts
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("tasks can only be declared inside configure()")
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = anonymousPrefix + nanoid.New()
	}

	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(ctx, task.Base)

	task.Deps, err = starlarkList2strings(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkList2strings(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkList2strings(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkList2strings(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, err := stringOrPath(item[1], "env["+key.GoString()+"]")
			if err != nil {
				return nil, err
			}
			task.Env[key.GoString()] = value
		}
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()
	task.Cmds = make([]Command, 0)

	if cmds != nil {
		for idx := 0; idx < cmds.Len(); idx++ {
			var parts starlark.Tuple

			switch value := cmds.Index(idx).(type) {
			case starlark.String:
				task.Cmds = append(task.Cmds, ScriptCommand{Task: task.Short, Content: value.GoString(), Index: idx})
				continue
			case *Task:
				task.Cmds = append(task.Cmds, TaskCommand{Task: value})
				continue
			case starlark.Tuple:
				parts = value
			case *starlark.List:
				parts = listToTuple(value)
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", fn.Name(), value.Type())
			}

			cmd, err := commandFromParts(parts, parser, task.Base)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d of %s", idx, task.Short)
			}

			content, err := printCommand(printer, cmd)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d of %s", idx, task.Short)
			}

			task.Cmds = append(task.Cmds, ScriptCommand{Task: task.Short, Content: content, Index: idx})
		}
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, "%s: found inputs but no outputs", task.Short)
	}

	ctx.tasks = append(ctx.tasks, task)
	return task, nil
}
