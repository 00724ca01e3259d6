package buildsys

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/EndlessArch/haruhi/pkg/buildlog"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""
	ctx := getCtx(thread)

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if key != "base" {
			return nil, eris.Errorf("%s: unexpected keyword argument %s", fn.Name(), key)
		}

		value, err := stringOrPath(kv[1], "base")
		if err != nil {
			return nil, err
		}
		base = normalizePath(ctx, value)
	}

	if len(args) < 1 {
		return nil, eris.Errorf("%s: expects at least one argument", fn.Name())
	}

	parts := make([]string, len(args))
	for idx, path := range args {
		value, ok := path.(starlark.String)
		if !ok {
			return nil, eris.Errorf("%s: only accepts string arguments but argument %d was a %s", fn.Name(), idx, path.Type())
		}
		parts[idx] = value.GoString()
	}

	normPath := normalizePath(ctx, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return Path(normPath), nil
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	info(thread, "%s", message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	warn(thread, "%s", message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	value, ok := ctx.envOverrides[key]
	if !ok {
		value = os.Getenv(key)
		ctx.recordQuery(queryGetenv, key, "", value)
	}

	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	str, err := stringOrPath(value, "value")
	if err != nil {
		return nil, err
	}

	getCtx(thread).envOverrides[key] = str
	return starlark.True, nil
}

func prependPathDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dir)
	if err != nil {
		return nil, err
	}

	pathDir, err := stringOrPath(dir, "dir")
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	path, ok := ctx.envOverrides["PATH"]
	if !ok {
		path = os.Getenv("PATH")
		ctx.recordQuery(queryGetenv, "PATH", "", path)
	}

	ctx.envOverrides["PATH"] = normalizePath(ctx, pathDir) + string(os.PathListSeparator) + path
	return starlark.String(ctx.envOverrides["PATH"]), nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	yamlFile = normalizePath(ctx, yamlFile)

	doc, loaded := ctx.yamlCache[yamlFile]
	if !loaded {
		content, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", yamlFile)
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", yamlFile)
		}

		ctx.yamlCache[yamlFile] = doc
		ctx.addSource(yamlFile)
	}

	value := reflect.ValueOf(doc)
	for _, key := range strings.Split(yamlKey, ".") {
		if value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(key))
		case reflect.Slice:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= value.Len() {
				return defaultValue, nil
			}
			value = value.Index(idx)
		case reflect.Invalid:
			return defaultValue, nil
		default:
			return nil, eris.Errorf("%s: %s can't be indexed with %s", fn.Name(), value.Kind(), key)
		}
	}

	if !value.IsValid() {
		return defaultValue, nil
	}

	result, err := toStarlark(value.Interface())
	if err != nil {
		return nil, eris.Wrapf(err, "%s: can't return value of %s", fn.Name(), yamlKey)
	}
	if result == starlark.None {
		return defaultValue, nil
	}

	return result, nil
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirPath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirPath)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	dirPath = normalizePath(ctx, dirPath)
	present, err := steps.CheckDir(dirPath)
	if err != nil {
		return nil, err
	}

	ctx.recordQuery(queryIsdir, dirPath, "", strconv.FormatBool(present))
	return starlark.Bool(present), nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filePath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &filePath)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	filePath = normalizePath(ctx, filePath)
	present := isRegularFile(filePath)

	ctx.recordQuery(queryIsfile, filePath, "", strconv.FormatBool(present))
	return starlark.Bool(present), nil
}

// patchFile returns a command that replaces every occurrence of old in path.
// It only has an effect once the command runs as part of a task.
func patchFile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target starlark.Value
	var old, replacement string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &target, "old", &old, "new", &replacement)
	if err != nil {
		return nil, err
	}

	if old == "" {
		return nil, eris.Errorf("%s: old must not be empty", fn.Name())
	}

	path, err := stringOrPath(target, "path")
	if err != nil {
		return nil, err
	}

	return starlark.Tuple{
		starlark.String(patchCommand),
		Path(normalizePath(getCtx(thread), path)),
		starlark.String(old),
		starlark.String(replacement),
	}, nil
}

// relocate returns a command that moves the single file matching pattern
// below root into destDir.
func relocate(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var root, destDir starlark.Value
	var pattern string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "root", &root, "pattern", &pattern, "dest_dir?", &destDir)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	rootPath, err := stringOrPath(root, "root")
	if err != nil {
		return nil, err
	}
	rootPath = normalizePath(ctx, rootPath)

	destPath := rootPath
	if destDir != nil {
		destPath, err = stringOrPath(destDir, "dest_dir")
		if err != nil {
			return nil, err
		}
		destPath = normalizePath(ctx, destPath)
	}

	return starlark.Tuple{
		starlark.String(relocateCommand),
		Path(rootPath),
		starlark.String(pattern),
		Path(destPath),
	}, nil
}

// findOne returns the path of the single file matching pattern below root or
// None if nothing matches (yet). More than one match is an error.
func findOne(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var root starlark.Value
	var pattern string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "root", &root, "pattern", &pattern)
	if err != nil {
		return nil, err
	}

	rootPath, err := stringOrPath(root, "root")
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	rootPath = normalizePath(ctx, rootPath)
	match, err := lookupOne(rootPath, pattern)
	if err != nil {
		return nil, err
	}

	ctx.recordQuery(queryFindOne, rootPath, pattern, match)
	if match == "" {
		return starlark.None, nil
	}
	return Path(match), nil
}

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if outputFormat == "" {
		outputFormat = "text"
	}

	if outputFormat != "text" && outputFormat != "json" {
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	var shellCmd []syntax.Node
	parser := syntax.NewParser()
	ctx := getCtx(thread)
	base := filepath.Dir(ctx.filepath)
	// Command output can't be checked for changes later.
	ctx.uncacheable = true

	switch command := command.(type) {
	case starlark.String:
		part := ScriptCommand{Task: fn.Name(), Content: command.GoString()}

		stmts, err := part.Statements(parser)
		if err != nil {
			return nil, err
		}

		for _, stmt := range stmts {
			shellCmd = append(shellCmd, stmt)
		}
	case starlark.Tuple:
		expr, err := commandFromParts(command, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings and tuples are valid", command.Type())
	}

	outputBuffer := strings.Builder{}
	var errOut io.Writer
	if showError {
		errOut = os.Stderr
	}

	opts := []interp.RunnerOption{
		interp.Dir(base),
		interp.Env(expand.ListEnviron(mergeEnv(os.Environ(), ctx.envOverrides)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &outputBuffer, errOut),
		interp.Params("-e"),
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	for _, cmd := range shellCmd {
		err := runner.Run(ctx.ctx, cmd)
		if err != nil {
			if showError {
				buildlog.Log(ctx.ctx).Error().Err(err).Msg("shell error")
			}
			return starlark.False, nil
		}
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(outputBuffer.String()), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return toStarlark(decoded)
	}

	return starlark.String(outputBuffer.String()), nil
}
