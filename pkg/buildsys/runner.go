package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/EndlessArch/haruhi/pkg/buildlog"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

// Commands that tasks can call besides the usual mv, rm and mkdir. They're
// what patch_file() and relocate() expand to.
const (
	patchCommand    = "patch_file"
	relocateCommand = "relocate"
)

var (
	defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)
	defaultOpenHandler = interp.DefaultOpenHandler()
)

// execHandler runs the file helpers in-process so they behave the same on
// every platform and passes everything else on to the OS.
func execHandler(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)

	handled, err := runStepCommand(ctx, hc.Dir, args)
	if !handled {
		handled, err = steps.RunBuiltin(hc.Dir, args)
	}

	if handled {
		if err != nil {
			fmt.Fprintf(hc.Stderr, "%s: %s\n", args[0], eris.ToString(err, false))
			return interp.NewExitStatus(1)
		}
		return nil
	}

	return defaultExecHandler(ctx, args)
}

func runStepCommand(ctx context.Context, dir string, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	abs := func(path string) string {
		if filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(dir, filepath.FromSlash(path))
	}

	switch args[0] {
	case patchCommand:
		if len(args) != 4 {
			return true, eris.Errorf("usage: %s <file> <old> <new>", patchCommand)
		}

		count, err := steps.SubstituteFile(abs(args[1]), args[2], args[3])
		if err != nil {
			return true, err
		}

		buildlog.Log(ctx).Debug().Msgf("replaced %d occurrence(s) of %q in %s", count, args[2], args[1])
		return true, nil
	case relocateCommand:
		if len(args) != 4 {
			return true, eris.Errorf("usage: %s <root> <pattern> <dest dir>", relocateCommand)
		}

		match, err := steps.FindOne(abs(args[1]), args[2])
		if err != nil {
			return true, err
		}

		dest, err := steps.Relocate(match, abs(args[3]))
		if err != nil {
			return true, err
		}

		buildlog.Log(ctx).Debug().Msgf("moved %s to %s", match, dest)
		return true, nil
	}

	return false, nil
}

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// Runner executes tasks from a TaskList.
type Runner struct {
	ProjectRoot string
	Tasks       TaskList
	// DryRun only logs the commands each task would run.
	DryRun bool
	Stdout io.Writer
	Stderr io.Writer

	// done tracks each task's status: false while running, true once finished.
	done map[string]bool
}

// Run executes the named task and its dependencies. With force, the skip and
// up-to-date checks of the named task (but not its dependencies) are ignored.
func (r *Runner) Run(ctx context.Context, name string, force bool) error {
	r.done = make(map[string]bool)

	task, found := r.Tasks[name]
	if !found {
		return eris.Errorf("Task %s not found", name)
	}

	return r.run(ctx, task, nil, force)
}

func (r *Runner) taskEnv(task *Task, inherited map[string]string) expand.Environ {
	env := os.Environ()
	if inherited != nil {
		env = mergeEnv(env, inherited)
	}

	return expand.ListEnviron(mergeEnv(env, task.Env)...)
}

// resolve expands the patterns of a task relative to its base directory.
func (r *Runner) resolve(task *Task, patterns []string) ([]string, error) {
	normalized := make([]string, len(patterns))
	pctx := &scriptCtx{projectRoot: r.ProjectRoot, filepath: filepath.Join(task.Base, ScriptName)}
	for idx, item := range patterns {
		// Relative to the base so that only the pattern itself is expanded.
		abs := normalizePath(pctx, item)
		if rel, err := filepath.Rel(task.Base, abs); err == nil {
			normalized[idx] = rel
		} else {
			normalized[idx] = abs
		}
	}

	return steps.ResolvePatterns(task.Base, normalized)
}

func (r *Runner) skip(ctx context.Context, task *Task) (bool, error) {
	skipList, err := r.resolve(task, task.SkipIfExists)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve skip_if_exists list")
	}

	found := 0
	for _, item := range skipList {
		_, err := os.Stat(item)
		if err == nil {
			found++
		} else if !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "Failed to check %s", item)
		}
	}

	if found > 0 && found == len(skipList) {
		buildlog.Log(ctx).Info().
			Str("task", task.Short).
			Msg("skipped because all skip files exist")
		return true, nil
	}

	return false, nil
}

func (r *Runner) upToDate(ctx context.Context, task *Task) (bool, error) {
	inputList, err := r.resolve(task, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := r.resolve(task, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() || len(outputList) == 0 {
		return false, nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				// A missing output always means the task has to run.
				return false, nil
			}
			return false, eris.Wrapf(err, "Failed to check output %s", item)
		}

		mt := info.ModTime()
		if mt.After(newestOutput) {
			newestOutput = mt
		}
		if mt.Before(oldestOutput) {
			oldestOutput = mt
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		buildlog.Log(ctx).Warn().
			Str("task", task.Short).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if oldestOutput.After(newestInput) {
		buildlog.Log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %f seconds newer)", oldestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}

func (r *Runner) run(ctx context.Context, task *Task, inherited map[string]string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	status, ok := r.done[task.Short]
	if ok {
		if status {
			buildlog.Log(ctx).Debug().Msgf("Task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("Task %s was called recursively", task.Short)
	}

	r.done[task.Short] = false

	for _, dep := range task.Deps {
		depTask, ok := r.Tasks[dep]
		if !ok {
			return eris.Errorf("Task %s not found", dep)
		}

		err := r.run(ctx, depTask, nil, false)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	if !force {
		skip, err := r.skip(ctx, task)
		if err != nil {
			return err
		}

		if !skip {
			skip, err = r.upToDate(ctx, task)
			if err != nil {
				return err
			}
		}

		if skip {
			r.done[task.Short] = true
			return nil
		}
	}

	stdout, stderr := r.Stdout, r.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	// With the skip and input/output checks done, we can finally start executing
	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(r.taskEnv(task, inherited)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}
	logger := buildlog.Log(ctx).With().Str("task", task.Short).Logger()

	for _, item := range task.Cmds {
		if subTask := item.SubTask(); subTask != nil {
			// Inline tasks see the environment of the task that runs them.
			env := mergeEnvMaps(inherited, task.Env)
			err = r.run(ctx, subTask, env, force)
			if err != nil {
				return err
			}
			continue
		}

		stmts, err := item.Statements(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		for _, stmt := range stmts {
			strBuffer.Reset()
			_ = printer.Print(&strBuffer, stmt)
			logger.Info().Bool("command", true).Msg(strBuffer.String())

			if r.DryRun {
				continue
			}

			err = runner.Run(ctx, stmt)
			if err != nil {
				if status, ok := interp.IsExitStatus(err); ok {
					return eris.Errorf("Task %s failed: %s exited with status %d", task.Short, strBuffer.String(), status)
				}
				return eris.Wrapf(err, "Task %s failed", task.Short)
			}

			if runner.Exited() {
				r.done[task.Short] = true
				return nil
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	r.done[task.Short] = true
	return nil
}

func mergeEnvMaps(base, overrides map[string]string) map[string]string {
	result := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overrides {
		result[k] = v
	}

	return result
}
