// Package steps implements the individual operations the setup pipelines are
// made of: running external tools, checking for dependencies, patching files
// and moving generated artifacts around.
package steps

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/EndlessArch/haruhi/pkg/buildlog"
)

// Invocation describes a single external process call.
type Invocation struct {
	Name string
	Args []string
	Dir  string
	// Env holds KEY=value pairs that are added on top of the process environment.
	Env []string
}

// String renders the invocation as a shell command line.
func (i Invocation) String() string {
	buf := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	err := printer.Print(&buf, i.callExpr())
	if err != nil {
		return strings.Join(append([]string{i.Name}, i.Args...), " ")
	}

	return buf.String()
}

func (i Invocation) callExpr() *syntax.CallExpr {
	call := new(syntax.CallExpr)
	for _, item := range i.Env {
		parts := strings.SplitN(item, "=", 2)
		assign := &syntax.Assign{Name: &syntax.Lit{Value: parts[0]}}
		if len(parts) > 1 {
			assign.Value = shellWord(parts[1])
		}
		call.Assigns = append(call.Assigns, assign)
	}

	call.Args = make([]*syntax.Word, 0, len(i.Args)+1)
	call.Args = append(call.Args, shellWord(i.Name))
	for _, arg := range i.Args {
		call.Args = append(call.Args, shellWord(arg))
	}

	return call
}

// shellWord turns a plain string into a word that the interpreter won't split or expand.
func shellWord(value string) *syntax.Word {
	var part syntax.WordPart
	if value == "" || strings.ContainsAny(value, " \t\n$'\"`\\*?[]{}~#&;|<>()") {
		part = &syntax.SglQuoted{Value: value}
	} else {
		part = &syntax.Lit{Value: value}
	}

	return &syntax.Word{Parts: []syntax.WordPart{part}}
}

// Result is the outcome of a finished invocation.
type Result struct {
	Invocation Invocation
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Err returns a *CommandError if the process exited with a non-zero status.
func (r Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}

	return &CommandError{Result: r}
}

// Executor runs external processes. A non-nil error means the process could not
// be run at all; a process that ran and failed is reported through Result.ExitCode.
type Executor interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// RunChecked runs inv and turns a non-zero exit status into an error.
func RunChecked(ctx context.Context, exec Executor, inv Invocation) (Result, error) {
	res, err := exec.Run(ctx, inv)
	if err != nil {
		return res, err
	}

	return res, res.Err()
}

// ShellExecutor runs commands through the mvdan.cc/sh interpreter which
// gives us the same lookup and environment handling on every platform.
type ShellExecutor struct {
	// Stdout and Stderr receive a live copy of the process output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
	// Environ replaces os.Environ() as the base environment if set.
	Environ     []string
	KillTimeout time.Duration
}

var _ Executor = (*ShellExecutor)(nil)

func (e *ShellExecutor) Run(ctx context.Context, inv Invocation) (Result, error) {
	res := Result{Invocation: inv}
	if inv.Name == "" {
		return res, eris.New("invocation without a program name")
	}

	dir := inv.Dir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return res, eris.Wrap(err, "failed to determine working directory")
		}
	}

	env := e.Environ
	if env == nil {
		env = os.Environ()
	}

	var stdout, stderr lockedBuffer
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.ExecHandler(interp.DefaultExecHandler(e.killTimeout())),
		interp.StdIO(nil, teeWriter(&stdout, e.Stdout), teeWriter(&stderr, e.Stderr)),
	)
	if err != nil {
		return res, eris.Wrap(err, "failed to initialize runner")
	}

	buildlog.Log(ctx).Info().
		Bool("command", true).
		Str("dir", dir).
		Msg(inv.String())

	start := time.Now()
	err = runner.Run(ctx, &syntax.Stmt{Cmd: inv.callExpr()})
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		status, ok := interp.IsExitStatus(err)
		if !ok {
			if ctx.Err() != nil {
				return res, eris.Wrapf(ctx.Err(), "%s was interrupted", inv.Name)
			}
			return res, eris.Wrapf(err, "failed to run %s", inv.Name)
		}

		res.ExitCode = int(status)
	}

	buildlog.Log(ctx).Debug().
		Int("exit", res.ExitCode).
		Dur("duration", res.Duration).
		Msgf("%s finished", inv.Name)

	return res, nil
}

func (e *ShellExecutor) killTimeout() time.Duration {
	if e.KillTimeout > 0 {
		return e.KillTimeout
	}

	return 2 * time.Second
}

func teeWriter(buf *lockedBuffer, live io.Writer) io.Writer {
	if live == nil {
		return buf
	}

	return io.MultiWriter(buf, live)
}

// lockedBuffer is shared between the stdout and stderr copier goroutines of os/exec.
type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

// DryRunExecutor logs and records invocations without running anything.
type DryRunExecutor struct {
	lock        sync.Mutex
	Invocations []Invocation
}

var _ Executor = (*DryRunExecutor)(nil)

func (e *DryRunExecutor) Run(ctx context.Context, inv Invocation) (Result, error) {
	e.lock.Lock()
	e.Invocations = append(e.Invocations, inv)
	e.lock.Unlock()

	buildlog.Log(ctx).Info().
		Bool("command", true).
		Bool("dry", true).
		Msg(inv.String())

	return Result{Invocation: inv}, nil
}

// Recorded returns a copy of the recorded invocations.
func (e *DryRunExecutor) Recorded() []Invocation {
	e.lock.Lock()
	defer e.lock.Unlock()

	result := make([]Invocation, len(e.Invocations))
	copy(result, e.Invocations)
	return result
}
