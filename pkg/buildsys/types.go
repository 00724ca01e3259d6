package buildsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// Command is a single entry in a task's cmds list. It's either a piece of
// shell script or a reference to another task.
type Command interface {
	Statements(parser *syntax.Parser) ([]*syntax.Stmt, error)
	SubTask() *Task
}

// ScriptCommand is a shell snippet.
type ScriptCommand struct {
	Task    string
	Content string
	Index   int
}

func (s ScriptCommand) Statements(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	result, err := parser.Parse(strings.NewReader(s.Content), fmt.Sprintf("%s:%d", s.Task, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

func (ScriptCommand) SubTask() *Task {
	return nil
}

// TaskCommand runs an inline task, usually one declared without a name.
type TaskCommand struct {
	Task *Task
}

func (TaskCommand) Statements(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

func (t TaskCommand) SubTask() *Task {
	return t.Task
}

// Task contains the processed values passed to task() by tasks.star
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []Command
	Hidden       bool
}

// TaskList maps short names to each visible task
type TaskList map[string]*Task

// ScriptOption is an option declared through option() in the global scope.
type ScriptOption struct {
	DefaultValue string
	Help         string
}

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error; tasks are only ever passed around, never used as dict keys.
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// Path is an absolute, normalized path returned by resolve_path(). Commands
// receive it relative to the task's base directory.
type Path string

var (
	_ starlark.Value      = Path("")
	_ starlark.Comparable = Path("")
	_ starlark.Sliceable  = Path("")
)

func (p Path) String() string {
	return starlark.String(p).String()
}

func (p Path) Type() string {
	return "path"
}

func (p Path) Freeze() {}

func (p Path) Truth() starlark.Bool {
	return p != ""
}

func (p Path) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p Path) CompareSameType(op starsyntax.Token, other starlark.Value, depth int) (bool, error) {
	y := other.(Path)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p Path) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p Path) Len() int {
	return len(p)
}

func (p Path) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}

// stringOrPath accepts both plain strings and paths from a script.
func stringOrPath(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case Path:
		return string(value), nil
	}

	return "", eris.Errorf("for %s: got %s, want path or string", field, value.Type())
}
