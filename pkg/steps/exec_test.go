package steps

import (
	"context"
	"strings"
	"testing"
)

// echo, false and exit are shell builtins, so these tests don't depend on
// external binaries being installed.

func TestShellExecutor_CapturesOutput(t *testing.T) {
	exec := &ShellExecutor{}

	res, err := exec.Run(context.Background(), Invocation{Name: "echo", Args: []string{"hello world", "$HOME"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello world $HOME" {
		t.Fatalf("arguments were not passed verbatim: %q", got)
	}
}

func TestShellExecutor_ReportsExitStatus(t *testing.T) {
	exec := &ShellExecutor{}

	res, err := exec.Run(context.Background(), Invocation{Name: "exit", Args: []string{"3"}, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}

	_, err = RunChecked(context.Background(), exec, Invocation{Name: "false", Dir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected RunChecked to fail for false")
	}
}

func TestShellExecutor_PassesEnv(t *testing.T) {
	exec := &ShellExecutor{Environ: []string{}}

	res, err := exec.Run(context.Background(), Invocation{
		Name: "echo",
		Args: []string{"ok"},
		Env:  []string{"CMAKE_BUILD_TYPE=Release"},
		Dir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "ok" {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
}

func TestInvocation_String(t *testing.T) {
	inv := Invocation{Name: "cmake", Args: []string{"-S", "third party", "-B", "out"}}
	if got := inv.String(); got != "cmake -S 'third party' -B out" {
		t.Fatalf("unexpected rendering %q", got)
	}
}

func TestDryRunExecutor_Records(t *testing.T) {
	exec := &DryRunExecutor{}
	inv := Invocation{Name: "cmake", Args: []string{"--build", "out"}}

	res, err := exec.Run(context.Background(), inv)
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}

	if got := exec.Recorded(); len(got) != 1 || got[0].Name != "cmake" {
		t.Fatalf("unexpected recorded invocations %+v", got)
	}
}
