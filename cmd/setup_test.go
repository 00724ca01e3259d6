package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg/bootstrap"
	"github.com/EndlessArch/haruhi/pkg/buildsys"
	"github.com/EndlessArch/haruhi/pkg/manifest"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

type recordingExecutor struct {
	calls []string
}

func (r *recordingExecutor) Run(ctx context.Context, inv steps.Invocation) (steps.Result, error) {
	r.calls = append(r.calls, inv.String())
	return steps.Result{Invocation: inv}, nil
}

func TestSelectLibraries(t *testing.T) {
	m := manifest.Default()
	m.Libraries = append(m.Libraries, manifest.Library{Name: "zlib", Source: "third_party/zlib", Out: "out/third_party/zlib"})

	all, err := selectLibraries(m, nil)
	if err != nil {
		t.Fatalf("selectLibraries error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected every library, got %d", len(all))
	}

	picked, err := selectLibraries(m, []string{"zlib"})
	if err != nil {
		t.Fatalf("selectLibraries error: %v", err)
	}
	if len(picked) != 1 || picked[0].Name != "zlib" {
		t.Fatalf("unexpected selection %+v", picked)
	}

	if _, err := selectLibraries(m, []string{"libpng"}); err == nil {
		t.Fatalf("expected an error for an unknown library")
	}
}

func TestPrintTasks(t *testing.T) {
	out := bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	printTasks(cmd, buildsys.TaskList{
		"libspng": {Short: "libspng", Desc: "Builds libspng"},
		"build":   {Short: "build", Desc: "Builds the engine"},
		"helper":  {Short: "helper", Hidden: true},
	})

	want := "Available tasks:\n * build:     Builds the engine\n * libspng:   Builds libspng\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Fatalf("unexpected listing (-want +got):\n%s", diff)
	}
}

func TestPrepareLibraries_StopsWhenCancelled(t *testing.T) {
	exec := &recordingExecutor{}
	pipeline := &bootstrap.Pipeline{Root: t.TempDir(), Exec: exec, Notify: func(string) {}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := prepareLibraries(ctx, pipeline, manifest.Default().Libraries)
	if !eris.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("commands ran after cancellation: %v", exec.calls)
	}
}
