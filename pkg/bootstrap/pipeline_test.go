package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rotisserie/eris"

	"github.com/EndlessArch/haruhi/pkg/manifest"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

// fakeExecutor pretends to be git and cmake. Builds drop an export file into
// the build tree like CMake does.
type fakeExecutor struct {
	root       string
	calls      []string
	failOn     string
	noExport   bool
	cmakeVer   string
	exportHash string
}

func (f *fakeExecutor) Run(ctx context.Context, inv steps.Invocation) (steps.Result, error) {
	line := inv.Name + " " + strings.Join(inv.Args, " ")
	f.calls = append(f.calls, line)

	res := steps.Result{Invocation: inv}
	if f.failOn != "" && strings.HasPrefix(line, f.failOn) {
		res.ExitCode = 1
		res.Stderr = "CMake Error: boom"
		return res, nil
	}

	if len(inv.Args) > 0 && inv.Args[0] == "--version" {
		ver := f.cmakeVer
		if ver == "" {
			ver = "3.22.1"
		}
		res.Stdout = "cmake version " + ver + "\n"
	}

	if len(inv.Args) > 1 && inv.Args[0] == "--build" && !f.noExport {
		hash := f.exportHash
		if hash == "" {
			hash = "3f1c0b"
		}
		dir := filepath.Join(f.root, inv.Args[1], "CMakeFiles", "Export", hash, "lib", "cmake", "spng")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, err
		}
		if err := os.WriteFile(filepath.Join(dir, "spngTargets.cmake"), []byte("# targets\n"), 0o644); err != nil {
			return res, err
		}
	}

	return res, nil
}

func newPipeline(t *testing.T) (*Pipeline, *fakeExecutor, *[]string) {
	t.Helper()

	root := t.TempDir()
	exec := &fakeExecutor{root: root}
	notes := []string{}
	p := &Pipeline{
		Root:     root,
		Exec:     exec,
		MinCMake: ">= 3.16",
		Notify:   func(msg string) { notes = append(notes, msg) },
	}

	return p, exec, &notes
}

type fakeFetcher struct {
	root    string
	fetched []string
	create  string
}

func (f *fakeFetcher) Fetch(ctx context.Context, names ...string) error {
	f.fetched = append(f.fetched, names...)
	if f.create != "" {
		return os.MkdirAll(filepath.Join(f.root, f.create), 0o755)
	}
	return nil
}

func TestConfigureProject_MissingHeaderStillConfigures(t *testing.T) {
	p, exec, notes := newPipeline(t)
	proj := manifest.Default().Project

	report, err := p.ConfigureProject(context.Background(), proj)
	if err != nil {
		t.Fatalf("ConfigureProject error: %v", err)
	}

	if len(report.Missing) != 1 || report.Missing[0].Name != "metal-cpp" {
		t.Fatalf("expected metal-cpp to be reported missing, got %+v", report.Missing)
	}

	want := []string{"cmake --version", "cmake -S . -B out"}
	if diff := cmp.Diff(want, exec.calls); diff != "" {
		t.Fatalf("unexpected invocations (-want +got):\n%s", diff)
	}

	wantNotes := []string{
		"Download latest version of metal-cpp and extract into third_party(https://developer.apple.com/metal/cpp/)",
		"`cmake --build out` to build header and tests",
	}
	if diff := cmp.Diff(wantNotes, *notes); diff != "" {
		t.Fatalf("unexpected notes (-want +got):\n%s", diff)
	}
}

func TestConfigureProject_PresentHeader(t *testing.T) {
	p, exec, notes := newPipeline(t)
	if err := os.MkdirAll(filepath.Join(p.Root, "third_party", "metal-cpp"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	report, err := p.ConfigureProject(context.Background(), manifest.Default().Project)
	if err != nil {
		t.Fatalf("ConfigureProject error: %v", err)
	}

	if len(report.Missing) != 0 {
		t.Fatalf("expected nothing missing, got %+v", report.Missing)
	}
	if len(*notes) != 1 {
		t.Fatalf("expected only the build hint, got %v", *notes)
	}
	if exec.calls[len(exec.calls)-1] != "cmake -S . -B out" {
		t.Fatalf("unexpected configure call %q", exec.calls[len(exec.calls)-1])
	}
}

func TestConfigureProject_UncheckableHeader(t *testing.T) {
	p, exec, notes := newPipeline(t)
	// third_party is a file, so checking third_party/metal-cpp fails with ENOTDIR.
	if err := os.WriteFile(filepath.Join(p.Root, "third_party"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	report, err := p.ConfigureProject(context.Background(), manifest.Default().Project)
	if err != nil {
		t.Fatalf("ConfigureProject error: %v", err)
	}

	if len(report.Missing) != 1 || report.Missing[0].Name != "metal-cpp" {
		t.Fatalf("expected metal-cpp to be reported missing, got %+v", report.Missing)
	}
	if exec.calls[len(exec.calls)-1] != "cmake -S . -B out" {
		t.Fatalf("the configure step didn't run: %v", exec.calls)
	}
	if len(*notes) != 2 {
		t.Fatalf("expected the instruction and the build hint, got %v", *notes)
	}
}

func TestConfigureProject_SameOutputEveryRun(t *testing.T) {
	p, exec, _ := newPipeline(t)
	proj := manifest.Default().Project

	for i := 0; i < 3; i++ {
		if _, err := p.ConfigureProject(context.Background(), proj); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	configures := []string{}
	for _, call := range exec.calls {
		if strings.HasPrefix(call, "cmake -S") {
			configures = append(configures, call)
		}
	}

	want := []string{"cmake -S . -B out", "cmake -S . -B out", "cmake -S . -B out"}
	if diff := cmp.Diff(want, configures); diff != "" {
		t.Fatalf("configure calls differ (-want +got):\n%s", diff)
	}

	versionChecks := 0
	for _, call := range exec.calls {
		if call == "cmake --version" {
			versionChecks++
		}
	}
	if versionChecks != 1 {
		t.Fatalf("expected one version check, got %d", versionChecks)
	}
}

func TestConfigureProject_FetchesMissingHeader(t *testing.T) {
	p, _, notes := newPipeline(t)
	fetcher := &fakeFetcher{root: p.Root, create: "third_party/metal-cpp"}
	p.Fetch = fetcher

	report, err := p.ConfigureProject(context.Background(), manifest.Default().Project)
	if err != nil {
		t.Fatalf("ConfigureProject error: %v", err)
	}

	if diff := cmp.Diff([]string{"metal-cpp"}, fetcher.fetched); diff != "" {
		t.Fatalf("unexpected fetches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"metal-cpp"}, report.Fetched); diff != "" {
		t.Fatalf("unexpected report (-want +got):\n%s", diff)
	}
	if len(report.Missing) != 0 || len(*notes) != 1 {
		t.Fatalf("expected no missing deps, got %+v / %v", report.Missing, *notes)
	}
}

func TestConfigureProject_OldCMake(t *testing.T) {
	p, exec, _ := newPipeline(t)
	exec.cmakeVer = "3.10.2"

	_, err := p.ConfigureProject(context.Background(), manifest.Default().Project)
	if err == nil {
		t.Fatalf("expected an error for CMake 3.10")
	}

	for _, call := range exec.calls {
		if strings.HasPrefix(call, "cmake -S") {
			t.Fatalf("configure ran despite failed version check")
		}
	}
}

func TestConfigureProject_ConfigureFailure(t *testing.T) {
	p, exec, notes := newPipeline(t)
	exec.failOn = "cmake -S"

	_, err := p.ConfigureProject(context.Background(), manifest.Default().Project)
	if err == nil {
		t.Fatalf("expected configure failure to propagate")
	}
	for _, note := range *notes {
		if strings.Contains(note, "cmake --build") {
			t.Fatalf("build hint printed after a failed configure")
		}
	}
}

func writePatchTarget(t *testing.T, root string) string {
	t.Helper()

	path := filepath.Join(root, "third_party", "libspng", "cmake", "spngConfig.cmake.in")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("@PACKAGE_INIT@\nfind_dependency(ZLIB REQUIRED)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	return path
}

func TestPrepareLibrary_Spng(t *testing.T) {
	p, exec, _ := newPipeline(t)
	patched := writePatchTarget(t, p.Root)
	lib := manifest.Default().Libraries[0]

	report, err := p.PrepareLibrary(context.Background(), lib)
	if err != nil {
		t.Fatalf("PrepareLibrary error: %v", err)
	}

	want := []string{
		"git submodule update --init --recursive",
		"cmake --version",
		"cmake -S third_party/libspng -B out/third_party/libspng -DBUILD_EXAMPLES=OFF -DSPNG_SHARED=OFF -DSPNG_STATIC=ON",
		"cmake --build out/third_party/libspng",
	}
	if diff := cmp.Diff(want, exec.calls); diff != "" {
		t.Fatalf("unexpected invocations (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(patched)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "@PACKAGE_INIT@\nfind_package(ZLIB REQUIRED)\n" {
		t.Fatalf("unexpected patched content %q", data)
	}
	if report.Patched["third_party/libspng/cmake/spngConfig.cmake.in"] != 1 {
		t.Fatalf("unexpected patch report %+v", report.Patched)
	}

	wantExport := filepath.Join(p.Root, "out", "third_party", "libspng", "spngTargets.cmake")
	if report.Export != wantExport {
		t.Fatalf("export moved to %s, want %s", report.Export, wantExport)
	}
	if _, err := os.Stat(wantExport); err != nil {
		t.Fatalf("export file missing: %v", err)
	}
	old := filepath.Join(p.Root, "out", "third_party", "libspng", "CMakeFiles", "Export", "3f1c0b", "lib", "cmake", "spng", "spngTargets.cmake")
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("export file still at its original location (err = %v)", err)
	}
}

func TestPrepareLibrary_RerunIsStable(t *testing.T) {
	p, _, _ := newPipeline(t)
	patched := writePatchTarget(t, p.Root)
	lib := manifest.Default().Libraries[0]

	if _, err := p.PrepareLibrary(context.Background(), lib); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := os.ReadFile(patched)

	report, err := p.PrepareLibrary(context.Background(), lib)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := os.ReadFile(patched)

	if string(first) != string(second) {
		t.Fatalf("patch is not idempotent: %q -> %q", first, second)
	}
	if report.Patched["third_party/libspng/cmake/spngConfig.cmake.in"] != 0 {
		t.Fatalf("expected no replacements on rerun, got %+v", report.Patched)
	}
}

func TestPrepareLibrary_MissingExport(t *testing.T) {
	p, exec, _ := newPipeline(t)
	exec.noExport = true
	writePatchTarget(t, p.Root)

	_, err := p.PrepareLibrary(context.Background(), manifest.Default().Libraries[0])
	if !eris.Is(err, steps.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestPrepareLibrary_MissingPatchTarget(t *testing.T) {
	p, exec, _ := newPipeline(t)

	_, err := p.PrepareLibrary(context.Background(), manifest.Default().Libraries[0])
	if !eris.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}

	for _, call := range exec.calls {
		if strings.HasPrefix(call, "cmake") {
			t.Fatalf("cmake ran although patching failed: %v", exec.calls)
		}
	}
}

func TestPrepareLibrary_DryRun(t *testing.T) {
	p, exec, _ := newPipeline(t)
	p.DryRun = true
	exec.noExport = true
	patched := writePatchTarget(t, p.Root)

	report, err := p.PrepareLibrary(context.Background(), manifest.Default().Libraries[0])
	if err != nil {
		t.Fatalf("PrepareLibrary error: %v", err)
	}

	data, _ := os.ReadFile(patched)
	if !strings.Contains(string(data), "find_dependency") {
		t.Fatalf("dry run modified %s", patched)
	}
	if report.Export != "" {
		t.Fatalf("dry run relocated %s", report.Export)
	}
	for _, call := range exec.calls {
		if call == "cmake --version" {
			t.Fatalf("dry run checked the CMake version")
		}
	}
}

func TestPrepareLibraries_StopsAtFirstFailure(t *testing.T) {
	p, exec, _ := newPipeline(t)
	exec.failOn = "cmake --build out/third_party/zlib"
	writePatchTarget(t, p.Root)

	m, err := manifest.Parse([]byte(`
libraries:
  - name: zlib
    submodules: true
  - name: libspng
    submodules: true
`), "inline")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	reports, err := p.PrepareLibraries(context.Background(), m.Libraries)
	if err == nil {
		t.Fatalf("expected zlib build failure")
	}
	if len(reports) != 1 || reports[0].Name != "zlib" {
		t.Fatalf("expected to stop after zlib, got %d reports", len(reports))
	}

	submoduleRuns := 0
	for _, call := range exec.calls {
		if strings.HasPrefix(call, "git submodule") {
			submoduleRuns++
		}
		if strings.Contains(call, "libspng") {
			t.Fatalf("libspng was processed after zlib failed")
		}
	}
	if submoduleRuns != 1 {
		t.Fatalf("expected one submodule update, got %d", submoduleRuns)
	}
}

func TestPrepareLibraries_Cancelled(t *testing.T) {
	p, exec, _ := newPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := p.PrepareLibraries(ctx, manifest.Default().Libraries)
	if !eris.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reports) != 0 || len(exec.calls) != 0 {
		t.Fatalf("nothing should run after cancellation: %d reports, calls %v", len(reports), exec.calls)
	}
}
