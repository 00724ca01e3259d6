package steps

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestCheckDir(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "file"), "x")

	cases := map[string]bool{
		tmp:                             true,
		filepath.Join(tmp, "file"):      false,
		filepath.Join(tmp, "missing"):   false,
		filepath.Join(tmp, "missing/a"): false,
	}

	for path, want := range cases {
		got, err := CheckDir(path)
		if err != nil {
			t.Fatalf("CheckDir(%s) error: %v", path, err)
		}
		if got != want {
			t.Fatalf("CheckDir(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestSubstituteFile_SingleOccurrence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spngConfig.cmake.in")
	before := "include(CMakeFindDependencyMacro)\nfind_dependency(ZLIB)\ninclude(\"${CMAKE_CURRENT_LIST_DIR}/spngTargets.cmake\")\n"
	writeFile(t, path, before)

	n, err := SubstituteFile(path, "find_dependency(", "find_package(")
	if err != nil {
		t.Fatalf("SubstituteFile error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 replacement, got %d", n)
	}

	after := readFile(t, path)
	if strings.Contains(after, "find_dependency(") {
		t.Fatalf("old token still present: %q", after)
	}
	if got := strings.Count(after, "find_package("); got != 1 {
		t.Fatalf("expected exactly one new token, got %d", got)
	}

	want := strings.Replace(before, "find_dependency(", "find_package(", 1)
	if after != want {
		t.Fatalf("unexpected content:\n got %q\nwant %q", after, want)
	}
}

func TestSubstituteFile_IdempotentWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.cmake")
	writeFile(t, path, "find_dependency(ZLIB)\n")

	if _, err := SubstituteFile(path, "find_dependency", "find_package"); err != nil {
		t.Fatalf("first SubstituteFile error: %v", err)
	}
	once := readFile(t, path)
	infoOnce, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	n, err := SubstituteFile(path, "find_dependency", "find_package")
	if err != nil {
		t.Fatalf("second SubstituteFile error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no replacements on second run, got %d", n)
	}

	if twice := readFile(t, path); twice != once {
		t.Fatalf("content changed on second run: %q -> %q", once, twice)
	}

	infoTwice, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !infoTwice.ModTime().Equal(infoOnce.ModTime()) {
		t.Fatalf("file was rewritten although nothing matched")
	}
}

func TestSubstituteFile_PreservesModeAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	writeFile(t, path, "echo old\n")
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := SubstituteFile(path, "old", "new"); err != nil {
		t.Fatalf("SubstituteFile error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o755 {
		t.Fatalf("expected mode 755, got %o", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the patched file to remain, got %d entries", len(entries))
	}
}

func TestSubstituteFile_MissingFile(t *testing.T) {
	_, err := SubstituteFile(filepath.Join(t.TempDir(), "nope"), "a", "b")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if !eris.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}
}

func TestSubstituteFile_RejectsEmptyNeedle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "abc")

	if _, err := SubstituteFile(path, "", "x"); err == nil {
		t.Fatalf("expected error for empty search string")
	}
	if got := readFile(t, path); got != "abc" {
		t.Fatalf("file changed: %q", got)
	}
}
