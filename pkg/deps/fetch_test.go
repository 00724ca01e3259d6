package deps

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rotisserie/eris"
)

type archiveEntry struct {
	name string
	body string
}

func makeZip(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, entry := range entries {
		f, err := w.Create(entry.name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(entry.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	return buf.Bytes()
}

func makeTarGz(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := tar.NewWriter(gz)
	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.name, Mode: 0o644, Size: int64(len(entry.body)), Typeflag: tar.TypeReg}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := w.Write([]byte(entry.body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type archiveServer struct {
	*httptest.Server
	hits int32
}

func serveArchives(t *testing.T, files map[string][]byte) *archiveServer {
	t.Helper()

	srv := &archiveServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&srv.hits, 1)
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func writeDeps(t *testing.T, root, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(root, FileName), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", FileName, err)
	}
}

func newTestFetcher(root string, srv *archiveServer) *Fetcher {
	return &Fetcher{
		Root:   root,
		Client: srv.Client(),
		Vars:   map[string]string{"BASE": srv.URL},
	}
}

func metalCppZip(t *testing.T) []byte {
	return makeZip(t, []archiveEntry{
		{name: "metal-cpp/Foundation/Foundation.hpp", body: "#pragma once\n"},
		{name: "metal-cpp/Metal/Metal.hpp", body: "#pragma once\n"},
		{name: "metal-cpp/README.md", body: "metal-cpp\n"},
	})
}

func TestFetch_ZipWithStrip(t *testing.T) {
	root := t.TempDir()
	archive := metalCppZip(t)
	srv := serveArchives(t, map[string][]byte{"/metal-cpp.zip": archive})

	writeDeps(t, root, `deps:
  metal-cpp:
    url: "{BASE}/metal-cpp.zip"
    dest: third_party/metal-cpp
    sha256: `+checksum(archive)+`
    strip: 1
`)

	err := newTestFetcher(root, srv).Fetch(context.Background(), "metal-cpp")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}

	for _, name := range []string{"Foundation/Foundation.hpp", "Metal/Metal.hpp", "README.md"} {
		if _, err := os.Stat(filepath.Join(root, "third_party", "metal-cpp", filepath.FromSlash(name))); err != nil {
			t.Fatalf("expected %s to be extracted: %v", name, err)
		}
	}

	stamps, err := LoadStamps(root)
	if err != nil {
		t.Fatalf("LoadStamps error: %v", err)
	}
	want := map[string]string{"metal-cpp": srv.URL + "/metal-cpp.zip#" + checksum(archive)}
	if diff := cmp.Diff(want, stamps); diff != "" {
		t.Fatalf("unexpected stamps (-want +got):\n%s", diff)
	}
}

func TestFetch_SkipsUpToDate(t *testing.T) {
	root := t.TempDir()
	archive := makeTarGz(t, []archiveEntry{{name: "pkg/include/a.h", body: "a"}})
	srv := serveArchives(t, map[string][]byte{"/a.tar.gz": archive})

	writeDeps(t, root, `deps:
  a:
    url: "{BASE}/a.tar.gz"
    dest: third_party/a
    sha256: `+checksum(archive)+`
    strip: 1
`)

	fetcher := newTestFetcher(root, srv)
	for i := 0; i < 2; i++ {
		if err := fetcher.Fetch(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if hits := atomic.LoadInt32(&srv.hits); hits != 1 {
		t.Fatalf("expected a single download, got %d", hits)
	}

	data, err := os.ReadFile(filepath.Join(root, "third_party", "a", "include", "a.h"))
	if err != nil || string(data) != "a" {
		t.Fatalf("unexpected content %q (err = %v)", data, err)
	}

	// Deleting the destination forces a new download.
	if err := os.RemoveAll(filepath.Join(root, "third_party", "a")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := fetcher.Fetch(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if hits := atomic.LoadInt32(&srv.hits); hits != 2 {
		t.Fatalf("expected a second download, got %d", hits)
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	archive := metalCppZip(t)
	srv := serveArchives(t, map[string][]byte{"/metal-cpp.zip": archive})

	writeDeps(t, root, `deps:
  metal-cpp:
    url: "{BASE}/metal-cpp.zip"
    dest: third_party/metal-cpp
    sha256: 0000000000000000000000000000000000000000000000000000000000000000
    strip: 1
`)

	err := newTestFetcher(root, srv).Fetch(context.Background())
	if !eris.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "third_party", "metal-cpp")); !os.IsNotExist(err) {
		t.Fatalf("archive was extracted despite the checksum mismatch")
	}
}

func TestFetch_MissingChecksum(t *testing.T) {
	root := t.TempDir()
	srv := serveArchives(t, map[string][]byte{})

	writeDeps(t, root, `deps:
  metal-cpp:
    url: "{BASE}/metal-cpp.zip"
    dest: third_party/metal-cpp
`)

	err := newTestFetcher(root, srv).Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "doesn't have a checksum") {
		t.Fatalf("expected missing checksum error, got %v", err)
	}
	if hits := atomic.LoadInt32(&srv.hits); hits != 0 {
		t.Fatalf("downloaded without a checksum")
	}
}

func TestFetch_UpdateWritesChecksum(t *testing.T) {
	root := t.TempDir()
	archive := metalCppZip(t)
	srv := serveArchives(t, map[string][]byte{"/metal-cpp.zip": archive})

	writeDeps(t, root, `# Header-only dependencies
deps:
  metal-cpp:
    url: "{BASE}/metal-cpp.zip"
    dest: third_party/metal-cpp
    strip: 1
`)

	fetcher := newTestFetcher(root, srv)
	fetcher.Update = true
	if err := fetcher.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	want := `# Header-only dependencies
deps:
  metal-cpp:
    sha256: ` + checksum(archive) + `
    url: "{BASE}/metal-cpp.zip"
    dest: third_party/metal-cpp
    strip: 1
`
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Fatalf("unexpected DEPS.yml (-want +got):\n%s", diff)
	}

	// The stamp now matches the recorded checksum so a normal run does nothing.
	fetcher.Update = false
	if err := fetcher.Fetch(context.Background()); err != nil {
		t.Fatalf("second Fetch error: %v", err)
	}
	if hits := atomic.LoadInt32(&srv.hits); hits != 1 {
		t.Fatalf("expected a single download, got %d", hits)
	}
}

func TestFetch_UnknownDependency(t *testing.T) {
	root := t.TempDir()
	srv := serveArchives(t, map[string][]byte{})
	writeDeps(t, root, "deps: {}\n")

	err := newTestFetcher(root, srv).Fetch(context.Background(), "metal-cpp")
	if err == nil || !strings.Contains(err.Error(), "not listed") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestFetch_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	archive := makeTarGz(t, []archiveEntry{{name: "pkg/../../../evil.txt", body: "gotcha"}})
	srv := serveArchives(t, map[string][]byte{"/evil.tar.gz": archive})

	writeDeps(t, root, `deps:
  evil:
    url: "{BASE}/evil.tar.gz"
    dest: third_party/evil
    sha256: `+checksum(archive)+`
`)

	err := newTestFetcher(root, srv).Fetch(context.Background())
	if !eris.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("traversal entry was written")
	}
}

func TestParseConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"no url":      "deps:\n  a:\n    dest: x\n",
		"no dest":     "deps:\n  a:\n    url: http://x/a.zip\n",
		"abs dest":    "deps:\n  a:\n    url: http://x/a.zip\n    dest: /tmp/a\n",
		"outside":     "deps:\n  a:\n    url: http://x/a.zip\n    dest: ../a\n",
		"neg strip":   "deps:\n  a:\n    url: http://x/a.zip\n    dest: a\n    strip: -1\n",
		"broken yaml": "deps: [",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(content), "DEPS.yml"); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestEvalConditions(t *testing.T) {
	vars := map[string]string{"darwin": "true", "VERSION": "1.2"}

	meta := Spec{URL: "https://example.com/{VERSION}/{MISSING}.zip", Condition: "darwin"}
	if !EvalConditions(&meta, vars) {
		t.Fatalf("expected condition to match")
	}
	if meta.URL != "https://example.com/1.2/.zip" {
		t.Fatalf("unexpected url %s", meta.URL)
	}

	meta = Spec{URL: "x", Condition: "darwin, linux"}
	if EvalConditions(&meta, vars) {
		t.Fatalf("expected missing linux to fail the condition")
	}

	meta = Spec{URL: "x", Rejections: "darwin"}
	if EvalConditions(&meta, vars) {
		t.Fatalf("expected ifNot darwin to reject")
	}
}

func TestRewriteChecksums(t *testing.T) {
	input := `vars:
  VERSION: "1"

deps:
  a:
    url: https://example.com/a.zip
    sha256: old
    dest: a
  b:
    url: https://example.com/b.zip
    dest: b
`

	got, err := RewriteChecksums(input, map[string]string{"a": "new-a", "b": "new-b"})
	if err != nil {
		t.Fatalf("RewriteChecksums error: %v", err)
	}

	want := `vars:
  VERSION: "1"

deps:
  a:
    url: https://example.com/a.zip
    sha256: new-a
    dest: a
  b:
    sha256: new-b
    url: https://example.com/b.zip
    dest: b
`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}

	if _, err := RewriteChecksums(input, map[string]string{"c": "x"}); err == nil {
		t.Fatalf("expected unknown section to fail")
	}
}
