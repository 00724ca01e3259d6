package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Tools.CMake != "cmake" || cfg.Tools.Git != "git" {
		t.Fatalf("unexpected tool defaults %+v", cfg.Tools)
	}
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Fatalf("unexpected log level %v", cfg.LogLevel())
	}
	if cfg.Manifest != "setup.yml" {
		t.Fatalf("unexpected manifest %s", cfg.Manifest)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HARUHI_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.LogLevel() != zerolog.DebugLevel {
		t.Fatalf("unexpected log level %v", cfg.LogLevel())
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := Loader(t.TempDir())
	cfg.Log.Level = "info"
	cfg.Tools.CMake = "cmake"
	cfg.Tools.Git = "git"
	cfg.Manifest = "setup.yml"

	cfg.Tools.MinCMake = ">= 3.16"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Tools.MinCMake = "newest please"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid constraint to fail")
	}

	cfg.Tools.MinCMake = ""
	cfg.Log.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid log level to fail")
	}
}

func TestManifestPath(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{Manifest: "setup.yml"}
	if got := cfg.ManifestPath(root); got != filepath.Join(root, "setup.yml") {
		t.Fatalf("unexpected path %s", got)
	}

	abs := filepath.Join(os.TempDir(), "other.yml")
	cfg.Manifest = abs
	if got := cfg.ManifestPath(root); got != abs {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestLoad_SettingsFile(t *testing.T) {
	root := t.TempDir()
	settings := "[log]\nlevel = \"warn\"\n\n[tools]\ncmake = \"/opt/cmake/bin/cmake\"\n"
	if err := os.WriteFile(filepath.Join(root, FileName), []byte(settings), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Tools.CMake != "/opt/cmake/bin/cmake" || cfg.Tools.Git != "git" {
		t.Fatalf("unexpected tools %+v", cfg.Tools)
	}
	if cfg.LogLevel() != zerolog.WarnLevel {
		t.Fatalf("unexpected log level %v", cfg.LogLevel())
	}
}
