package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the optional settings file inside the project root.
const FileName = "haruhi.toml"

// Config describes the settings of the build tool itself
type Config struct {
	Manifest string `default:"setup.yml" toml:"manifest" usage:"Path of the setup manifest, relative to the project root"`
	Log      struct {
		Level string `default:"info" toml:"level"`
		JSON  bool   `default:"false" toml:"json" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	Tools struct {
		CMake    string `default:"cmake" toml:"cmake" usage:"CMake binary"`
		Git      string `default:"git" toml:"git" usage:"Git binary"`
		MinCMake string `default:">= 3.16" toml:"min_cmake" env:"MIN_CMAKE" usage:"Version constraint the CMake binary has to satisfy"`
	} `toml:"tools"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this
// object that reads projectRoot/haruhi.toml and HARUHI_* variables.
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	files := []string{}
	settingsPath := filepath.Join(projectRoot, FileName)
	if _, err := os.Stat(settingsPath); err == nil {
		files = append(files, settingsPath)
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "HARUHI",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the settings for projectRoot.
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "Failed to load settings")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if _, ok := logLevels[strings.ToLower(cfg.Log.Level)]; !ok {
		return eris.Errorf("Invalid log level %s", cfg.Log.Level)
	}

	if cfg.Tools.CMake == "" {
		return eris.New("Tools.CMake must not be empty")
	}

	if cfg.Tools.Git == "" {
		return eris.New("Tools.Git must not be empty")
	}

	if cfg.Tools.MinCMake != "" {
		_, err := semver.NewConstraint(cfg.Tools.MinCMake)
		if err != nil {
			return eris.Wrapf(err, "Invalid value for Tools.MinCMake")
		}
	}

	if cfg.Manifest == "" {
		return eris.New("Manifest must not be empty")
	}

	return nil
}

// LogLevel returns the parsed log level. Call Validate first.
func (cfg *Config) LogLevel() zerolog.Level {
	level, ok := logLevels[strings.ToLower(cfg.Log.Level)]
	if !ok {
		return zerolog.InfoLevel
	}

	return level
}

// ManifestPath resolves the manifest location against projectRoot.
func (cfg *Config) ManifestPath(projectRoot string) string {
	if filepath.IsAbs(cfg.Manifest) {
		return cfg.Manifest
	}

	return filepath.Join(projectRoot, cfg.Manifest)
}
