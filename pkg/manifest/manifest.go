// Package manifest describes what `tool setup` and `tool setup-deps` do for a
// checkout. The description lives in setup.yml at the project root.
package manifest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest's name inside the project root.
const FileName = "setup.yml"

// HeaderDep is a header-only dependency that has to be present before configuring.
type HeaderDep struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Instruction string `yaml:"instruction"`
	// Fetch names the DEPS.yml entry that can download this dependency.
	Fetch string `yaml:"fetch,omitempty"`
}

// Project describes the top-level CMake project.
type Project struct {
	Source    string      `yaml:"source"`
	Out       string      `yaml:"out"`
	Options   []string    `yaml:"options,omitempty"`
	BuildHint string      `yaml:"buildHint,omitempty"`
	Headers   []HeaderDep `yaml:"headers,omitempty"`
}

// Patch is a literal text substitution applied to a file before configuring.
type Patch struct {
	File string `yaml:"file"`
	Old  string `yaml:"old"`
	New  string `yaml:"new"`
}

// Library is a third-party CMake project that is built as a static library.
type Library struct {
	Name       string   `yaml:"name"`
	Source     string   `yaml:"source"`
	Out        string   `yaml:"out"`
	Submodules bool     `yaml:"submodules"`
	Options    []string `yaml:"options,omitempty"`
	BuildArgs  []string `yaml:"buildArgs,omitempty"`
	Patches    []Patch  `yaml:"patches,omitempty"`
	// Export is a pattern, relative to Out, matching the generated export file
	// that has to be moved to Out.
	Export string `yaml:"export,omitempty"`
}

// Manifest is the parsed content of setup.yml.
type Manifest struct {
	Project   Project   `yaml:"project"`
	Libraries []Library `yaml:"libraries,omitempty"`
}

// Default reproduces the historical setup scripts.
func Default() *Manifest {
	return &Manifest{
		Project: Project{
			Source:    ".",
			Out:       "out",
			BuildHint: "`cmake --build out` to build header and tests",
			Headers: []HeaderDep{{
				Name:        "metal-cpp",
				Path:        "third_party/metal-cpp",
				Instruction: "Download latest version of metal-cpp and extract into third_party(https://developer.apple.com/metal/cpp/)",
				Fetch:       "metal-cpp",
			}},
		},
		Libraries: []Library{{
			Name:       "libspng",
			Source:     "third_party/libspng",
			Out:        "out/third_party/libspng",
			Submodules: true,
			Options: []string{
				"-DBUILD_EXAMPLES=OFF",
				"-DSPNG_SHARED=OFF",
				"-DSPNG_STATIC=ON",
			},
			Patches: []Patch{{
				File: "third_party/libspng/cmake/spngConfig.cmake.in",
				Old:  "find_dependency",
				New:  "find_package",
			}},
			Export: "CMakeFiles/Export/**/spngTargets.cmake",
		}},
	}
}

// Load reads the manifest at path. A missing file yields the defaults.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, eris.Wrapf(err, "Could not open file %s.", path)
	}

	return Parse(data, path)
}

// Parse decodes and validates a manifest. name is only used in error messages.
func Parse(data []byte, name string) (*Manifest, error) {
	m := new(Manifest)
	err := yaml.Unmarshal(data, m)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse %s.", name)
	}

	m.applyDefaults()
	err = m.Validate()
	if err != nil {
		return nil, eris.Wrapf(err, "Invalid manifest %s", name)
	}

	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Project.Source == "" {
		m.Project.Source = "."
	}
	if m.Project.Out == "" {
		m.Project.Out = "out"
	}
	if m.Project.BuildHint == "" {
		m.Project.BuildHint = "`cmake --build " + filepath.ToSlash(m.Project.Out) + "` to build header and tests"
	}

	for idx := range m.Libraries {
		lib := &m.Libraries[idx]
		if lib.Source == "" && lib.Name != "" {
			lib.Source = filepath.ToSlash(filepath.Join("third_party", lib.Name))
		}
		if lib.Out == "" && lib.Source != "" {
			lib.Out = filepath.ToSlash(filepath.Join(m.Project.Out, lib.Source))
		}
	}
}

// Validate checks the manifest for values that would make the pipelines misbehave.
func (m *Manifest) Validate() error {
	err := checkRelative("project.out", m.Project.Out)
	if err != nil {
		return err
	}

	for idx, dep := range m.Project.Headers {
		if dep.Name == "" {
			return eris.Errorf("project.headers[%d] is missing a name", idx)
		}
		if dep.Path == "" {
			return eris.Errorf("header %s is missing a path", dep.Name)
		}
	}

	seen := map[string]bool{}
	for idx, lib := range m.Libraries {
		if lib.Name == "" {
			return eris.Errorf("libraries[%d] is missing a name", idx)
		}
		if seen[lib.Name] {
			return eris.Errorf("library %s is declared more than once", lib.Name)
		}
		seen[lib.Name] = true

		if err := checkRelative("libraries."+lib.Name+".source", lib.Source); err != nil {
			return err
		}
		if err := checkRelative("libraries."+lib.Name+".out", lib.Out); err != nil {
			return err
		}

		for pidx, patch := range lib.Patches {
			if patch.File == "" {
				return eris.Errorf("library %s: patch #%d has no file", lib.Name, pidx)
			}
			if patch.Old == "" {
				return eris.Errorf("library %s: patch #%d for %s has an empty search string", lib.Name, pidx, patch.File)
			}
		}

		if lib.Export != "" && filepath.IsAbs(lib.Export) {
			return eris.Errorf("library %s: export pattern must be relative to %s", lib.Name, lib.Out)
		}
	}

	return nil
}

func checkRelative(field, value string) error {
	if value == "" {
		return eris.Errorf("%s must not be empty", field)
	}

	if filepath.IsAbs(value) || strings.HasPrefix(filepath.ToSlash(value), "/") {
		return eris.Errorf("%s must be relative to the project root, got %s", field, value)
	}

	clean := filepath.ToSlash(filepath.Clean(value))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return eris.Errorf("%s points outside of the project root: %s", field, value)
	}

	return nil
}

// Library returns the library called name.
func (m *Manifest) Library(name string) (*Library, bool) {
	for idx := range m.Libraries {
		if m.Libraries[idx].Name == name {
			return &m.Libraries[idx], true
		}
	}

	return nil, false
}

// LibraryNames lists the declared libraries in manifest order.
func (m *Manifest) LibraryNames() []string {
	names := make([]string, len(m.Libraries))
	for idx, lib := range m.Libraries {
		names[idx] = lib.Name
	}

	return names
}
