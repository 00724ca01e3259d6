// Package deps downloads and unpacks the archives listed in DEPS.yml.
package deps

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/EndlessArch/haruhi/pkg/steps"
)

const (
	// FileName is the dependency list inside the project root.
	FileName = "DEPS.yml"
	// StampsName records which version of each dependency is currently unpacked.
	StampsName = "DEPS.stamps"
)

// Spec describes a single archive.
type Spec struct {
	// Condition is a comma separated list of variables that all have to be set.
	Condition string `yaml:"if,omitempty"`
	// Rejections is a comma separated list of variables that all have to be unset.
	Rejections string   `yaml:"ifNot,omitempty"`
	URL        string   `yaml:"url"`
	Dest       string   `yaml:"dest"`
	Sha256     string   `yaml:"sha256,omitempty"`
	Strip      int      `yaml:"strip,omitempty"`
	MarkExec   []string `yaml:"markExec,omitempty"`
}

// Config is the parsed content of DEPS.yml.
type Config struct {
	Vars map[string]string `yaml:"vars,omitempty"`
	Deps map[string]Spec   `yaml:"deps"`

	// raw is kept around so that checksum updates don't reformat the file.
	raw string
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// LoadConfig reads DEPS.yml from projectRoot.
func LoadConfig(projectRoot string) (*Config, error) {
	cfgPath := filepath.Join(projectRoot, FileName)
	cfgData, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, eris.Wrapf(err, "Could not open file %s.", cfgPath)
	}

	return ParseConfig(cfgData, cfgPath)
}

// ParseConfig decodes and validates a dependency list. name is only used in error messages.
func ParseConfig(data []byte, name string) (*Config, error) {
	cfg := &Config{}
	err := yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse %s.", name)
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}

	for depName, spec := range cfg.Deps {
		if spec.URL == "" {
			return nil, eris.Errorf("%s: dependency %s has no url", name, depName)
		}
		if spec.Dest == "" || filepath.IsAbs(spec.Dest) {
			return nil, eris.Errorf("%s: dependency %s needs a dest relative to the project root", name, depName)
		}
		clean := filepath.ToSlash(filepath.Clean(spec.Dest))
		if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, eris.Errorf("%s: dest of dependency %s points outside of the project root", name, depName)
		}
		if spec.Strip < 0 {
			return nil, eris.Errorf("%s: dependency %s has a negative strip", name, depName)
		}
	}

	cfg.raw = string(data)
	return cfg, nil
}

// Names lists all dependencies in alphabetical order.
func (cfg *Config) Names() []string {
	names := make([]string, 0, len(cfg.Deps))
	for name := range cfg.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// EvalConditions replaces the {VAR} placeholders in meta.URL and reports
// whether the dependency applies to the current environment.
func EvalConditions(meta *Spec, vars map[string]string) bool {
	meta.URL = varMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return false
		}
	}
	return true
}

// LoadStamps reads DEPS.stamps. A missing file is not an error.
func LoadStamps(projectRoot string) (map[string]string, error) {
	stamps := map[string]string{}
	stampPath := filepath.Join(projectRoot, StampsName)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(err, "Failed to read stamps file %s.", stampPath)
		}
		return stamps, nil
	}

	err = json.Unmarshal(stampData, &stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse JSON file %s.", stampPath)
	}

	return stamps, nil
}

// SaveStamps writes DEPS.stamps.
func SaveStamps(projectRoot string, stamps map[string]string) error {
	stampData, err := json.MarshalIndent(stamps, "", "  ")
	if err != nil {
		return eris.Wrap(err, "Failed to encode stamps")
	}

	return steps.WriteFileAtomic(filepath.Join(projectRoot, StampsName), stampData, 0o660)
}

var sha256Line = regexp.MustCompile(`(?m)^([ \t]+)sha256:.*$`)

// RewriteChecksums returns cfgData with the sha256 entries of the named
// dependencies replaced. Entries without a sha256 line get one inserted right
// below the dependency's name. Everything else stays untouched.
func RewriteChecksums(cfgData string, changes map[string]string) (string, error) {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	generated := cfgData
	for _, name := range names {
		header := regexp.MustCompile(`(?m)^([ \t]*)` + regexp.QuoteMeta(name) + `:[ \t]*\r?\n`)
		loc := header.FindStringSubmatchIndex(generated)
		if loc == nil {
			return "", eris.Errorf("Failed to find the section for %s!", name)
		}

		indent := generated[loc[2]:loc[3]]
		sectionStart := loc[1]
		sectionEnd := len(generated)
		// The section ends at the first line that isn't indented deeper than the header.
		lines := strings.SplitAfter(generated[sectionStart:], "\n")
		pos := sectionStart
		for _, line := range lines {
			trimmed := strings.TrimLeft(line, " \t")
			if strings.TrimSpace(line) != "" && len(line)-len(trimmed) <= len(indent) {
				sectionEnd = pos
				break
			}
			pos += len(line)
		}

		section := generated[sectionStart:sectionEnd]
		lineLoc := sha256Line.FindStringSubmatchIndex(section)
		if lineLoc != nil {
			fieldIndent := section[lineLoc[2]:lineLoc[3]]
			section = section[:lineLoc[0]] + fieldIndent + "sha256: " + changes[name] + section[lineLoc[1]:]
		} else {
			fieldIndent := indent + "  "
			for _, line := range strings.SplitAfter(section, "\n") {
				trimmed := strings.TrimLeft(line, " \t")
				if trimmed != "" && strings.TrimSpace(line) != "" {
					fieldIndent = line[:len(line)-len(trimmed)]
					break
				}
			}
			section = fieldIndent + "sha256: " + changes[name] + "\n" + section
		}

		generated = generated[:sectionStart] + section + generated[sectionEnd:]
	}

	return generated, nil
}
